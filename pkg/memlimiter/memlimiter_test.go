package memlimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAndRelease(t *testing.T) {
	l := New(100)

	require.NoError(t, l.Reserve(context.Background(), 60))
	assert.False(t, l.TryReserve(60), "only 40 bytes remain, a 60-byte reservation must fail")
	assert.True(t, l.TryReserve(40))

	l.Release(100)
	assert.True(t, l.TryReserve(100), "releasing everything restores the full budget")
}

func TestReserveRejectsOversizedRequest(t *testing.T) {
	l := New(10)
	err := l.Reserve(context.Background(), 11)
	assert.Error(t, err)
}

func TestReserveBlocksUntilContextCancelled(t *testing.T) {
	l := New(10)
	require.True(t, l.TryReserve(10))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Reserve(ctx, 1)
	assert.Error(t, err, "Reserve must give up once the context is done rather than block forever")
}

func TestLimitReportsCapacity(t *testing.T) {
	l := New(4096)
	assert.Equal(t, int64(4096), l.Limit())
}

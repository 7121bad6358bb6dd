package mergeiter

import (
	"context"
	"testing"

	"github.com/cuemby/hummock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource replays a fixed slice of rows, already in the order the
// caller wants merged; it never fails.
type sliceSource struct {
	rows []types.KeyValue
	idx  int
}

func newSliceSource(rows ...types.KeyValue) *sliceSource {
	return &sliceSource{rows: rows, idx: -1}
}

func (s *sliceSource) Next(ctx context.Context) (bool, error) {
	s.idx++
	return s.idx < len(s.rows), nil
}

func (s *sliceSource) Value() types.KeyValue { return s.rows[s.idx] }

func kv(key string, epoch types.Epoch, value string, del bool) types.KeyValue {
	return types.KeyValue{UserKey: []byte(key), Epoch: epoch, Value: []byte(value), Delete: del}
}

func drain(t *testing.T, src Source) []types.KeyValue {
	t.Helper()
	var out []types.KeyValue
	for {
		ok, err := src.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, src.Value())
	}
}

func TestUnorderedMergeIteratorOrdersByKeyThenEpochDescending(t *testing.T) {
	a := newSliceSource(kv("a", 3, "a3", false), kv("c", 1, "c1", false))
	b := newSliceSource(kv("a", 5, "a5", false), kv("b", 2, "b2", false))

	merged := NewUnorderedMergeIterator([]Source{a, b})
	got := drain(t, merged)

	require.Len(t, got, 4)
	assert.Equal(t, "a", string(got[0].UserKey))
	assert.Equal(t, types.Epoch(5), got[0].Epoch)
	assert.Equal(t, "a", string(got[1].UserKey))
	assert.Equal(t, types.Epoch(3), got[1].Epoch)
	assert.Equal(t, "b", string(got[2].UserKey))
	assert.Equal(t, "c", string(got[3].UserKey))
}

func TestConcatSSTableIteratorWalksInOrder(t *testing.T) {
	first := newSliceSource(kv("a", 1, "1", false))
	second := newSliceSource(kv("b", 1, "2", false), kv("c", 1, "3", false))

	concat := NewConcatSSTableIterator([]Source{first, second})
	got := drain(t, concat)

	require.Len(t, got, 3)
	assert.Equal(t, "a", string(got[0].UserKey))
	assert.Equal(t, "b", string(got[1].UserKey))
	assert.Equal(t, "c", string(got[2].UserKey))
}

func TestDeduperKeepsEveryVersionAboveWatermark(t *testing.T) {
	src := newSliceSource(
		kv("k", 10, "v10", false),
		kv("k", 8, "v8", false),
		kv("k", 3, "v3", false),
	)
	merged := NewUnorderedMergeIterator([]Source{src})
	task := &types.CompactTask{Watermark: 5}
	d := NewDeduper(merged, task, 0)

	got := drain(t, d)

	require.Len(t, got, 3, "versions above the watermark (10, 8) must both survive, plus the newest at-or-below (3)")
	assert.Equal(t, types.Epoch(10), got[0].Epoch)
	assert.Equal(t, types.Epoch(8), got[1].Epoch)
	assert.Equal(t, types.Epoch(3), got[2].Epoch)
}

func TestDeduperCollapsesVersionsAtOrBelowWatermark(t *testing.T) {
	src := newSliceSource(
		kv("k", 10, "v10", false),
		kv("k", 4, "v4", false),
		kv("k", 2, "v2", false),
		kv("k", 1, "v1", false),
	)
	merged := NewUnorderedMergeIterator([]Source{src})
	task := &types.CompactTask{Watermark: 5}
	d := NewDeduper(merged, task, 0)

	got := drain(t, d)

	require.Len(t, got, 2, "only the newest at-or-below-watermark version (4) survives; 2 and 1 are unreachable")
	assert.Equal(t, types.Epoch(10), got[0].Epoch)
	assert.Equal(t, types.Epoch(4), got[1].Epoch)
}

func TestDeduperDropsTombstoneWhenGCDeleteKeysSet(t *testing.T) {
	src := newSliceSource(
		kv("k", 4, "", true),
		kv("other", 1, "v", false),
	)
	merged := NewUnorderedMergeIterator([]Source{src})
	task := &types.CompactTask{Watermark: 10, GCDeleteKeys: true}
	d := NewDeduper(merged, task, 0)

	got := drain(t, d)

	require.Len(t, got, 1, "the tombstone at or below the watermark is dropped when GCDeleteKeys is set")
	assert.Equal(t, "other", string(got[0].UserKey))
}

func TestDeduperKeepsTombstoneWhenGCDeleteKeysUnset(t *testing.T) {
	src := newSliceSource(kv("k", 4, "", true))
	merged := NewUnorderedMergeIterator([]Source{src})
	task := &types.CompactTask{Watermark: 10, GCDeleteKeys: false}
	d := NewDeduper(merged, task, 0)

	got := drain(t, d)

	require.Len(t, got, 1)
	assert.True(t, got[0].Delete)
}

func TestDeduperHandlesEmptyInput(t *testing.T) {
	merged := NewUnorderedMergeIterator(nil)
	d := NewDeduper(merged, &types.CompactTask{}, 0)

	ok, err := d.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

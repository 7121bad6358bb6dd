package sstable

import (
	"context"
	"testing"

	"github.com/cuemby/hummock/pkg/objectstore/disk"
	"github.com/cuemby/hummock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	objects, err := disk.New(t.TempDir())
	require.NoError(t, err)
	store, err := New(objects, Config{
		MetaCacheCapacity:  16,
		BlockCacheCapacity: 16,
		TierDir:            t.TempDir(),
		TierCapacityBytes:  1 << 20,
	})
	require.NoError(t, err)
	return store
}

func sequentialAllocator(next *types.SstID) SstIDAllocator {
	return func(count uint32) (types.SstIDRange, error) {
		start := *next
		*next += types.SstID(count)
		return types.SstIDRange{Start: start, End: *next}, nil
	}
}

func TestCapacitySplitBuilderRoundTripsThroughIterator(t *testing.T) {
	store := newTestStore(t)
	var nextID types.SstID = 1

	for _, compression := range []string{"none", "zstd", "lz4"} {
		t.Run(compression, func(t *testing.T) {
			b := NewCapacitySplitBuilder(store, sequentialAllocator(&nextID), compression, types.CacheFill)
			ctx := context.Background()

			rows := []types.KeyValue{
				{UserKey: []byte("a"), Epoch: 3, Value: []byte("alpha")},
				{UserKey: []byte("b"), Epoch: 2, Value: []byte("beta")},
				{UserKey: []byte("c"), Epoch: 1, Value: []byte("gamma"), Delete: true},
			}
			for _, r := range rows {
				require.NoError(t, b.Add(ctx, r, 7))
			}

			outputs, err := b.Finish(ctx)
			require.NoError(t, err)
			require.Len(t, outputs, 1, "all three rows fit well under the default block/SST capacity")

			info := outputs[0]
			assert.Equal(t, "a", string(info.KeyRange.Smallest))
			assert.Equal(t, "c", string(info.KeyRange.Largest))
			assert.Equal(t, uint64(3), info.TotalKeyCount)
			assert.Equal(t, uint64(1), info.StaleKeyCount)
			assert.Equal(t, []uint32{7}, info.TableIDs)

			it, err := NewIterator(ctx, store, info.SstID)
			require.NoError(t, err)

			var got []types.KeyValue
			for {
				ok, err := it.Next(ctx)
				require.NoError(t, err)
				if !ok {
					break
				}
				got = append(got, it.Value())
			}

			require.Len(t, got, len(rows))
			for i, r := range rows {
				assert.Equal(t, string(r.UserKey), string(got[i].UserKey))
				assert.Equal(t, r.Epoch, got[i].Epoch)
				assert.Equal(t, string(r.Value), string(got[i].Value))
				assert.Equal(t, r.Delete, got[i].Delete)
			}
		})
	}
}

func TestCapacitySplitBuilderProducesNoOutputForEmptyInput(t *testing.T) {
	store := newTestStore(t)
	var nextID types.SstID = 1
	allocCalls := 0
	alloc := func(count uint32) (types.SstIDRange, error) {
		allocCalls++
		return sequentialAllocator(&nextID)(count)
	}

	b := NewCapacitySplitBuilder(store, alloc, "none", types.CacheFill)
	outputs, err := b.Finish(context.Background())

	require.NoError(t, err)
	assert.Empty(t, outputs)
	assert.Zero(t, allocCalls, "a merge that writes no rows must never call the id allocator")
}

func TestCapacitySplitBuilderRotatesOnSstCapacity(t *testing.T) {
	store := newTestStore(t)
	var nextID types.SstID = 100

	b := NewCapacitySplitBuilder(store, sequentialAllocator(&nextID), "none", types.CacheFill)
	b.blockCap = 50 // force each row into its own block
	b.sstCap = 64   // and each block into its own SST
	ctx := context.Background()

	big := make([]byte, 100)
	require.NoError(t, b.Add(ctx, types.KeyValue{UserKey: []byte("a"), Epoch: 1, Value: big}, 1))
	require.NoError(t, b.Add(ctx, types.KeyValue{UserKey: []byte("b"), Epoch: 1, Value: big}, 1))

	outputs, err := b.Finish(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(outputs), 2, "exceeding sstCap mid-merge must split into multiple output SSTs")
}

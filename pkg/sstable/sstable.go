// Package sstable is the read/write path for immutable sorted-string
// tables: encoding blocks to the object store, and serving reads back
// out of a two-tier cache (in-memory LRU over a file-backed tier). The
// file tier's index lives in memory, so blocks spilled by an earlier
// process are not served after a restart.
package sstable

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/cuemby/hummock/pkg/metrics"
	"github.com/cuemby/hummock/pkg/objectstore"
	"github.com/cuemby/hummock/pkg/types"
	"golang.org/x/sync/singleflight"
)

// DataPath and MetaPath return the canonical object store keys for an
// SST's data and meta blobs.
func DataPath(id types.SstID) string { return fmt.Sprintf("hummock/sst/%d.data", id) }
func MetaPath(id types.SstID) string { return fmt.Sprintf("hummock/sst/%d.meta", id) }

// Config sizes the in-memory caches and the tiered file cache.
type Config struct {
	MetaCacheCapacity  int
	BlockCacheCapacity int
	TierDir            string
	TierCapacityBytes  uint64
}

// Store serves SST meta and block reads through in-memory LRU caches
// backed by a tiered (file) cache for blocks evicted from memory, and
// writes new SSTs to the object store.
type Store struct {
	objects objectstore.Store

	metaCache  *lru.Cache[types.SstID, *types.SstInfo]
	blockCache *lru.Cache[blockKey, []byte]
	tier       *tieredCache

	metaGroup  singleflight.Group
	blockGroup singleflight.Group
}

type blockKey struct {
	SstID types.SstID
	Index uint32
}

// New builds a Store. Blocks evicted from the in-memory LRU are handed
// to the tiered file cache rather than dropped outright, the "eviction
// listener" that lets the working set spill to local disk before
// falling all the way back to the object store.
func New(objects objectstore.Store, cfg Config) (*Store, error) {
	tier, err := newTieredCache(cfg.TierDir, cfg.TierCapacityBytes)
	if err != nil {
		return nil, fmt.Errorf("create tiered cache: %w", err)
	}

	s := &Store{objects: objects, tier: tier}

	metaCache, err := lru.New[types.SstID, *types.SstInfo](cfg.MetaCacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("create meta cache: %w", err)
	}
	s.metaCache = metaCache

	blockCache, err := lru.NewWithEvict[blockKey, []byte](cfg.BlockCacheCapacity, func(k blockKey, v []byte) {
		s.tier.Put(k, v)
	})
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}
	s.blockCache = blockCache

	return s, nil
}

// PutSst uploads an SST's data and meta blobs and seeds the meta cache
// with the freshly-written meta, so the next pin/read doesn't round-trip
// to the object store for information the writer already has in hand.
// If the meta upload fails after the data blob landed, the data blob is
// deleted so a failed write never leaves an orphaned blob behind. When
// policy is CacheFill, every block is also seeded into the block cache
// straight from data, sparing the first reader a round trip.
func (s *Store) PutSst(ctx context.Context, info *types.SstInfo, data []byte, metaBytes []byte, policy types.CachePolicy) error {
	if err := s.objects.Upload(ctx, DataPath(info.SstID), data); err != nil {
		return err
	}
	if err := s.finishPutSst(ctx, info, metaBytes, policy, data); err != nil {
		return err
	}
	return nil
}

// finishPutSst uploads the meta blob, seeds the meta cache and (per
// policy) the block cache, and on meta-upload failure deletes the data
// blob that was already uploaded — shared by PutSst and the streaming
// PutSstStream/FinishPutSstStream path, where data is nil (the blocks
// were already streamed and are only needed here for cache fill).
func (s *Store) finishPutSst(ctx context.Context, info *types.SstInfo, metaBytes []byte, policy types.CachePolicy, data []byte) error {
	if err := s.objects.Upload(ctx, MetaPath(info.SstID), metaBytes); err != nil {
		if delErr := s.objects.Delete(ctx, DataPath(info.SstID)); delErr != nil {
			return fmt.Errorf("upload meta for sst %d: %w (cleanup of orphaned data blob also failed: %v)", info.SstID, err, delErr)
		}
		return fmt.Errorf("upload meta for sst %d: %w", info.SstID, err)
	}
	s.metaCache.Add(info.SstID, info)
	if policy == types.CacheFill && data != nil {
		s.fillBlockCache(info, data)
	}
	return nil
}

// fillBlockCache seeds the block cache with every block of an SST just
// written, keyed the same way GetBlock would cache them on a cold read
// (the raw, still-compressed bytes — decompression happens in the
// iterator, same as on a cache miss).
func (s *Store) fillBlockCache(info *types.SstInfo, data []byte) {
	for idx, loc := range info.BlockLocations {
		end := loc.Offset + uint64(loc.Size)
		if end > uint64(len(data)) {
			continue
		}
		s.blockCache.Add(blockKey{SstID: info.SstID, Index: uint32(idx)}, data[loc.Offset:end])
	}
}

// SstWriter streams one SST's data blob directly to the object store
// instead of buffering the whole output in memory, opened by
// PutSstStream and finalized by FinishPutSstStream.
type SstWriter struct {
	store    *Store
	id       types.SstID
	uploader objectstore.Uploader
}

// PutSstStream opens a streaming upload for id's data blob. Callers
// write already-encoded blocks to it via WriteBlock as a merge produces
// them, bounding memory to roughly one block at a time instead of the
// whole output SST.
func (s *Store) PutSstStream(ctx context.Context, id types.SstID) (*SstWriter, error) {
	u, err := s.objects.StreamingUpload(ctx, DataPath(id))
	if err != nil {
		return nil, fmt.Errorf("open streaming upload for sst %d: %w", id, err)
	}
	return &SstWriter{store: s, id: id, uploader: u}, nil
}

// WriteBlock appends one already-encoded block to the stream.
func (w *SstWriter) WriteBlock(b []byte) error {
	return w.uploader.WriteBytes(b)
}

// FinishPutSstStream finalizes the streamed data blob, then uploads
// info's meta blob and seeds the caches exactly as PutSst does — with
// the same delete-data-on-meta-failure behavior. Block-cache fill is
// skipped even under CacheFill, since the blocks that made up this SST
// were never held in memory all at once by the caller; a future reader
// fills the cache from its first read like any other cold SST.
func (w *SstWriter) FinishPutSstStream(ctx context.Context, info *types.SstInfo, metaBytes []byte, policy types.CachePolicy) error {
	if err := w.uploader.Finish(ctx); err != nil {
		return fmt.Errorf("finish streamed sst %d: %w", w.id, err)
	}
	return w.store.finishPutSst(ctx, info, metaBytes, policy, nil)
}

// GetMeta returns the SstInfo for id, filling the meta cache on miss.
// Concurrent misses for the same id are deduplicated via singleflight
// so a cold cache under N concurrent readers issues exactly one object
// store fetch.
func (s *Store) GetMeta(ctx context.Context, id types.SstID) (*types.SstInfo, error) {
	if info, ok := s.metaCache.Get(id); ok {
		metrics.CacheMetaBlockTotal.WithLabelValues("meta", "hit").Inc()
		return info, nil
	}
	metrics.CacheMetaBlockTotal.WithLabelValues("meta", "miss").Inc()

	v, err, _ := s.metaGroup.Do(fmt.Sprint(id), func() (interface{}, error) {
		timer := metrics.NewTimer()
		data, err := s.objects.Read(ctx, MetaPath(id), nil)
		timer.ObserveDurationVec(metrics.RemoteIODuration, "get_meta")
		if err != nil {
			return nil, err
		}
		var info types.SstInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("decode sst meta %d: %w", id, err)
		}
		return &info, nil
	})
	if err != nil {
		return nil, err
	}
	info := v.(*types.SstInfo)
	s.metaCache.Add(id, info)
	return info, nil
}

// GetBlock returns one block of sst's data, checking the in-memory
// cache, then the tiered file cache, then the object store, in that
// order. Each step that fills the cache promotes the block toward
// memory.
func (s *Store) GetBlock(ctx context.Context, id types.SstID, loc types.BlockLocation, index uint32, policy types.CachePolicy) ([]byte, error) {
	key := blockKey{SstID: id, Index: index}

	if policy != types.CacheDisable {
		if b, ok := s.blockCache.Get(key); ok {
			metrics.CacheMetaBlockTotal.WithLabelValues("block", "hit").Inc()
			return b, nil
		}
		if b, ok := s.tier.Get(key); ok {
			metrics.CacheMetaBlockTotal.WithLabelValues("block", "tier_hit").Inc()
			if policy == types.CacheFill {
				s.blockCache.Add(key, b)
			}
			return b, nil
		}
	}
	metrics.CacheMetaBlockTotal.WithLabelValues("block", "miss").Inc()

	v, err, _ := s.blockGroup.Do(blockGroupKey(key), func() (interface{}, error) {
		timer := metrics.NewTimer()
		b, err := s.objects.Read(ctx, DataPath(id), &objectstore.ByteRange{Start: loc.Offset, End: loc.Offset + uint64(loc.Size) - 1})
		timer.ObserveDurationVec(metrics.RemoteIODuration, "get_block")
		return b, err
	})
	if err != nil {
		return nil, err
	}
	b := v.([]byte)
	if policy == types.CacheFill {
		s.blockCache.Add(key, b)
	}
	return b, nil
}

func blockGroupKey(k blockKey) string {
	return fmt.Sprintf("%d:%d", k.SstID, k.Index)
}

// Delete removes an SST's data and meta blobs from the object store and
// evicts any cached state for it. Called once an SST is no longer
// reachable from any version (see pkg/reconciler's SST collection).
func (s *Store) Delete(ctx context.Context, id types.SstID) error {
	s.metaCache.Remove(id)
	if err := s.objects.Delete(ctx, DataPath(id)); err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, MetaPath(id)); err != nil {
		return err
	}
	return nil
}


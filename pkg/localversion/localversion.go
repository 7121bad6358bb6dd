// Package localversion tracks one compute node's view of uncommitted
// writes: the shared buffer of epochs between the last commit_epoch and
// the writer's current epoch, and the pinned HummockVersion reads are
// served against once those writes flush to SSTs.
package localversion

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/hummock/pkg/types"
	"golang.org/x/sync/semaphore"
)

// SharedBuffer holds one epoch's uncommitted writes until it is sealed
// and synced to SSTs. Its lifecycle is Writable -> Sealed -> Syncing ->
// Synced, with Syncing able to fall back to Failed (and be retried)
// instead of reaching Synced.
type SharedBuffer struct {
	Epoch types.Epoch
	State types.SharedBufferState
	// IsCheckpoint marks this buffer's seal as part of a checkpoint
	// barrier rather than an ordinary periodic flush, set by SealEpoch.
	IsCheckpoint bool

	mu    sync.RWMutex
	items []types.KeyValue
	size  int64
}

func newSharedBuffer(epoch types.Epoch) *SharedBuffer {
	return &SharedBuffer{Epoch: epoch, State: types.SharedBufferWritable}
}

// Write appends kv to the buffer. The caller must have already reserved
// len(kv.Value)+len(kv.UserKey) bytes from a BufferTracker. A row with
// no WriteTime of its own is stamped with the current wall-clock time,
// which the TTL compaction filter later compares against.
func (b *SharedBuffer) Write(kv types.KeyValue) {
	if kv.WriteTime == 0 {
		kv.WriteTime = types.Now().Unix()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, kv)
	b.size += int64(len(kv.UserKey) + len(kv.Value))
}

// Size reports the buffer's current byte footprint.
func (b *SharedBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Get performs a point lookup for key within this buffer, returning the
// most recently written value (buffers are append-only within one
// epoch, so the last matching entry wins).
func (b *SharedBuffer) Get(key []byte) (types.KeyValue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := len(b.items) - 1; i >= 0; i-- {
		if string(b.items[i].UserKey) == string(key) {
			return b.items[i], true
		}
	}
	return types.KeyValue{}, false
}

// BufferTracker gates how many bytes of shared-buffer writes may be
// in flight at once across every epoch's SharedBuffer, using a counting
// semaphore sized to the configured memory limit. Write blocks
// (respecting ctx) once the limit is exhausted, so a slow sync to SSTs
// naturally applies backpressure to writers instead of letting the
// process grow without bound.
type BufferTracker struct {
	sem   *semaphore.Weighted
	limit int64
}

// NewBufferTracker creates a tracker capped at limitBytes.
func NewBufferTracker(limitBytes int64) *BufferTracker {
	return &BufferTracker{sem: semaphore.NewWeighted(limitBytes), limit: limitBytes}
}

// Reserve blocks until n bytes of budget are available or ctx is done.
func (t *BufferTracker) Reserve(ctx context.Context, n int64) error {
	return t.sem.Acquire(ctx, n)
}

// Release returns n bytes of budget, called once a SharedBuffer syncs
// and its entries are durable in SSTs.
func (t *BufferTracker) Release(n int64) {
	t.sem.Release(n)
}

// LocalVersion is one compute node's view of cluster storage: the
// pinned HummockVersion it reads against, plus every shared buffer for
// epochs committed locally but not yet visible in that version.
type LocalVersion struct {
	mu      sync.RWMutex
	pinned  *types.HummockVersion
	buffers map[types.Epoch]*SharedBuffer
	tracker *BufferTracker

	// pendingSstIDs holds ids of SSTs this node produced locally (e.g.
	// flushing a sealed shared buffer) before the pinned version caught
	// up to include them, keyed by the epoch they belong to. A reader
	// consults this so it still finds rows from SSTs the pinned version
	// doesn't list yet. Once a pinned version's MaxCommittedEpoch
	// reaches an entry's epoch, that SST is visible through the version
	// itself and the entry is dropped.
	pendingSstIDs map[types.SstID]types.Epoch
}

// New creates a LocalVersion pinned at v, gating writes through tracker.
func New(v *types.HummockVersion, tracker *BufferTracker) *LocalVersion {
	return &LocalVersion{
		pinned:        v,
		buffers:       make(map[types.Epoch]*SharedBuffer),
		tracker:       tracker,
		pendingSstIDs: make(map[types.SstID]types.Epoch),
	}
}

// TrackLocalSst records that id belongs to epoch and isn't yet visible
// through the pinned version, called right after a sealed buffer
// flushes to SSTs and before the version manager's delta confirming
// those SSTs has been pinned locally.
func (lv *LocalVersion) TrackLocalSst(id types.SstID, epoch types.Epoch) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.pendingSstIDs[id] = epoch
}

// IsPendingLocalSst reports whether id was tracked via TrackLocalSst and
// hasn't yet been subsumed by a pinned version reaching its epoch.
func (lv *LocalVersion) IsPendingLocalSst(id types.SstID) bool {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	_, ok := lv.pendingSstIDs[id]
	return ok
}

// UpdatePinned applies a pin_version response: a full version (applied
// directly, replacing whatever was pinned, but only if genuinely newer)
// or a delta chain (folded one at a time onto the currently pinned
// version). Either way, every tracked local SST whose epoch is now
// covered by the new version's MaxCommittedEpoch is invalidated from
// the pending set, since it's visible through the version itself from
// here on. Returns false without changing anything if full isn't newer
// than what's already pinned, or a delta doesn't chain onto it (the
// caller should re-fetch with LastPinned reset to get a full version
// instead).
func (lv *LocalVersion) UpdatePinned(full *types.HummockVersion, deltas []*types.VersionDelta) bool {
	lv.mu.Lock()
	defer lv.mu.Unlock()

	if full != nil {
		if lv.pinned != nil && full.ID <= lv.pinned.ID {
			return false
		}
		lv.pinned = full
		lv.invalidatePendingLocked(full.MaxCommittedEpoch)
		return true
	}

	next := lv.pinned
	for _, d := range deltas {
		if next == nil || d.PrevID != next.ID {
			return false
		}
		next = applyVersionDelta(next, d)
	}
	lv.pinned = next
	if next != nil {
		lv.invalidatePendingLocked(next.MaxCommittedEpoch)
	}
	return true
}

func (lv *LocalVersion) invalidatePendingLocked(maxCommitted types.Epoch) {
	for id, epoch := range lv.pendingSstIDs {
		if epoch <= maxCommitted {
			delete(lv.pendingSstIDs, id)
		}
	}
}

// applyVersionDelta folds one VersionDelta onto v, producing the next
// HummockVersion in the chain: removed sst ids drop out of every level
// they appear in, and each delta's insertions land at their target
// level (or L0 sub-level).
func applyVersionDelta(v *types.HummockVersion, d *types.VersionDelta) *types.HummockVersion {
	next := &types.HummockVersion{
		ID:                d.ID,
		MaxCommittedEpoch: d.MaxCommittedEpoch,
		SafeEpoch:         d.SafeEpoch,
		Levels:            make(map[types.GroupID]*types.Levels, len(v.Levels)),
	}
	for g, l := range v.Levels {
		clone := &types.Levels{GroupID: l.GroupID}
		if l.L0 != nil {
			l0 := &types.Level{LevelIdx: l.L0.LevelIdx, Kind: l.L0.Kind}
			l0.SubLevels = append(l0.SubLevels, l.L0.SubLevels...)
			clone.L0 = l0
		}
		for _, lvl := range l.Levels {
			cp := &types.Level{LevelIdx: lvl.LevelIdx, Kind: lvl.Kind}
			cp.Ssts = append(cp.Ssts, lvl.Ssts...)
			clone.Levels = append(clone.Levels, cp)
		}
		next.Levels[g] = clone
	}

	for group, gd := range d.GroupDeltas {
		levels, ok := next.Levels[group]
		if !ok {
			levels = &types.Levels{GroupID: group, L0: &types.Level{Kind: types.LevelOverlapping}}
			next.Levels[group] = levels
		}

		removed := make(map[types.SstID]struct{}, len(gd.RemovedSstIDs))
		for _, id := range gd.RemovedSstIDs {
			removed[id] = struct{}{}
		}

		if levels.L0 != nil {
			var kept []*types.SubLevel
			for _, sl := range levels.L0.SubLevels {
				slKept := filterOutSsts(sl.Ssts, removed)
				if len(slKept) > 0 {
					kept = append(kept, &types.SubLevel{SubLevelID: sl.SubLevelID, Ssts: slKept})
				}
			}
			if len(gd.InsertedIntoL0) > 0 {
				kept = append(kept, &types.SubLevel{SubLevelID: gd.InsertedL0SubLevelID, Ssts: gd.InsertedIntoL0})
			}
			levels.L0.SubLevels = kept
		}
		for _, lvl := range levels.Levels {
			lvl.Ssts = filterOutSsts(lvl.Ssts, removed)
		}
		for idx, inserted := range gd.InsertedSstsByLevel {
			lvl := findOrCreateLevel(levels, idx)
			lvl.Ssts = append(lvl.Ssts, inserted...)
		}
	}
	return next
}

func filterOutSsts(in []*types.SstInfo, removed map[types.SstID]struct{}) []*types.SstInfo {
	var out []*types.SstInfo
	for _, s := range in {
		if _, gone := removed[s.SstID]; !gone {
			out = append(out, s)
		}
	}
	return out
}

func findOrCreateLevel(levels *types.Levels, idx uint32) *types.Level {
	for _, lvl := range levels.Levels {
		if lvl.LevelIdx == idx {
			return lvl
		}
	}
	lvl := &types.Level{LevelIdx: idx, Kind: types.LevelNonoverlapping}
	levels.Levels = append(levels.Levels, lvl)
	return lvl
}

// NewEpoch opens a writable shared buffer for epoch, the start of that
// epoch's write path.
func (lv *LocalVersion) NewEpoch(epoch types.Epoch) *SharedBuffer {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	b := newSharedBuffer(epoch)
	lv.buffers[epoch] = b
	return b
}

// SealEpoch transitions epoch's buffer from writable to sealed: no more
// writes are accepted, and it becomes eligible for the sync-to-SST
// pipeline. isCheckpoint marks whether this seal is part of a
// checkpoint barrier (forcing a real flush) rather than an ordinary
// periodic seal, which the buffer remembers for whoever syncs it.
// Returns false if epoch has no open buffer, or it isn't writable.
func (lv *LocalVersion) SealEpoch(epoch types.Epoch, isCheckpoint bool) bool {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	b, ok := lv.buffers[epoch]
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.State != types.SharedBufferWritable {
		return false
	}
	b.State = types.SharedBufferSealed
	b.IsCheckpoint = isCheckpoint
	return true
}

// AwaitSyncSharedBuffer transitions epoch's buffer into syncing, the
// state it holds while its rows are being flushed into one or more
// SSTs. A buffer whose previous sync attempt failed can be retried from
// here too. Returns false if epoch has no buffer ready to sync.
func (lv *LocalVersion) AwaitSyncSharedBuffer(epoch types.Epoch) bool {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	b, ok := lv.buffers[epoch]
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.State != types.SharedBufferSealed && b.State != types.SharedBufferFailed {
		return false
	}
	b.State = types.SharedBufferSyncing
	return true
}

// MarkSynced transitions epoch's buffer from syncing to synced and
// releases its reserved bytes back to the tracker; it is retained (not
// deleted) until AdvanceCheckpoint drops buffers at or before
// max_committed_epoch so read_filter can still see writes the version
// hasn't caught up to yet. Returns false if epoch wasn't syncing.
func (lv *LocalVersion) MarkSynced(epoch types.Epoch) bool {
	lv.mu.Lock()
	b, ok := lv.buffers[epoch]
	lv.mu.Unlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	if b.State != types.SharedBufferSyncing {
		b.mu.Unlock()
		return false
	}
	b.State = types.SharedBufferSynced
	size := b.size
	b.mu.Unlock()
	lv.tracker.Release(size)
	return true
}

// MarkSyncFailed transitions epoch's buffer from syncing to failed: the
// flush to SSTs errored. The buffer's rows are untouched, so a caller
// can retry via AwaitSyncSharedBuffer without losing anything written
// before the seal. Its reserved bytes stay held by the tracker while
// the rows are still buffered; MarkSynced releases them once a retry
// succeeds. Returns false if epoch wasn't syncing.
func (lv *LocalVersion) MarkSyncFailed(epoch types.Epoch) bool {
	lv.mu.Lock()
	b, ok := lv.buffers[epoch]
	lv.mu.Unlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	if b.State != types.SharedBufferSyncing {
		b.mu.Unlock()
		return false
	}
	b.State = types.SharedBufferFailed
	b.mu.Unlock()
	return true
}

// AdvanceCheckpoint drops every buffer at or before the version's new
// max_committed_epoch: once the SSTs for those epochs are visible
// through the pinned version, the shared buffer copy is redundant.
func (lv *LocalVersion) AdvanceCheckpoint(maxCommitted types.Epoch) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	for epoch := range lv.buffers {
		if epoch <= maxCommitted {
			delete(lv.buffers, epoch)
		}
	}
}

// ReadFilter returns the ordered list of shared buffers a read at
// readEpoch must consult before falling through to the pinned version's
// SSTs: every buffer with Epoch <= readEpoch, oldest first so a caller
// can stop at the first hit scanning newest-to-oldest.
func (lv *LocalVersion) ReadFilter(readEpoch types.Epoch) []*SharedBuffer {
	lv.mu.RLock()
	defer lv.mu.RUnlock()

	var out []*SharedBuffer
	for epoch, b := range lv.buffers {
		if epoch <= readEpoch {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out
}

// PinnedVersion returns the currently pinned HummockVersion.
func (lv *LocalVersion) PinnedVersion() *types.HummockVersion {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return lv.pinned
}

package manager

import (
	"errors"
	"fmt"

	"github.com/cuemby/hummock/pkg/events"
	"github.com/cuemby/hummock/pkg/hmerrors"
	"github.com/cuemby/hummock/pkg/metrics"
	"github.com/cuemby/hummock/pkg/txn"
	"github.com/cuemby/hummock/pkg/types"
)

// ensureCurrent loads the current version from the meta store into
// memory the first time it's needed (e.g. right after Bootstrap/Join),
// creating an empty initial version if none has ever been committed.
func (m *Manager) ensureCurrent() (*types.HummockVersion, error) {
	m.versioningMu.Lock()
	defer m.versioningMu.Unlock()
	if m.current != nil {
		return m.current, nil
	}

	v, err := m.store.GetCurrentVersion()
	if err == nil {
		m.current = v
		return v, nil
	}
	if !errors.Is(err, hmerrors.ErrNotFound) {
		return nil, err
	}

	initial := &types.HummockVersion{
		ID:     1,
		Levels: make(map[types.GroupID]*types.Levels),
	}
	m.current = initial
	return initial, nil
}

// CurrentVersion returns the manager's in-memory view of the version,
// loading it from the meta store on first use.
func (m *Manager) CurrentVersion() (*types.HummockVersion, error) {
	return m.ensureCurrent()
}

// VersionUpdate is what pin_version hands back: either the full current
// version (Full set, Deltas nil) when ctx has nothing recent enough to
// diff against, or the chain of deltas since ctx's LastPinned (Deltas
// set, possibly empty when LastPinned is already current, Full nil).
// Exactly one of the two is set.
type VersionUpdate struct {
	Full   *types.HummockVersion
	Deltas []*types.VersionDelta
}

// PinVersion records that ctx needs every SST reachable from the
// current version until it unpins, preventing checkpoint GC from
// deleting them out from under an in-flight read, and returns the
// update ctx needs to catch up from lastPinned (0 meaning ctx has no
// version cached yet). A context's min_pinned_id is recorded the first
// time it pins and never moved forward by a later pin; only
// UnpinVersionBefore does that.
func (m *Manager) PinVersion(ctx types.ContextID, lastPinned types.VersionID) (VersionUpdate, error) {
	current, err := m.ensureCurrent()
	if err != nil {
		return VersionUpdate{}, err
	}

	update, err := m.versionUpdateSince(lastPinned, current)
	if err != nil {
		return VersionUpdate{}, err
	}

	pins, err := m.store.ListPinnedVersions()
	if err != nil {
		return VersionUpdate{}, err
	}
	for _, p := range pins {
		if p.ContextID == ctx {
			metrics.PinnedVersionsTotal.Inc()
			return update, nil
		}
	}

	staged := &txn.Staged{}
	if err := staged.Stage("put_pinned_version", &types.PinnedVersion{ContextID: ctx, MinPinnedID: current.ID}); err != nil {
		return VersionUpdate{}, err
	}
	if err := m.applyBatch(staged); err != nil {
		return VersionUpdate{}, err
	}
	metrics.PinnedVersionsTotal.Inc()
	return update, nil
}

// versionUpdateSince returns the delta chain from lastPinned up to
// current when the meta store's delta log still reaches back that far
// unbroken, or the full current version when lastPinned is unset, ahead
// of current (shouldn't happen, but is not this manager's business to
// reject), or older than anything the delta log still retains.
func (m *Manager) versionUpdateSince(lastPinned types.VersionID, current *types.HummockVersion) (VersionUpdate, error) {
	if lastPinned == 0 || lastPinned > current.ID {
		return VersionUpdate{Full: current}, nil
	}
	if lastPinned == current.ID {
		return VersionUpdate{Deltas: []*types.VersionDelta{}}, nil
	}

	deltas, err := m.store.ListVersionDeltas(lastPinned + 1)
	if err != nil {
		return VersionUpdate{}, err
	}
	if len(deltas) == 0 || deltas[0].PrevID != lastPinned {
		// Checkpoint already pruned the chain past lastPinned: the
		// caller is too far behind to diff, send it the full version.
		return VersionUpdate{Full: current}, nil
	}
	return VersionUpdate{Deltas: deltas}, nil
}

// UnpinVersion releases ctx's version pin; a snapshot pin ctx holds is
// left in place.
func (m *Manager) UnpinVersion(ctx types.ContextID) error {
	staged := &txn.Staged{}
	if err := staged.Stage("delete_pinned_version", ctx); err != nil {
		return err
	}
	if err := m.applyBatch(staged); err != nil {
		return err
	}
	metrics.PinnedVersionsTotal.Dec()
	return nil
}

// UnpinVersionBefore moves ctx's pin forward to minPinnedID, allowing
// checkpoint GC to reclaim versions older than that without ctx
// unpinning entirely.
func (m *Manager) UnpinVersionBefore(ctx types.ContextID, minPinnedID types.VersionID) error {
	staged := &txn.Staged{}
	if err := staged.Stage("put_pinned_version", &types.PinnedVersion{ContextID: ctx, MinPinnedID: minPinnedID}); err != nil {
		return err
	}
	return m.applyBatch(staged)
}

// PinSnapshot records that ctx needs every epoch up to and including
// the current max_committed_epoch to remain readable.
func (m *Manager) PinSnapshot(ctx types.ContextID) (types.HummockSnapshot, error) {
	current, err := m.ensureCurrent()
	if err != nil {
		return types.HummockSnapshot{}, err
	}

	staged := &txn.Staged{}
	if err := staged.Stage("put_pinned_snapshot", &types.PinnedSnapshot{ContextID: ctx, MinPinnedEpoch: current.MaxCommittedEpoch}); err != nil {
		return types.HummockSnapshot{}, err
	}
	if err := m.applyBatch(staged); err != nil {
		return types.HummockSnapshot{}, err
	}
	metrics.PinnedSnapshotsTotal.Inc()
	return types.HummockSnapshot{Epoch: current.MaxCommittedEpoch}, nil
}

// UnpinSnapshotBefore moves ctx's snapshot pin forward to epoch.
func (m *Manager) UnpinSnapshotBefore(ctx types.ContextID, epoch types.Epoch) error {
	staged := &txn.Staged{}
	if err := staged.Stage("put_pinned_snapshot", &types.PinnedSnapshot{ContextID: ctx, MinPinnedEpoch: epoch}); err != nil {
		return err
	}
	return m.applyBatch(staged)
}

// UnpinSnapshot releases every snapshot pin ctx holds.
func (m *Manager) UnpinSnapshot(ctx types.ContextID) error {
	staged := &txn.Staged{}
	if err := staged.Stage("delete_pinned_snapshot", ctx); err != nil {
		return err
	}
	if err := m.applyBatch(staged); err != nil {
		return err
	}
	metrics.PinnedSnapshotsTotal.Dec()
	return nil
}

// CommitEpoch admits a new set of SSTs, keyed by compaction group, as
// epoch's durable writes: it appends them to each group's L0, advances
// max_committed_epoch, and publishes the new snapshot to every
// subscriber. It does not check the referenced SSTs against the
// registered contexts, and never returns ErrInvalidSst.
func (m *Manager) CommitEpoch(epoch types.Epoch, sstsByGroup map[types.GroupID][]*types.SstInfo) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitEpochDuration)

	current, err := m.ensureCurrent()
	if err != nil {
		return err
	}
	if epoch <= current.MaxCommittedEpoch {
		return fmt.Errorf("commit epoch %d: %w", epoch, hmerrors.ErrEpochRegression)
	}

	m.compactionMu.Lock()
	defer m.compactionMu.Unlock()
	m.versioningMu.Lock()
	defer m.versioningMu.Unlock()

	next := cloneVersion(current)
	next.ID++
	next.MaxCommittedEpoch = epoch

	delta := &types.VersionDelta{
		ID:                next.ID,
		PrevID:            current.ID,
		MaxCommittedEpoch: epoch,
		SafeEpoch:         current.SafeEpoch,
		GroupDeltas:       make(map[types.GroupID]*types.GroupDeltas),
	}

	for group, ssts := range sstsByGroup {
		levels, ok := next.Levels[group]
		if !ok {
			levels = &types.Levels{GroupID: group, L0: &types.Level{Kind: types.LevelOverlapping}}
			next.Levels[group] = levels
		}
		subLevelID := uint64(epoch)
		levels.L0.SubLevels = append(levels.L0.SubLevels, &types.SubLevel{SubLevelID: subLevelID, Ssts: ssts})
		delta.GroupDeltas[group] = &types.GroupDeltas{InsertedL0SubLevelID: subLevelID, InsertedIntoL0: ssts}

		if gs, ok := m.groups[group]; ok {
			gs.Levels = levels
		}
	}

	staged := &txn.Staged{}
	if err := staged.Stage("put_current_version", next); err != nil {
		return err
	}
	if err := staged.Stage("put_version_delta", delta); err != nil {
		return err
	}
	if err := m.applyBatch(staged); err != nil {
		return err
	}

	m.current = next
	metrics.CurrentVersionID.Set(float64(next.ID))
	metrics.MaxCommittedEpoch.Set(float64(epoch))

	m.eventBroker.Publish(&events.Event{
		Type:     events.EventSnapshotAdvanced,
		Snapshot: &types.HummockSnapshot{Epoch: epoch},
	})
	m.eventBroker.Publish(&events.Event{Type: events.EventVersionDelta, Delta: delta})
	return nil
}

func cloneVersion(v *types.HummockVersion) *types.HummockVersion {
	next := &types.HummockVersion{
		ID:                v.ID,
		MaxCommittedEpoch: v.MaxCommittedEpoch,
		SafeEpoch:         v.SafeEpoch,
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
	return next
}

// ProceedVersionCheckpoint advances the safe epoch to the minimum
// pinned snapshot still held by any context, then prunes every version
// delta strictly older than the minimum pinned version. SSTs that
// become unreachable as a result are left to the caller (see
// pkg/reconciler) to collect, since deleting object store blobs is not
// itself part of the linearizable meta-store transaction.
func (m *Manager) ProceedVersionCheckpoint() (types.Epoch, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.VersionCheckpointDuration)

	current, err := m.ensureCurrent()
	if err != nil {
		return 0, err
	}

	pinnedSnapshots, err := m.store.ListPinnedSnapshots()
	if err != nil {
		return 0, err
	}
	safeEpoch := current.MaxCommittedEpoch
	for _, p := range pinnedSnapshots {
		if p.MinPinnedEpoch < safeEpoch {
			safeEpoch = p.MinPinnedEpoch
		}
	}

	pinnedVersions, err := m.store.ListPinnedVersions()
	if err != nil {
		return 0, err
	}
	minPinnedVersion := current.ID
	for _, p := range pinnedVersions {
		if p.MinPinnedID < minPinnedVersion {
			minPinnedVersion = p.MinPinnedID
		}
	}

	m.versioningMu.Lock()
	next := cloneVersion(m.current)
	next.SafeEpoch = safeEpoch
	m.versioningMu.Unlock()

	staged := &txn.Staged{}
	if err := staged.Stage("put_current_version", next); err != nil {
		return 0, err
	}
	if err := staged.Stage("delete_version_deltas_before", minPinnedVersion); err != nil {
		return 0, err
	}
	if err := m.applyBatch(staged); err != nil {
		return 0, err
	}

	m.versioningMu.Lock()
	m.current = next
	m.versioningMu.Unlock()

	metrics.SafeEpoch.Set(float64(safeEpoch))
	return safeEpoch, nil
}

// ReleaseContext drops every pin ctx held and its context record. The
// reconciler calls it when a compactor's heartbeat TTL expires; Raft
// server removal does not call it.
func (m *Manager) ReleaseContext(ctx types.ContextID) error {
	staged := &txn.Staged{}
	if err := staged.Stage("delete_pinned_version", ctx); err != nil {
		return err
	}
	if err := staged.Stage("delete_pinned_snapshot", ctx); err != nil {
		return err
	}
	if err := staged.Stage("delete_context", ctx); err != nil {
		return err
	}
	return m.applyBatch(staged)
}

// RegisterContext records ctx in the contexts bucket. Pinning and
// CommitEpoch do not consult that record.
func (m *Manager) RegisterContext(ctx types.ContextID) error {
	staged := &txn.Staged{}
	if err := staged.Stage("put_context", ctx); err != nil {
		return err
	}
	return m.applyBatch(staged)
}

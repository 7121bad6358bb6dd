package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/hummock/pkg/log"
	"github.com/cuemby/hummock/pkg/manager"
	"github.com/cuemby/hummock/pkg/metrics"
	"github.com/cuemby/hummock/pkg/sstable"
	"github.com/cuemby/hummock/pkg/types"
	"github.com/rs/zerolog"
)

// Reconciler periodically advances the version checkpoint, collects
// SSTs that fall out of every live version as a result, and sweeps
// compactors that have stopped heartbeating.
type Reconciler struct {
	mgr      *manager.Manager
	sst      *sstable.Store
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates a Reconciler that runs every interval against mgr,
// deleting unreachable SST blobs through sst.
func New(mgr *manager.Manager, sst *sstable.Store, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		mgr:      mgr,
		sst:      sst,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop in a background goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop ends the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.mgr.IsLeader() {
		return nil
	}

	if err := r.reconcileCheckpoint(ctx); err != nil {
		r.logger.Error().Err(err).Msg("checkpoint reconciliation failed")
	}
	if err := r.reconcileCompactors(); err != nil {
		r.logger.Error().Err(err).Msg("compactor reconciliation failed")
	}
	return nil
}

// reconcileCheckpoint advances the checkpoint watermark and deletes any
// SST that becomes unreachable as a result. The candidate set is the
// union of RemovedSstIDs across every delta about to be pruned, minus
// whatever is still reachable from the version after the checkpoint
// commits (an id can be "removed" from one group's level and legitimately
// reappear if it was ever double-counted across overlapping deltas).
func (r *Reconciler) reconcileCheckpoint(ctx context.Context) error {
	store := r.mgr.Store()

	deltasBefore, err := store.ListVersionDeltas(0)
	if err != nil {
		return err
	}

	pinnedVersions, err := store.ListPinnedVersions()
	if err != nil {
		return err
	}
	current, err := r.mgr.CurrentVersion()
	if err != nil {
		return err
	}
	minPinnedVersion := current.ID
	for _, p := range pinnedVersions {
		if p.MinPinnedID < minPinnedVersion {
			minPinnedVersion = p.MinPinnedID
		}
	}

	candidates := make(map[types.SstID]struct{})
	for _, d := range deltasBefore {
		if d.ID >= minPinnedVersion {
			continue
		}
		for _, gd := range d.GroupDeltas {
			for _, id := range gd.RemovedSstIDs {
				candidates[id] = struct{}{}
			}
		}
	}

	if _, err := r.mgr.ProceedVersionCheckpoint(); err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	next, err := r.mgr.CurrentVersion()
	if err != nil {
		return err
	}
	reachable := reachableSstIDs(next)

	for id := range candidates {
		if _, live := reachable[id]; live {
			continue
		}
		if err := r.sst.Delete(ctx, id); err != nil {
			r.logger.Warn().Err(err).Uint64("sst_id", uint64(id)).Msg("failed to gc unreachable sst")
			continue
		}
		metrics.SstsGCedTotal.Inc()
	}
	return nil
}

func reachableSstIDs(v *types.HummockVersion) map[types.SstID]struct{} {
	ids := make(map[types.SstID]struct{})
	for _, levels := range v.Levels {
		if levels.L0 != nil {
			for _, sl := range levels.L0.SubLevels {
				for _, s := range sl.Ssts {
					ids[s.SstID] = struct{}{}
				}
			}
		}
		for _, lvl := range levels.Levels {
			for _, s := range lvl.Ssts {
				ids[s.SstID] = struct{}{}
			}
		}
	}
	return ids
}

// reconcileCompactors sweeps compactors whose heartbeat has expired,
// cancelling their outstanding tasks so the scheduler reassigns them to
// a live compactor instead of waiting out a per-task timeout.
func (r *Reconciler) reconcileCompactors() error {
	dead := r.mgr.Compactors().SweepDead()
	for _, ctx := range dead {
		r.logger.Warn().Uint32("context_id", uint32(ctx)).Msg("compactor heartbeat expired, cancelling its tasks")
		if err := r.mgr.CancelTasksForContext(ctx); err != nil {
			r.logger.Error().Err(err).Uint32("context_id", uint32(ctx)).Msg("failed to cancel tasks for dead compactor")
		}
		if err := r.mgr.ReleaseContext(ctx); err != nil {
			r.logger.Error().Err(err).Uint32("context_id", uint32(ctx)).Msg("failed to release context for dead compactor")
		}
	}
	metrics.CompactorsOnline.Set(float64(r.mgr.Compactors().Online()))
	return nil
}

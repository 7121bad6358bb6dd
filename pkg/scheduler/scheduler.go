// Package scheduler turns "this compaction group may have new work"
// notifications into assigned CompactTasks: a debounced, deduplicated
// queue of groups feeds a pick-and-assign loop that asks the version
// manager for a task, picks an idle compactor, and dispatches it.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/hummock/pkg/hmerrors"
	"github.com/cuemby/hummock/pkg/log"
	"github.com/cuemby/hummock/pkg/manager"
	"github.com/cuemby/hummock/pkg/types"
	"github.com/rs/zerolog"
)

// Dispatcher hands an assigned task to the compactor that owns
// contextID, typically by pushing it onto that compactor's
// SubscribeCompactTasks stream (see pkg/rpc).
type Dispatcher interface {
	Dispatch(ctx context.Context, contextID types.ContextID, task *types.CompactTask) error
}

// requestChannel is a mutex-guarded set backing a channel buffered to
// 1024 group ids (a send blocks while the buffer is full): TrySend only
// takes the mutex to check-and-insert a group id, never while sending
// on the channel, so a slow consumer can't make a producer block on the
// mutex.
type requestChannel struct {
	mu      sync.Mutex
	pending map[types.GroupID]struct{}
	ch      chan types.GroupID
}

func newRequestChannel() *requestChannel {
	return &requestChannel{
		pending: make(map[types.GroupID]struct{}),
		ch:      make(chan types.GroupID, 1024),
	}
}

// TrySend enqueues group if it isn't already pending. Returns false if
// a request for group is already queued or being handled.
func (r *requestChannel) TrySend(group types.GroupID) bool {
	r.mu.Lock()
	if _, ok := r.pending[group]; ok {
		r.mu.Unlock()
		return false
	}
	r.pending[group] = struct{}{}
	r.mu.Unlock()

	r.ch <- group
	return true
}

// ack clears group from the pending set once it has been drained and
// fully handled, allowing a future TrySend for the same group.
func (r *requestChannel) ack(group types.GroupID) {
	r.mu.Lock()
	delete(r.pending, group)
	r.mu.Unlock()
}

// DefaultAssignTimeout bounds how long a task may sit assigned to a
// compactor before the scheduler gives up on it and retries.
const DefaultAssignTimeout = 5 * time.Minute

// CompactionScheduler drains compaction-group requests and assigns
// CompactTasks to idle compactors, retrying on assignment timeout.
type CompactionScheduler struct {
	mgr        *manager.Manager
	dispatcher Dispatcher
	req        *requestChannel
	timeout    time.Duration
	logger     zerolog.Logger

	inflightMu sync.Mutex
	inflight   map[types.TaskID]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a CompactionScheduler over mgr, dispatching assigned
// tasks through dispatcher.
func New(mgr *manager.Manager, dispatcher Dispatcher) *CompactionScheduler {
	return &CompactionScheduler{
		mgr:        mgr,
		dispatcher: dispatcher,
		req:        newRequestChannel(),
		timeout:    DefaultAssignTimeout,
		logger:     log.WithComponent("scheduler"),
		inflight:   make(map[types.TaskID]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// RequestCompaction enqueues group for a scheduling attempt. Safe to
// call repeatedly; duplicate requests for a group already queued or
// in-flight are dropped.
func (s *CompactionScheduler) RequestCompaction(group types.GroupID) {
	s.req.TrySend(group)
}

// Start runs the pick-and-assign loop and the assignment-timeout sweep
// until ctx is cancelled or Stop is called.
func (s *CompactionScheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.loop(ctx)
	go s.sweepTimeouts(ctx)
}

// Stop ends the scheduler's goroutines and waits for them to exit.
func (s *CompactionScheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *CompactionScheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case group := <-s.req.ch:
			s.handleGroup(ctx, group)
			s.req.ack(group)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleGroup pulls every eligible task for group and assigns it,
// stopping as soon as the manager has no more work or no compactor is
// idle (the request is not re-enqueued here; the next CommitEpoch or
// ReportCompactTask naturally triggers another RequestCompaction).
func (s *CompactionScheduler) handleGroup(ctx context.Context, group types.GroupID) {
	for {
		task, ok, err := s.mgr.GetCompactTask(group)
		if err != nil {
			s.logger.Error().Err(err).Uint64("group_id", uint64(group)).Msg("failed to get compact task")
			return
		}
		if !ok {
			return
		}

		compactorID, ok := s.mgr.Compactors().NextIdle()
		if !ok {
			s.logger.Debug().Uint64("group_id", uint64(group)).Msg("no idle compactor, deferring task")
			if err := s.mgr.CancelUnassignedCompactionTask(task.TaskID); err != nil {
				s.logger.Error().Err(err).Msg("failed to cancel task with no idle compactor")
			}
			return
		}

		if err := s.assign(ctx, task, compactorID); err != nil {
			s.logger.Error().Err(err).Uint64("task_id", uint64(task.TaskID)).Msg("failed to assign task")
			return
		}
	}
}

func (s *CompactionScheduler) assign(ctx context.Context, task *types.CompactTask, compactorID types.ContextID) error {
	if err := s.mgr.AssignCompactTask(task.TaskID, compactorID); err != nil {
		return err
	}

	s.inflightMu.Lock()
	s.inflight[task.TaskID] = types.Now()
	s.inflightMu.Unlock()

	if err := s.dispatcher.Dispatch(ctx, compactorID, task); err != nil {
		s.inflightMu.Lock()
		delete(s.inflight, task.TaskID)
		s.inflightMu.Unlock()
		return err
	}
	return nil
}

// Forget drops taskID from the timeout-tracked set. Nothing in this
// repository calls it, so a task stays tracked until the timeout sweep
// reaches it.
func (s *CompactionScheduler) Forget(taskID types.TaskID) {
	s.inflightMu.Lock()
	delete(s.inflight, taskID)
	s.inflightMu.Unlock()
}

func (s *CompactionScheduler) sweepTimeouts(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expireStale()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *CompactionScheduler) expireStale() {
	now := types.Now()
	var expired []types.TaskID

	s.inflightMu.Lock()
	for id, assignedAt := range s.inflight {
		if now.Sub(assignedAt) > s.timeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(s.inflight, id)
	}
	s.inflightMu.Unlock()

	for _, id := range expired {
		s.logger.Warn().Uint64("task_id", uint64(id)).Msg("compaction task assignment timed out, cancelling")
		if err := s.mgr.ReportCompactTask(id, types.TaskStatusFailed, nil); err != nil && !errors.Is(err, hmerrors.ErrNotFound) {
			s.logger.Error().Err(err).Uint64("task_id", uint64(id)).Msg("failed to report timed-out task")
		}
	}
}

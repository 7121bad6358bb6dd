package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/hummock/pkg/hmerrors"
	"github.com/cuemby/hummock/pkg/manager"
	"github.com/cuemby/hummock/pkg/types"
	"github.com/rs/zerolog"
)

// heartbeatInterval is how often an open SubscribeCompactTasks stream
// refreshes its compactor's liveness while idle.
const heartbeatInterval = 5 * time.Second

// Service implements the hand-rolled HummockMeta gRPC service. It holds
// the only Dispatch path into an open compactor stream, so it doubles
// as the scheduler.Dispatcher the scheduler package dispatches onto.
type Service struct {
	mgr    *manager.Manager
	logger zerolog.Logger

	subsMu sync.Mutex
	subs   map[types.ContextID]chan *types.CompactTask
}

// NewService wraps mgr. Construct once per meta node and pass to
// NewServer and to scheduler.New as its Dispatcher.
func NewService(mgr *manager.Manager, logger zerolog.Logger) *Service {
	return &Service{
		mgr:    mgr,
		logger: logger.With().Str("component", "rpc").Logger(),
		subs:   make(map[types.ContextID]chan *types.CompactTask),
	}
}

// Dispatch implements scheduler.Dispatcher: it hands task to the
// compactor's open subscribe stream, or fails fast if none is open.
func (s *Service) Dispatch(ctx context.Context, contextID types.ContextID, task *types.CompactTask) error {
	s.subsMu.Lock()
	ch, ok := s.subs[contextID]
	s.subsMu.Unlock()
	if !ok {
		return fmt.Errorf("context %d: %w", contextID, hmerrors.ErrCompactorUnreachable)
	}
	select {
	case ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) CommitEpoch(ctx context.Context, req *CommitEpochRequest) (*CommitEpochResponse, error) {
	if err := s.mgr.CommitEpoch(req.Epoch, req.SstsByGroup); err != nil {
		return nil, err
	}
	v, err := s.mgr.CurrentVersion()
	if err != nil {
		return nil, err
	}
	return &CommitEpochResponse{Version: v}, nil
}

func (s *Service) PinVersion(ctx context.Context, req *PinVersionRequest) (*PinVersionResponse, error) {
	update, err := s.mgr.PinVersion(req.ContextID, req.LastPinned)
	if err != nil {
		return nil, err
	}
	return &PinVersionResponse{Version: update.Full, Deltas: update.Deltas}, nil
}

func (s *Service) UnpinVersion(ctx context.Context, req *UnpinVersionRequest) (*UnpinVersionResponse, error) {
	if err := s.mgr.UnpinVersion(req.ContextID); err != nil {
		return nil, err
	}
	return &UnpinVersionResponse{}, nil
}

func (s *Service) UnpinVersionBefore(ctx context.Context, req *UnpinVersionBeforeRequest) (*UnpinVersionBeforeResponse, error) {
	if err := s.mgr.UnpinVersionBefore(req.ContextID, req.MinPinnedID); err != nil {
		return nil, err
	}
	return &UnpinVersionBeforeResponse{}, nil
}

func (s *Service) PinSnapshot(ctx context.Context, req *PinSnapshotRequest) (*PinSnapshotResponse, error) {
	snap, err := s.mgr.PinSnapshot(req.ContextID)
	if err != nil {
		return nil, err
	}
	return &PinSnapshotResponse{Snapshot: snap}, nil
}

func (s *Service) UnpinSnapshotBefore(ctx context.Context, req *UnpinSnapshotBeforeRequest) (*UnpinSnapshotBeforeResponse, error) {
	if err := s.mgr.UnpinSnapshotBefore(req.ContextID, req.Epoch); err != nil {
		return nil, err
	}
	return &UnpinSnapshotBeforeResponse{}, nil
}

func (s *Service) GetNewSstIds(ctx context.Context, req *GetNewSstIdsRequest) (*GetNewSstIdsResponse, error) {
	r, err := s.mgr.GetNewSstIds(req.Count)
	if err != nil {
		return nil, err
	}
	return &GetNewSstIdsResponse{Range: r}, nil
}

func (s *Service) ReportCompactionTask(ctx context.Context, req *ReportCompactionTaskRequest) (*ReportCompactionTaskResponse, error) {
	if err := s.mgr.ReportCompactTask(req.TaskID, req.Status, req.OutputSsts); err != nil {
		return nil, err
	}
	return &ReportCompactionTaskResponse{}, nil
}

func (s *Service) TriggerManualCompaction(ctx context.Context, req *TriggerManualCompactionRequest) (*TriggerManualCompactionResponse, error) {
	task, ok, err := s.mgr.TriggerManualCompaction(req.GroupID, req.Option)
	if err != nil {
		return nil, err
	}
	return &TriggerManualCompactionResponse{Task: task, Triggered: ok}, nil
}

// compactTaskStream is the narrow interface SubscribeCompactTasks needs
// from the server-side gRPC stream; satisfied by the generated wrapper
// in server.go, and trivially fakeable in tests.
type compactTaskStream interface {
	Context() context.Context
	Send(*types.CompactTask) error
}

// SubscribeCompactTasks registers req.ContextID as a live compactor and
// blocks, forwarding every task dispatched to it until the stream's
// context is cancelled (client disconnect, server shutdown). The loop
// itself is the compactor's heartbeat: as long as it's running, the
// compactor is live.
func (s *Service) SubscribeCompactTasks(req *SubscribeCompactTasksRequest, stream compactTaskStream) error {
	ctx := stream.Context()
	ch := make(chan *types.CompactTask, 16)

	s.mgr.Compactors().Register(req.ContextID)
	s.subsMu.Lock()
	s.subs[req.ContextID] = ch
	s.subsMu.Unlock()
	defer func() {
		s.subsMu.Lock()
		delete(s.subs, req.ContextID)
		s.subsMu.Unlock()
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	s.logger.Info().Uint32("context_id", uint32(req.ContextID)).Msg("compactor subscribed")

	for {
		select {
		case task := <-ch:
			if err := stream.Send(task); err != nil {
				return err
			}
		case <-ticker.C:
			s.mgr.Compactors().Heartbeat(req.ContextID)
		case <-ctx.Done():
			s.logger.Info().Uint32("context_id", uint32(req.ContextID)).Msg("compactor disconnected")
			return ctx.Err()
		}
	}
}

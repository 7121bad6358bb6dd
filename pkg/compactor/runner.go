package compactor

import (
	"context"
	"fmt"

	"github.com/cuemby/hummock/pkg/log"
	"github.com/cuemby/hummock/pkg/memlimiter"
	"github.com/cuemby/hummock/pkg/metrics"
	"github.com/cuemby/hummock/pkg/rpc"
	"github.com/cuemby/hummock/pkg/sstable"
	"github.com/cuemby/hummock/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Runner is a stateless compaction worker: it holds a live
// SubscribeCompactTasks stream, processes one task at a time (a task
// assigned while it is busy waits in the stream), and reports the
// result before taking the next one.
type Runner struct {
	contextID   types.ContextID
	client      *rpc.Client
	store       *sstable.Store
	limiter     *memlimiter.Limiter
	compression string
	logger      zerolog.Logger
}

// NewRunner builds a Runner identified to the cluster as contextID,
// reading/writing SSTs through store and bounding merge-buffer memory
// through limiter.
func NewRunner(contextID types.ContextID, client *rpc.Client, store *sstable.Store, limiter *memlimiter.Limiter, compression string) *Runner {
	return &Runner{
		contextID:   contextID,
		client:      client,
		store:       store,
		limiter:     limiter,
		compression: compression,
		logger:      log.WithComponent("compactor").With().Uint32("context_id", uint32(contextID)).Logger(),
	}
}

// Run subscribes to the meta node's task stream and processes tasks
// until ctx is cancelled or the stream ends, in which case the caller
// is expected to redial and call Run again.
func (r *Runner) Run(ctx context.Context) error {
	sub, err := r.client.SubscribeCompactTasks(ctx, r.contextID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	r.logger.Info().Msg("compactor subscribed, waiting for tasks")
	for {
		task, err := sub.Recv()
		if err != nil {
			return fmt.Errorf("receive task: %w", err)
		}
		r.handle(ctx, task)
	}
}

func (r *Runner) handle(ctx context.Context, task *types.CompactTask) {
	logger := r.logger.With().Uint64("task_id", uint64(task.TaskID)).Uint64("group_id", uint64(task.GroupID)).Logger()
	timer := metrics.NewTimer()

	outputs, err := r.execute(ctx, task)
	level := fmt.Sprint(task.TargetLevel)
	timer.ObserveDurationVec(metrics.CompactionTaskDuration, fmt.Sprint(task.GroupID), level)

	status := types.TaskStatusSuccess
	if err != nil {
		logger.Error().Err(err).Msg("compaction task failed")
		status = types.TaskStatusFailed
		outputs = nil
	}

	req := &rpc.ReportCompactionTaskRequest{TaskID: task.TaskID, Status: status, OutputSsts: outputs}
	if _, err := r.client.ReportCompactionTask(ctx, req); err != nil {
		logger.Error().Err(err).Msg("failed to report compaction result")
	}
}

// execute runs the merge (or, for a trivial move, skips it entirely)
// and returns the task's output SSTs.
func (r *Runner) execute(ctx context.Context, task *types.CompactTask) ([]*types.SstInfo, error) {
	if task.IsTrivialMove {
		return flattenInputs(task), nil
	}

	allocator := sstable.SstIDAllocator(func(count uint32) (types.SstIDRange, error) {
		resp, err := r.client.GetNewSstIds(ctx, &rpc.GetNewSstIdsRequest{Count: count})
		if err != nil {
			return types.SstIDRange{}, err
		}
		return resp.Range, nil
	})

	if len(task.Splits) == 0 {
		return r.runSplit(ctx, task, nil, allocator)
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([][]*types.SstInfo, len(task.Splits))
	for i, split := range task.Splits {
		i, split := i, split
		g.Go(func() error {
			out, err := r.runSplit(gctx, task, &split, allocator)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var outputs []*types.SstInfo
	for _, r := range results {
		outputs = append(outputs, r...)
	}
	return outputs, nil
}

func flattenInputs(task *types.CompactTask) []*types.SstInfo {
	var out []*types.SstInfo
	for _, lvl := range task.InputSsts {
		out = append(out, lvl.Ssts...)
		for _, sl := range lvl.SubLevels {
			out = append(out, sl.Ssts...)
		}
	}
	return out
}

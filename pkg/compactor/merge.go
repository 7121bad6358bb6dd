package compactor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cuemby/hummock/pkg/mergeiter"
	"github.com/cuemby/hummock/pkg/metrics"
	"github.com/cuemby/hummock/pkg/sstable"
	"github.com/cuemby/hummock/pkg/types"
)

// runSplit merges every SST named in task.InputSsts, keeping only rows
// within split's bounds (nil split means the whole task, no splitting),
// and writes the survivors through a fresh CapacitySplitBuilder.
func (r *Runner) runSplit(ctx context.Context, task *types.CompactTask, split *types.KeyRange, alloc sstable.SstIDAllocator) ([]*types.SstInfo, error) {
	sources, err := r.openSources(ctx, task)
	if err != nil {
		return nil, err
	}

	tableID := singleTableID(task)
	merged := mergeiter.NewUnorderedMergeIterator(sources)
	deduped := mergeiter.NewDeduper(merged, task, tableID)
	builder := sstable.NewCapacitySplitBuilder(r.store, alloc, task.CompressionAlgorithm, types.CacheFill)

	var bytesRead uint64

	for {
		ok, err := deduped.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
		if !ok {
			break
		}
		kv := deduped.Value()
		if split != nil && !inRange(kv.UserKey, *split) {
			continue
		}

		rowBytes := int64(len(kv.UserKey) + len(kv.Value) + 16)
		if err := r.limiter.Reserve(ctx, rowBytes); err != nil {
			return nil, fmt.Errorf("reserve merge buffer: %w", err)
		}
		rowTableID := tableID
		if kv.TableID != 0 {
			rowTableID = kv.TableID
		}
		err = builder.Add(ctx, kv, rowTableID)
		r.limiter.Release(rowBytes)
		if err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
		bytesRead += uint64(rowBytes)
	}

	outputs, err := builder.Finish(ctx)
	if err != nil {
		return nil, err
	}

	level := fmt.Sprint(task.TargetLevel)
	group := fmt.Sprint(task.GroupID)
	metrics.CompactionBytesRead.WithLabelValues(group, level).Add(float64(bytesRead))
	for _, o := range outputs {
		metrics.CompactionBytesWritten.WithLabelValues(group, level).Add(float64(o.FileSize))
	}

	return outputs, nil
}

// openSources builds one mergeiter.Source per input level: nonoverlapping
// levels concatenate their SSTs in key order, while L0's sub-levels may
// overlap each other so each sub-level becomes its own source.
func (r *Runner) openSources(ctx context.Context, task *types.CompactTask) ([]mergeiter.Source, error) {
	var sources []mergeiter.Source
	for _, lvl := range task.InputSsts {
		if lvl.Kind == types.LevelOverlapping {
			for _, sl := range lvl.SubLevels {
				src, err := r.concatIterator(ctx, sl.Ssts)
				if err != nil {
					return nil, err
				}
				if src != nil {
					sources = append(sources, src)
				}
			}
			continue
		}
		src, err := r.concatIterator(ctx, lvl.Ssts)
		if err != nil {
			return nil, err
		}
		if src != nil {
			sources = append(sources, src)
		}
	}
	return sources, nil
}

func (r *Runner) concatIterator(ctx context.Context, ssts []*types.SstInfo) (mergeiter.Source, error) {
	if len(ssts) == 0 {
		return nil, nil
	}
	iters := make([]mergeiter.Source, 0, len(ssts))
	for _, info := range ssts {
		it, err := sstable.NewIterator(ctx, r.store, info.SstID)
		if err != nil {
			return nil, fmt.Errorf("open sst %d: %w", info.SstID, err)
		}
		iters = append(iters, it)
	}
	return mergeiter.NewConcatSSTableIterator(iters), nil
}

func inRange(key []byte, kr types.KeyRange) bool {
	if len(kr.Smallest) > 0 && bytes.Compare(key, kr.Smallest) < 0 {
		return false
	}
	if len(kr.Largest) > 0 && bytes.Compare(key, kr.Largest) > 0 {
		return false
	}
	return true
}

// singleTableID returns the task's lone existing table id, or 0 when
// the task spans more than one (in which case per-row table attribution
// falls back to the unscoped default, matching mergeiter's Deduper).
func singleTableID(task *types.CompactTask) uint32 {
	if len(task.ExistingTableIDs) == 1 {
		return task.ExistingTableIDs[0]
	}
	return 0
}

package mergeiter

import (
	"bytes"
	"context"

	"github.com/cuemby/hummock/pkg/types"
)

// Deduper collapses a merged stream's repeated user keys down to the
// versions a compaction at task.Watermark is allowed to keep: every
// version above the watermark stays (a pinned snapshot might still read
// it), and among versions at or below it, only the newest survives —
// the rest are unreachable by definition of watermark being the
// minimum pinned epoch. A surviving at-or-below-watermark delete
// tombstone is itself dropped when the task asks to GC delete keys,
// since nothing can read below the watermark to observe its absence.
type Deduper struct {
	merged *UnorderedMergeIterator
	task   *types.CompactTask
	// fallbackTableID attributes a row with no TableID of its own (the
	// common case: see DESIGN.md's note on approximate per-row table
	// attribution) to this table for compaction-filter purposes.
	fallbackTableID uint32

	lookahead *types.KeyValue
	queue     []types.KeyValue
	current   types.KeyValue
	done      bool
}

// NewDeduper wraps merged with task's filter settings. fallbackTableID
// is used to attribute rows that carry no table id of their own.
func NewDeduper(merged *UnorderedMergeIterator, task *types.CompactTask, fallbackTableID uint32) *Deduper {
	return &Deduper{merged: merged, task: task, fallbackTableID: fallbackTableID}
}

// Next advances to the next surviving row.
func (d *Deduper) Next(ctx context.Context) (bool, error) {
	for len(d.queue) == 0 {
		group, ok, err := d.nextGroup(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		d.queue = d.resolve(group)
	}
	d.current = d.queue[0]
	d.queue = d.queue[1:]
	return true, nil
}

// Value returns the row Next most recently surfaced.
func (d *Deduper) Value() types.KeyValue { return d.current }

// nextGroup collects every version of the next distinct user key, in
// epoch-descending order (newest first), as UnorderedMergeIterator
// guarantees.
func (d *Deduper) nextGroup(ctx context.Context) ([]types.KeyValue, bool, error) {
	if d.done {
		return nil, false, nil
	}

	first, ok, err := d.advance(ctx)
	if err != nil || !ok {
		d.done = true
		return nil, false, err
	}
	group := []types.KeyValue{first}

	for {
		ok, err := d.merged.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			d.done = true
			break
		}
		next := d.merged.Value()
		if !bytes.Equal(next.UserKey, first.UserKey) {
			d.lookahead = &next
			break
		}
		group = append(group, next)
	}
	return group, true, nil
}

func (d *Deduper) advance(ctx context.Context) (types.KeyValue, bool, error) {
	if d.lookahead != nil {
		kv := *d.lookahead
		d.lookahead = nil
		return kv, true, nil
	}
	ok, err := d.merged.Next(ctx)
	if err != nil || !ok {
		return types.KeyValue{}, false, err
	}
	return d.merged.Value(), true, nil
}

// resolve decides which rows in a same-key group survive. group is
// ordered newest (largest epoch) first. A row the compaction filter
// rejects is dropped outright, regardless of watermark, before the
// usual shadowing/tombstone rules run on what's left.
func (d *Deduper) resolve(group []types.KeyValue) []types.KeyValue {
	var out []types.KeyValue
	keptBelowWatermark := false

	for _, kv := range group {
		if d.filteredOut(kv) {
			continue
		}
		if kv.Epoch > d.task.Watermark {
			out = append(out, kv)
			continue
		}
		if keptBelowWatermark {
			continue // shadowed: unreachable below the watermark
		}
		keptBelowWatermark = true
		if kv.Delete && d.task.GCDeleteKeys {
			continue // tombstone with nothing left to shadow
		}
		out = append(out, kv)
	}
	return out
}

// filteredOut applies the task's compaction filter: state-clean drops
// rows whose table no longer belongs to the group, TTL drops rows
// older than their table's retention period measured against the
// task's CurrentEpochTime snapshot.
func (d *Deduper) filteredOut(kv types.KeyValue) bool {
	if d.task.CompactionFilterMask == 0 {
		return false
	}
	tableID := kv.TableID
	if tableID == 0 {
		tableID = d.fallbackTableID
	}
	if d.task.CompactionFilterMask.Has(types.FilterStateClean) && !d.tableExists(tableID) {
		return true
	}
	if d.task.CompactionFilterMask.Has(types.FilterTTL) && d.expired(tableID, kv) {
		return true
	}
	return false
}

func (d *Deduper) tableExists(tableID uint32) bool {
	if tableID == 0 {
		return true // unattributed row: don't guess, never filter it
	}
	for _, id := range d.task.ExistingTableIDs {
		if id == tableID {
			return true
		}
	}
	return false
}

func (d *Deduper) expired(tableID uint32, kv types.KeyValue) bool {
	if kv.WriteTime == 0 || d.task.CurrentEpochTime == 0 {
		return false
	}
	opt, ok := d.task.TableOptions[tableID]
	if !ok || opt.RetentionSeconds == 0 {
		return false
	}
	return d.task.CurrentEpochTime-kv.WriteTime > int64(opt.RetentionSeconds)
}

// Package compaction holds the per-group level layout and the picker
// logic that turns it into CompactTasks: reorganize overlapping L0
// sub-levels, push L0 into the base level, and grow each nonoverlapping
// level into the next by size ratio.
package compaction

import (
	"sort"
	"sync"

	"github.com/cuemby/hummock/pkg/types"
)

// GroupStatus is the in-memory compaction state for one group: its
// level layout plus the set of SSTs already claimed by an in-flight
// task, so two pickers never select overlapping input.
type GroupStatus struct {
	GroupID types.GroupID
	Levels  *types.Levels
	Config  *types.CompactionConfig

	mu         sync.Mutex
	inProgress map[types.SstID]struct{}
}

// NewGroupStatus wraps levels/cfg for group.
func NewGroupStatus(group types.GroupID, levels *types.Levels, cfg *types.CompactionConfig) *GroupStatus {
	return &GroupStatus{
		GroupID:    group,
		Levels:     levels,
		Config:     cfg,
		inProgress: make(map[types.SstID]struct{}),
	}
}

func (g *GroupStatus) isBusy(id types.SstID) bool {
	_, ok := g.inProgress[id]
	return ok
}

func (g *GroupStatus) markBusy(ssts []*types.SstInfo) {
	for _, s := range ssts {
		g.inProgress[s.SstID] = struct{}{}
	}
}

// ClearBusy releases every SST in ssts from the in-progress set, called
// after a task completes (success, failure or cancellation).
func (g *GroupStatus) ClearBusy(ssts []*types.SstInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range ssts {
		delete(g.inProgress, s.SstID)
	}
}

// GetCompactTask runs every picker in fixed priority order and returns
// the first hit: pickOverlapping (reorganize L0 sub-levels themselves),
// pickIntraL0, pickBase (L0 -> base level), pickLeveled (Li -> Li+1 by
// size ratio). watermark is the current safe epoch, stamped on the task
// as its Watermark; every task is created with GCDeleteKeys set.
func (g *GroupStatus) GetCompactTask(watermark types.Epoch) (*types.CompactTask, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.pickOverlapping(); ok {
		return g.finalize(t, watermark), true
	}
	if t, ok := g.pickIntraL0(); ok {
		return g.finalize(t, watermark), true
	}
	if t, ok := g.pickBase(); ok {
		return g.finalize(t, watermark), true
	}
	if t, ok := g.pickLeveled(); ok {
		return g.finalize(t, watermark), true
	}
	return nil, false
}

// PickManualTask builds a task from an operator-specified level and
// filter, bypassing the trigger thresholds the automatic pickers
// enforce. Matching SSTs are the ones named in opt.SstIDs, or every
// non-busy SST at opt.Level overlapping opt.KeyRange when SstIDs is
// empty.
func (g *GroupStatus) PickManualTask(opt *types.ManualCompactionOption, watermark types.Epoch) (*types.CompactTask, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	lvl := g.findLevel(opt.Level)
	if lvl == nil {
		return nil, false
	}

	matched := g.matchManual(lvl, opt)
	if len(matched) == 0 {
		return nil, false
	}

	input := &types.Level{LevelIdx: opt.Level, Kind: lvl.Kind, Ssts: matched}
	t := pickedTask{inputLevels: []*types.Level{input}, targetLevel: opt.Level + 1}
	return g.finalize(t, watermark), true
}

func (g *GroupStatus) findLevel(idx uint32) *types.Level {
	if idx == 0 {
		return g.Levels.L0
	}
	for _, lvl := range g.Levels.Levels {
		if lvl.LevelIdx == idx {
			return lvl
		}
	}
	return nil
}

func (g *GroupStatus) matchManual(lvl *types.Level, opt *types.ManualCompactionOption) []*types.SstInfo {
	want := make(map[types.SstID]struct{}, len(opt.SstIDs))
	for _, id := range opt.SstIDs {
		want[id] = struct{}{}
	}

	var all []*types.SstInfo
	all = append(all, lvl.Ssts...)
	for _, sl := range lvl.SubLevels {
		all = append(all, sl.Ssts...)
	}

	var out []*types.SstInfo
	for _, s := range all {
		if g.isBusy(s.SstID) {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[s.SstID]; ok {
				out = append(out, s)
			}
			continue
		}
		if opt.KeyRange == nil || s.KeyRange.Overlaps(*opt.KeyRange) {
			out = append(out, s)
		}
	}
	return out
}

type pickedTask struct {
	inputLevels   []*types.Level
	targetLevel   uint32
	targetSubID   uint64
	trivialMove   bool
}

// finalize turns a pickedTask into the CompactTask the scheduler hands
// out, stamping it with the caller's watermark and claiming its inputs
// as busy so no other picker reselects them. A trivial move never
// rewrites a byte, so it skips filter/split metadata entirely; a real
// merge gets it populated from the group's current configuration so
// the compactor runtime can apply the state-clean/TTL filters and fan
// out across the target key range.
func (g *GroupStatus) finalize(t pickedTask, watermark types.Epoch) *types.CompactTask {
	var allInputs []*types.SstInfo
	for _, lvl := range t.inputLevels {
		allInputs = append(allInputs, lvl.Ssts...)
		for _, sl := range lvl.SubLevels {
			allInputs = append(allInputs, sl.Ssts...)
		}
	}
	g.markBusy(allInputs)

	task := &types.CompactTask{
		GroupID:          g.GroupID,
		InputSsts:        t.inputLevels,
		TargetLevel:      t.targetLevel,
		TargetSubLevelID: t.targetSubID,
		Watermark:        watermark,
		GCDeleteKeys:     true,
		IsTrivialMove:    t.trivialMove,
		TaskStatus:       types.TaskStatusPending,
	}
	if !t.trivialMove {
		g.populateFilterMetadata(task, allInputs)
	}
	return task
}

// populateFilterMetadata fills in the fields the compactor runtime
// needs to apply the compaction filter and split the output across
// several SSTs: the table ids still resident in the group (so the
// state-clean filter can drop rows for tables that have been dropped
// from the group), the per-table TTL settings, the filter mask and
// wall-clock time the TTL filter compares against, and the key-range
// splits for the per-split parallel write-out.
func (g *GroupStatus) populateFilterMetadata(task *types.CompactTask, inputs []*types.SstInfo) {
	task.CompactionFilterMask = g.Config.CompactionFilterMask
	task.CurrentEpochTime = types.Now().Unix()
	task.ExistingTableIDs = g.existingTableIDs()
	if g.Config.TableOptions != nil {
		task.TableOptions = g.Config.TableOptions
	}
	task.Splits = computeSplits(inputs, g.Config)
}

// existingTableIDs collects every table id resident anywhere in the
// group's current level layout, deduplicated and sorted.
func (g *GroupStatus) existingTableIDs() []uint32 {
	seen := make(map[uint32]struct{})
	collect := func(ssts []*types.SstInfo) {
		for _, s := range ssts {
			for _, id := range s.TableIDs {
				seen[id] = struct{}{}
			}
		}
	}
	if g.Levels.L0 != nil {
		collect(g.Levels.L0.Ssts)
		for _, sl := range g.Levels.L0.SubLevels {
			collect(sl.Ssts)
		}
	}
	for _, lvl := range g.Levels.Levels {
		collect(lvl.Ssts)
	}
	out := make([]uint32, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// computeSplits slices the combined key range of inputs into N
// roughly-equal pieces, one per TargetFileSizeBase-sized chunk of
// total input bytes, so the compactor can write each piece out in
// parallel instead of producing one unbounded output stream. A task
// small enough to fit in a single output file gets no splits at all.
func computeSplits(inputs []*types.SstInfo, cfg *types.CompactionConfig) []types.KeyRange {
	if len(inputs) == 0 || cfg == nil || cfg.TargetFileSizeBase == 0 {
		return nil
	}

	var total uint64
	smallest, largest := inputs[0].KeyRange.Smallest, inputs[0].KeyRange.Largest
	for _, s := range inputs {
		total += s.FileSize
		if bytesLess(s.KeyRange.Smallest, smallest) {
			smallest = s.KeyRange.Smallest
		}
		if bytesLess(largest, s.KeyRange.Largest) {
			largest = s.KeyRange.Largest
		}
	}

	n := int(total / cfg.TargetFileSizeBase)
	if n < 2 {
		return nil
	}

	splits := make([]types.KeyRange, 0, n)
	prev := smallest
	for i := 1; i < n; i++ {
		boundary := splitBoundary(smallest, largest, i, n)
		splits = append(splits, types.KeyRange{Smallest: prev, Largest: boundary})
		prev = boundary
	}
	splits = append(splits, types.KeyRange{Smallest: prev, Largest: largest})
	return splits
}

// splitBoundary picks the i/n point of [lo, hi] by interpolating their
// first differing byte; good enough to bound split sizes roughly
// evenly without needing a real keyspace histogram.
func splitBoundary(lo, hi []byte, i, n int) []byte {
	if len(hi) == 0 {
		return hi
	}
	frac := float64(i) / float64(n)
	b := append([]byte{}, hi...)
	b[0] = byte(float64(lo0(lo)) + frac*(float64(b[0])-float64(lo0(lo))))
	return b
}

func lo0(lo []byte) byte {
	if len(lo) == 0 {
		return 0
	}
	return lo[0]
}

func bytesLess(a, b []byte) bool {
	return string(a) < string(b)
}

// pickOverlapping merges adjacent L0 sub-levels once their count
// exceeds the configured trigger, independent of whether L0 -> base
// compaction is also due. This keeps point lookups from paying the cost
// of scanning an unbounded number of sub-levels.
func (g *GroupStatus) pickOverlapping() (pickedTask, bool) {
	l0 := g.Levels.L0
	if l0 == nil || g.Config == nil {
		return pickedTask{}, false
	}
	trigger := g.Config.Level0TriggerFileNum
	if trigger <= 0 {
		trigger = 4
	}
	if len(l0.SubLevels) <= trigger {
		return pickedTask{}, false
	}

	var candidates []*types.SubLevel
	for _, sl := range l0.SubLevels {
		if g.subLevelBusy(sl) {
			continue
		}
		candidates = append(candidates, sl)
		if len(candidates) == trigger {
			break
		}
	}
	if len(candidates) < 2 {
		return pickedTask{}, false
	}

	merged := &types.Level{LevelIdx: 0, Kind: types.LevelOverlapping}
	for _, sl := range candidates {
		merged.SubLevels = append(merged.SubLevels, sl)
	}
	return pickedTask{inputLevels: []*types.Level{merged}, targetLevel: 0, targetSubID: candidates[len(candidates)-1].SubLevelID}, true
}

func (g *GroupStatus) subLevelBusy(sl *types.SubLevel) bool {
	for _, s := range sl.Ssts {
		if g.isBusy(s.SstID) {
			return true
		}
	}
	return false
}

// pickIntraL0 is a narrower version of pickOverlapping for exactly two
// adjacent, non-busy sub-levels; kept distinct from pickOverlapping so
// it can fire even when the trigger count hasn't been reached yet but
// two small sub-levels are cheap to merge.
func (g *GroupStatus) pickIntraL0() (pickedTask, bool) {
	l0 := g.Levels.L0
	if l0 == nil || len(l0.SubLevels) < 2 {
		return pickedTask{}, false
	}
	for i := 0; i+1 < len(l0.SubLevels); i++ {
		a, b := l0.SubLevels[i], l0.SubLevels[i+1]
		if g.subLevelBusy(a) || g.subLevelBusy(b) {
			continue
		}
		if totalSize(a)+totalSize(b) > g.Config.TargetFileSizeBase*2 {
			continue
		}
		merged := &types.Level{LevelIdx: 0, Kind: types.LevelOverlapping, SubLevels: []*types.SubLevel{a, b}}
		return pickedTask{inputLevels: []*types.Level{merged}, targetLevel: 0, targetSubID: b.SubLevelID}, true
	}
	return pickedTask{}, false
}

func totalSize(sl *types.SubLevel) uint64 {
	var total uint64
	for _, s := range sl.Ssts {
		total += s.FileSize
	}
	return total
}

// pickBase compacts every non-busy L0 sub-level into level 1 (the base
// level) once L0's sub-level count alone crosses the trigger, or the
// total L0 size exceeds the group's max compaction bytes. A task whose
// input key ranges don't overlap any SST already resident in the base
// level is marked trivial-move: the SSTs are reassigned to the target
// level without rewriting any bytes.
func (g *GroupStatus) pickBase() (pickedTask, bool) {
	l0 := g.Levels.L0
	if l0 == nil || len(l0.SubLevels) == 0 {
		return pickedTask{}, false
	}
	if len(g.Levels.Levels) == 0 {
		return pickedTask{}, false
	}

	var l0Input types.Level
	l0Input.Kind = types.LevelOverlapping
	var totalBytes uint64
	for _, sl := range l0.SubLevels {
		if g.subLevelBusy(sl) {
			continue
		}
		l0Input.SubLevels = append(l0Input.SubLevels, sl)
		totalBytes += totalSize(sl)
	}
	if len(l0Input.SubLevels) == 0 {
		return pickedTask{}, false
	}
	if len(l0.SubLevels) <= g.Config.Level0TriggerFileNum && totalBytes < g.Config.MaxCompactionBytes {
		return pickedTask{}, false
	}

	base := g.Levels.Levels[0]
	trivial := !g.overlapsLevel(&l0Input, base)

	inputs := []*types.Level{&l0Input}
	if !trivial {
		inputs = append(inputs, base)
	}
	return pickedTask{inputLevels: inputs, targetLevel: base.LevelIdx, trivialMove: trivial}, true
}

// pickLeveled scans the levels from the base level down and grows the
// first one whose total size exceeds TargetFileSizeBase times
// SizeRatio raised to its LevelIdx into the next level.
func (g *GroupStatus) pickLeveled() (pickedTask, bool) {
	levels := g.Levels.Levels
	for i := 0; i+1 < len(levels); i++ {
		cur, next := levels[i], levels[i+1]
		if cur.TotalFileSize() == 0 {
			continue
		}
		threshold := g.Config.TargetFileSizeBase
		for j := uint32(0); j < cur.LevelIdx; j++ {
			threshold *= g.Config.SizeRatio
		}
		if cur.TotalFileSize() <= threshold {
			continue
		}
		if g.levelBusy(cur) {
			continue
		}
		overlapping := g.overlappingSsts(cur, next)
		if overlapping == nil {
			continue
		}
		return pickedTask{
			inputLevels: []*types.Level{cur, {LevelIdx: next.LevelIdx, Kind: next.Kind, Ssts: overlapping}},
			targetLevel: next.LevelIdx,
		}, true
	}
	return pickedTask{}, false
}

func (g *GroupStatus) levelBusy(l *types.Level) bool {
	for _, s := range l.Ssts {
		if g.isBusy(s.SstID) {
			return true
		}
	}
	return false
}

func (g *GroupStatus) overlapsLevel(l0 *types.Level, target *types.Level) bool {
	for _, sl := range l0.SubLevels {
		for _, s := range sl.Ssts {
			for _, t := range target.Ssts {
				if s.KeyRange.Overlaps(t.KeyRange) {
					return true
				}
			}
		}
	}
	return false
}

func (g *GroupStatus) overlappingSsts(cur, next *types.Level) []*types.SstInfo {
	var out []*types.SstInfo
	for _, c := range cur.Ssts {
		for _, n := range next.Ssts {
			if c.KeyRange.Overlaps(n.KeyRange) && !g.isBusy(n.SstID) {
				out = append(out, n)
			}
		}
	}
	return out
}

package compaction

import (
	"testing"

	"github.com/cuemby/hummock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sst(id types.SstID, lo, hi string, size uint64) *types.SstInfo {
	return &types.SstInfo{SstID: id, KeyRange: types.KeyRange{Smallest: []byte(lo), Largest: []byte(hi)}, FileSize: size}
}

func defaultConfig() *types.CompactionConfig {
	return &types.CompactionConfig{
		SizeRatio:            2,
		Level0TriggerFileNum: 4,
		TargetFileSizeBase:   1 << 20,
		MaxCompactionBytes:   1 << 30,
	}
}

// Mirrors the "trivial move" scenario: a base level with no SSTs yet, so an
// L0 -> base compaction whose input key ranges can't overlap anything at the
// base level is detected as a trivial move rather than a rewrite.
func TestGetCompactTaskDetectsTrivialMoveIntoEmptyBase(t *testing.T) {
	levels := &types.Levels{
		GroupID: 1,
		L0: &types.Level{
			Kind: types.LevelOverlapping,
			SubLevels: []*types.SubLevel{
				{SubLevelID: 1, Ssts: []*types.SstInfo{sst(5, "a", "m", 10)}},
				{SubLevelID: 2, Ssts: []*types.SstInfo{sst(6, "n", "z", 10)}},
				{SubLevelID: 3, Ssts: []*types.SstInfo{sst(7, "n", "z", 10)}},
				{SubLevelID: 4, Ssts: []*types.SstInfo{sst(8, "n", "z", 10)}},
				{SubLevelID: 5, Ssts: []*types.SstInfo{sst(9, "n", "z", 10)}},
			},
		},
		Levels: []*types.Level{{LevelIdx: 1, Kind: types.LevelNonoverlapping}},
	}
	cfg := defaultConfig()
	cfg.Level0TriggerFileNum = 10 // keep pickOverlapping from firing (needs count > trigger)
	cfg.TargetFileSizeBase = 1   // keep pickIntraL0 from firing (every pair exceeds 2x this)
	cfg.MaxCompactionBytes = 40  // force pickBase to fire on total L0 bytes alone
	g := NewGroupStatus(1, levels, cfg)

	task, ok := g.GetCompactTask(100)
	require.True(t, ok)
	assert.True(t, task.IsTrivialMove, "input key ranges never overlap the empty base level")
	assert.Equal(t, uint32(1), task.TargetLevel)
	assert.Equal(t, types.Epoch(100), task.Watermark)

	// The chosen SSTs are now busy: a second call must not reselect them.
	for _, s := range []types.SstID{5, 6, 7, 8, 9} {
		assert.True(t, g.isBusy(s))
	}
}

func TestGetCompactTaskDoesNotTriviallyMoveWhenRangesOverlapBase(t *testing.T) {
	levels := &types.Levels{
		GroupID: 1,
		L0: &types.Level{
			Kind: types.LevelOverlapping,
			SubLevels: []*types.SubLevel{
				{SubLevelID: 1, Ssts: []*types.SstInfo{sst(1, "a", "m", 10)}},
			},
		},
		Levels: []*types.Level{{LevelIdx: 1, Kind: types.LevelNonoverlapping, Ssts: []*types.SstInfo{sst(2, "b", "c", 10)}}},
	}
	cfg := defaultConfig()
	cfg.Level0TriggerFileNum = 0 // force pickBase to consider the single sub-level immediately
	g := NewGroupStatus(1, levels, cfg)

	task, ok := g.GetCompactTask(0)
	require.True(t, ok)
	assert.False(t, task.IsTrivialMove)
	require.Len(t, task.InputSsts, 2, "a real merge carries both the L0 input and the overlapping base SST")
}

func TestGetCompactTaskReturnsNoTaskWhenNothingIsEligible(t *testing.T) {
	levels := &types.Levels{GroupID: 1, L0: &types.Level{Kind: types.LevelOverlapping}}
	g := NewGroupStatus(1, levels, defaultConfig())

	task, ok := g.GetCompactTask(0)
	assert.False(t, ok)
	assert.Nil(t, task)
}

func TestGetCompactTaskMergesOverlappingSubLevelsOnceTriggerExceeded(t *testing.T) {
	levels := &types.Levels{GroupID: 1, L0: &types.Level{Kind: types.LevelOverlapping}}
	for i := uint64(1); i <= 5; i++ {
		levels.L0.SubLevels = append(levels.L0.SubLevels, &types.SubLevel{SubLevelID: i, Ssts: []*types.SstInfo{sst(types.SstID(i), "a", "z", 1 << 30)}})
	}
	cfg := defaultConfig()
	cfg.Level0TriggerFileNum = 4
	g := NewGroupStatus(1, levels, cfg)

	task, ok := g.GetCompactTask(0)
	require.True(t, ok)
	assert.Equal(t, uint32(0), task.TargetLevel, "merging L0 sub-levels targets L0 itself")
	assert.False(t, task.IsTrivialMove)
}

func TestPickManualTaskMatchesBySstID(t *testing.T) {
	levels := &types.Levels{
		GroupID: 1,
		L0:      &types.Level{Kind: types.LevelOverlapping},
		Levels:  []*types.Level{{LevelIdx: 1, Kind: types.LevelNonoverlapping, Ssts: []*types.SstInfo{sst(5, "0", "50", 10), sst(6, "51", "99", 10)}}},
	}
	g := NewGroupStatus(1, levels, defaultConfig())

	task, ok := g.PickManualTask(&types.ManualCompactionOption{Level: 1, SstIDs: []types.SstID{5}}, 0)
	require.True(t, ok)
	require.Len(t, task.InputSsts, 1)
	require.Len(t, task.InputSsts[0].Ssts, 1)
	assert.Equal(t, types.SstID(5), task.InputSsts[0].Ssts[0].SstID)
	assert.Equal(t, uint32(2), task.TargetLevel)
}

func TestPickManualTaskSkipsBusySsts(t *testing.T) {
	levels := &types.Levels{
		GroupID: 1,
		L0:      &types.Level{Kind: types.LevelOverlapping},
		Levels:  []*types.Level{{LevelIdx: 1, Kind: types.LevelNonoverlapping, Ssts: []*types.SstInfo{sst(5, "0", "50", 10)}}},
	}
	g := NewGroupStatus(1, levels, defaultConfig())
	g.markBusy([]*types.SstInfo{sst(5, "0", "50", 10)})

	_, ok := g.PickManualTask(&types.ManualCompactionOption{Level: 1}, 0)
	assert.False(t, ok, "a busy SST must never be picked, manual or automatic")
}

func TestClearBusyReleasesSstsForReselection(t *testing.T) {
	levels := &types.Levels{GroupID: 1, L0: &types.Level{Kind: types.LevelOverlapping}}
	g := NewGroupStatus(1, levels, defaultConfig())
	ssts := []*types.SstInfo{sst(1, "a", "b", 1)}
	g.markBusy(ssts)
	require.True(t, g.isBusy(1))

	g.ClearBusy(ssts)
	assert.False(t, g.isBusy(1))
}

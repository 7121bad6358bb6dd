package manager

import (
	"fmt"

	"github.com/cuemby/hummock/pkg/compaction"
	"github.com/cuemby/hummock/pkg/hmerrors"
	"github.com/cuemby/hummock/pkg/metrics"
	"github.com/cuemby/hummock/pkg/txn"
	"github.com/cuemby/hummock/pkg/types"
)

// CreateCompactionGroup registers a new compaction group with cfg,
// giving it an empty level layout to start.
func (m *Manager) CreateCompactionGroup(group types.GroupID, cfg *types.CompactionConfig) error {
	staged := &txn.Staged{}
	if err := staged.Stage("put_compaction_config", struct {
		Group types.GroupID
		Cfg   types.CompactionConfig
	}{Group: group, Cfg: *cfg}); err != nil {
		return err
	}
	if err := m.applyBatch(staged); err != nil {
		return err
	}

	current, err := m.ensureCurrent()
	if err != nil {
		return err
	}
	m.versioningMu.Lock()
	if _, ok := current.Levels[group]; !ok {
		current.Levels[group] = &types.Levels{GroupID: group, L0: &types.Level{Kind: types.LevelOverlapping}}
	}
	levels := current.Levels[group]
	m.versioningMu.Unlock()

	m.compactionMu.Lock()
	m.groups[group] = compaction.NewGroupStatus(group, levels, cfg)
	m.compactionMu.Unlock()
	return nil
}

func (m *Manager) groupStatus(group types.GroupID) (*compaction.GroupStatus, error) {
	m.compactionMu.RLock()
	gs, ok := m.groups[group]
	m.compactionMu.RUnlock()
	if !ok {
		return nil, hmerrors.ErrInvalidCompactionGroup
	}
	return gs, nil
}

// GetCompactTask runs the picker chain for group and, if a task is
// found, allocates it a TaskID. A trivial-move task never reaches a
// compactor: its version delta is applied directly under lock and the
// picker is re-driven until a non-trivial task is found or the group
// has no more eligible work, so the caller only ever sees a task that
// genuinely needs assignment. Returns (nil, false, nil) in that case.
func (m *Manager) GetCompactTask(group types.GroupID) (*types.CompactTask, bool, error) {
	gs, err := m.groupStatus(group)
	if err != nil {
		return nil, false, err
	}

	for {
		current, err := m.ensureCurrent()
		if err != nil {
			return nil, false, err
		}

		task, ok := gs.GetCompactTask(current.SafeEpoch)
		if !ok {
			return nil, false, nil
		}
		task.TaskID = types.TaskID(m.nextTaskID.Add(1))

		if task.IsTrivialMove {
			if err := m.applyTrivialMove(gs, task); err != nil {
				gs.ClearBusy(flattenTaskInputs(task))
				return nil, false, err
			}
			continue
		}

		staged := &txn.Staged{}
		if err := staged.Stage("put_compact_task", task); err != nil {
			return nil, false, err
		}
		if err := m.applyBatch(staged); err != nil {
			gs.ClearBusy(flattenTaskInputs(task))
			return nil, false, err
		}
		metrics.PendingCompactionGroups.Set(float64(len(m.groups)))
		return task, true, nil
	}
}

// applyTrivialMove commits a trivial-move task's version delta directly,
// without ever persisting the task or handing it to a compactor: the
// task's input SSTs simply become its own output at the target level,
// so no bytes need rewriting. Marks the task successful for metrics
// parity with a normally-reported task and releases its inputs back to
// the picker's busy set once the delta lands.
func (m *Manager) applyTrivialMove(gs *compaction.GroupStatus, task *types.CompactTask) error {
	inputs := flattenTaskInputs(task)
	defer gs.ClearBusy(inputs)

	task.TaskStatus = types.TaskStatusSuccess
	staged := &txn.Staged{}
	if err := m.applyCompactResult(staged, task, inputs, inputs); err != nil {
		return err
	}
	if err := m.applyBatch(staged); err != nil {
		return err
	}
	metrics.CompactionTasksTotal.WithLabelValues(fmt.Sprint(task.GroupID), task.TaskStatus.String()).Inc()
	return nil
}

// TriggerManualCompaction bypasses the automatic picker thresholds and
// builds a task from an operator-specified level/filter, used by the
// hmctl compact command. Returns (nil, false, nil) when opt matches no
// eligible SSTs.
func (m *Manager) TriggerManualCompaction(group types.GroupID, opt *types.ManualCompactionOption) (*types.CompactTask, bool, error) {
	gs, err := m.groupStatus(group)
	if err != nil {
		return nil, false, err
	}

	current, err := m.ensureCurrent()
	if err != nil {
		return nil, false, err
	}

	task, ok := gs.PickManualTask(opt, current.SafeEpoch)
	if !ok {
		return nil, false, nil
	}
	task.TaskID = types.TaskID(m.nextTaskID.Add(1))

	staged := &txn.Staged{}
	if err := staged.Stage("put_compact_task", task); err != nil {
		return nil, false, err
	}
	if err := m.applyBatch(staged); err != nil {
		gs.ClearBusy(flattenTaskInputs(task))
		return nil, false, err
	}
	metrics.PendingCompactionGroups.Set(float64(len(m.groups)))
	return task, true, nil
}

// AssignCompactTask binds task to contextID and records the assignment
// both in the meta store and the compactor liveness tracker.
func (m *Manager) AssignCompactTask(taskID types.TaskID, contextID types.ContextID) error {
	if _, err := m.store.GetCompactTask(taskID); err != nil {
		return err
	}

	assignment := &types.TaskAssignment{TaskID: taskID, ContextID: contextID}
	staged := &txn.Staged{}
	if err := staged.Stage("put_task_assignment", assignment); err != nil {
		return err
	}
	if err := m.applyBatch(staged); err != nil {
		return err
	}
	m.compactors.AssignTask(contextID, taskID)
	return nil
}

// ReportCompactTask records the terminal outcome of a compaction task.
// On success, the task's input SSTs are removed from the version and
// its output SSTs are inserted at the target level/sub-level as one
// version delta; on failure or cancellation the input SSTs are simply
// released back to the picker.
func (m *Manager) ReportCompactTask(taskID types.TaskID, status types.TaskStatus, outputSsts []*types.SstInfo) error {
	task, err := m.store.GetCompactTask(taskID)
	if err != nil {
		return err
	}

	gs, err := m.groupStatus(task.GroupID)
	if err != nil {
		return err
	}
	inputs := flattenTaskInputs(task)
	defer gs.ClearBusy(inputs)

	assignment, _ := m.findAssignment(taskID)
	if assignment != nil {
		m.compactors.CompleteTask(assignment.ContextID, taskID)
	}

	metrics.CompactionTasksTotal.WithLabelValues(fmt.Sprint(task.GroupID), status.String()).Inc()

	staged := &txn.Staged{}
	if err := staged.Stage("delete_compact_task", taskID); err != nil {
		return err
	}
	if err := staged.Stage("delete_task_assignment", taskID); err != nil {
		return err
	}

	if status == types.TaskStatusSuccess {
		if err := m.applyCompactResult(staged, task, inputs, outputSsts); err != nil {
			return err
		}
	}

	return m.applyBatch(staged)
}

// applyCompactResult builds the version delta removing inputs and
// inserting outputSsts at task.TargetLevel (as L0 sub-level
// task.TargetSubLevelID when the target is level 0), then stages it alongside
// the new current version. Caller holds no lock; this takes both in
// compaction-then-versioning order.
func (m *Manager) applyCompactResult(staged *txn.Staged, task *types.CompactTask, inputs, outputSsts []*types.SstInfo) error {
	m.compactionMu.Lock()
	defer m.compactionMu.Unlock()
	m.versioningMu.Lock()
	defer m.versioningMu.Unlock()

	current := m.current
	next := cloneVersion(current)
	next.ID++

	levels, ok := next.Levels[task.GroupID]
	if !ok {
		return hmerrors.ErrInvalidCompactionGroup
	}

	removed := make(map[types.SstID]struct{}, len(inputs))
	for _, s := range inputs {
		removed[s.SstID] = struct{}{}
	}

	if levels.L0 != nil {
		var kept []*types.SubLevel
		for _, sl := range levels.L0.SubLevels {
			slKept := filterSsts(sl.Ssts, removed)
			if len(slKept) > 0 {
				kept = append(kept, &types.SubLevel{SubLevelID: sl.SubLevelID, Ssts: slKept})
			}
		}
		levels.L0.SubLevels = kept
	}
	for _, lvl := range levels.Levels {
		lvl.Ssts = filterSsts(lvl.Ssts, removed)
	}

	var groupDelta *types.GroupDeltas
	if task.TargetLevel == 0 && levels.L0 != nil {
		if len(outputSsts) > 0 {
			levels.L0.SubLevels = append(levels.L0.SubLevels, &types.SubLevel{SubLevelID: task.TargetSubLevelID, Ssts: outputSsts})
		}
		groupDelta = &types.GroupDeltas{
			InsertedL0SubLevelID: task.TargetSubLevelID,
			InsertedIntoL0:       outputSsts,
			RemovedSstIDs:        sstIDs(inputs),
		}
	} else {
		targetLevel := findOrCreateLevel(levels, task.TargetLevel)
		targetLevel.Ssts = append(targetLevel.Ssts, outputSsts...)
		groupDelta = &types.GroupDeltas{
			InsertedSstsByLevel: map[uint32][]*types.SstInfo{task.TargetLevel: outputSsts},
			RemovedSstIDs:       sstIDs(inputs),
		}
	}

	delta := &types.VersionDelta{
		ID:                next.ID,
		PrevID:            current.ID,
		MaxCommittedEpoch: current.MaxCommittedEpoch,
		SafeEpoch:         current.SafeEpoch,
		TrivialMove:       task.IsTrivialMove,
		GroupDeltas:       map[types.GroupID]*types.GroupDeltas{task.GroupID: groupDelta},
	}

	if err := staged.Stage("put_current_version", next); err != nil {
		return err
	}
	if err := staged.Stage("put_version_delta", delta); err != nil {
		return err
	}

	m.current = next
	if gs, ok := m.groups[task.GroupID]; ok {
		gs.Levels = levels
	}
	metrics.CurrentVersionID.Set(float64(next.ID))
	return nil
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

func filterSsts(in []*types.SstInfo, removed map[types.SstID]struct{}) []*types.SstInfo {
	var out []*types.SstInfo
	for _, s := range in {
		if _, gone := removed[s.SstID]; !gone {
			out = append(out, s)
		}
	}
	return out
}

func sstIDs(in []*types.SstInfo) []types.SstID {
	out := make([]types.SstID, len(in))
	for i, s := range in {
		out[i] = s.SstID
	}
	return out
}

func flattenTaskInputs(task *types.CompactTask) []*types.SstInfo {
	var out []*types.SstInfo
	for _, lvl := range task.InputSsts {
		out = append(out, lvl.Ssts...)
		for _, sl := range lvl.SubLevels {
			out = append(out, sl.Ssts...)
		}
	}
	return out
}

func (m *Manager) findAssignment(taskID types.TaskID) (*types.TaskAssignment, error) {
	assignments, err := m.store.ListTaskAssignments()
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		if a.TaskID == taskID {
			return a, nil
		}
	}
	return nil, nil
}

// CancelCompactionTasksIf cancels every pending compaction task for
// which pred returns true, releasing their input SSTs back to the
// picker. Nothing in this repository calls it; the reconciler cancels a
// dead compactor's tasks through CancelTasksForContext.
func (m *Manager) CancelCompactionTasksIf(pred func(*types.CompactTask) bool) error {
	tasks, err := m.store.ListCompactTasks()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if !pred(t) {
			continue
		}
		if err := m.ReportCompactTask(t.TaskID, types.TaskStatusCancelled, nil); err != nil {
			return err
		}
	}
	return nil
}

// CancelTasksForContext cancels every compaction task currently assigned
// to ctx, used when the reconciler sweeps a compactor whose heartbeat
// has expired.
func (m *Manager) CancelTasksForContext(ctx types.ContextID) error {
	assignments, err := m.store.ListTaskAssignments()
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.ContextID != ctx {
			continue
		}
		if err := m.ReportCompactTask(a.TaskID, types.TaskStatusCancelled, nil); err != nil {
			return err
		}
	}
	return nil
}

// CancelUnassignedCompactionTask cancels taskID if (and only if) it has
// no current assignment, guarding against a race between a late
// assignment arriving and a scheduler-side timeout firing.
func (m *Manager) CancelUnassignedCompactionTask(taskID types.TaskID) error {
	assignment, err := m.findAssignment(taskID)
	if err != nil {
		return err
	}
	if assignment != nil {
		return fmt.Errorf("task %d: %w", taskID, hmerrors.ErrCompactionTaskAlreadyAssigned)
	}
	return m.ReportCompactTask(taskID, types.TaskStatusCancelled, nil)
}

package rpc

import "github.com/cuemby/hummock/pkg/types"

// CommitEpochRequest commits sstsByGroup at epoch, sealing that epoch's
// shared buffer into the version.
type CommitEpochRequest struct {
	Epoch        types.Epoch
	SstsByGroup  map[types.GroupID][]*types.SstInfo
}

type CommitEpochResponse struct {
	Version *types.HummockVersion
}

// PinVersionRequest asks for the update needed to catch up from
// LastPinned (0 meaning the caller has no cached version yet).
type PinVersionRequest struct {
	ContextID  types.ContextID
	LastPinned types.VersionID
}

// PinVersionResponse carries either the full current version or the
// delta chain since LastPinned — exactly one of Version/Deltas is set;
// Deltas may be a non-nil empty slice meaning "already caught up".
type PinVersionResponse struct {
	Version *types.HummockVersion
	Deltas  []*types.VersionDelta
}

type UnpinVersionRequest struct {
	ContextID types.ContextID
}

type UnpinVersionResponse struct{}

type UnpinVersionBeforeRequest struct {
	ContextID   types.ContextID
	MinPinnedID types.VersionID
}

type UnpinVersionBeforeResponse struct{}

type PinSnapshotRequest struct {
	ContextID types.ContextID
}

type PinSnapshotResponse struct {
	Snapshot types.HummockSnapshot
}

type UnpinSnapshotBeforeRequest struct {
	ContextID types.ContextID
	Epoch     types.Epoch
}

type UnpinSnapshotBeforeResponse struct{}

type GetNewSstIdsRequest struct {
	Count uint32
}

type GetNewSstIdsResponse struct {
	Range types.SstIDRange
}

// SubscribeCompactTasksRequest opens the long-lived stream a compactor
// reads assigned tasks from. Opening the stream registers the compactor
// as live; the server heartbeats it internally for as long as the
// stream stays open.
type SubscribeCompactTasksRequest struct {
	ContextID types.ContextID
}

type ReportCompactionTaskRequest struct {
	TaskID     types.TaskID
	Status     types.TaskStatus
	OutputSsts []*types.SstInfo
}

type ReportCompactionTaskResponse struct{}

type TriggerManualCompactionRequest struct {
	GroupID types.GroupID
	Option  *types.ManualCompactionOption
}

type TriggerManualCompactionResponse struct {
	Task      *types.CompactTask
	Triggered bool
}

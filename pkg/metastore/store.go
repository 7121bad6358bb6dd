// Package metastore persists the authoritative state of the hummock
// version manager: the current version and its delta log, per-group
// level layouts, pins, task assignments, the sst id allocator and the
// cluster's context (membership) registry. Every mutation goes through
// a single BoltDB file on the Raft leader; followers never touch it
// directly, they replay the same mutations through the FSM.
package metastore

import "github.com/cuemby/hummock/pkg/types"

// Store is the durable state backing the version manager. Implementations
// need not be safe for concurrent writers; the manager serializes writes
// itself (see pkg/manager's two-lock discipline).
type Store interface {
	// Version and delta log.
	GetCurrentVersion() (*types.HummockVersion, error)
	PutCurrentVersion(v *types.HummockVersion) error
	PutVersionDelta(d *types.VersionDelta) error
	ListVersionDeltas(sinceID types.VersionID) ([]*types.VersionDelta, error)
	DeleteVersionDeltasBefore(id types.VersionID) error

	// Compaction group configuration.
	GetCompactionConfig(g types.GroupID) (*types.CompactionConfig, error)
	PutCompactionConfig(g types.GroupID, cfg *types.CompactionConfig) error
	ListCompactionGroups() ([]types.GroupID, error)
	DeleteCompactionGroup(g types.GroupID) error

	// Pins.
	PutPinnedVersion(p *types.PinnedVersion) error
	DeletePinnedVersion(ctx types.ContextID) error
	ListPinnedVersions() ([]*types.PinnedVersion, error)
	PutPinnedSnapshot(p *types.PinnedSnapshot) error
	DeletePinnedSnapshot(ctx types.ContextID) error
	ListPinnedSnapshots() ([]*types.PinnedSnapshot, error)

	// Compaction tasks and their assignment to compactors.
	PutCompactTask(t *types.CompactTask) error
	GetCompactTask(id types.TaskID) (*types.CompactTask, error)
	ListCompactTasks() ([]*types.CompactTask, error)
	DeleteCompactTask(id types.TaskID) error
	PutTaskAssignment(a *types.TaskAssignment) error
	DeleteTaskAssignment(id types.TaskID) error
	ListTaskAssignments() ([]*types.TaskAssignment, error)

	// SST id allocation. NextSstIDs reserves a contiguous, never-reused
	// range of count ids and durably advances the counter before
	// returning so a crash never hands out the same id twice.
	NextSstIDs(count uint32) (types.SstIDRange, error)

	// Cluster membership of contexts (compute nodes and compactors)
	// allowed to pin versions/snapshots and own SSTs.
	PutContext(id types.ContextID) error
	DeleteContext(id types.ContextID) error
	ListContexts() ([]types.ContextID, error)

	// Cluster certificate authority material (see pkg/security), stored
	// encrypted at rest.
	GetCA() ([]byte, error)
	SaveCA(data []byte) error

	Close() error
}

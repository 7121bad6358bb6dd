// Package manager implements HummockManager, the single-writer
// authority over cluster storage state: the current HummockVersion and
// its delta log, every compaction group's level layout, and the pins
// compute nodes and compactors hold against them.
//
// Leader fencing is Raft: a command only lands in the meta store once
// it's been committed through raft.Raft.Apply, so a partitioned former
// leader can never durably apply a mutation after a new leader is
// elected. Losing leadership surfaces to callers as ErrLeaderFenced on
// the next Apply.
//
// Two reader-writer locks guard the in-memory view built on top of the
// durable meta store: compactionMu for per-group level layout and
// in-progress task state, versioningMu for the current version, its
// pins, and the delta log. Lock order is always compaction before
// versioning, matching the data dependency (a compaction task's result
// is applied to the version under versioningMu while still holding
// compactionMu so no other picker can select the same input SSTs
// mid-apply).
package manager

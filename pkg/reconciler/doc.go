/*
Package reconciler runs the background convergence loop for the version
manager: advancing the checkpoint watermark, collecting SSTs that fall
out of every live version as a result, and sweeping compactors whose
heartbeat has expired.

# Architecture

The reconciler runs on a fixed interval and is stateless between
cycles: every decision is made from what the manager and meta store
report at the start of the cycle, not from anything remembered from the
cycle before.

	┌───────────────────────────────────────────┐
	│           Reconciliation Loop              │
	│             (every interval)               │
	└───────────────┬─────────────────────────────┘
	                │
	    ┌───────────┴────────────┐
	    │                        │
	    ▼                        ▼
	Proceed version        Sweep dead
	checkpoint              compactors
	    │                        │
	    ▼                        ▼
	Collect SSTs            Release their
	pruned out of           pins and requeue
	every live delta        their tasks

# Checkpoint GC

ProceedVersionCheckpoint advances the safe epoch and deletes every
version delta strictly older than the oldest version any context still
pins. Before calling it, the reconciler reads the set of deltas about to
be pruned and unions their RemovedSstIDs; after the checkpoint commits,
any id in that set no longer appearing in the post-checkpoint current
version is genuinely unreachable and its data/meta blobs are deleted
from the object store.

# Compactor liveness

SweepDead returns every compactor whose heartbeat has expired. For each
one, the reconciler releases any pin it may hold and asks the manager to
cancel its outstanding compaction tasks, so the scheduler can reassign
them to a live compactor rather than waiting out a task timeout.
*/
package reconciler

// Package compactor is the stateless worker process that pulls
// compaction tasks off a meta node's SubscribeCompactTasks stream,
// merges their input SSTs, and reports the result back. It holds no
// durable state of its own: everything it needs travels in on the task
// and everything it produces is reported back over RPC, so a crashed
// compactor is replaced by starting a new process with the same
// context id.
package compactor

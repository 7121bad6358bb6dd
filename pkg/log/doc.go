/*
Package log provides structured logging for the hummock control plane
using zerolog. It wraps a single global zerolog.Logger configured once at
process start via Init, and exposes component-scoped child loggers
(WithComponent, WithGroupID, WithTaskID, WithCompactorID) so every log
line carries enough context to follow one compaction task or version
transition across the manager, scheduler and compactor processes.
*/
package log

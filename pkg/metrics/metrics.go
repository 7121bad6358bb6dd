// Package metrics exposes Prometheus instrumentation for the version
// manager, compaction scheduler, compactor runtime and sst store. All
// collectors are registered once at package init and scraped through
// Handler, the same pattern the rest of the control plane uses for
// timing operations (see Timer).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Version manager
	CurrentVersionID = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hummock_current_version_id",
		Help: "Id of the current hummock version",
	})

	MaxCommittedEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hummock_max_committed_epoch",
		Help: "Max committed epoch across the cluster",
	})

	SafeEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hummock_safe_epoch",
		Help: "Oldest epoch still reachable after GC watermark advance",
	})

	PinnedVersionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hummock_pinned_versions_total",
		Help: "Number of distinct contexts currently pinning a version",
	})

	PinnedSnapshotsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hummock_pinned_snapshots_total",
		Help: "Number of distinct contexts currently pinning a snapshot",
	})

	CommitEpochDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hummock_commit_epoch_duration_seconds",
		Help:    "Time to commit one epoch of SSTs into the version",
		Buckets: prometheus.DefBuckets,
	})

	VersionCheckpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hummock_version_checkpoint_duration_seconds",
		Help:    "Time to advance the version checkpoint and prune stale deltas",
		Buckets: prometheus.DefBuckets,
	})

	// Raft
	RaftIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hummock_raft_is_leader",
		Help: "Whether this meta node currently holds Raft leadership",
	})

	RaftApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hummock_raft_apply_duration_seconds",
		Help:    "Time to apply a command through Raft",
		Buckets: prometheus.DefBuckets,
	})

	// Compaction
	CompactionTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hummock_compaction_tasks_total",
		Help: "Total compaction tasks by group and terminal status",
	}, []string{"group_id", "status"})

	CompactionTaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hummock_compaction_task_duration_seconds",
		Help:    "Compaction task wall-clock duration by group and level",
		Buckets: prometheus.DefBuckets,
	}, []string{"group_id", "level"})

	CompactionBytesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hummock_compaction_bytes_read_total",
		Help: "Bytes read by compaction by group and level",
	}, []string{"group_id", "level"})

	CompactionBytesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hummock_compaction_bytes_written_total",
		Help: "Bytes written by compaction by group and level",
	}, []string{"group_id", "level"})

	CompactorsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hummock_compactors_online",
		Help: "Number of compactors with a live heartbeat",
	})

	PendingCompactionGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hummock_pending_compaction_groups",
		Help: "Number of registered compaction groups, set each time a compaction task is created",
	})

	// SST store / caches
	CacheMetaBlockTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hummock_cache_meta_block_total",
		Help: "Meta and data block cache accesses by cache and result",
	}, []string{"cache", "result"})

	RemoteIODuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hummock_remote_io_duration_seconds",
		Help:    "Object store round-trip duration by operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	SstUploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hummock_sst_upload_bytes_total",
		Help: "Total bytes uploaded to the object store as SST data and meta",
	})

	// Reconciler
	ReconciliationCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hummock_reconciliation_cycles_total",
		Help: "Total version-checkpoint reconciliation cycles run",
	})

	ReconciliationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hummock_reconciliation_duration_seconds",
		Help:    "Wall-clock duration of one reconciliation cycle",
		Buckets: prometheus.DefBuckets,
	})

	SstsGCedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hummock_ssts_gced_total",
		Help: "Total SSTs deleted from the object store after becoming unreachable",
	})
)

func init() {
	prometheus.MustRegister(
		CurrentVersionID, MaxCommittedEpoch, SafeEpoch,
		PinnedVersionsTotal, PinnedSnapshotsTotal,
		CommitEpochDuration, VersionCheckpointDuration,
		RaftIsLeader, RaftApplyDuration,
		CompactionTasksTotal, CompactionTaskDuration,
		CompactionBytesRead, CompactionBytesWritten,
		CompactorsOnline, PendingCompactionGroups,
		CacheMetaBlockTotal, RemoteIODuration, SstUploadBytes,
		ReconciliationCyclesTotal, ReconciliationDuration, SstsGCedTotal,
	)
}

// Handler serves the Prometheus exposition format over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

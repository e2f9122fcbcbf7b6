package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lockspace metrics
	LockspacesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlmd_lockspaces_total",
			Help: "Total number of joined lockspaces by lifecycle state",
		},
		[]string{"state"},
	)

	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlmd_resources_total",
			Help: "Total number of resources tracked per lockspace",
		},
		[]string{"lockspace"},
	)

	LocksOutstandingTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlmd_locks_outstanding_total",
			Help: "Total number of outstanding lock-id-table entries per lockspace",
		},
		[]string{"lockspace"},
	)

	// Lock operation metrics
	LocksGrantedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlmd_locks_granted_total",
			Help: "Total number of lock grants by mode",
		},
		[]string{"mode"},
	)

	LocksBlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dlmd_locks_blocked_total",
			Help: "Total number of lock requests and conversions that queued instead of granting immediately",
		},
	)

	LocksCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dlmd_locks_cancelled_total",
			Help: "Total number of queued locks cancelled before grant",
		},
	)

	ConversionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dlmd_conversions_total",
			Help: "Total number of lock conversions evaluated",
		},
	)

	DeadlocksDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dlmd_deadlocks_detected_total",
			Help: "Total number of conversion deadlock cycles resolved",
		},
	)

	// Mastering and directory metrics
	MasterElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dlmd_master_elections_total",
			Help: "Total number of first-touch master elections served by this node's directory",
		},
	)

	DirectoryCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dlmd_directory_cache_hits_total",
			Help: "Total number of directory lookups served from the TTL cache",
		},
	)

	// Remote dispatch metrics
	RemoteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlmd_remote_requests_total",
			Help: "Total number of remote dispatch round trips by kind and result",
		},
		[]string{"kind", "result"},
	)

	RemoteRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dlmd_remote_request_duration_seconds",
			Help:    "Remote dispatch round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Recovery metrics
	RecoveryEpoch = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlmd_recovery_epoch",
			Help: "Current recovery epoch per lockspace",
		},
		[]string{"lockspace"},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dlmd_recovery_duration_seconds",
			Help:    "Time taken for a recovery epoch (purge, names pass, locks pass) to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	PeersDepartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dlmd_peers_departed_total",
			Help: "Total number of peer departures processed by recovery",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlmd_api_requests_total",
			Help: "Total number of debug/status API requests by path and status",
		},
		[]string{"path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dlmd_api_request_duration_seconds",
			Help:    "Debug/status API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(LockspacesTotal)
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(LocksOutstandingTotal)
	prometheus.MustRegister(LocksGrantedTotal)
	prometheus.MustRegister(LocksBlockedTotal)
	prometheus.MustRegister(LocksCancelledTotal)
	prometheus.MustRegister(ConversionsTotal)
	prometheus.MustRegister(DeadlocksDetectedTotal)
	prometheus.MustRegister(MasterElectionsTotal)
	prometheus.MustRegister(DirectoryCacheHitsTotal)
	prometheus.MustRegister(RemoteRequestsTotal)
	prometheus.MustRegister(RemoteRequestDuration)
	prometheus.MustRegister(RecoveryEpoch)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(PeersDepartedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

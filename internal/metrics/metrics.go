// Package metrics exposes Prometheus counters and gauges for the upload
// agent, registered via promauto.With(Registry) rather than the default
// global registry so tests can spin up isolated agents side by side.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all upload-agent metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// AgentMetrics holds every metric the agent emits across its lifetime,
// spanning any number of jobs.
type AgentMetrics struct {
	BytesTransferred prometheus.Counter
	PartsCompleted   prometheus.Counter
	PartsFailed      prometheus.Counter
	PartsRetried     prometheus.Counter

	ActiveWorkers prometheus.Gauge
	PrefetchBuf   prometheus.Gauge

	JobsStarted   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsCancelled prometheus.Counter

	CoordinatorErrors *prometheus.CounterVec // labels: code
}

// New registers and returns the agent's metric set.
func New() *AgentMetrics {
	return &AgentMetrics{
		BytesTransferred: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "upload_agent_bytes_transferred_total",
			Help: "Total bytes successfully PUT to storage across all jobs.",
		}),
		PartsCompleted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "upload_agent_parts_completed_total",
			Help: "Total parts that reached the completed state.",
		}),
		PartsFailed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "upload_agent_parts_failed_total",
			Help: "Total parts that failed terminally (retry budget exhausted or permanent error).",
		}),
		PartsRetried: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "upload_agent_parts_retried_total",
			Help: "Total part dispatch attempts that ended in a requeue.",
		}),
		ActiveWorkers: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "upload_agent_active_workers",
			Help: "Number of workers currently mid-PUT.",
		}),
		PrefetchBuf: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "upload_agent_prefetch_buffer_size",
			Help: "Number of unconsumed presigned URLs currently buffered.",
		}),
		JobsStarted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "upload_agent_jobs_started_total",
			Help: "Total jobs that entered the preparing state.",
		}),
		JobsCompleted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "upload_agent_jobs_completed_total",
			Help: "Total jobs that reached the completed state.",
		}),
		JobsFailed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "upload_agent_jobs_failed_total",
			Help: "Total jobs that reached the failed state.",
		}),
		JobsCancelled: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "upload_agent_jobs_cancelled_total",
			Help: "Total jobs cancelled by a control command.",
		}),
		CoordinatorErrors: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "upload_agent_coordinator_errors_total",
			Help: "Total coordinator request failures, by error code.",
		}, []string{"code"}),
	}
}

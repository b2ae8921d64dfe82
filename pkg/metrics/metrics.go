package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	CampaignsQueued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaigns_queued_total", Help: "Campaigns moved to sending"},
	)
	CampaignsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaigns_completed_total", Help: "Campaigns moved to sent"},
	)
	TasksEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_tasks_enqueued_total", Help: "Tasks written to the outbox"},
	)
	TasksPublished = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_tasks_published_total", Help: "Tasks relayed to the broker"},
	)

	WorkerJobsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_consumed_total", Help: "Jobs consumed"},
	)
	WorkerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_job_outcomes_total", Help: "Resolved jobs by ledger status"},
		[]string{"status"},
	)
	WorkerJobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_job_retries_total", Help: "Retries performed"},
	)
	WorkerJobDeferrals = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_job_deferrals_total", Help: "Jobs deferred for quiet hours"},
	)
	WorkerJobsDead = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_dead_lettered_total", Help: "Jobs that exhausted retries"},
	)
	WorkerActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_jobs_active", Help: "Jobs currently being processed"},
	)
	WorkerProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_job_process_duration_seconds",
			Help:    "Time spent processing a job",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_events_total", Help: "Carrier webhook events by type"},
		[]string{"event_type"},
	)
	ContactsOptedOut = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "contacts_opted_out_total", Help: "Contacts opted out by inbound STOP"},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration,
		CampaignsQueued, CampaignsCompleted, TasksEnqueued, TasksPublished,
		WorkerJobsConsumed, WorkerOutcomes, WorkerJobRetries, WorkerJobDeferrals, WorkerJobsDead,
		WorkerActive, WorkerProcessDuration,
		WebhookEvents, ContactsOptedOut,
	)
}

func Handler() http.Handler { return promhttp.Handler() }

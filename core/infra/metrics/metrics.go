package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobMetrics defines counters for the job lifecycle.
type JobMetrics interface {
	IncJobsCreated(tool string)
	IncJobsClaimed(tool string)
	IncJobsResulted(tool, resultType string)
	IncJobsStalled(tool string)
	IncJobsRecovered(tool string)
	IncJobsExhausted(tool string)
	IncApprovalsRequested(tool string)
	IncApprovalsDecided(tool, decision string)
}

// RunMetrics captures orchestrator-level run metrics.
type RunMetrics interface {
	IncRunsProcessed(status string)
	IncWakeupsDropped()
	ObserveStepDuration(seconds float64)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements JobMetrics and RunMetrics without emitting anything.
type Noop struct{}

func (Noop) IncJobsCreated(string)             {}
func (Noop) IncJobsClaimed(string)             {}
func (Noop) IncJobsResulted(string, string)    {}
func (Noop) IncJobsStalled(string)             {}
func (Noop) IncJobsRecovered(string)           {}
func (Noop) IncJobsExhausted(string)           {}
func (Noop) IncApprovalsRequested(string)      {}
func (Noop) IncApprovalsDecided(string, string) {}
func (Noop) IncRunsProcessed(string)           {}
func (Noop) IncWakeupsDropped()                {}
func (Noop) ObserveStepDuration(float64)       {}

// Prom implements JobMetrics backed by Prometheus counters.
type Prom struct {
	jobsCreated        *prometheus.CounterVec
	jobsClaimed        *prometheus.CounterVec
	jobsResulted       *prometheus.CounterVec
	jobsStalled        *prometheus.CounterVec
	jobsRecovered      *prometheus.CounterVec
	jobsExhausted      *prometheus.CounterVec
	approvalsRequested *prometheus.CounterVec
	approvalsDecided   *prometheus.CounterVec
	once               sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs created by tool",
		}, []string{"tool"}),
		jobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by polling machines, by tool",
		}, []string{"tool"}),
		jobsResulted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_resulted_total",
			Help:      "Jobs with a persisted result, by tool and result type",
		}, []string{"tool", "result_type"}),
		jobsStalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_stalled_total",
			Help:      "Jobs whose claimant went silent past the timeout, by tool",
		}, []string{"tool"}),
		jobsRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_recovered_total",
			Help:      "Stalled jobs returned to pending, by tool",
		}, []string{"tool"}),
		jobsExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_exhausted_total",
			Help:      "Stalled jobs with no attempts left, by tool",
		}, []string{"tool"}),
		approvalsRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_requested_total",
			Help:      "Approval requests raised by machines, by tool",
		}, []string{"tool"}),
		approvalsDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_decided_total",
			Help:      "Approval decisions, by tool and decision",
		}, []string{"tool", "decision"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.jobsCreated, p.jobsClaimed, p.jobsResulted, p.jobsStalled,
			p.jobsRecovered, p.jobsExhausted, p.approvalsRequested, p.approvalsDecided,
		)
	})
}

func (p *Prom) IncJobsCreated(tool string)   { p.jobsCreated.WithLabelValues(tool).Inc() }
func (p *Prom) IncJobsClaimed(tool string)   { p.jobsClaimed.WithLabelValues(tool).Inc() }
func (p *Prom) IncJobsStalled(tool string)   { p.jobsStalled.WithLabelValues(tool).Inc() }
func (p *Prom) IncJobsRecovered(tool string) { p.jobsRecovered.WithLabelValues(tool).Inc() }
func (p *Prom) IncJobsExhausted(tool string) { p.jobsExhausted.WithLabelValues(tool).Inc() }

func (p *Prom) IncJobsResulted(tool, resultType string) {
	p.jobsResulted.WithLabelValues(tool, resultType).Inc()
}

func (p *Prom) IncApprovalsRequested(tool string) {
	p.approvalsRequested.WithLabelValues(tool).Inc()
}

func (p *Prom) IncApprovalsDecided(tool, decision string) {
	p.approvalsDecided.WithLabelValues(tool, decision).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Run metrics (orchestrator) ---

type runProm struct {
	processed    *prometheus.CounterVec
	dropped      prometheus.Counter
	stepDuration prometheus.Histogram
	once         sync.Once
}

func NewRunProm(namespace string) RunMetrics {
	r := &runProm{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_processed_total",
			Help:      "Run processing outcomes by resulting status",
		}, []string{"status"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_wakeups_dropped_total",
			Help:      "Wake-ups dropped after exhausting lock retries",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_step_duration_seconds",
			Help:      "Duration of a single reasoning step",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	r.once.Do(func() {
		prometheus.MustRegister(r.processed, r.dropped, r.stepDuration)
	})
	return r
}

func (r *runProm) IncRunsProcessed(status string)        { r.processed.WithLabelValues(status).Inc() }
func (r *runProm) IncWakeupsDropped()                    { r.dropped.Inc() }
func (r *runProm) ObserveStepDuration(seconds float64)   { r.stepDuration.Observe(seconds) }

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

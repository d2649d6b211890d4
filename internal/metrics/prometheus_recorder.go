package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once          sync.Once
	enqueued      *prom.CounterVec
	allocated     *prom.CounterVec
	dropped       *prom.CounterVec
	orphaned      *prom.CounterVec
	buildOutcome  *prom.CounterVec
	buildDuration *prom.HistogramVec
	stepResults   *prom.CounterVec
	pendingBuilds *prom.GaugeVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.enqueued = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bitten",
			Name:      "builds_enqueued_total",
			Help:      "Builds added to the queue by populate runs",
		}, []string{"project", "config"})
		pr.allocated = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bitten",
			Name:      "builds_allocated_total",
			Help:      "Pending builds handed out to slaves",
		}, []string{"project", "config"})
		pr.dropped = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bitten",
			Name:      "builds_dropped_total",
			Help:      "Obsolete pending builds pruned from the queue",
		}, []string{"project", "config"})
		pr.orphaned = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bitten",
			Name:      "builds_orphaned_total",
			Help:      "In-progress builds reset to pending after slave inactivity",
		}, []string{"project", "config"})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bitten",
			Name:      "build_outcomes_total",
			Help:      "Completed builds by final status",
		}, []string{"project", "outcome"})
		pr.buildDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "bitten",
			Name:      "build_duration_seconds",
			Help:      "Wall clock duration of completed builds",
			Buckets:   prom.ExponentialBuckets(1, 4, 10),
		}, []string{"project"})
		pr.stepResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bitten",
			Name:      "step_results_total",
			Help:      "Recorded build steps by result",
		}, []string{"project", "result"})
		pr.pendingBuilds = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "bitten",
			Name:      "pending_builds",
			Help:      "Builds currently waiting for a slave",
		}, []string{"project"})
		reg.MustRegister(pr.enqueued, pr.allocated, pr.dropped, pr.orphaned, pr.buildOutcome, pr.buildDuration, pr.stepResults, pr.pendingBuilds)
	})
	return pr
}

func (p *PrometheusRecorder) IncBuildEnqueued(project, config string) {
	if p == nil || p.enqueued == nil {
		return
	}
	p.enqueued.WithLabelValues(project, config).Inc()
}

func (p *PrometheusRecorder) IncBuildAllocated(project, config string) {
	if p == nil || p.allocated == nil {
		return
	}
	p.allocated.WithLabelValues(project, config).Inc()
}

func (p *PrometheusRecorder) IncBuildDropped(project, config string) {
	if p == nil || p.dropped == nil {
		return
	}
	p.dropped.WithLabelValues(project, config).Inc()
}

func (p *PrometheusRecorder) IncBuildOrphaned(project, config string) {
	if p == nil || p.orphaned == nil {
		return
	}
	p.orphaned.WithLabelValues(project, config).Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(project, outcome string) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(project, outcome).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(project string, d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.WithLabelValues(project).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStepResult(project, result string) {
	if p == nil || p.stepResults == nil {
		return
	}
	p.stepResults.WithLabelValues(project, result).Inc()
}

func (p *PrometheusRecorder) SetPendingBuilds(project string, n int) {
	if p == nil || p.pendingBuilds == nil {
		return
	}
	p.pendingBuilds.WithLabelValues(project).Set(float64(n))
}

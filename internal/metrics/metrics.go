package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/dispatchflow/internal/engine"
	"github.com/rendis/dispatchflow/pkg/schema"
)

const namespace = "dispatchflow"

// Collector records engine activity as Prometheus metrics. It implements
// engine.Observer.
type Collector struct {
	registry *prometheus.Registry

	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
}

var _ engine.Observer = (*Collector)(nil)

// NewCollector creates a Collector backed by its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed steps by final status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of step execution by tool.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Prepared executions not yet cleaned up.",
		}),
	}
	c.registry.MustRegister(c.steps, c.duration, c.active)
	return c
}

func (c *Collector) ExecutionPrepared() { c.active.Inc() }

func (c *Collector) ExecutionCleaned() { c.active.Dec() }

func (c *Collector) StepFinished(tool string, status schema.StepStatus, elapsed time.Duration) {
	c.steps.WithLabelValues(string(status)).Inc()
	if status != schema.StepStatusSkipped {
		c.duration.WithLabelValues(tool).Observe(elapsed.Seconds())
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collected metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

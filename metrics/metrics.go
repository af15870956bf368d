// Package metrics exports Prometheus metrics for instance lifecycles,
// duplication, traps, suspensions and call latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Label values.
const (
	OriginCreate    = "create"
	OriginDuplicate = "duplicate"

	ModeCOW  = "cow"
	ModeCopy = "copy"

	StatusOK    = "ok"
	StatusTrap  = "trap"
	StatusError = "error"
)

// Collector records VM metrics. A nil *Collector records nothing, so
// callers need not check whether metrics are enabled.
type Collector struct {
	registry         prometheus.Registerer
	constLabels      prometheus.Labels
	metricsNamespace string

	instancesLive    prometheus.Gauge
	instancesCreated *prometheus.CounterVec
	duplications     *prometheus.CounterVec
	traps            *prometheus.CounterVec
	suspensions      prometheus.Counter
	callDuration     *prometheus.HistogramVec
}

// New creates a Collector and registers its metrics.
func New(opts ...Option) (*Collector, error) {
	c := &Collector{}
	for _, o := range opts {
		o(c)
	}
	if c.registry == nil {
		c.registry = prometheus.DefaultRegisterer
	}

	c.instancesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   c.metricsNamespace,
		Name:        "instances_live",
		Help:        "Number of instances not yet closed",
		ConstLabels: c.constLabels,
	})
	c.instancesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.metricsNamespace,
		Name:        "instances_created_total",
		Help:        "Instances created, by origin",
		ConstLabels: c.constLabels,
	}, []string{"origin"})
	c.duplications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.metricsNamespace,
		Name:        "memory_duplications_total",
		Help:        "Linear memories duplicated, by mode (cow or copy)",
		ConstLabels: c.constLabels,
	}, []string{"mode"})
	c.traps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.metricsNamespace,
		Name:        "traps_total",
		Help:        "Calls terminated by a trap, by trap code",
		ConstLabels: c.constLabels,
	}, []string{"code"})
	c.suspensions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   c.metricsNamespace,
		Name:        "call_suspensions_total",
		Help:        "Times a call running on a dedicated stack suspended",
		ConstLabels: c.constLabels,
	})
	c.callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   c.metricsNamespace,
		Name:        "call_duration_seconds",
		Help:        "Time (in seconds) spent in exported calls",
		ConstLabels: c.constLabels,
		Buckets:     prometheus.DefBuckets,
	}, []string{"module", "status"})

	var err error
	for _, col := range []prometheus.Collector{
		c.instancesLive, c.instancesCreated, c.duplications, c.traps, c.suspensions, c.callDuration,
	} {
		err = multierr.Append(err, c.registry.Register(col))
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// InstanceCreated records a new instance.
func (c *Collector) InstanceCreated(origin string) {
	if c == nil {
		return
	}
	c.instancesLive.Inc()
	c.instancesCreated.WithLabelValues(origin).Inc()
}

// InstanceClosed records the release of an instance.
func (c *Collector) InstanceClosed() {
	if c == nil {
		return
	}
	c.instancesLive.Dec()
}

// MemoryDuplicated records a memory duplicated by mode.
func (c *Collector) MemoryDuplicated(mode string) {
	if c == nil {
		return
	}
	c.duplications.WithLabelValues(mode).Inc()
}

// Trapped records a call that ended in a trap.
func (c *Collector) Trapped(code string) {
	if c == nil {
		return
	}
	c.traps.WithLabelValues(code).Inc()
}

// Suspended records one suspension.
func (c *Collector) Suspended() {
	if c == nil {
		return
	}
	c.suspensions.Inc()
}

// ObserveCall records the duration of an exported call.
func (c *Collector) ObserveCall(module, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.callDuration.WithLabelValues(module, status).Observe(d.Seconds())
}

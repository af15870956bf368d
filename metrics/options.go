package metrics

import "github.com/prometheus/client_golang/prometheus"

// Option is a functional option type that allows us to configure the Collector.
type Option func(*Collector)

// WithRegistry allows to provide a prometheus registry. If not provided, the default
// global Prometheus registry will be used.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Collector) {
		c.registry = registry
	}
}

// WithConstLabels can be used to attach static labels to the exported metrics.
func WithConstLabels(labels map[string]string) Option {
	return func(c *Collector) {
		c.constLabels = labels
	}
}

// WithMetricsNamespace can be used to set the metrics namespace for all exported metrics.
func WithMetricsNamespace(metricsNamespace string) Option {
	return func(c *Collector) {
		c.metricsNamespace = metricsNamespace
	}
}

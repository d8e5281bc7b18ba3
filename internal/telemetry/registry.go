package telemetry

import "github.com/prometheus/client_golang/prometheus"

// NewMetricsRegistry builds a Prometheus registry carrying the Go/process
// collectors plus every collector passed in.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}

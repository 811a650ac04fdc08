package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus metrics.
type Metrics struct {
	InstancesActive *prometheus.GaugeVec
	InstancesTotal  *prometheus.CounterVec
	KernelFailures  *prometheus.CounterVec

	FramesDownstream prometheus.Counter
	FramesUpstream   *prometheus.CounterVec
	ActionTimeouts   prometheus.Counter
}

// NewMetrics registers the broker metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InstancesActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "databench_instances_active",
				Help: "Number of attached analysis instances",
			},
			[]string{"kind"},
		),
		InstancesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "databench_instances_total",
				Help: "Total number of analysis instances attached",
			},
			[]string{"kind"},
		),
		KernelFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "databench_kernel_failures_total",
				Help: "Kernels that failed to start or exited with an error",
			},
			[]string{"kind", "reason"},
		),
		FramesDownstream: f.NewCounter(
			prometheus.CounterOpts{
				Name: "databench_frames_downstream_total",
				Help: "Frames published to kernels",
			},
		),
		FramesUpstream: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "databench_frames_upstream_total",
				Help: "Frames received from kernels, by signal",
			},
			[]string{"signal"},
		),
		ActionTimeouts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "databench_action_timeouts_total",
				Help: "Actions ended by the broker because the kernel did not end them in time",
			},
		),
	}
}

// Package metrics exposes Prometheus collectors for the execution
// host: VM lifecycle, tunnels, frames, and per-operation outcomes.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	vmsCreated      prometheus.Counter
	vmsStopped      prometheus.Counter
	vmsUnresponsive prometheus.Counter

	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec

	operationsTotal *prometheus.CounterVec
	castsTotal      prometheus.Counter

	bootDuration      prometheus.Histogram
	operationDuration *prometheus.HistogramVec

	tunnelsOpen prometheus.Gauge
	vmsRunning  prometheus.Gauge
}

// Default histogram buckets for operation durations (in milliseconds)
var defaultBuckets = []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000}

var (
	global *Metrics
	once   sync.Once
)

// Global returns the process-wide metrics, initializing them with the
// default namespace on first use.
func Global() *Metrics {
	once.Do(func() {
		global = newMetrics("nomad")
	})
	return global
}

func newMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		vmsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vms_created_total",
			Help:      "Total number of VMs created",
		}),
		vmsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vms_stopped_total",
			Help:      "Total number of VMs stopped",
		}),
		vmsUnresponsive: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vms_unresponsive_total",
			Help:      "Total number of VMs stopped by the pong watchdog",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames sent to workers, by frame name",
		}, []string{"name"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received from workers, by frame name",
		}, []string{"name"}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Supervisor operations, by operation and status",
		}, []string{"operation", "status"}),
		castsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_cast_total",
			Help:      "Events cast on VM buses",
		}),
		bootDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "boot_duration_ms",
			Help:      "Worker boot duration in milliseconds",
			Buckets:   defaultBuckets,
		}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_ms",
			Help:      "Supervisor operation duration in milliseconds",
			Buckets:   defaultBuckets,
		}, []string{"operation"}),
		tunnelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_open",
			Help:      "Currently pending tunnels across all VMs",
		}),
		vmsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vms_running",
			Help:      "VMs currently in the running state",
		}),
	}

	registry.MustRegister(
		m.vmsCreated, m.vmsStopped, m.vmsUnresponsive,
		m.framesSent, m.framesReceived,
		m.operationsTotal, m.castsTotal,
		m.bootDuration, m.operationDuration,
		m.tunnelsOpen, m.vmsRunning,
	)
	return m
}

// Handler returns an http.Handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordVMCreated()      { m.vmsCreated.Inc() }
func (m *Metrics) RecordVMStopped()      { m.vmsStopped.Inc() }
func (m *Metrics) RecordVMUnresponsive() { m.vmsUnresponsive.Inc() }
func (m *Metrics) RecordCast()           { m.castsTotal.Inc() }

func (m *Metrics) RecordFrameSent(name string)     { m.framesSent.WithLabelValues(name).Inc() }
func (m *Metrics) RecordFrameReceived(name string) { m.framesReceived.WithLabelValues(name).Inc() }

func (m *Metrics) RecordOperation(operation, status string, elapsed time.Duration) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(float64(elapsed.Microseconds()) / 1000.0)
}

func (m *Metrics) RecordBoot(elapsed time.Duration) {
	m.bootDuration.Observe(float64(elapsed.Microseconds()) / 1000.0)
}

func (m *Metrics) SetTunnelsOpen(n int) { m.tunnelsOpen.Set(float64(n)) }
func (m *Metrics) VMRunning(delta int)  { m.vmsRunning.Add(float64(delta)) }

package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/hosttop-web/internal/sampler"
)

const metricsNamespace = "hosttop"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "process",
			Name:      "kill_requests_total",
			Help:      "Total process termination requests handled.",
		}, func() float64 {
			return float64(s.killRequests.Load())
		}),
	}

	if s.snapshots != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "snapshot",
				Name:      "subscribers",
				Help:      "Current number of snapshot subscribers.",
			}, func() float64 {
				return float64(s.snapshots.Subscribers())
			}),
			newHostMetricsCollector(s.snapshots, time.Now),
		)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

// hostMetricsCollector exports the latest published snapshot.
type hostMetricsCollector struct {
	source SnapshotSource
	now    func() time.Time

	cpuTotal      *prometheus.Desc
	cpuCore       *prometheus.Desc
	memTotal      *prometheus.Desc
	memUsed       *prometheus.Desc
	memPercent    *prometheus.Desc
	gpuAvailable  *prometheus.Desc
	gpuUtil       *prometheus.Desc
	gpuMemUsed    *prometheus.Desc
	gpuMemTotal   *prometheus.Desc
	gpuMemPercent *prometheus.Desc
	processes     *prometheus.Desc
	sequence      *prometheus.Desc
	timestamp     *prometheus.Desc
	age           *prometheus.Desc
}

func newHostMetricsCollector(source SnapshotSource, now func() time.Time) *hostMetricsCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, subsystem, name),
			help,
			labels,
			nil,
		)
	}
	gpuLabels := []string{"index", "name", "uuid"}

	return &hostMetricsCollector{
		source:        source,
		now:           now,
		cpuTotal:      desc("cpu", "usage_percent", "Aggregate CPU utilization across all cores."),
		cpuCore:       desc("cpu", "core_usage_percent", "Per-core CPU utilization.", "core"),
		memTotal:      desc("memory", "total_bytes", "Total host memory in bytes."),
		memUsed:       desc("memory", "used_bytes", "Used host memory in bytes."),
		memPercent:    desc("memory", "used_percent", "Used host memory percentage."),
		gpuAvailable:  desc("gpu", "available", "Whether GPU statistics are being collected."),
		gpuUtil:       desc("gpu", "utilization_percent", "GPU core utilization.", gpuLabels...),
		gpuMemUsed:    desc("gpu", "memory_used_bytes", "GPU memory in use.", gpuLabels...),
		gpuMemTotal:   desc("gpu", "memory_total_bytes", "GPU memory capacity.", gpuLabels...),
		gpuMemPercent: desc("gpu", "memory_used_percent", "GPU memory in use as a percentage of capacity.", gpuLabels...),
		processes:     desc("process", "count", "Number of processes in the latest snapshot."),
		sequence:      desc("snapshot", "sequence", "Sequence number of the latest snapshot."),
		timestamp:     desc("snapshot", "timestamp_seconds", "Unix timestamp of the latest snapshot."),
		age:           desc("snapshot", "age_seconds", "Seconds elapsed since the latest snapshot was collected."),
	}
}

func (c *hostMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		c.cpuTotal, c.cpuCore,
		c.memTotal, c.memUsed, c.memPercent,
		c.gpuAvailable, c.gpuUtil, c.gpuMemUsed, c.gpuMemTotal, c.gpuMemPercent,
		c.processes, c.sequence, c.timestamp, c.age,
	} {
		ch <- desc
	}
}

func (c *hostMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot, ok := c.source.Latest()
	if !ok {
		return
	}

	gauge := func(desc *prometheus.Desc, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, labels...)
	}

	gauge(c.cpuTotal, snapshot.CPU.TotalPercent)
	for core, value := range snapshot.CPU.PerCore {
		gauge(c.cpuCore, value, strconv.Itoa(core))
	}

	gauge(c.memTotal, float64(snapshot.RAM.TotalBytes))
	gauge(c.memUsed, float64(snapshot.RAM.UsedBytes))
	gauge(c.memPercent, snapshot.RAM.Percent)

	available := 0.0
	if snapshot.GPUAvailable {
		available = 1
	}
	gauge(c.gpuAvailable, available)
	for _, stats := range snapshot.GPUs {
		labels := []string{strconv.Itoa(stats.Index), stats.Name, stats.UUID}
		gauge(c.gpuUtil, stats.UtilizationPercent, labels...)
		gauge(c.gpuMemUsed, float64(stats.UsedMemoryBytes), labels...)
		gauge(c.gpuMemTotal, float64(stats.TotalMemoryBytes), labels...)
		gauge(c.gpuMemPercent, stats.MemoryPercent, labels...)
	}

	gauge(c.processes, float64(len(snapshot.Processes)))
	gauge(c.sequence, float64(snapshot.Seq))
	gauge(c.timestamp, float64(snapshot.Timestamp.Unix()))
	gauge(c.age, snapshotAge(snapshot, c.now()).Seconds())
}

func snapshotAge(snapshot sampler.Snapshot, now time.Time) time.Duration {
	if snapshot.Timestamp.IsZero() {
		return 0
	}
	age := now.Sub(snapshot.Timestamp)
	if age < 0 {
		return 0
	}
	return age
}

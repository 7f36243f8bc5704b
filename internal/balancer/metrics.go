package balancer

import "github.com/prometheus/client_golang/prometheus"

// Registry is a dedicated Prometheus registry (not the global default)
// so the management API's /metrics endpoint exposes exactly this
// package's series, nothing pulled in transitively by other imports.
var Registry = prometheus.NewRegistry()

var (
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "goproxlb_tick_duration_seconds",
		Help: "Duration of one balancer tick.",
	})
	migrationsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goproxlb_migrations_dispatched_total",
		Help: "Migrations dispatched, by strategy reason.",
	}, []string{"reason"})
	migrationsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goproxlb_migrations_failed_total",
		Help: "Migrations that failed to dispatch, by strategy reason.",
	}, []string{"reason"})
	nodeCPUGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "goproxlb_node_cpu_usage",
		Help: "Last observed CPU usage fraction per node.",
	}, []string{"node"})
	nodeMemGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "goproxlb_node_memory_usage",
		Help: "Last observed memory usage fraction per node.",
	}, []string{"node"})
	anomaliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goproxlb_anomalies_detected_total",
		Help: "Anomalies detected, by type.",
	}, []string{"type"})
)

func init() {
	Registry.MustRegister(tickDuration, migrationsDispatched, migrationsFailed, nodeCPUGauge, nodeMemGauge, anomaliesTotal)
}

// Package metrics provides Prometheus metrics for SSHWeaver.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric exported by this process.
const Namespace = "sshweaver"

var (
	// ActiveSessions tracks the number of sessions registered in the pool.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "active_sessions",
		Help:      "Number of sessions currently registered in the pool.",
	})

	// OperationsTotal counts facade operations by name and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "operations_total",
		Help:      "Total facade operations by operation name and outcome.",
	}, []string{"op", "outcome"})

	// OperationDuration observes facade operation latency.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "operation_duration_seconds",
		Help:      "Facade operation latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// TransferBytesTotal counts bytes moved by upload and download.
	TransferBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "transfer_bytes_total",
		Help:      "Total bytes transferred, labeled by direction.",
	}, []string{"direction"})

	// BuildInfo exposes the build version as a constant gauge.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "build_info",
		Help:      "Build information, value is always 1.",
	}, []string{"version", "go_version"})
)

// SetBuildInfo records the running build's version labels.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// ObserveOperation records one facade operation's outcome and duration.
func ObserveOperation(op string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OperationsTotal.WithLabelValues(op, outcome).Inc()
	OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

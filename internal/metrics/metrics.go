// Package metrics provides Prometheus metrics collection for the SMB-Direct transport.
//
// Connection Metrics:
//   - smbdirect_rdma_enabled: Whether the RDMA fast path is enabled
//   - smbdirect_rdma_connections_active: Live RDMA connections
//   - smbdirect_rdma_connections_total: RDMA connections established
//
// Operation Metrics:
//   - smbdirect_rdma_requests_total: RDMA operations by kind and outcome
//   - smbdirect_rdma_bytes_total: Bytes moved by direction
//   - smbdirect_rdma_latency_seconds: RDMA operation latency histogram
//   - smbdirect_rdma_fallbacks_total: Transports that fell back to TCP
//
// Pool Metrics:
//   - smbdirect_rdma_pool_regions: Pooled regions available by pool
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Direction label values.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

var (
	// RDMAEnabled indicates if RDMA is enabled.
	RDMAEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smbdirect_rdma_enabled",
			Help: "Whether the SMB-Direct RDMA fast path is enabled (1=yes, 0=no)",
		},
	)

	// RDMAConnectionsActive tracks active RDMA connections.
	RDMAConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smbdirect_rdma_connections_active",
			Help: "Number of active RDMA connections",
		},
	)

	// RDMAConnectionsTotal tracks total RDMA connections by provider.
	RDMAConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smbdirect_rdma_connections_total",
			Help: "Total RDMA connections established",
		},
		[]string{"provider"},
	)

	// RDMARequestsTotal tracks operations by kind and outcome.
	RDMARequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smbdirect_rdma_requests_total",
			Help: "Total RDMA operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// RDMABytesTotal tracks bytes by direction.
	RDMABytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smbdirect_rdma_bytes_total",
			Help: "Total bytes transferred via RDMA",
		},
		[]string{"direction"},
	)

	// RDMALatency tracks operation latency.
	RDMALatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smbdirect_rdma_latency_seconds",
			Help:    "RDMA operation latency in seconds",
			Buckets: []float64{0.000001, 0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.1},
		},
		[]string{"operation"},
	)

	// RDMAFallbacksTotal counts transports that abandoned RDMA.
	RDMAFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smbdirect_rdma_fallbacks_total",
			Help: "Total number of transports that fell back to TCP",
		},
	)

	// RDMAPoolRegions tracks free pooled regions.
	RDMAPoolRegions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smbdirect_rdma_pool_regions",
			Help: "Registered memory regions available in the pool",
		},
		[]string{"pool"}, // send, receive
	)
)

// SetRDMAEnabled sets the RDMA enabled status.
func SetRDMAEnabled(enabled bool) {
	if enabled {
		RDMAEnabled.Set(1)
	} else {
		RDMAEnabled.Set(0)
	}
}

// RecordRDMAConnection records a newly established connection.
func RecordRDMAConnection(provider string) {
	RDMAConnectionsTotal.WithLabelValues(provider).Inc()
	RDMAConnectionsActive.Inc()
}

// RecordRDMADisconnect records a closed connection.
func RecordRDMADisconnect() {
	RDMAConnectionsActive.Dec()
}

// RecordRDMARequest records an operation outcome and its latency.
func RecordRDMARequest(operation string, err error, duration time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailed
	}

	RDMARequestsTotal.WithLabelValues(operation, outcome).Inc()
	RDMALatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRDMABytes records bytes moved in one direction.
func RecordRDMABytes(direction string, n int) {
	if n <= 0 {
		return
	}

	RDMABytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordRDMAFallback records a transport falling back to TCP.
func RecordRDMAFallback() {
	RDMAFallbacksTotal.Inc()
}

// SetRDMAPoolRegions sets the number of free regions in a pool.
func SetRDMAPoolRegions(pool string, n int) {
	RDMAPoolRegions.WithLabelValues(pool).Set(float64(n))
}

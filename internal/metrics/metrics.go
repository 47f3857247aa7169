package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScanDuration tracks the time taken by one full scan tick
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rebalancer_scan_duration_seconds",
		Help:    "Time taken to complete one scan of all users and positions",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5min
	})

	// RepositionsTotal tracks reposition attempts by outcome
	RepositionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_repositions_total",
			Help: "The total number of reposition attempts",
		},
		[]string{"outcome"}, // success, failed, critical, denied, skipped
	)

	// EntitlementChecks tracks entitlement cache behaviour
	EntitlementChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_entitlement_checks_total",
			Help: "The total number of entitlement lookups",
		},
		[]string{"result"}, // hit, miss
	)

	// RPCRequestsTotal tracks ledger RPC requests by status
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_rpc_requests_total",
			Help: "The total number of RPC requests",
		},
		[]string{"status"},
	)

	// NotificationsTotal tracks notifications by kind
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_notifications_total",
			Help: "The total number of notifications sent",
		},
		[]string{"kind"},
	)

	// PositionsOutOfRange tracks how many positions were found out of range per scan
	PositionsOutOfRange = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rebalancer_positions_out_of_range",
		Help: "The number of positions found out of range in the last scan",
	})

	// RPCEndpointHealth tracks RPC endpoint health
	RPCEndpointHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebalancer_rpc_endpoint_health",
			Help: "Health status of RPC endpoints (1 = healthy, 0 = unhealthy)",
		},
		[]string{"endpoint"},
	)
)

// RecordScanDuration records the duration of one scan tick in seconds
func RecordScanDuration(seconds float64) {
	ScanDuration.Observe(seconds)
}

// RecordReposition records a reposition attempt with the given outcome
func RecordReposition(outcome string) {
	RepositionsTotal.WithLabelValues(outcome).Inc()
}

// RecordEntitlementCheck records an entitlement lookup as a cache hit or miss
func RecordEntitlementCheck(hit bool) {
	if hit {
		EntitlementChecks.WithLabelValues("hit").Inc()
	} else {
		EntitlementChecks.WithLabelValues("miss").Inc()
	}
}

// RecordRPCRequest records an RPC request with the given status
func RecordRPCRequest(status string) {
	RPCRequestsTotal.WithLabelValues(status).Inc()
}

// RecordNotification records a sent notification of the given kind
func RecordNotification(kind string) {
	NotificationsTotal.WithLabelValues(kind).Inc()
}

// SetRPCEndpointHealth sets the health status of an RPC endpoint
func SetRPCEndpointHealth(endpoint string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	RPCEndpointHealth.WithLabelValues(endpoint).Set(value)
}

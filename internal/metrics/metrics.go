// Package metrics provides Prometheus instrumentation for the Spendgate service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts requests by method, route pattern, and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendgate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spendgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthorizationsTotal counts gate decisions by outcome and the rule that
	// produced them ("ok" for allowed).
	AuthorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendgate",
			Name:      "authorizations_total",
			Help:      "Total authorization decisions by outcome and rule.",
		},
		[]string{"decision", "rule"},
	)

	// PolicyEvaluationDuration observes policy evaluation latency. The gate
	// sits in front of every transfer, so this histogram is the one to watch.
	PolicyEvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "spendgate",
			Name:      "policy_evaluation_duration_seconds",
			Help:      "Policy evaluation latency in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
	)

	// IntentTransitionsTotal counts intent lifecycle transitions by resulting status.
	IntentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendgate",
			Name:      "intent_transitions_total",
			Help:      "Total intent state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// PendingIntents tracks intents currently awaiting a decision.
	PendingIntents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spendgate",
			Name:      "pending_intents",
			Help:      "Number of intents currently in pending state.",
		},
	)

	// TransfersTotal counts ledger transfers by backend and result.
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendgate",
			Name:      "transfers_total",
			Help:      "Total ledger transfers by backend and result.",
		},
		[]string{"backend", "result"},
	)

	// TransferDuration observes ledger transfer latency by backend.
	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spendgate",
			Name:      "transfer_duration_seconds",
			Help:      "Ledger transfer duration in seconds.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend"},
	)

	// AuditEventsTotal counts audit events recorded by kind.
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendgate",
			Name:      "audit_events_total",
			Help:      "Total audit events recorded by kind.",
		},
		[]string{"kind"},
	)

	// GatePaused exports the kill switch state (1 when paused).
	GatePaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spendgate",
			Name:      "gate_paused",
			Help:      "1 when the execution gate is paused, 0 otherwise.",
		},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendgate",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spendgate",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// ReconciliationDiscrepancies tracks executed intents with no matching receipt.
	ReconciliationDiscrepancies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spendgate",
			Name:      "reconciliation_discrepancies",
			Help:      "Executed intents without a matching transfer receipt at last reconciliation.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendgate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendgate", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendgate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendgate", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendgate", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spendgate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	for _, c := range []prometheus.Collector{
		HTTPRequestsTotal, HTTPRequestDuration,
		AuthorizationsTotal, PolicyEvaluationDuration,
		IntentTransitionsTotal, PendingIntents,
		TransfersTotal, TransferDuration,
		AuditEventsTotal, GatePaused,
		WebhookDeliveriesTotal, ActiveWebSocketClients,
		ReconciliationDiscrepancies,
		DBOpenConnections, DBIdleConnections, DBInUseConnections,
		DBWaitCount, DBWaitDuration, GoroutineCount,
	} {
		prometheus.MustRegister(c)
	}
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count into the
// process gauges every interval until ctx is done. Run it in a goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observePool(db.Stats())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

func observePool(s sql.DBStats) {
	DBOpenConnections.Set(float64(s.OpenConnections))
	DBIdleConnections.Set(float64(s.Idle))
	DBInUseConnections.Set(float64(s.InUse))
	DBWaitCount.Set(float64(s.WaitCount))
	DBWaitDuration.Set(s.WaitDuration.Seconds())
}

// Middleware records count and latency for every request. Series are keyed by
// the route pattern, not the concrete path, so parameterized routes stay as a
// single series.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		method, route := c.Request.Method, c.FullPath()
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the Prometheus exposition endpoint.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusBucket collapses a status code to its class label ("4xx").
func statusBucket(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

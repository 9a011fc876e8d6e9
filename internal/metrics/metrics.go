package metrics

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
const (
	// Gateway error categories
	GatewayErrorTransport = "transport"
	GatewayErrorRateLimit = "rate_limit"
	GatewayErrorAuth      = "authentication"
	GatewayErrorBusiness  = "business"
	GatewayErrorCancelled = "cancelled"
	GatewayErrorOther     = "other"

	// Token refresh results
	TokenRefreshSuccess = "success"
	TokenRefreshFailure = "failure"
	TokenRefreshForced  = "forced"
)

// classifier is implemented by gateway errors that know their own category
type classifier interface {
	Category() string
}

// NormalizeGatewayError maps an error to a bounded category label
func NormalizeGatewayError(err error) string {
	if err == nil {
		return ""
	}
	var c classifier
	if errors.As(err, &c) {
		return c.Category()
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "deadline"):
		return GatewayErrorCancelled
	case strings.Contains(errStr, "egw00201") || strings.Contains(errStr, "rate limit"):
		return GatewayErrorRateLimit
	case strings.Contains(errStr, "egw00123") || strings.Contains(errStr, "auth"):
		return GatewayErrorAuth
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout"):
		return GatewayErrorTransport
	default:
		return GatewayErrorOther
	}
}

// Gateway Metrics
var (
	GatewayCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "brokercore_gateway_call_latency_ms",
		Help:    "Broker API call latency in milliseconds, including retries",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"tr_id"})

	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokercore_gateway_calls_total",
		Help: "Total logical broker API calls by outcome",
	}, []string{"tr_id", "outcome"})

	GatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokercore_gateway_errors_total",
		Help: "Total broker API errors by category",
	}, []string{"category"})

	GatewayAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brokercore_gateway_attempts_total",
		Help: "Total network attempts made by the gateway",
	})

	RateLimitWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "brokercore_rate_limit_wait_ms",
		Help:    "Time spent waiting on the minimum call interval",
		Buckets: []float64{0, 5, 10, 20, 40, 60, 120, 250, 500, 1000},
	})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokercore_token_refreshes_total",
		Help: "Token re-authentications by result",
	}, []string{"result"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "brokercore_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"service"})
)

// Order Metrics
var (
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokercore_order_transitions_total",
		Help: "Order status transitions by side and resulting status",
	}, []string{"side", "status"})

	ForcedTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokercore_order_forced_timeouts_total",
		Help: "Orders forced to TIMEOUT locally by reason",
	}, []string{"reason"})

	PendingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brokercore_pending_orders",
		Help: "Number of orders in the active store",
	})

	SweeperDemotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brokercore_sweeper_demotions_total",
		Help: "Completed orders demoted back to pending by the sweeper",
	})

	MonitorCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "brokercore_monitor_cycle_ms",
		Help:    "Duration of one monitoring cycle in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	})

	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokercore_alerts_total",
		Help: "Alerts raised by severity and category",
	}, []string{"severity", "category"})
)

// System Metrics
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "brokercore_api_request_duration_ms",
		Help:    "REST API request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"method", "path", "status"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokercore_events_published_total",
		Help: "Lifecycle events published to NATS by kind",
	}, []string{"kind"})

	JournalWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokercore_journal_writes_total",
		Help: "Order journal writes by result",
	}, []string{"result"})
)

// RecordGatewayCall records a logical broker call and its error category
func RecordGatewayCall(trID string, durationMs float64, err error) {
	GatewayCallLatency.WithLabelValues(trID).Observe(durationMs)
	if err != nil {
		GatewayCalls.WithLabelValues(trID, "failure").Inc()
		GatewayErrors.WithLabelValues(NormalizeGatewayError(err)).Inc()
		return
	}
	GatewayCalls.WithLabelValues(trID, "success").Inc()
}

// RecordGatewayAttempt counts one network attempt
func RecordGatewayAttempt() {
	GatewayAttempts.Inc()
}

// RecordRateLimitWait records time spent in the rate limiter
func RecordRateLimitWait(waitMs float64) {
	RateLimitWait.Observe(waitMs)
}

// RecordTokenRefresh records a token re-authentication attempt
func RecordTokenRefresh(result string) {
	TokenRefreshes.WithLabelValues(result).Inc()
}

// UpdateBreakerState records a circuit breaker state as 0/1/2
func UpdateBreakerState(service string, state float64) {
	BreakerState.WithLabelValues(service).Set(state)
}

// RecordOrderTransition records an order reaching a status
func RecordOrderTransition(side, status string) {
	OrderTransitions.WithLabelValues(side, status).Inc()
}

// RecordForcedTimeout records an order forced to TIMEOUT
func RecordForcedTimeout(reason string) {
	ForcedTimeouts.WithLabelValues(reason).Inc()
}

// SetPendingOrders updates the active order gauge
func SetPendingOrders(count int) {
	PendingOrders.Set(float64(count))
}

// RecordSweeperDemotion records a false positive caught by the sweeper
func RecordSweeperDemotion() {
	SweeperDemotions.Inc()
}

// RecordMonitorCycle records monitoring cycle latency
func RecordMonitorCycle(durationMs float64) {
	MonitorCycleDuration.Observe(durationMs)
}

// RecordAlert records an alert
func RecordAlert(severity, category string) {
	Alerts.WithLabelValues(severity, category).Inc()
}

// RecordAPIRequest records REST API request metrics
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
}

// RecordEventPublished records a NATS publish
func RecordEventPublished(kind string) {
	EventsPublished.WithLabelValues(kind).Inc()
}

// RecordJournalWrite records an order journal write
func RecordJournalWrite(success bool) {
	if success {
		JournalWrites.WithLabelValues("success").Inc()
		return
	}
	JournalWrites.WithLabelValues("failure").Inc()
}

package orders

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/brokercore/internal/gateway"
	"github.com/ajitpratap0/brokercore/internal/metrics"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "CRITICAL" // Needs an operator now
	AlertSeverityWarning  AlertSeverity = "WARNING"  // Should be investigated
	AlertSeverityInfo     AlertSeverity = "INFO"     // Tracking only
)

// AlertCategory represents the category of an alert
type AlertCategory string

const (
	AlertCategoryOrderPlacement AlertCategory = "ORDER_PLACEMENT"
	AlertCategoryOrderCancel    AlertCategory = "ORDER_CANCEL"
	AlertCategoryOrderQuery     AlertCategory = "ORDER_QUERY"
	AlertCategoryForcedTimeout  AlertCategory = "FORCED_TIMEOUT"
	AlertCategoryAmbiguous      AlertCategory = "AMBIGUOUS_STATUS"
	AlertCategoryDemotion       AlertCategory = "SWEEPER_DEMOTION"
	AlertCategoryMonitor        AlertCategory = "MONITOR"
)

// Alert represents an error alert with structured data
type Alert struct {
	Severity  AlertSeverity          `json:"severity"`
	Category  AlertCategory          `json:"category"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// AlertPublisher forwards alerts off-process
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert Alert) error
}

// AlertManager logs alerts, counts them in Prometheus and optionally forwards them
type AlertManager struct {
	publisher AlertPublisher
}

// NewAlertManager creates a new alert manager. publisher may be nil.
func NewAlertManager(publisher AlertPublisher) *AlertManager {
	return &AlertManager{publisher: publisher}
}

// SendAlert logs, counts and forwards an alert
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	logEvent := log.With().
		Str("severity", string(alert.Severity)).
		Str("category", string(alert.Category)).
		Time("timestamp", alert.Timestamp)

	for key, value := range alert.Context {
		logEvent = logEvent.Interface(key, value)
	}
	if alert.Error != "" {
		logEvent = logEvent.Str("error", alert.Error)
	}

	logger := logEvent.Logger()

	switch alert.Severity {
	case AlertSeverityCritical:
		logger.Error().Msg(alert.Message)
	case AlertSeverityWarning:
		logger.Warn().Msg(alert.Message)
	case AlertSeverityInfo:
		logger.Info().Msg(alert.Message)
	default:
		logger.Error().Msg(alert.Message)
	}

	metrics.RecordAlert(string(alert.Severity), string(alert.Category))

	if am.publisher != nil {
		if err := am.publisher.PublishAlert(ctx, alert); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish alert")
		}
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// withBrokerCode adds the broker's message code to an alert context when err carries one
func withBrokerCode(ctx map[string]interface{}, err error) map[string]interface{} {
	if code, _ := gateway.BrokerCode(err); code != "" {
		ctx["broker_code"] = code
	}
	return ctx
}

// AlertOrderPlacementFailed creates an alert for order placement failures
func AlertOrderPlacementFailed(err error, symbol string, side Side, quantity int64) Alert {
	severity := AlertSeverityCritical
	// Recoverable classes are worth a look, not a page
	if gateway.IsRetryable(err) {
		severity = AlertSeverityWarning
	}
	return Alert{
		Severity: severity,
		Category: AlertCategoryOrderPlacement,
		Message:  "Failed to place order",
		Error:    errText(err),
		Context: withBrokerCode(map[string]interface{}{
			"symbol":   symbol,
			"side":     string(side),
			"quantity": quantity,
		}, err),
	}
}

// AlertOrderCancellationFailed creates an alert for order cancellation failures
func AlertOrderCancellationFailed(err error, orderID string) Alert {
	severity := AlertSeverityWarning
	if !gateway.IsRetryable(err) {
		severity = AlertSeverityCritical
	}
	return Alert{
		Severity: severity,
		Category: AlertCategoryOrderCancel,
		Message:  "Failed to cancel order",
		Error:    errText(err),
		Context: withBrokerCode(map[string]interface{}{
			"order_id": orderID,
		}, err),
	}
}

// AlertOrderQueryFailed creates an alert for failed status listings
func AlertOrderQueryFailed(err error, pending int) Alert {
	return Alert{
		Severity: AlertSeverityWarning,
		Category: AlertCategoryOrderQuery,
		Message:  "Failed to query order status",
		Error:    errText(err),
		Context: map[string]interface{}{
			"pending_orders": pending,
		},
	}
}

// AlertForcedTimeout creates an alert for an order forced to TIMEOUT after a failed cancel
func AlertForcedTimeout(err error, o Order, reason string) Alert {
	return Alert{
		Severity: AlertSeverityCritical,
		Category: AlertCategoryForcedTimeout,
		Message:  "Order forced to TIMEOUT; broker state must be checked by hand",
		Error:    errText(err),
		Context: map[string]interface{}{
			"order_id": o.ID,
			"symbol":   o.Symbol,
			"side":     string(o.Side),
			"quantity": o.Quantity,
			"filled":   o.FilledQty,
			"reason":   reason,
		},
	}
}

// AlertAmbiguousTimeout creates an alert for an order that was never seen in either listing
func AlertAmbiguousTimeout(o Order, since time.Duration) Alert {
	return Alert{
		Severity: AlertSeverityCritical,
		Category: AlertCategoryAmbiguous,
		Message:  "Order status could not be determined",
		Error:    (&AmbiguousStatusError{OrderID: o.ID, Since: since}).Error(),
		Context: map[string]interface{}{
			"order_id": o.ID,
			"symbol":   o.Symbol,
		},
	}
}

// AlertDemoted creates an alert for a FILLED order the sweeper found unfilled
func AlertDemoted(o Order, out Outcome) Alert {
	return Alert{
		Severity: AlertSeverityWarning,
		Category: AlertCategoryDemotion,
		Message:  "Completed order demoted back to PENDING",
		Context: map[string]interface{}{
			"order_id":  o.ID,
			"symbol":    o.Symbol,
			"filled":    out.Filled,
			"remaining": out.Remaining,
			"reason":    out.Reason,
		},
	}
}

// AlertMonitorPanic creates an alert for a recovered panic while processing one order
func AlertMonitorPanic(orderID string, recovered interface{}) Alert {
	return Alert{
		Severity: AlertSeverityCritical,
		Category: AlertCategoryMonitor,
		Message:  "Recovered panic while processing order",
		Context: map[string]interface{}{
			"order_id": orderID,
			"panic":    recovered,
		},
	}
}

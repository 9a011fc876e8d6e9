package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/ajitpratap0/brokercore/internal/gateway"
	"github.com/ajitpratap0/brokercore/internal/kis"
)

var (
	// ErrOrderNotFound means the id is neither active nor in the terminal log
	ErrOrderNotFound = errors.New("order not found")
	// ErrMarketNotOpen means a cancel was attempted before the session opened
	ErrMarketNotOpen = errors.New("market not open")
	// ErrNotCancelable means the broker no longer lists the order as cancelable
	ErrNotCancelable = errors.New("order not in cancelable listing")
)

// Result codes for failures without a broker code
const (
	CodeInvalidInput    = "INVALID_INPUT"
	CodeNotFound        = "NOT_FOUND"
	CodeMarketNotOpen   = "MARKET_NOT_OPEN"
	CodeNotCancelable   = "NOT_CANCELABLE"
	CodeRoutingMissing  = "ROUTING_FIELD_MISSING"
	CodeTransport       = "TRANSPORT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeAuth            = "AUTH"
	CodeDisabled        = "DISABLED"
	CodeNoAdjustment    = "NO_ADJUSTMENT"
	CodeInvalidResponse = "INVALID_RESPONSE"
	CodeInternal        = "INTERNAL"
)

// InputError is a rejected submission argument
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AmbiguousStatusError means neither broker source confirms the order's state
type AmbiguousStatusError struct {
	OrderID string
	Since   time.Duration
}

func (e *AmbiguousStatusError) Error() string {
	return fmt.Sprintf("order %s absent from open orders and fills for %s", e.OrderID, e.Since.Round(time.Second))
}

// RoutingFieldMissingError means the open-orders row carries no routing key,
// so the order cannot be cancelled.
type RoutingFieldMissingError struct {
	OrderID string
}

func (e *RoutingFieldMissingError) Error() string {
	return fmt.Sprintf("no routing field for order %s in open-orders listing", e.OrderID)
}

// failure converts an error into a Result, keeping broker codes intact
func failure(orderID, action string, err error) Result {
	res := Result{Success: false, OrderID: orderID, Message: fmt.Sprintf("%s failed: %v", action, err)}

	var input *InputError
	var routing *RoutingFieldMissingError
	var business *gateway.BusinessRejectionError
	var rateLimited *gateway.RateLimitError
	var transport *gateway.TransportError
	var auth *gateway.AuthError
	var expired *gateway.AuthExpiredError

	switch {
	case errors.As(err, &input):
		res.Code = CodeInvalidInput
	case errors.As(err, &routing):
		res.Code = CodeRoutingMissing
	case errors.Is(err, ErrOrderNotFound):
		res.Code = CodeNotFound
	case errors.Is(err, ErrMarketNotOpen):
		res.Code = CodeMarketNotOpen
	case errors.Is(err, ErrNotCancelable):
		res.Code = CodeNotCancelable
	case errors.Is(err, kis.ErrMalformedResponse):
		res.Code = CodeInvalidResponse
	case errors.As(err, &business):
		res.Code = business.Code
		res.Message = fmt.Sprintf("%s rejected: %s", action, business.Message)
	case errors.As(err, &rateLimited):
		res.Code = CodeRateLimited
	case errors.As(err, &transport):
		res.Code = CodeTransport
	case errors.As(err, &auth), errors.As(err, &expired):
		res.Code = CodeAuth
	default:
		res.Code = CodeInternal
	}
	return res
}

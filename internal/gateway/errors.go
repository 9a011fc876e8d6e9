package gateway

import (
	"errors"
	"fmt"

	"github.com/ajitpratap0/brokercore/internal/metrics"
)

// Broker application-level message codes with special handling
const (
	CodeRateLimited  = "EGW00201"
	CodeTokenExpired = "EGW00123"
)

// TransportError is a network or timeout failure that survived all retries
type TransportError struct {
	TrID     string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure for %s after %d attempt(s): %v", e.TrID, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Category returns the metrics label for this error
func (e *TransportError) Category() string { return metrics.GatewayErrorTransport }

// RateLimitError is returned once the retry budget is spent on rate-limit responses
type RateLimitError struct {
	TrID     string
	Attempts int
	Code     string
	Message  string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s after %d attempt(s): [%s] %s", e.TrID, e.Attempts, e.Code, e.Message)
}

// Category returns the metrics label for this error
func (e *RateLimitError) Category() string { return metrics.GatewayErrorRateLimit }

// AuthError means authentication could not be performed or was refused
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Category returns the metrics label for this error
func (e *AuthError) Category() string { return metrics.GatewayErrorAuth }

// AuthExpiredError is returned when a call still reports an expired token
// after the one-time re-authentication and replay.
type AuthExpiredError struct {
	TrID    string
	Code    string
	Message string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("token still expired after re-authentication on %s: [%s] %s", e.TrID, e.Code, e.Message)
}

// Category returns the metrics label for this error
func (e *AuthExpiredError) Category() string { return metrics.GatewayErrorAuth }

// BusinessRejectionError is a broker refusal for a domain reason. Never retried.
type BusinessRejectionError struct {
	TrID       string
	HTTPStatus int
	Code       string
	Message    string
}

func (e *BusinessRejectionError) Error() string {
	return fmt.Sprintf("broker rejected %s: [%s] %s", e.TrID, e.Code, e.Message)
}

// Category returns the metrics label for this error
func (e *BusinessRejectionError) Category() string { return metrics.GatewayErrorBusiness }

// BrokerCode extracts the broker code and message carried by a gateway error.
// Errors without a broker code return empty strings and err's text.
func BrokerCode(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var business *BusinessRejectionError
	if errors.As(err, &business) {
		return business.Code, business.Message
	}
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return rateLimited.Code, rateLimited.Message
	}
	var expired *AuthExpiredError
	if errors.As(err, &expired) {
		return expired.Code, expired.Message
	}
	return "", err.Error()
}

// IsRetryable reports whether err is a recoverable class that a caller may try again later
func IsRetryable(err error) bool {
	var transport *TransportError
	var rateLimited *RateLimitError
	return errors.As(err, &transport) || errors.As(err, &rateLimited)
}

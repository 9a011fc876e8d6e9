package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ajitpratap0/brokercore/internal/config"
	"github.com/ajitpratap0/brokercore/internal/metrics"
)

// RequestSigner produces the hashkey header value for a mutating request body
type RequestSigner interface {
	Sign(ctx context.Context, body map[string]string) (string, error)
}

// HashKeySigner fetches request signatures from the broker's hashkey endpoint.
// Calls go through a circuit breaker so a failing endpoint is skipped quickly.
type HashKeySigner struct {
	baseURL string
	client  *http.Client
	limiter *RateLimiter
	headers func() http.Header
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// SignerSettings holds circuit breaker thresholds for the signing endpoint
type SignerSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// DefaultSignerSettings returns the default breaker thresholds
func DefaultSignerSettings() SignerSettings {
	return SignerSettings{
		MinRequests:     3,
		FailureRatio:    0.6,
		OpenTimeout:     30 * time.Second,
		HalfOpenMaxReqs: 1,
		CountInterval:   60 * time.Second,
	}
}

type hashKeyResponse struct {
	Hash string `json:"HASH"`
}

// NewHashKeySigner creates a signer. headers supplies appkey/appsecret.
func NewHashKeySigner(baseURL string, client *http.Client, limiter *RateLimiter, headers func() http.Header, settings SignerSettings) *HashKeySigner {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	s := &HashKeySigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: limiter,
		headers: headers,
		log:     config.NewLogger("hashkey_signer"),
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "hashkey",
		MaxRequests: settings.HalfOpenMaxReqs,
		Interval:    settings.CountInterval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= settings.MinRequests && failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Signer circuit breaker state changed")
			updateBreakerMetric(name, to)
		},
	})
	updateBreakerMetric("hashkey", s.breaker.State())

	return s
}

// Sign returns the hashkey for body
func (s *HashKeySigner) Sign(ctx context.Context, body map[string]string) (string, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetch(ctx, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("hashkey endpoint unavailable: %w", err)
		}
		return "", err
	}
	return result.(string), nil
}

// State returns the breaker state
func (s *HashKeySigner) State() gobreaker.State {
	return s.breaker.State()
}

func (s *HashKeySigner) fetch(ctx context.Context, body map[string]string) (string, error) {
	if s.limiter != nil {
		if _, err := s.limiter.Acquire(ctx); err != nil {
			return "", err
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode hashkey body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/uapi/hashkey", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build hashkey request: %w", err)
	}
	if s.headers != nil {
		for k, v := range s.headers() {
			req.Header[k] = v
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("hashkey request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("failed to read hashkey response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("hashkey endpoint returned HTTP %d", resp.StatusCode)
	}

	var hr hashKeyResponse
	if err := json.Unmarshal(raw, &hr); err != nil {
		return "", fmt.Errorf("failed to decode hashkey response: %w", err)
	}
	if hr.Hash == "" {
		return "", errors.New("hashkey response missing HASH")
	}
	return hr.Hash, nil
}

func updateBreakerMetric(service string, state gobreaker.State) {
	var value float64
	switch state {
	case gobreaker.StateClosed:
		value = 0
	case gobreaker.StateOpen:
		value = 1
	case gobreaker.StateHalfOpen:
		value = 2
	}
	metrics.UpdateBreakerState(service, value)
}

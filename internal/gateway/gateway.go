// Package gateway is the authenticated, paced client for the broker REST API.
// It owns the rate limiter, the token lifecycle, response classification and retries.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/brokercore/internal/config"
	"github.com/ajitpratap0/brokercore/internal/metrics"
)

// Authenticator supplies valid auth headers for each call
type Authenticator interface {
	EnsureValid(ctx context.Context) error
	ForceRefresh(ctx context.Context, seen uint64) error
	Headers() http.Header
	Generation() uint64
}

// Request is one logical broker call
type Request struct {
	Path           string
	TrID           string // operation id, selects server-side behaviour
	TrCont         string // "" for a fresh query, "N" to continue a paginated one
	Params         map[string]string
	ExtraHeaders   map[string]string
	Mutating       bool // POST with JSON body instead of GET with query
	NeedsSignature bool
}

// Response is a successful broker reply
type Response struct {
	StatusCode   int
	TrCont       string
	RtCd         string
	MsgCd        string
	Msg1         string
	Output       json.RawMessage
	Output1      json.RawMessage
	Output2      json.RawMessage
	CtxAreaFK100 string
	CtxAreaNK100 string
}

// HasMore reports whether the broker signalled another page
func (r *Response) HasMore() bool {
	return r.TrCont == "M" || r.TrCont == "F"
}

type envelope struct {
	RtCd         string          `json:"rt_cd"`
	MsgCd        string          `json:"msg_cd"`
	Msg1         string          `json:"msg1"`
	Output       json.RawMessage `json:"output"`
	Output1      json.RawMessage `json:"output1"`
	Output2      json.RawMessage `json:"output2"`
	CtxAreaFK100 string          `json:"ctx_area_fk100"`
	CtxAreaNK100 string          `json:"ctx_area_nk100"`
}

// Settings configures pacing and retries; all of it can change at runtime
type Settings struct {
	MinInterval         time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	EscalationThreshold int64
	EscalationFactor    float64
	CustomerType        string
}

// DefaultSettings returns the broker's documented-safe defaults
func DefaultSettings() Settings {
	return Settings{
		MinInterval:         60 * time.Millisecond,
		MaxRetries:          3,
		RetryDelay:          1500 * time.Millisecond,
		EscalationThreshold: 10,
		EscalationFactor:    1.5,
		CustomerType:        "P",
	}
}

// SettingsFromConfig builds gateway settings from configuration
func SettingsFromConfig(cfg config.GatewayConfig, broker config.BrokerConfig) Settings {
	return Settings{
		MinInterval:         cfg.MinInterval,
		MaxRetries:          cfg.MaxRetries,
		RetryDelay:          cfg.RetryDelay,
		EscalationThreshold: int64(cfg.RateLimitEscalationThreshold),
		EscalationFactor:    cfg.RateLimitEscalationFactor,
		CustomerType:        broker.CustomerType,
	}
}

// Gateway performs authenticated, rate-limited broker calls
type Gateway struct {
	baseURL string
	client  *http.Client
	limiter *RateLimiter
	auth    Authenticator
	signer  RequestSigner
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	settings Settings

	stats statsCounters
}

// New creates a gateway. signer may be nil when signatures are never needed.
func New(baseURL string, client *http.Client, limiter *RateLimiter, auth Authenticator, signer RequestSigner, settings Settings) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if limiter == nil {
		limiter = NewRateLimiter(settings.MinInterval)
	}
	if settings.EscalationFactor < 1 {
		settings.EscalationFactor = 1
	}

	return &Gateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		limiter:  limiter,
		auth:     auth,
		signer:   signer,
		log:      config.NewLogger("gateway"),
		sleep:    sleepContext,
		settings: settings,
	}
}

// SetLimits adjusts pacing and retries for subsequent calls
func (g *Gateway) SetLimits(minInterval time.Duration, maxRetries int, retryDelay time.Duration) error {
	if minInterval < 0 || maxRetries < 0 || retryDelay < 0 {
		return fmt.Errorf("invalid limits: interval=%s retries=%d delay=%s", minInterval, maxRetries, retryDelay)
	}

	g.mu.Lock()
	g.settings.MinInterval = minInterval
	g.settings.MaxRetries = maxRetries
	g.settings.RetryDelay = retryDelay
	g.mu.Unlock()

	g.limiter.SetMinInterval(minInterval)

	g.log.Info().
		Dur("min_interval", minInterval).
		Int("max_retries", maxRetries).
		Dur("retry_delay", retryDelay).
		Msg("Gateway limits updated")
	return nil
}

// Limiter returns the gateway's rate limiter
func (g *Gateway) Limiter() *RateLimiter {
	return g.limiter
}

func (g *Gateway) currentSettings() Settings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings
}

// Call runs one logical broker call with classification and retries
func (g *Gateway) Call(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	callID := uuid.NewString()
	logger := g.log.With().Str("call_id", callID).Str("tr_id", req.TrID).Logger()

	g.stats.call()
	resp, err := g.call(ctx, req, logger)
	if err != nil {
		g.stats.failure(err)
	} else {
		g.stats.success()
	}

	metrics.RecordGatewayCall(req.TrID, float64(time.Since(start).Microseconds())/1000.0, err)
	return resp, err
}

func (g *Gateway) call(ctx context.Context, req Request, logger zerolog.Logger) (*Response, error) {
	if err := g.auth.EnsureValid(ctx); err != nil {
		return nil, err
	}

	var hashKey string
	if req.NeedsSignature && g.signer != nil {
		sig, err := g.signer.Sign(ctx, req.Params)
		if err != nil {
			logger.Warn().Err(err).Msg("Request signature unavailable, sending unsigned")
		} else {
			hashKey = sig
		}
	}

	settings := g.currentSettings()
	replayed := false

	for attempt := 0; ; attempt++ {
		resp, class, authGen, err := g.attempt(ctx, req, hashKey)

		switch class {
		case classSuccess:
			if attempt > 0 {
				logger.Info().Int("attempt", attempt+1).Msg("Call succeeded after retry")
			}
			return resp, nil

		case classRateLimited:
			total := g.stats.rateLimited(time.Now())
			if attempt >= settings.MaxRetries {
				logger.Error().
					Int("attempts", attempt+1).
					Msg("Rate limit retries exhausted")
				return nil, &RateLimitError{TrID: req.TrID, Attempts: attempt + 1, Code: resp.MsgCd, Message: resp.Msg1}
			}
			backoff := rateLimitBackoff(settings, total, attempt)
			logger.Warn().
				Int("attempt", attempt+1).
				Int("max_attempts", settings.MaxRetries+1).
				Int64("rate_limit_errors", total).
				Dur("backoff", backoff).
				Msg("Rate limited, retrying with backoff")
			if err := g.backoff(ctx, backoff); err != nil {
				return nil, &TransportError{TrID: req.TrID, Attempts: attempt + 1, Err: err}
			}

		case classTokenExpired:
			if replayed {
				return nil, &AuthExpiredError{TrID: req.TrID, Code: resp.MsgCd, Message: resp.Msg1}
			}
			replayed = true
			logger.Warn().Msg("Token expired mid-session, re-authenticating and replaying once")
			if err := g.auth.ForceRefresh(ctx, authGen); err != nil {
				return nil, err
			}
			// The replay sits outside the retry budget
			attempt--

		case classBusiness:
			logger.Debug().
				Str("msg_cd", resp.MsgCd).
				Str("msg", resp.Msg1).
				Msg("Broker rejected call")
			return nil, &BusinessRejectionError{TrID: req.TrID, HTTPStatus: resp.StatusCode, Code: resp.MsgCd, Message: resp.Msg1}

		case classTransport:
			if ctx.Err() != nil {
				return nil, &TransportError{TrID: req.TrID, Attempts: attempt + 1, Err: ctx.Err()}
			}
			if attempt >= settings.MaxRetries {
				logger.Error().Err(err).Int("attempts", attempt+1).Msg("Transport retries exhausted")
				return nil, &TransportError{TrID: req.TrID, Attempts: attempt + 1, Err: err}
			}
			backoff := exponential(settings.RetryDelay, attempt)
			logger.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", settings.MaxRetries+1).
				Dur("backoff", backoff).
				Msg("Transport error, retrying with backoff")
			if err := g.backoff(ctx, backoff); err != nil {
				return nil, &TransportError{TrID: req.TrID, Attempts: attempt + 1, Err: err}
			}
		}
	}
}

func (g *Gateway) backoff(ctx context.Context, d time.Duration) error {
	g.stats.addBackoff(d)
	return g.sleep(ctx, d)
}

// rateLimitBackoff is base × factor^(escalated) × 2^attempt, where escalated
// is 1 once cumulative rate-limit errors pass the threshold.
func rateLimitBackoff(s Settings, rateLimitErrors int64, attempt int) time.Duration {
	base := s.RetryDelay
	if rateLimitErrors > s.EscalationThreshold {
		base = time.Duration(float64(base) * s.EscalationFactor)
	}
	return exponential(base, attempt)
}

func exponential(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(2, float64(attempt)))
}

type responseClass int

const (
	classSuccess responseClass = iota
	classRateLimited
	classTokenExpired
	classBusiness
	classTransport
)

// attempt performs one network round trip and classifies it. It also
// returns the credential generation the request was sent with.
func (g *Gateway) attempt(ctx context.Context, req Request, hashKey string) (*Response, responseClass, uint64, error) {
	waited, err := g.limiter.Acquire(ctx)
	if err != nil {
		return nil, classTransport, 0, err
	}
	g.stats.addWait(waited)
	metrics.RecordRateLimitWait(float64(waited.Microseconds()) / 1000.0)

	httpReq, err := g.buildRequest(ctx, req, hashKey)
	if err != nil {
		// A request we cannot build will not get better on retry
		return &Response{MsgCd: "REQUEST_BUILD", Msg1: err.Error()}, classBusiness, 0, err
	}
	authGen := g.auth.Generation()

	g.stats.attempt()
	metrics.RecordGatewayAttempt()

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, classTransport, authGen, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return nil, classTransport, authGen, fmt.Errorf("failed to read response body: %w", err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		TrCont:     httpResp.Header.Get("tr_cont"),
	}

	var env envelope
	parseErr := json.Unmarshal(raw, &env)
	if parseErr == nil {
		resp.RtCd = env.RtCd
		resp.MsgCd = env.MsgCd
		resp.Msg1 = strings.TrimSpace(env.Msg1)
		resp.Output = env.Output
		resp.Output1 = env.Output1
		resp.Output2 = env.Output2
		resp.CtxAreaFK100 = env.CtxAreaFK100
		resp.CtxAreaNK100 = env.CtxAreaNK100
	}

	return resp, classify(resp, parseErr == nil), authGen, nil
}

// classify maps a reply to a handling class. The broker reports rate limits
// and token expiry both with HTTP 200 and HTTP 500, so the message code wins.
func classify(resp *Response, parsed bool) responseClass {
	if parsed {
		switch resp.MsgCd {
		case CodeRateLimited:
			return classRateLimited
		case CodeTokenExpired:
			return classTokenExpired
		}
	}

	switch {
	case parsed && resp.StatusCode == http.StatusOK && resp.RtCd == "0":
		return classSuccess
	case !parsed && resp.StatusCode >= 500:
		return classTransport
	case !parsed && resp.StatusCode == http.StatusOK:
		resp.MsgCd = "INVALID_RESPONSE"
		resp.Msg1 = "unparsable response body"
		return classBusiness
	case !parsed:
		resp.MsgCd = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		resp.Msg1 = http.StatusText(resp.StatusCode)
		return classBusiness
	default:
		if resp.MsgCd == "" {
			resp.MsgCd = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		return classBusiness
	}
}

func (g *Gateway) buildRequest(ctx context.Context, req Request, hashKey string) (*http.Request, error) {
	target := g.baseURL + req.Path

	var httpReq *http.Request
	var err error
	if req.Mutating {
		body, mErr := json.Marshal(req.Params)
		if mErr != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", mErr)
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	} else {
		query := url.Values{}
		for k, v := range req.Params {
			query.Set(k, v)
		}
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for k, v := range g.auth.Headers() {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("tr_id", req.TrID)
	httpReq.Header.Set("tr_cont", req.TrCont)
	if ct := g.currentSettings().CustomerType; ct != "" {
		httpReq.Header.Set("custtype", ct)
	}
	for k, v := range req.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	if hashKey != "" {
		httpReq.Header.Set("hashkey", hashKey)
	}

	return httpReq, nil
}

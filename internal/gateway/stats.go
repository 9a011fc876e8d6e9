package gateway

import (
	"errors"
	"sync"
	"time"
)

// Stats is a snapshot of gateway counters and current limits
type Stats struct {
	TotalCalls        int64         `json:"total_calls"`
	SuccessCalls      int64         `json:"success_calls"`
	RateLimitErrors   int64         `json:"rate_limit_errors"`
	OtherErrors       int64         `json:"other_errors"`
	Attempts          int64         `json:"attempts"`
	TotalWaitTime     time.Duration `json:"total_wait_time"`
	TotalBackoffTime  time.Duration `json:"total_backoff_time"`
	LastRateLimitTime *time.Time    `json:"last_rate_limit_time,omitempty"`
	SuccessRate       float64       `json:"success_rate"`
	RateLimitRate     float64       `json:"rate_limit_rate"`
	MinInterval       time.Duration `json:"min_interval"`
	MaxRetries        int           `json:"max_retries"`
	RetryDelay        time.Duration `json:"retry_delay"`
}

type statsCounters struct {
	mu                sync.Mutex
	totalCalls        int64
	successCalls      int64
	rateLimitErrors   int64
	otherErrors       int64
	attempts          int64
	totalWait         time.Duration
	totalBackoff      time.Duration
	lastRateLimitTime time.Time
}

func (s *statsCounters) call() {
	s.mu.Lock()
	s.totalCalls++
	s.mu.Unlock()
}

func (s *statsCounters) success() {
	s.mu.Lock()
	s.successCalls++
	s.mu.Unlock()
}

// failure counts a failed call. Rate-limit responses are counted per
// occurrence in rateLimited, so a call that exhausts them is not double counted.
func (s *statsCounters) failure(err error) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return
	}
	s.mu.Lock()
	s.otherErrors++
	s.mu.Unlock()
}

// rateLimited records one rate-limit response and returns the running total
func (s *statsCounters) rateLimited(at time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitErrors++
	s.lastRateLimitTime = at
	return s.rateLimitErrors
}

func (s *statsCounters) attempt() {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
}

func (s *statsCounters) addWait(d time.Duration) {
	s.mu.Lock()
	s.totalWait += d
	s.mu.Unlock()
}

func (s *statsCounters) addBackoff(d time.Duration) {
	s.mu.Lock()
	s.totalBackoff += d
	s.mu.Unlock()
}

// Stats returns a snapshot of counters and the current limits
func (g *Gateway) Stats() Stats {
	settings := g.currentSettings()

	g.stats.mu.Lock()
	defer g.stats.mu.Unlock()

	st := Stats{
		TotalCalls:       g.stats.totalCalls,
		SuccessCalls:     g.stats.successCalls,
		RateLimitErrors:  g.stats.rateLimitErrors,
		OtherErrors:      g.stats.otherErrors,
		Attempts:         g.stats.attempts,
		TotalWaitTime:    g.stats.totalWait,
		TotalBackoffTime: g.stats.totalBackoff,
		MinInterval:      settings.MinInterval,
		MaxRetries:       settings.MaxRetries,
		RetryDelay:       settings.RetryDelay,
	}
	if !g.stats.lastRateLimitTime.IsZero() {
		t := g.stats.lastRateLimitTime
		st.LastRateLimitTime = &t
	}
	if st.TotalCalls > 0 {
		st.SuccessRate = float64(st.SuccessCalls) / float64(st.TotalCalls) * 100
	}
	if st.Attempts > 0 {
		st.RateLimitRate = float64(st.RateLimitErrors) / float64(st.Attempts) * 100
	}
	return st
}

// ResetStats zeroes all counters
func (g *Gateway) ResetStats() {
	g.stats.mu.Lock()
	defer g.stats.mu.Unlock()

	g.stats.totalCalls = 0
	g.stats.successCalls = 0
	g.stats.rateLimitErrors = 0
	g.stats.otherErrors = 0
	g.stats.attempts = 0
	g.stats.totalWait = 0
	g.stats.totalBackoff = 0
	g.stats.lastRateLimitTime = time.Time{}
}

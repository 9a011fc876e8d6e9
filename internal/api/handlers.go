package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/brokercore/internal/config"
	"github.com/ajitpratap0/brokercore/internal/orders"
)

type placeRequest struct {
	Symbol   string          `json:"symbol" binding:"required"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Market   bool            `json:"market"`
}

type adjustRequest struct {
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// limitsRequest carries a partial update; omitted fields keep their value
type limitsRequest struct {
	MinIntervalMs *int64 `json:"min_interval_ms"`
	MaxRetries    *int   `json:"max_retries"`
	RetryDelayMs  *int64 `json:"retry_delay_ms"`
}

type limitsResponse struct {
	MinIntervalMs int64 `json:"min_interval_ms"`
	MaxRetries    int   `json:"max_retries"`
	RetryDelayMs  int64 `json:"retry_delay_ms"`
}

// statusFor maps a controller result onto an HTTP status
func statusFor(res orders.Result, success int) int {
	if res.Success {
		return success
	}
	switch res.Code {
	case orders.CodeInvalidInput:
		return http.StatusBadRequest
	case orders.CodeNotFound:
		return http.StatusNotFound
	case orders.CodeMarketNotOpen, orders.CodeNotCancelable, orders.CodeRoutingMissing,
		orders.CodeNoAdjustment, orders.CodeDisabled:
		return http.StatusConflict
	case orders.CodeRateLimited:
		return http.StatusTooManyRequests
	case orders.CodeTransport, orders.CodeAuth, orders.CodeInvalidResponse:
		return http.StatusBadGateway
	case orders.CodeInternal:
		return http.StatusInternalServerError
	default:
		// Broker business rejection
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "BrokerCore API",
		"version": config.GetVersion(),
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleGetHealth runs every registered dependency check
func (s *Server) handleGetHealth(c *gin.Context) {
	components := gin.H{}
	healthy := true
	for name, check := range s.checks {
		if err := check(c.Request.Context()); err != nil {
			healthy = false
			components[name] = gin.H{"status": "unhealthy", "error": err.Error()}
			log.Warn().Err(err).Str("component", name).Msg("Health check failed")
			continue
		}
		components[name] = gin.H{"status": "healthy"}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     status,
		"uptime":     time.Since(s.started).Seconds(),
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) place(c *gin.Context, side orders.Side) {
	var req placeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	var res orders.Result
	if side == orders.SideBuy {
		if req.Market {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Market buys are not supported"})
			return
		}
		res = s.orders.PlaceBuy(c.Request.Context(), req.Symbol, req.Quantity, req.Price)
	} else {
		res = s.orders.PlaceSell(c.Request.Context(), req.Symbol, req.Quantity, req.Price, req.Market)
	}
	c.JSON(statusFor(res, http.StatusCreated), res)
}

func (s *Server) handlePlaceBuy(c *gin.Context) { s.place(c, orders.SideBuy) }

func (s *Server) handlePlaceSell(c *gin.Context) { s.place(c, orders.SideSell) }

func (s *Server) handleCancelOrder(c *gin.Context) {
	res := s.orders.Cancel(c.Request.Context(), c.Param("id"))
	c.JSON(statusFor(res, http.StatusOK), res)
}

func (s *Server) handleAdjustOrder(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CurrentPrice.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "current_price must be a positive number"})
		return
	}
	res := s.orders.Adjust(c.Request.Context(), c.Param("id"), req.CurrentPrice)
	c.JSON(statusFor(res, http.StatusOK), res)
}

// handleGetOrder returns the in-memory status; ?refresh=true reconciles first
func (s *Server) handleGetOrder(c *gin.Context) {
	id := c.Param("id")

	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
		snap, err := s.orders.Refresh(c.Request.Context(), id)
		switch {
		case errors.Is(err, orders.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found", "order_id": id})
		case err != nil:
			c.JSON(http.StatusBadGateway, gin.H{"error": "Broker query failed", "details": err.Error()})
		default:
			c.JSON(http.StatusOK, snap)
		}
		return
	}

	snap := s.orders.GetStatus(id)
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found", "order_id": id})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleListOrders(c *gin.Context) {
	c.JSON(http.StatusOK, s.orders.Summary())
}

func (s *Server) handleGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orders.Stats())
}

func (s *Server) requireHistory(c *gin.Context) bool {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Order journal not configured"})
		return false
	}
	return true
}

func (s *Server) handleRecentOrders(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}

	list, err := s.history.RecentOrders(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read journal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read journal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

func (s *Server) handleJournalOrder(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	id := c.Param("id")
	snap, err := s.history.GetOrder(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("order_id", id).Msg("Failed to read journal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read journal"})
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found", "order_id": id})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleTransitions(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	id := c.Param("id")
	list, err := s.history.ListTransitions(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("order_id", id).Msg("Failed to read transitions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read transitions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "transitions": list})
}

func (s *Server) currentLimits() limitsResponse {
	st := s.limits.Stats()
	return limitsResponse{
		MinIntervalMs: st.MinInterval.Milliseconds(),
		MaxRetries:    st.MaxRetries,
		RetryDelayMs:  st.RetryDelay.Milliseconds(),
	}
}

func (s *Server) handleGetLimits(c *gin.Context) {
	if s.limits == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Gateway not configured"})
		return
	}
	c.JSON(http.StatusOK, s.currentLimits())
}

func (s *Server) handleUpdateLimits(c *gin.Context) {
	if s.limits == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Gateway not configured"})
		return
	}

	var req limitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	next := s.currentLimits()
	if req.MinIntervalMs != nil {
		next.MinIntervalMs = *req.MinIntervalMs
	}
	if req.MaxRetries != nil {
		next.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelayMs != nil {
		next.RetryDelayMs = *req.RetryDelayMs
	}

	err := s.limits.SetLimits(
		time.Duration(next.MinIntervalMs)*time.Millisecond,
		next.MaxRetries,
		time.Duration(next.RetryDelayMs)*time.Millisecond,
	)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Info().
		Str("key", c.GetString("api_key_name")).
		Int64("min_interval_ms", next.MinIntervalMs).
		Int("max_retries", next.MaxRetries).
		Int64("retry_delay_ms", next.RetryDelayMs).
		Msg("Gateway limits changed via API")
	c.JSON(http.StatusOK, s.currentLimits())
}

// handleResetGatewayStats zeroes the gateway call counters; limits are untouched
func (s *Server) handleResetGatewayStats(c *gin.Context) {
	if s.limits == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Gateway not configured"})
		return
	}

	before := s.limits.Stats()
	s.limits.ResetStats()
	log.Info().
		Str("key", c.GetString("api_key_name")).
		Int64("total_calls", before.TotalCalls).
		Int64("rate_limit_errors", before.RateLimitErrors).
		Msg("Gateway stats reset via API")
	c.Status(http.StatusNoContent)
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/brokercore/internal/config"
	"github.com/ajitpratap0/brokercore/internal/gateway"
	"github.com/ajitpratap0/brokercore/internal/metrics"
	"github.com/ajitpratap0/brokercore/internal/orders"
)

// OrderService is the order controller surface exposed over HTTP
type OrderService interface {
	PlaceBuy(ctx context.Context, symbol string, qty int64, price decimal.Decimal) orders.Result
	PlaceSell(ctx context.Context, symbol string, qty int64, price decimal.Decimal, market bool) orders.Result
	Cancel(ctx context.Context, id string) orders.Result
	GetStatus(id string) *orders.OrderSnapshot
	Refresh(ctx context.Context, id string) (*orders.OrderSnapshot, error)
	Adjust(ctx context.Context, id string, current decimal.Decimal) orders.Result
	Summary() orders.Summary
	Stats() orders.Stats
}

// LimitController adjusts gateway pacing at runtime
type LimitController interface {
	SetLimits(minInterval time.Duration, maxRetries int, retryDelay time.Duration) error
	Stats() gateway.Stats
	ResetStats()
}

// History reads the durable order journal
type History interface {
	GetOrder(ctx context.Context, orderID string) (*orders.OrderSnapshot, error)
	ListTransitions(ctx context.Context, orderID string) ([]orders.Transition, error)
	RecentOrders(ctx context.Context, limit int) ([]orders.OrderSnapshot, error)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Server represents the REST API server
type Server struct {
	router  *gin.Engine
	orders  OrderService
	limits  LimitController
	history History
	checks  map[string]HealthCheck
	addr    string
	server  *http.Server
	started time.Time
}

// Config contains server configuration
type Config struct {
	Host    string
	Port    int
	Auth    config.APIAuthConfig
	Orders  OrderService
	Limits  LimitController
	History History
	Checks  map[string]HealthCheck
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(metrics.GinMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", headerOrDefault(cfg.Auth.HeaderName)},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{
		router:  router,
		orders:  cfg.Orders,
		limits:  cfg.Limits,
		history: cfg.History,
		checks:  cfg.Checks,
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		started: time.Now(),
	}
	s.setupRoutes(NewKeyring(cfg.Auth))

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}

	return nil
}

// LoggerMiddleware is a custom logging middleware for Gin
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}

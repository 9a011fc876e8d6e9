package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/brokercore/internal/api"
	"github.com/ajitpratap0/brokercore/internal/config"
	"github.com/ajitpratap0/brokercore/internal/db"
	"github.com/ajitpratap0/brokercore/internal/events"
	"github.com/ajitpratap0/brokercore/internal/gateway"
	"github.com/ajitpratap0/brokercore/internal/kis"
	"github.com/ajitpratap0/brokercore/internal/metrics"
	"github.com/ajitpratap0/brokercore/internal/orders"
)

// app holds every long-lived component of the daemon
type app struct {
	cfg       *config.Config
	ctrl      *orders.Controller
	gw        *gateway.Gateway
	tokens    *gateway.TokenManager
	redis     *redis.Client
	database  *db.DB
	publisher *events.Publisher
	api       *api.Server
	metrics   *metrics.Server
}

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("version", config.GetVersion()).
		Str("environment", cfg.App.Environment).
		Bool("paper_trading", cfg.Broker.PaperTrading).
		Msg("Starting BrokerCore")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		if err := a.ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("order monitor: %w", err)
		}
	}()
	if a.api != nil {
		go func() {
			if err := a.api.Start(); err != nil {
				errChan <- err
			}
		}()
	}
	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start metrics server")
		}
	}

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("Component failed")
	}

	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	a.shutdown(shutdownCtx)

	log.Info().Msg("BrokerCore stopped")
}

// newApp builds the component graph from configuration
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	loc := cfg.Market.Location()

	cal, err := orders.NewCalendar(cfg.Market, cfg.Orders.BarMinutes)
	if err != nil {
		return nil, fmt.Errorf("market calendar: %w", err)
	}

	var broker orders.Broker
	if cfg.Broker.PaperTrading {
		broker = kis.NewPaperBroker()
	} else {
		client, err := a.buildLiveClient(ctx, loc)
		if err != nil {
			a.shutdown(ctx)
			return nil, err
		}
		broker = client
	}

	opts := []orders.Option{}
	if a.gw != nil {
		opts = append(opts, orders.WithGatewayStats(a.gw))
	}

	var alertPublisher orders.AlertPublisher
	if cfg.NATS.Enabled {
		a.publisher, err = events.Connect(events.Config{URL: cfg.NATS.URL, Prefix: cfg.NATS.Prefix, Name: cfg.App.Name})
		if err != nil {
			a.shutdown(ctx)
			return nil, err
		}
		alertPublisher = a.publisher
		opts = append(opts, orders.WithPublisher(a.publisher))
	}
	opts = append(opts, orders.WithAlerts(orders.NewAlertManager(alertPublisher)))

	var history api.History
	if cfg.Database.Enabled {
		a.database, err = db.New(ctx, cfg.Database)
		if err != nil {
			a.shutdown(ctx)
			return nil, err
		}
		journal := a.database.Journal()
		history = journal
		opts = append(opts, orders.WithJournal(journal))
	}

	a.ctrl = orders.NewController(broker, cal, orders.ConfigFromSettings(cfg.Orders), opts...)

	checks := a.healthChecks()
	if cfg.API.Enabled {
		apiCfg := api.Config{
			Host:    cfg.API.Host,
			Port:    cfg.API.Port,
			Auth:    cfg.API.Auth,
			Orders:  a.ctrl,
			History: history,
			Checks:  checks,
		}
		if a.gw != nil {
			apiCfg.Limits = a.gw
		}
		a.api = api.NewServer(apiCfg)
	}

	if cfg.Monitoring.EnableMetrics {
		a.metrics = metrics.NewServer(cfg.Monitoring.PrometheusPort, log.Logger).
			WithHealth(config.GetVersion(), func(ctx context.Context) error {
				for name, check := range checks {
					if err := check(ctx); err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
				}
				return nil
			})
	}

	return a, nil
}

// buildLiveClient wires the token manager, signer and gateway under the KIS client
func (a *app) buildLiveClient(ctx context.Context, loc *time.Location) (*kis.Client, error) {
	cfg := a.cfg
	httpClient := &http.Client{Timeout: cfg.Broker.RequestTimeout}

	var store gateway.TokenStore
	switch cfg.Broker.TokenStore {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		store = gateway.NewRedisTokenStore(a.redis, cfg.Broker.TokenKey)
	default:
		store = gateway.NewFileTokenStore(cfg.Broker.TokenFile, loc)
	}

	a.tokens = gateway.NewTokenManager(gateway.TokenConfig{
		BaseURL:      cfg.Broker.BaseURL,
		AppKey:       cfg.Broker.AppKey,
		AppSecret:    cfg.Broker.AppSecret,
		RefreshAfter: cfg.Broker.RefreshAfter,
		Location:     loc,
		HTTPClient:   httpClient,
	}, store)
	if err := a.tokens.EnsureValid(ctx); err != nil {
		return nil, fmt.Errorf("initial authentication: %w", err)
	}

	limiter := gateway.NewRateLimiter(cfg.Gateway.MinInterval)
	signer := gateway.NewHashKeySigner(cfg.Broker.BaseURL, httpClient, limiter, a.tokens.Headers, gateway.SignerSettings{
		MinRequests:     cfg.Gateway.Signer.MinRequests,
		FailureRatio:    cfg.Gateway.Signer.FailureRatio,
		OpenTimeout:     cfg.Gateway.Signer.OpenTimeout,
		HalfOpenMaxReqs: cfg.Gateway.Signer.HalfOpenMaxReqs,
		CountInterval:   cfg.Gateway.Signer.CountInterval,
	})
	a.gw = gateway.New(cfg.Broker.BaseURL, httpClient, limiter, a.tokens, signer,
		gateway.SettingsFromConfig(cfg.Gateway, cfg.Broker))

	return kis.NewClient(a.gw, cfg.Broker.AccountNumber, cfg.Broker.AccountProduct, loc), nil
}

func (a *app) healthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{}
	if a.tokens != nil {
		tokens := a.tokens
		checks["broker_token"] = func(ctx context.Context) error {
			if tokens.Credential() == nil {
				return errors.New("no access token held")
			}
			return nil
		}
	}
	if a.database != nil {
		checks["database"] = a.database.Health
	}
	if a.redis != nil {
		client := a.redis
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	if a.publisher != nil {
		publisher := a.publisher
		checks["nats"] = func(ctx context.Context) error { return publisher.Flush(ctx) }
	}
	return checks
}

// shutdown stops servers first, then releases connections
func (a *app) shutdown(ctx context.Context) {
	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to stop API server")
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to drain NATS connection")
		}
	}
	if a.database != nil {
		a.database.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
}

// Command deltadesk runs the delta-targeted execution engine: the HTTP
// signal surface, the reconciliation poller, and the delta-record store.
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

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/quantfold/deltadesk/internal/api"
	"github.com/quantfold/deltadesk/internal/config"
	"github.com/quantfold/deltadesk/internal/engine"
	"github.com/quantfold/deltadesk/internal/exchange"
	"github.com/quantfold/deltadesk/internal/poller"
	"github.com/quantfold/deltadesk/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Optional; credentials usually arrive via the environment.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Engine exited with error")
	}
	logger.Info("Engine stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	gateway, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close record store")
		}
	}()

	executor := engine.NewExecutor(gateway, st, cfg, logger)
	worker := engine.NewWorker(gateway, st, logger, engine.ReconcileConfig{
		SpreadRatioThreshold: cfg.Reconcile.SpreadRatioThreshold,
		MinTickMultiple:      cfg.Reconcile.MinTickMultiple,
		DefaultMoveDelta:     cfg.MoveDelta(),
	})

	manager := poller.NewManager(worker, cfg, logger, poller.Config{
		PositionInterval:     cfg.PositionInterval(),
		OrderInterval:        cfg.OrderInterval(),
		OrderPollingEnabled:  cfg.Polling.OrderPollingEnabled,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors(),
	})
	manager.Start()
	defer manager.Stop()

	server := api.NewServer(api.Config{
		Port:      cfg.Server.Port,
		AuthToken: os.Getenv("DELTADESK_AUTH_TOKEN"),
	}, executor, manager, st, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown was not clean")
	}
	return nil
}

func buildGateway(cfg *config.Config, logger *logrus.Logger) (exchange.Gateway, error) {
	if !cfg.IsLive() {
		logger.Info("Running against the mock exchange")
		return exchange.NewMockGateway(time.Now().UnixNano(), time.Now()), nil
	}

	creds := make(map[string]exchange.Credentials, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		if !acct.Enabled {
			continue
		}
		creds[acct.Name] = exchange.Credentials{
			ClientID:     acct.ClientID,
			ClientSecret: acct.ClientSecret,
		}
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("live mode requires at least one enabled account with credentials")
	}

	live := exchange.NewLiveGateway(cfg.Exchange.Endpoint, cfg.Exchange.Currencies, creds)
	return exchange.NewBreakerGateway(live, logger), nil
}

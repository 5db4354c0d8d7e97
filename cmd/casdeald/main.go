package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cascade/config"
	"cascade/core"
	"cascade/core/events"
	"cascade/explorer"
	"cascade/gateway"
	"cascade/gateway/middleware"
	"cascade/observability/logging"
	"cascade/observability/metrics"
	"cascade/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.toml", "path to daemon configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CASCADE_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logging.Setup("casdeald", env, logging.Options{})
		fatal("load config", err)
	}
	logger := logging.Setup("casdeald", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatal("create data dir", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "deals"))
	if err != nil {
		fatal("open database", err)
	}
	defer db.Close()

	caps, err := cfg.CapabilityTable()
	if err != nil {
		fatal("capability table", err)
	}
	authority, err := cfg.AuthorityAddress()
	if err != nil {
		fatal("authority address", err)
	}

	indexQueue := make(chan string, 256)
	svc, err := core.NewService(core.Params{
		DB:              db,
		Capabilities:    caps,
		Emitter:         &indexEmitter{queue: indexQueue},
		Authority:       authority,
		ClaimBatchLimit: cfg.ClaimBatchLimit,
	})
	if err != nil {
		fatal("wire service", err)
	}

	ix, err := explorer.Open(cfg.ExplorerDB, svc.AuditLog())
	if err != nil {
		fatal("open explorer index", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go runIndexer(ctx, logger, ix, indexQueue)

	secret := strings.TrimSpace(os.Getenv(cfg.API.TokenSecretEnv))
	if secret == "" {
		logger.Warn("API token secret is empty; every request will be rejected",
			"component", "gateway", "env_var", cfg.API.TokenSecretEnv)
	}
	handler := gateway.New(gateway.Config{
		Service:           svc,
		Logger:            logger,
		Auth:              middleware.AuthConfig{HMACSecret: secret},
		RequestsPerMinute: cfg.API.RequestsPerMinute,
		LogRequests:       true,
	})
	server := &http.Server{
		Addr:              cfg.API.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("API listening", "component", "gateway", "address", cfg.API.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve failed", "component", "gateway", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err.Error())
	}
}

func fatal(msg string, err error) {
	logging.Setup("casdeald", "", logging.Options{})
	os.Stderr.WriteString("casdeald: " + msg + ": " + err.Error() + "\n")
	os.Exit(1)
}

// indexEmitter counts sealed audit records and nudges the explorer indexer
// for the affected deal. Publication happens after commit, so a queued deal
// always has its records durable before Sync runs.
type indexEmitter struct {
	queue chan<- string
}

func (e *indexEmitter) Emit(evt events.Event) {
	payload := evt.Event()
	if payload == nil {
		return
	}
	metrics.Deal().ObserveAuditRecords(payload.DealID, 1)
	select {
	case e.queue <- payload.DealID:
	default:
	}
}

func runIndexer(ctx context.Context, logger *slog.Logger, ix *explorer.Indexer, queue <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case dealID := <-queue:
			if _, err := ix.Sync(dealID); err != nil {
				logger.Warn("explorer sync failed", "component", "explorer", "deal", dealID, "error", err.Error())
			}
		}
	}
}

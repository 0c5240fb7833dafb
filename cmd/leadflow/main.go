package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/leadflow/internal/app"
	"github.com/odyssey-erp/leadflow/internal/leads"
	leadshttp "github.com/odyssey-erp/leadflow/internal/leads/http"
	"github.com/odyssey-erp/leadflow/internal/notify"
	"github.com/odyssey-erp/leadflow/internal/observability"
	"github.com/odyssey-erp/leadflow/internal/platform/cache"
	"github.com/odyssey-erp/leadflow/internal/platform/db"
	"github.com/odyssey-erp/leadflow/internal/platform/idempotency"
	"github.com/odyssey-erp/leadflow/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{AppName: "leadflow"})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	var queue notify.EmailQueue
	if cfg.EmailEnabled() {
		queue = jobClient
	} else {
		logger.Info("brevo not configured, customer email disabled")
	}
	dispatcher := notify.NewDispatcher(notify.Config{
		BusinessName:  cfg.BusinessName,
		PortalBaseURL: cfg.PortalBaseURL,
		ReviewURL:     cfg.ReviewURL,
	}, queue, logger)

	metrics := observability.NewMetrics()

	leadService := leads.NewService(leads.NewRepository(dbpool), dispatcher, logger)
	leadService.SetChangeFeed(leads.NewRedisFeed(redisClient))
	leadService.SetObserver(metrics)

	leadsHandler := leadshttp.NewHandler(logger, leadService, idempotency.NewStore(dbpool), leadshttp.Options{
		PublicRateLimit: cfg.PublicRateLimit,
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		LeadsHandler: leadsHandler,
		JobHandler:   jobHandler,
		Metrics:      metrics,
		Checks: map[string]app.Pinger{
			"postgres": dbpool,
			"redis": app.PingFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}),
		},
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

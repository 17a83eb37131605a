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

	"github.com/google/uuid"

	httpadapter "github.com/kirillkom/rag-tutor/internal/adapters/http"
	"github.com/kirillkom/rag-tutor/internal/bootstrap"
	"github.com/kirillkom/rag-tutor/internal/config"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/queue/nats"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/scheduler"
	"github.com/kirillkom/rag-tutor/internal/observability/logging"
	"github.com/kirillkom/rag-tutor/internal/observability/metrics"
	"github.com/kirillkom/rag-tutor/internal/observability/tracing"
)

const serviceName = "api"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("dotenv_load_failed", "error", err)
	}
	cfg := config.Load()
	slog.SetDefault(logging.New(os.Stdout, serviceName, cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "rag-tutor-" + serviceName,
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		slog.Error("tracing_init_failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	httpMetrics := metrics.NewHTTPServerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Service:     serviceName,
		Origin:      serviceName + "-" + uuid.NewString(),
		Registerer:  httpMetrics.Registry(),
		AskObserver: httpMetrics,
	})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	// Requests get 503 + Retry-After until warm-up completes.
	app.Pipelines.WarmUp(ctx)

	go func() {
		err := app.Queue.SubscribeIndexInvalidated(ctx, func(eventCtx context.Context, event nats.IndexEvent) {
			slog.Info("index_invalidated", "reason", event.Reason, "origin", event.Origin)
			app.Pipelines.Invalidate(eventCtx)
		})
		if err != nil {
			slog.Error("index_subscription_failed", "error", err)
		}
	}()

	jobs := scheduler.New()
	if err := jobs.Every("index-consistency", cfg.IndexConsistencyInterval, func(jobCtx context.Context) error {
		if !app.Pipelines.Ready() {
			return nil
		}
		_, err := app.MaintenanceUC.CheckConsistency(jobCtx)
		return err
	}); err != nil {
		slog.Warn("consistency_check_disabled", "error", err)
	}
	jobs.Start()
	defer jobs.Stop()

	router := httpadapter.NewRouter(cfg, httpadapter.Services{
		Ingestor:  app.IngestUC,
		Documents: app.IngestUC,
		Remover:   app.MaintenanceUC,
		Ask:       app.AskUC,
		Index:     app.MaintenanceUC,
		Extractor: app.Extractor,
		Ready:     app.Pipelines.Ready,
	}, httpMetrics).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}

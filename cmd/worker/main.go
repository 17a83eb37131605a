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

	"github.com/kirillkom/rag-tutor/internal/bootstrap"
	"github.com/kirillkom/rag-tutor/internal/config"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/queue/nats"
	"github.com/kirillkom/rag-tutor/internal/observability/logging"
	"github.com/kirillkom/rag-tutor/internal/observability/metrics"
	"github.com/kirillkom/rag-tutor/internal/observability/tracing"
)

const serviceName = "worker"

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

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Service:    serviceName,
		Origin:     serviceName + "-" + uuid.NewString(),
		Registerer: workerMetrics.Registry(),
	})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()
	app.Pipelines.WarmUp(ctx)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	// Peers add chunks to their own index copies; keep ours in step.
	go func() {
		err := app.Queue.SubscribeIndexInvalidated(ctx, func(eventCtx context.Context, event nats.IndexEvent) {
			workerMetrics.IndexInvalidated(event.Reason)
			app.Pipelines.Invalidate(eventCtx)
		})
		if err != nil {
			slog.Error("index_subscription_failed", "error", err)
		}
	}()

	slog.Info("worker_subscribed", "subject", cfg.NATSSubject)
	err = app.Queue.SubscribeDocumentIngested(ctx, func(handlerCtx context.Context, documentID string) error {
		processCtx, cancel := context.WithTimeout(logging.WithAttrs(handlerCtx, "document_id", documentID), cfg.WorkerJobTimeout)
		defer cancel()

		if _, err := app.Pipelines.Wait(processCtx); err != nil {
			return err
		}
		if doc, err := app.Store.GetDocument(processCtx, documentID); err == nil {
			workerMetrics.ObserveQueueLag(time.Since(doc.UpdatedAt))
		}

		started := time.Now()
		finish := workerMetrics.TrackDocument()
		err := app.ProcessUC.ProcessByID(processCtx, documentID)
		finish(err)
		if err == nil {
			slog.InfoContext(processCtx, "document_processed", "duration_ms", time.Since(started).Milliseconds())
		}
		return err
	})
	if err != nil {
		slog.Error("worker_subscribe_failed", "error", err)
		os.Exit(1)
	}
}

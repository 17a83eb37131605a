package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/kirillkom/rag-tutor/internal/adapters/cli"
	"github.com/kirillkom/rag-tutor/internal/bootstrap"
	"github.com/kirillkom/rag-tutor/internal/config"
	"github.com/kirillkom/rag-tutor/internal/observability/logging"
)

const serviceName = "ragctl"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	cfg := config.Load()
	// stdout carries command output and the MCP transport.
	slog.SetDefault(logging.New(os.Stderr, serviceName, cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	load := func(ctx context.Context) (*cli.Services, func(), error) {
		app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
			Service: serviceName,
			Origin:  serviceName + "-" + uuid.NewString(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: %w", err)
		}
		app.Pipelines.WarmUp(ctx)
		if _, err := app.Pipelines.Wait(ctx); err != nil {
			app.Close()
			return nil, nil, fmt.Errorf("warm up pipeline: %w", err)
		}
		return &cli.Services{
			Ingestor:  app.IngestUC,
			Ask:       app.AskUC,
			Index:     app.MaintenanceUC,
			Extractor: app.Extractor,
		}, app.Close, nil
	}

	if err := cli.Execute(ctx, load, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

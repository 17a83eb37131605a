package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/rag-tutor/internal/config"
	"github.com/kirillkom/rag-tutor/internal/core/ports"
	"github.com/kirillkom/rag-tutor/internal/core/usecase"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/chunking"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/queue/nats"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/resilience"
	"github.com/kirillkom/rag-tutor/internal/observability/metrics"
	"github.com/kirillkom/rag-tutor/internal/procache"
)

type Options struct {
	// Service labels pipeline metrics ("api", "worker", "ragctl").
	Service string
	// Origin identifies this process in index invalidation events.
	Origin string
	// Registerer receives pipeline metrics when set.
	Registerer prometheus.Registerer
	// AskObserver receives question outcomes; nil disables them.
	AskObserver ports.AskObserver
}

type App struct {
	Config config.Config

	Queue     *nats.Queue
	Store     *postgres.ContentStore
	Pipelines *procache.Cache
	Extractor *plaintext.Extractor

	IngestUC      *usecase.IngestDocumentUseCase
	ProcessUC     *usecase.ProcessDocumentUseCase
	AskUC         *usecase.AskUseCase
	MaintenanceUC *usecase.MaintenanceUseCase

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	store := postgres.NewContentStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	records := postgres.NewQueryRecordStore(db)
	executor := postgres.NewReadOnlyExecutor(db, cfg.StructuredTimeout, cfg.StructuredMaxRows)

	var observer pipelineObserver
	if opts.Registerer != nil {
		service := opts.Service
		if service == "" {
			service = "rag-tutor"
		}
		observer = metrics.NewPipelineMetrics(service, opts.Registerer)
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		IndexSubject:       cfg.NATSIndexSubject,
		Origin:             opts.Origin,
		ResilienceExecutor: resilience.NewExecutor(resilience.PublishPolicy(), resilience.WithObserver(observer)),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	tokenizer, err := chunking.NewTiktokenTokenizer("")
	if err != nil {
		queue.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init tokenizer: %w", err)
	}
	chunker := chunking.NewSplitter(tokenizer, cfg.ChunkSize, cfg.ChunkOverlap)

	prompts := usecase.DefaultPromptBook()
	if cfg.PersonasFile != "" {
		prompts, err = usecase.LoadPromptBook(cfg.PersonasFile)
		if err != nil {
			queue.Close()
			_ = db.Close()
			return nil, fmt.Errorf("load personas: %w", err)
		}
	}

	resources := &closers{}
	pipelines := procache.New(newPipelineBuilder(cfg, store, observer, resources), slog.Default())

	rag := usecase.NewRAGUseCase(store, records, pipelines, prompts, opts.AskObserver, usecase.RAGOptions{
		DefaultTopK: cfg.RAGTopK,
		MaxTokens:   cfg.RAGMaxTokens,
		Temperature: float32(cfg.RAGTemperature),
	})
	structured := usecase.NewStructuredQueryUseCase(store, executor, pipelines)

	return &App{
		Config:    cfg,
		Queue:     queue,
		Store:     store,
		Pipelines: pipelines,
		Extractor: plaintext.NewExtractor(cfg.UploadMaxBytes),

		IngestUC:      usecase.NewIngestDocumentUseCase(store, queue),
		ProcessUC:     usecase.NewProcessDocumentUseCase(store, chunker, pipelines, queue),
		AskUC:         usecase.NewAskUseCase(rag, structured, records, pipelines, opts.AskObserver),
		MaintenanceUC: usecase.NewMaintenanceUseCase(store, pipelines, queue, opts.AskObserver),

		closeFn: func() {
			pipelines.Close()
			resources.closeAll()
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/rag-tutor/internal/config"
	"github.com/kirillkom/rag-tutor/internal/core/ports"
	rediscache "github.com/kirillkom/rag-tutor/internal/infrastructure/cache/redis"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/llm"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/llm/gemini"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/llm/openai"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/resilience"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/vector/flat"
	"github.com/kirillkom/rag-tutor/internal/procache"
)

// pipelineObserver is implemented by metrics.PipelineMetrics.
type pipelineObserver interface {
	llm.Observer
	flat.Observer
	resilience.Observer
}

type indexStore interface {
	flat.ChunkSource
	CountEmbeddedChunks(ctx context.Context, dimensions int) (int, error)
}

// closers collects resources created by pipeline builds. A build can run
// more than once when warm-up retries.
type closers struct {
	mu  sync.Mutex
	fns []func() error
}

func (c *closers) add(fn func() error) {
	c.mu.Lock()
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

func (c *closers) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil {
			slog.Warn("pipeline_close_failed", "error", err)
		}
	}
	c.fns = nil
}

type backends struct {
	embedders  []llm.EmbeddingBackend
	generators []llm.ChatBackend
}

// buildBackends includes each upstream only when it is configured. A
// missing credential is logged and skipped.
func buildBackends(ctx context.Context, cfg config.Config, res *closers) backends {
	var out backends

	if client, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiEmbedModel, cfg.GeminiChatModel); err != nil {
		logBackendDisabled("gemini", err)
	} else {
		res.add(client.Close)
		out.embedders = append(out.embedders, client)
		out.generators = append(out.generators, client)
	}

	if client, err := openai.New(openai.Config{
		BaseURL:    cfg.OpenAIBaseURL,
		APIKey:     cfg.OpenAIAPIKey,
		EmbedModel: cfg.OpenAIEmbedModel,
		ChatModel:  cfg.OpenAIChatModel,
		Dimensions: cfg.EmbeddingDimensions,
		Timeout:    cfg.LLMCallTimeout,
	}); err != nil {
		logBackendDisabled("openai", err)
	} else {
		out.embedders = append(out.embedders, client)
		out.generators = append(out.generators, client)
	}

	if cfg.OllamaURL == "" {
		logBackendDisabled("ollama", llm.ErrMissingCredentials)
	} else {
		client := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel)
		out.embedders = append(out.embedders, ollama.NewEmbedder(client))
		out.generators = append(out.generators, ollama.NewGenerator(client))
	}
	return out
}

func logBackendDisabled(backend string, err error) {
	if errors.Is(err, llm.ErrMissingCredentials) {
		slog.Info("llm_backend_disabled", "backend", backend, "reason", "not configured")
		return
	}
	slog.Warn("llm_backend_disabled", "backend", backend, "error", err)
}

func newLLMExecutor(cfg config.Config, observer pipelineObserver) *resilience.Executor {
	policy := resilience.BackendPolicy()
	if cfg.LLMRetryMaxAttempts > 0 {
		policy.Retry.MaxAttempts = cfg.LLMRetryMaxAttempts
	}
	policy.Breaker.Enabled = cfg.LLMBreakerEnabled
	return resilience.NewExecutor(policy, resilience.WithObserver(observer))
}

func newEmbeddingCache(ctx context.Context, cfg config.Config, res *closers) llm.EmbeddingCache {
	if cfg.RedisURL == "" {
		return nil
	}
	client, err := rediscache.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Warn("embedding_cache_disabled", "error", err)
		return nil
	}
	res.add(client.Close)
	return rediscache.NewEmbeddingCache(client, cfg.EmbeddingCacheTTL, slog.Default())
}

// newPipelineBuilder returns the warm-up function of the process cache:
// backends, chains, the persisted index and its reconciliation with the
// content store.
func newPipelineBuilder(cfg config.Config, store indexStore, observer pipelineObserver, res *closers) procache.BuildFunc {
	return func(ctx context.Context) (*ports.Pipeline, error) {
		started := time.Now()
		bk := buildBackends(ctx, cfg, res)
		chainOpts := llm.ChainOptions{
			Dimensions:  cfg.EmbeddingDimensions,
			CallTimeout: cfg.LLMCallTimeout,
			BatchDelay:  cfg.EmbedBatchDelay,
			Executor:    newLLMExecutor(cfg, observer),
			Cache:       newEmbeddingCache(ctx, cfg, res),
			Logger:      slog.Default(),
		}
		if observer != nil {
			chainOpts.Observer = observer
		}
		embedder := llm.NewEmbeddingChain(bk.embedders, chainOpts)
		generator := llm.NewChatChain(bk.generators, chainOpts)

		blobs, err := localfs.New(cfg.IndexDir)
		if err != nil {
			return nil, fmt.Errorf("init index storage: %w", err)
		}
		indexOpts := flat.Options{
			Dimensions: cfg.EmbeddingDimensions,
			Name:       cfg.IndexName,
			Store:      blobs,
			Source:     store,
			Logger:     slog.Default(),
		}
		if observer != nil {
			indexOpts.Observer = observer
		}
		index, err := flat.New(ctx, indexOpts)
		if err != nil {
			return nil, fmt.Errorf("init similarity index: %w", err)
		}
		if err := reconcileIndex(ctx, index, store); err != nil {
			return nil, err
		}

		slog.Info("pipeline_built",
			"embedding_backends", embedder.Backends(),
			"chat_backends", generator.Backends(),
			"index_size", index.Size(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
		return &ports.Pipeline{Embedder: embedder, Generator: generator, Index: index}, nil
	}
}

func reconcileIndex(ctx context.Context, index ports.SimilarityIndex, store indexStore) error {
	embedded, err := store.CountEmbeddedChunks(ctx, index.Dimensions())
	if err != nil {
		return fmt.Errorf("count embedded chunks: %w", err)
	}
	if index.Size() == embedded {
		return nil
	}
	slog.Info("index_reconcile", "index_size", index.Size(), "embedded_chunks", embedded)
	if _, err := index.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	return nil
}

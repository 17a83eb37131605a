package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/resilience"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultBatchDelay  = 100 * time.Millisecond
)

// EmbeddingCache stores vectors produced by upstream backends. Implementations
// must treat every error as a miss.
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Put(ctx context.Context, key string, vector []float32)
}

type ChainOptions struct {
	Dimensions  int
	CallTimeout time.Duration
	BatchDelay  time.Duration
	Executor    *resilience.Executor
	Observer    Observer
	Cache       EmbeddingCache
	Logger      *slog.Logger
}

func (o ChainOptions) normalize() ChainOptions {
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	if o.Executor == nil {
		o.Executor = resilience.NewExecutor(resilience.BackendPolicy())
	}
	if o.Observer == nil {
		o.Observer = noopObserver{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

var tracer trace.Tracer = otel.Tracer("github.com/kirillkom/rag-tutor/llm")

// EmbeddingChain tries its backends in order and answers with the
// deterministic fallback when all of them fail. It never returns an error.
type EmbeddingChain struct {
	backends []EmbeddingBackend
	fallback *FallbackEmbedder
	limiter  *rate.Limiter
	opts     ChainOptions
}

func NewEmbeddingChain(backends []EmbeddingBackend, opts ChainOptions) *EmbeddingChain {
	opts = opts.normalize()
	chain := &EmbeddingChain{
		backends: backends,
		fallback: NewFallbackEmbedder(opts.Dimensions),
		opts:     opts,
	}
	if len(backends) > 0 && opts.BatchDelay > 0 {
		chain.limiter = rate.NewLimiter(rate.Every(opts.BatchDelay), 1)
	}
	return chain
}

func (c *EmbeddingChain) Dimensions() int {
	return c.opts.Dimensions
}

func (c *EmbeddingChain) Backends() []string {
	names := make([]string, 0, len(c.backends)+1)
	for _, b := range c.backends {
		names = append(names, b.Name())
	}
	return append(names, c.fallback.Name())
}

func (c *EmbeddingChain) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "llm.embed")
	defer span.End()

	key := c.cacheKey(text)
	if c.opts.Cache != nil {
		if vec, ok := c.opts.Cache.Get(ctx, key); ok && len(vec) == c.opts.Dimensions {
			span.SetAttributes(attribute.Bool("llm.cache_hit", true))
			return vec, nil
		}
	}

	for _, backend := range c.backends {
		if ctx.Err() != nil {
			break
		}
		vec, err := c.embedWith(ctx, backend, text)
		if err == nil {
			span.SetAttributes(attribute.String("llm.backend", backend.Name()))
			if c.opts.Cache != nil {
				c.opts.Cache.Put(ctx, key, vec)
			}
			return vec, nil
		}
		c.opts.Logger.Warn("llm_backend_failed",
			"operation", "embed",
			"backend", backend.Name(),
			"error", err,
		)
		c.opts.Observer.BackendFailed("embed", backend.Name())
	}

	span.SetAttributes(attribute.String("llm.backend", c.fallback.Name()))
	c.opts.Observer.FallbackUsed("embed")
	return c.fallback.Vector(text), nil
}

// EmbedBatch embeds texts one at a time in order. A failing text degrades to
// its fallback vector; the batch itself always completes.
func (c *EmbeddingChain) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				c.opts.Logger.Debug("embed_batch_delay_skipped", "error", err)
			}
		}
		vec, _ := c.Embed(ctx, text)
		out[i] = vec
	}
	return out, nil
}

func (c *EmbeddingChain) embedWith(ctx context.Context, backend EmbeddingBackend, text string) ([]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	return resilience.Call(callCtx, c.opts.Executor, "embed."+backend.Name(), func(ctx context.Context) ([]float32, error) {
		vec, err := backend.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(vec) != c.opts.Dimensions {
			return nil, domain.WrapError(domain.ErrDimensionMismatch, backend.Name()+" embed",
				fmt.Errorf("got %d dimensions, want %d", len(vec), c.opts.Dimensions))
		}
		return vec, nil
	}, classifierFor(backend))
}

func (c *EmbeddingChain) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("emb:%d:%s", c.opts.Dimensions, hex.EncodeToString(sum[:]))
}

// ChatChain mirrors EmbeddingChain for completions; its terminal fallback is
// a templated placeholder answer.
type ChatChain struct {
	backends []ChatBackend
	fallback *FallbackGenerator
	opts     ChainOptions
}

func NewChatChain(backends []ChatBackend, opts ChainOptions) *ChatChain {
	return &ChatChain{
		backends: backends,
		fallback: NewFallbackGenerator(),
		opts:     opts.normalize(),
	}
}

func (c *ChatChain) Backends() []string {
	names := make([]string, 0, len(c.backends)+1)
	for _, b := range c.backends {
		names = append(names, b.Name())
	}
	return append(names, c.fallback.Name())
}

func (c *ChatChain) Complete(ctx context.Context, prompt string, opts domain.CompletionOptions) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(
		attribute.Int("llm.prompt_chars", len(prompt)),
		attribute.Int("llm.max_tokens", opts.MaxTokens),
	)

	for _, backend := range c.backends {
		if ctx.Err() != nil {
			break
		}
		text, err := c.completeWith(ctx, backend, prompt, opts)
		if err == nil {
			span.SetAttributes(attribute.String("llm.backend", backend.Name()))
			return text, nil
		}
		c.opts.Logger.Warn("llm_backend_failed",
			"operation", "complete",
			"backend", backend.Name(),
			"error", err,
		)
		c.opts.Observer.BackendFailed("complete", backend.Name())
	}

	span.SetAttributes(attribute.String("llm.backend", c.fallback.Name()))
	c.opts.Observer.FallbackUsed("complete")
	return FallbackText(prompt), nil
}

func (c *ChatChain) completeWith(ctx context.Context, backend ChatBackend, prompt string, opts domain.CompletionOptions) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	return resilience.Call(callCtx, c.opts.Executor, "complete."+backend.Name(), func(ctx context.Context) (string, error) {
		return backend.Complete(ctx, prompt, opts)
	}, classifierFor(backend))
}

// Package procache holds the per-process pipeline (embedding chain, chat
// chain, similarity index). It is warmed up asynchronously at startup and
// answers domain.ErrInitializing until then.
package procache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/core/ports"
)

// BuildFunc constructs the pipeline. It is retried with backoff until it
// succeeds or the cache is closed.
type BuildFunc func(ctx context.Context) (*ports.Pipeline, error)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

type Cache struct {
	build  BuildFunc
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	warmOnce sync.Once
	ready    chan struct{}

	mu         sync.RWMutex
	pipeline   *ports.Pipeline
	rebuilding bool
	pending    bool
}

func New(build BuildFunc, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		build:   build,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
	}
}

// WarmUp starts building the pipeline in the background. Calling it again is
// a no-op.
func (c *Cache) WarmUp(ctx context.Context) {
	c.warmOnce.Do(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.warmUp(ctx)
		}()
	})
}

func (c *Cache) warmUp(ctx context.Context) {
	started := time.Now()
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		pipeline, err := c.build(ctx)
		if err == nil {
			c.mu.Lock()
			c.pipeline = pipeline
			c.mu.Unlock()
			close(c.ready)
			c.logger.Info("pipeline_ready",
				"attempts", attempt,
				"duration_ms", time.Since(started).Milliseconds(),
				"index_size", pipeline.Index.Size(),
			)
			return
		}
		c.logger.Error("pipeline_warmup_failed", "attempt", attempt, "retry_in", backoff.String(), "error", err)

		select {
		case <-ctx.Done():
			return
		case <-c.baseCtx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Cache) Get() (*ports.Pipeline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pipeline == nil {
		return nil, domain.ErrInitializing
	}
	return c.pipeline, nil
}

func (c *Cache) Ready() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// Wait blocks until warm-up has finished or ctx is done.
func (c *Cache) Wait(ctx context.Context) (*ports.Pipeline, error) {
	select {
	case <-c.ready:
		return c.Get()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.baseCtx.Done():
		return nil, errors.New("process cache closed")
	}
}

// Invalidate schedules a background rebuild of the cached index. Concurrent
// calls coalesce into at most one follow-up rebuild; searches keep using the
// current state until the rebuild swaps it.
func (c *Cache) Invalidate(_ context.Context) {
	c.mu.Lock()
	if c.pipeline == nil || c.baseCtx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if c.rebuilding {
		c.pending = true
		c.mu.Unlock()
		return
	}
	c.rebuilding = true
	index := c.pipeline.Index
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.rebuildLoop(index)
	}()
}

func (c *Cache) rebuildLoop(index ports.SimilarityIndex) {
	for {
		rows, err := index.Rebuild(c.baseCtx)
		if err != nil {
			c.logger.Error("index_rebuild_failed", "trigger", "invalidate", "error", err)
		} else {
			c.logger.Info("index_rebuilt", "trigger", "invalidate", "rows", rows)
		}

		c.mu.Lock()
		if c.pending && c.baseCtx.Err() == nil {
			c.pending = false
			c.mu.Unlock()
			continue
		}
		c.rebuilding = false
		c.pending = false
		c.mu.Unlock()
		return
	}
}

// Close stops warm-up retries and waits for background work to finish.
func (c *Cache) Close() {
	// Cancelling under mu orders Close after any wg.Add in Invalidate.
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

package redis

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "ragtutor:"

// EmbeddingCache keeps upstream embeddings in Redis as little-endian float32
// blobs. Redis failures are logged and reported as misses.
type EmbeddingCache struct {
	client goredis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func NewClient(ctx context.Context, rawURL string) (*goredis.Client, error) {
	var opts *goredis.Options
	if strings.HasPrefix(rawURL, "redis://") || strings.HasPrefix(rawURL, "rediss://") {
		parsed, err := goredis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &goredis.Options{Addr: rawURL}
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewEmbeddingCache(client goredis.Cmdable, ttl time.Duration, logger *slog.Logger) *EmbeddingCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingCache{client: client, ttl: ttl, logger: logger}
}

func (c *EmbeddingCache) Get(ctx context.Context, key string) ([]float32, bool) {
	raw, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Warn("embedding_cache_get_failed", "error", err)
		}
		return nil, false
	}
	vector, ok := decodeVector(raw)
	if !ok {
		c.logger.Warn("embedding_cache_corrupted", "key", key, "bytes", len(raw))
		return nil, false
	}
	return vector, true
}

func (c *EmbeddingCache) Put(ctx context.Context, key string, vector []float32) {
	if len(vector) == 0 {
		return
	}
	if err := c.client.Set(ctx, keyPrefix+key, encodeVector(vector), c.ttl).Err(); err != nil {
		c.logger.Warn("embedding_cache_put_failed", "error", err)
	}
}

func encodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, bool) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, true
}

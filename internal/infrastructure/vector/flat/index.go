package flat

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

// ChunkSource is the authoritative store the index is rebuilt from.
type ChunkSource interface {
	ListChunksWithEmbeddings(ctx context.Context) iter.Seq2[domain.Chunk, error]
}

// BlobStore holds the persisted index files.
type BlobStore interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

type Observer interface {
	IndexSize(rows int)
	IndexRebuilt(rows, skipped int, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) IndexSize(int) {}

func (noopObserver) IndexRebuilt(int, int, time.Duration) {}

type Options struct {
	Dimensions int
	// Name is the file stem of the persisted unit: <Name>.vec and <Name>.meta.json.
	Name     string
	Store    BlobStore
	Source   ChunkSource
	Observer Observer
	Logger   *slog.Logger
}

var tracer = otel.Tracer("github.com/kirillkom/rag-tutor/vector/flat")

// Index is an exact inner-product index over L2-normalized rows stored in a
// single row-major matrix. rows == len(ids) == len(meta) holds for every
// state a reader can observe.
type Index struct {
	dim      int
	name     string
	store    BlobStore
	source   ChunkSource
	observer Observer
	logger   *slog.Logger

	mu         sync.RWMutex
	matrix     []float32
	ids        []string
	meta       []domain.ChunkMetadata
	generation uint64

	persistMu    sync.Mutex
	persistedGen uint64
}

type snapshot struct {
	dim        int
	matrix     []float32
	ids        []string
	meta       []domain.ChunkMetadata
	generation uint64
}

func (s snapshot) rows() int {
	return len(s.ids)
}

// New builds an index and loads its persisted state. Any problem with the
// persisted files leaves the index empty; the caller decides when to rebuild.
func New(ctx context.Context, opts Options) (*Index, error) {
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("flat index: dimensions must be positive, got %d", opts.Dimensions)
	}
	if opts.Name == "" {
		opts.Name = "index"
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	idx := &Index{
		dim:      opts.Dimensions,
		name:     opts.Name,
		store:    opts.Store,
		source:   opts.Source,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
	if idx.store != nil {
		loaded, err := idx.load(ctx)
		switch {
		case err != nil:
			idx.logger.Warn("index_load_failed", "name", idx.name, "error", err)
		case loaded.rows() > 0:
			idx.matrix, idx.ids, idx.meta = loaded.matrix, loaded.ids, loaded.meta
			idx.logger.Info("index_loaded", "name", idx.name, "rows", loaded.rows(), "dimensions", idx.dim)
		}
	}
	idx.observer.IndexSize(len(idx.ids))
	return idx, nil
}

func (x *Index) Dimensions() int {
	return x.dim
}

func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

func (x *Index) Add(ctx context.Context, ids []string, vectors [][]float32, metas []domain.ChunkMetadata) error {
	if len(ids) != len(vectors) || len(ids) != len(metas) {
		return domain.WrapError(domain.ErrDimensionMismatch, "index add",
			fmt.Errorf("%d ids, %d vectors, %d metadata entries", len(ids), len(vectors), len(metas)))
	}
	if len(ids) == 0 {
		return nil
	}

	rows := make([]float32, 0, len(vectors)*x.dim)
	for i, vec := range vectors {
		if len(vec) != x.dim {
			return domain.WrapError(domain.ErrDimensionMismatch, "index add",
				fmt.Errorf("vector %d has %d dimensions, want %d", i, len(vec), x.dim))
		}
		rows = append(rows, normalized(vec)...)
	}

	x.mu.Lock()
	x.matrix = append(x.matrix, rows...)
	x.ids = append(x.ids, ids...)
	x.meta = append(x.meta, metas...)
	x.generation++
	snap := x.snapshotLocked()
	x.mu.Unlock()

	x.observer.IndexSize(snap.rows())
	x.persist(ctx, snap)
	return nil
}

// Search returns at most k hits in descending score order. It ranks the top
// 2k rows first and applies the filter afterwards, so a selective filter may
// return fewer than k hits.
func (x *Index) Search(ctx context.Context, query []float32, k int, filter domain.SearchFilter) ([]domain.SearchHit, error) {
	_, span := tracer.Start(ctx, "index.search")
	defer span.End()

	if len(query) != x.dim {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "index search",
			fmt.Errorf("query has %d dimensions, want %d", len(query), x.dim))
	}
	if k <= 0 {
		return []domain.SearchHit{}, nil
	}
	q := normalized(query)

	x.mu.RLock()
	rows := len(x.ids)
	if rows == 0 {
		x.mu.RUnlock()
		return []domain.SearchHit{}, nil
	}
	type scored struct {
		pos   int
		score float32
	}
	candidates := make([]scored, rows)
	for pos := 0; pos < rows; pos++ {
		candidates[pos] = scored{pos: pos, score: dot(q, x.matrix[pos*x.dim:(pos+1)*x.dim])}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if fetch := 2 * k; len(candidates) > fetch {
		candidates = candidates[:fetch]
	}

	hits := make([]domain.SearchHit, 0, k)
	for _, c := range candidates {
		if !filter.Matches(x.meta[c.pos]) {
			continue
		}
		hits = append(hits, domain.SearchHit{
			ChunkID:  x.ids[c.pos],
			Score:    float64(c.score),
			Metadata: x.meta[c.pos],
		})
		if len(hits) == k {
			break
		}
	}
	x.mu.RUnlock()

	span.SetAttributes(
		attribute.Int("index.rows", rows),
		attribute.Int("index.k", k),
		attribute.Int("index.hits", len(hits)),
		attribute.Bool("index.filtered", !filter.IsZero()),
	)
	return hits, nil
}

// Rebuild replaces the whole state with every embedded chunk of the source,
// in source order. Chunks whose stored vector has the wrong length are
// skipped. On error the previous state is kept.
func (x *Index) Rebuild(ctx context.Context) (int, error) {
	if x.source == nil {
		return 0, fmt.Errorf("index rebuild: no chunk source configured")
	}
	ctx, span := tracer.Start(ctx, "index.rebuild")
	defer span.End()
	started := time.Now()

	var (
		matrix  []float32
		ids     []string
		meta    []domain.ChunkMetadata
		skipped int
	)
	for chunk, err := range x.source.ListChunksWithEmbeddings(ctx) {
		if err != nil {
			return 0, fmt.Errorf("index rebuild: list chunks: %w", err)
		}
		if len(chunk.Embedding) != x.dim {
			skipped++
			x.logger.Warn("index_rebuild_skipped_chunk",
				"chunk_id", chunk.ID,
				"dimensions", len(chunk.Embedding),
				"expected", x.dim,
			)
			continue
		}
		matrix = append(matrix, normalized(chunk.Embedding)...)
		ids = append(ids, chunk.ID)
		meta = append(meta, chunk.Metadata)
	}

	x.mu.Lock()
	x.matrix, x.ids, x.meta = matrix, ids, meta
	x.generation++
	snap := x.snapshotLocked()
	x.mu.Unlock()

	elapsed := time.Since(started)
	x.persist(ctx, snap)
	x.observer.IndexSize(snap.rows())
	x.observer.IndexRebuilt(snap.rows(), skipped, elapsed)
	x.logger.Info("index_rebuilt",
		"name", x.name,
		"rows", snap.rows(),
		"skipped", skipped,
		"duration_ms", elapsed.Milliseconds(),
	)
	span.SetAttributes(attribute.Int("index.rows", snap.rows()), attribute.Int("index.skipped", skipped))
	return snap.rows(), nil
}

func (x *Index) snapshotLocked() snapshot {
	n := len(x.ids)
	m := n * x.dim
	return snapshot{
		dim:        x.dim,
		matrix:     x.matrix[:m:m],
		ids:        x.ids[:n:n],
		meta:       x.meta[:n:n],
		generation: x.generation,
	}
}

// persist writes a snapshot unless a newer one already reached the disk.
// Failures are logged; the in-memory state stays authoritative until the next
// rebuild.
func (x *Index) persist(ctx context.Context, snap snapshot) {
	if x.store == nil {
		return
	}
	x.persistMu.Lock()
	defer x.persistMu.Unlock()
	if snap.generation <= x.persistedGen {
		return
	}
	if err := x.save(ctx, snap); err != nil {
		x.logger.Error("index_persist_failed", "name", x.name, "rows", snap.rows(), "error", err)
		return
	}
	x.persistedGen = snap.generation
}

func normalized(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

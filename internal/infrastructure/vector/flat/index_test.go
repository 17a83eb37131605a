package flat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/storage/localfs"
)

type chunkSourceFake struct {
	chunks []domain.Chunk
	err    error
}

func (f *chunkSourceFake) ListChunksWithEmbeddings(context.Context) iter.Seq2[domain.Chunk, error] {
	return func(yield func(domain.Chunk, error) bool) {
		for _, c := range f.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.err != nil {
			yield(domain.Chunk{}, f.err)
		}
	}
}

type observerFake struct {
	mu       sync.Mutex
	size     int
	rebuilds int
	skipped  int
}

func (o *observerFake) IndexSize(rows int) {
	o.mu.Lock()
	o.size = rows
	o.mu.Unlock()
}

func (o *observerFake) IndexRebuilt(_ int, skipped int, _ time.Duration) {
	o.mu.Lock()
	o.rebuilds++
	o.skipped = skipped
	o.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIndex(t *testing.T, opts Options) *Index {
	t.Helper()
	if opts.Dimensions == 0 {
		opts.Dimensions = 4
	}
	opts.Logger = quietLogger()
	idx, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return idx
}

func meta(doc, subject string, i int) domain.ChunkMetadata {
	return domain.ChunkMetadata{DocumentID: doc, Title: doc, Subject: subject, ChunkIndex: i}
}

func TestSearchRanksByCosine(t *testing.T) {
	idx := newTestIndex(t, Options{})
	ctx := context.Background()
	err := idx.Add(ctx,
		[]string{"c1", "c2", "c3"},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}},
		[]domain.ChunkMetadata{meta("d1", "bio", 0), meta("d1", "bio", 1), meta("d2", "chem", 0)},
	)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	hits, err := idx.Search(ctx, []float32{0.9, 0.1, 0, 0}, 2, domain.SearchFilter{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 || hits[0].ChunkID != "c1" || hits[1].ChunkID != "c2" {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("expected descending scores, got %v then %v", hits[0].Score, hits[1].Score)
	}
}

func TestSearchSelfSimilarity(t *testing.T) {
	idx := newTestIndex(t, Options{})
	ctx := context.Background()
	vectors := [][]float32{{3, 1, 0, 2}, {-1, 4, 2, 0}, {0.5, 0.5, 5, 1}}
	ids := []string{"a", "b", "c"}
	metas := []domain.ChunkMetadata{meta("d", "", 0), meta("d", "", 1), meta("d", "", 2)}
	if err := idx.Add(ctx, ids, vectors, metas); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	for i, vec := range vectors {
		hits, err := idx.Search(ctx, vec, 1, domain.SearchFilter{})
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(hits) != 1 || hits[0].ChunkID != ids[i] {
			t.Fatalf("vector %d: unexpected hits %+v", i, hits)
		}
		if math.Abs(hits[0].Score-1) > 1e-5 {
			t.Fatalf("vector %d: expected score ~1, got %v", i, hits[0].Score)
		}
	}
}

func TestSearchFilterAppliesAfterOverFetch(t *testing.T) {
	idx := newTestIndex(t, Options{})
	ctx := context.Background()
	err := idx.Add(ctx,
		[]string{"c1", "c2", "c3"},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}},
		[]domain.ChunkMetadata{meta("d1", "bio", 0), meta("d1", "bio", 1), meta("d2", "chem", 0)},
	)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	hits, err := idx.Search(ctx, []float32{0, 0, 1, 0}, 1, domain.SearchFilter{Subject: "bio"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Metadata.Subject != "bio" {
		t.Fatalf("expected one bio hit from the over-fetched candidates, got %+v", hits)
	}

	hits, err = idx.Search(ctx, []float32{1, 0, 0, 0}, 2, domain.SearchFilter{Subject: "physics"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no padding when nothing matches, got %+v", hits)
	}
}

func TestSearchEmptyIndexAndDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t, Options{})
	hits, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 3, domain.SearchFilter{})
	if err != nil || len(hits) != 0 {
		t.Fatalf("expected empty result on empty index, got %v, %v", hits, err)
	}
	_, err = idx.Search(context.Background(), []float32{1, 0}, 3, domain.SearchFilter{})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestAddRejectsMismatchedInput(t *testing.T) {
	idx := newTestIndex(t, Options{})
	ctx := context.Background()

	err := idx.Add(ctx, []string{"a", "b"}, [][]float32{{1, 0, 0, 0}}, []domain.ChunkMetadata{{}, {}})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch for length mismatch, got %v", err)
	}
	err = idx.Add(ctx, []string{"a"}, [][]float32{{1, 0}}, []domain.ChunkMetadata{{}})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch for short vector, got %v", err)
	}
	if idx.Size() != 0 {
		t.Fatalf("rejected add must not change the index, size=%d", idx.Size())
	}
}

func TestRebuildMatchesEmbeddedChunkCount(t *testing.T) {
	source := &chunkSourceFake{chunks: []domain.Chunk{
		{ID: "c1", Embedding: []float32{1, 0, 0, 0}, Metadata: meta("d1", "", 0)},
		{ID: "c2", Embedding: []float32{0, 1, 0, 0}, Metadata: meta("d1", "", 1)},
		{ID: "stale", Embedding: []float32{1, 1}, Metadata: meta("d2", "", 0)},
	}}
	observer := &observerFake{}
	idx := newTestIndex(t, Options{Source: source, Observer: observer})
	ctx := context.Background()
	if err := idx.Add(ctx, []string{"old"}, [][]float32{{0, 0, 0, 1}}, []domain.ChunkMetadata{{}}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	n, err := idx.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if n != 2 || idx.Size() != 2 {
		t.Fatalf("expected 2 rows after rebuild, got n=%d size=%d", n, idx.Size())
	}
	if observer.rebuilds != 1 || observer.size != 2 {
		t.Fatalf("unexpected observer state %+v", observer)
	}
	hits, _ := idx.Search(ctx, []float32{0, 0, 0, 1}, 5, domain.SearchFilter{})
	for _, h := range hits {
		if h.ChunkID == "old" {
			t.Fatalf("rebuild must discard previous rows")
		}
	}
}

func TestRebuildSizeMatchesChunksOfIndexWidth(t *testing.T) {
	source := &chunkSourceFake{chunks: []domain.Chunk{
		{ID: "c1", Embedding: []float32{1, 0, 0, 0}, Metadata: meta("d1", "", 0)},
		{ID: "old-1", Embedding: []float32{1, 0, 0}, Metadata: meta("d0", "", 0)},
		{ID: "c2", Embedding: []float32{0, 1, 0, 0}, Metadata: meta("d1", "", 1)},
		{ID: "old-2", Embedding: []float32{0, 1, 0}, Metadata: meta("d0", "", 1)},
	}}
	observer := &observerFake{}
	idx := newTestIndex(t, Options{Source: source, Observer: observer})

	want := 0
	for _, c := range source.chunks {
		if len(c.Embedding) == idx.Dimensions() {
			want++
		}
	}
	for i := 0; i < 2; i++ {
		n, err := idx.Rebuild(context.Background())
		if err != nil {
			t.Fatalf("Rebuild() #%d error = %v", i, err)
		}
		if n != want || idx.Size() != want {
			t.Fatalf("rebuild #%d: expected %d rows, got n=%d size=%d", i, want, n, idx.Size())
		}
	}
	if observer.skipped != 2 {
		t.Fatalf("expected 2 skipped rows reported, got %d", observer.skipped)
	}
}

func TestConcurrentAddRebuildSearchStayWellFormed(t *testing.T) {
	const dim = 4
	var chunks []domain.Chunk
	for i := 0; i < 16; i++ {
		vec := make([]float32, dim)
		vec[i%dim] = 1
		vec[(i+1)%dim] = float32(i) / 16
		chunks = append(chunks, domain.Chunk{ID: "src-" + strconv.Itoa(i), Embedding: vec, Metadata: meta("src", "", i)})
	}
	idx := newTestIndex(t, Options{Dimensions: dim, Source: &chunkSourceFake{chunks: chunks}})
	ctx := context.Background()
	if _, err := idx.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	const k = 5
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for w := 0; w < 4; w++ {
		wg.Add(3)
		go func(w int) {
			defer wg.Done()
			doc := "add" + strconv.Itoa(w)
			for i := 0; i < 25; i++ {
				vec := []float32{float32(w + 1), float32(i), 1, 0}
				if err := idx.Add(ctx, []string{doc + "-" + strconv.Itoa(i)}, [][]float32{vec}, []domain.ChunkMetadata{meta(doc, "", i)}); err != nil {
					errs <- err
					return
				}
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := idx.Rebuild(ctx); err != nil {
					errs <- err
					return
				}
			}
		}()
		go func(w int) {
			defer wg.Done()
			query := []float32{1, float32(w), 0.5, 0.25}
			for i := 0; i < 50; i++ {
				hits, err := idx.Search(ctx, query, k, domain.SearchFilter{})
				if err != nil {
					errs <- err
					return
				}
				if err := checkHits(hits, k); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// checkHits verifies a result list is bounded, ordered and that every hit
// carries the metadata of its own row.
func checkHits(hits []domain.SearchHit, k int) error {
	if len(hits) > k {
		return fmt.Errorf("got %d hits for k=%d", len(hits), k)
	}
	for i, h := range hits {
		doc, _, ok := strings.Cut(h.ChunkID, "-")
		if !ok || doc != h.Metadata.DocumentID {
			return fmt.Errorf("hit %d: chunk %q carries metadata of %q", i, h.ChunkID, h.Metadata.DocumentID)
		}
		if h.Score > 1+1e-5 || h.Score < -1-1e-5 {
			return fmt.Errorf("hit %d: score %v out of range", i, h.Score)
		}
		if i > 0 && h.Score > hits[i-1].Score {
			return fmt.Errorf("hit %d: scores not descending (%v after %v)", i, h.Score, hits[i-1].Score)
		}
	}
	return nil
}

func TestRebuildKeepsStateOnSourceError(t *testing.T) {
	source := &chunkSourceFake{
		chunks: []domain.Chunk{{ID: "c1", Embedding: []float32{1, 0, 0, 0}}},
		err:    errors.New("connection reset"),
	}
	idx := newTestIndex(t, Options{Source: source})
	ctx := context.Background()
	if err := idx.Add(ctx, []string{"keep"}, [][]float32{{0, 1, 0, 0}}, []domain.ChunkMetadata{{}}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := idx.Rebuild(ctx); err == nil {
		t.Fatalf("expected rebuild error")
	}
	if idx.Size() != 1 {
		t.Fatalf("expected previous state to survive, size=%d", idx.Size())
	}
}

func TestPersistedIndexSurvivesRestart(t *testing.T) {
	store, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	ctx := context.Background()
	first := newTestIndex(t, Options{Store: store, Name: "tutor"})
	err = first.Add(ctx,
		[]string{"c1", "c2"},
		[][]float32{{1, 0, 0, 0}, {0, 2, 0, 0}},
		[]domain.ChunkMetadata{meta("d1", "bio", 0), meta("d1", "bio", 1)},
	)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	second := newTestIndex(t, Options{Store: store, Name: "tutor"})
	if second.Size() != 2 {
		t.Fatalf("expected 2 rows after reload, got %d", second.Size())
	}
	hits, err := second.Search(ctx, []float32{0, 1, 0, 0}, 1, domain.SearchFilter{Subject: "bio"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "c2" || hits[0].Metadata.ChunkIndex != 1 {
		t.Fatalf("unexpected hits after reload %+v", hits)
	}
}

func TestLoadWithDifferentDimensionStartsEmpty(t *testing.T) {
	store, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	ctx := context.Background()
	first := newTestIndex(t, Options{Store: store, Dimensions: 4})
	if err := first.Add(ctx, []string{"c1"}, [][]float32{{1, 0, 0, 0}}, []domain.ChunkMetadata{{}}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	second := newTestIndex(t, Options{Store: store, Dimensions: 8})
	if second.Size() != 0 {
		t.Fatalf("expected empty index after dimension change, got %d rows", second.Size())
	}
}

func TestLoadWithCorruptedSidecarStartsEmpty(t *testing.T) {
	store, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	ctx := context.Background()
	first := newTestIndex(t, Options{Store: store})
	if err := first.Add(ctx, []string{"c1"}, [][]float32{{1, 0, 0, 0}}, []domain.ChunkMetadata{{}}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := store.Save(ctx, "index.meta.json", strings.NewReader(`{"version":1,"dimensions":4,"rows":1,"checksum":7,"entries":[{"chunk_id":"c1"}]}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	second := newTestIndex(t, Options{Store: store})
	if second.Size() != 0 {
		t.Fatalf("expected checksum mismatch to yield an empty index, got %d rows", second.Size())
	}
}

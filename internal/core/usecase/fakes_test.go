package usecase

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/core/ports"
)

type statusCall struct {
	status domain.DocumentStatus
	errMsg string
}

type storeFake struct {
	mu          sync.Mutex
	docs        map[string]*domain.Document
	chunks      map[string][]domain.Chunk
	statusCalls []statusCall
	readyCount  int
	embeddedErr error
	getErr      error
	replaceErr  error
}

func newStoreFake() *storeFake {
	return &storeFake{docs: map[string]*domain.Document{}, chunks: map[string][]domain.Chunk{}}
}

func (f *storeFake) CreateDocument(_ context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copyDoc := *doc
	f.docs[doc.ID] = &copyDoc
	return nil
}

func (f *storeFake) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	doc, ok := f.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", errors.New(id))
	}
	copyDoc := *doc
	return &copyDoc, nil
}

func (f *storeFake) UpdateStatus(_ context.Context, id string, status domain.DocumentStatus, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls = append(f.statusCalls, statusCall{status: status, errMsg: errMessage})
	if doc, ok := f.docs[id]; ok {
		doc.Status = status
		doc.Error = errMessage
	}
	return nil
}

func (f *storeFake) MarkReady(_ context.Context, id string, chunkCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls = append(f.statusCalls, statusCall{status: domain.StatusReady})
	f.readyCount = chunkCount
	if doc, ok := f.docs[id]; ok {
		doc.Status = domain.StatusReady
		doc.ChunkCount = chunkCount
	}
	return nil
}

func (f *storeFake) DeleteDocument(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "delete document", errors.New(id))
	}
	delete(f.docs, id)
	delete(f.chunks, id)
	return nil
}

func (f *storeFake) CountDocuments(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs), nil
}

func (f *storeFake) ReplaceChunks(_ context.Context, documentID string, chunks []domain.Chunk) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return 0, f.replaceErr
	}
	removed := len(f.chunks[documentID])
	f.chunks[documentID] = append([]domain.Chunk(nil), chunks...)
	return removed, nil
}

func (f *storeFake) SaveChunkEmbedding(_ context.Context, chunkID string, vector []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for doc, chunks := range f.chunks {
		for i := range chunks {
			if chunks[i].ID == chunkID {
				f.chunks[doc][i].Embedding = vector
				return nil
			}
		}
	}
	return domain.WrapError(domain.ErrNotFound, "save chunk embedding", errors.New(chunkID))
}

func (f *storeFake) GetChunksByID(_ context.Context, ids []string) ([]domain.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Chunk, 0, len(ids))
	for _, id := range ids {
		for _, chunks := range f.chunks {
			for _, c := range chunks {
				if c.ID == id {
					out = append(out, c)
				}
			}
		}
	}
	return out, nil
}

func (f *storeFake) ListChunksWithEmbeddings(context.Context) iter.Seq2[domain.Chunk, error] {
	f.mu.Lock()
	var all []domain.Chunk
	for _, chunks := range f.chunks {
		for _, c := range chunks {
			if c.Embedding != nil {
				all = append(all, c)
			}
		}
	}
	f.mu.Unlock()
	return func(yield func(domain.Chunk, error) bool) {
		for _, c := range all {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (f *storeFake) CountEmbeddedChunks(_ context.Context, dimensions int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.embeddedErr != nil {
		return 0, f.embeddedErr
	}
	n := 0
	for _, chunks := range f.chunks {
		for _, c := range chunks {
			if c.Embedding != nil && (dimensions <= 0 || len(c.Embedding) == dimensions) {
				n++
			}
		}
	}
	return n, nil
}

func (f *storeFake) ResetStaleEmbeddings(_ context.Context, dimensions int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for doc, chunks := range f.chunks {
		stale := false
		for i := range chunks {
			if chunks[i].Embedding != nil && len(chunks[i].Embedding) != dimensions {
				chunks[i].Embedding = nil
				stale = true
			}
		}
		if stale {
			ids = append(ids, doc)
			if d, ok := f.docs[doc]; ok {
				d.Status = domain.StatusUploaded
			}
		}
	}
	return ids, nil
}

// addEmbedded seeds a ready document with embedded chunks.
func (f *storeFake) addEmbedded(doc domain.Document, texts []string, vectors [][]float32) []domain.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	copyDoc := doc
	f.docs[doc.ID] = &copyDoc
	chunks := make([]domain.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = domain.Chunk{
			ID:         doc.ID + "-c" + string(rune('0'+i)),
			DocumentID: doc.ID,
			Index:      i,
			Text:       text,
			Embedding:  vectors[i],
			Metadata: domain.ChunkMetadata{
				DocumentID: doc.ID, Title: doc.Title, Subject: doc.Subject, Grade: doc.Grade, ChunkIndex: i,
			},
		}
	}
	f.chunks[doc.ID] = chunks
	return chunks
}

type recordStoreFake struct {
	records []*domain.QueryRecord
	ratings map[string]int
	err     error
}

func (f *recordStoreFake) CreateQueryRecord(_ context.Context, record *domain.QueryRecord) error {
	if f.err != nil {
		return f.err
	}
	copyRec := *record
	f.records = append(f.records, &copyRec)
	return nil
}

func (f *recordStoreFake) RateQueryRecord(_ context.Context, id string, rating int) error {
	for _, r := range f.records {
		if r.ID == id {
			if f.ratings == nil {
				f.ratings = map[string]int{}
			}
			f.ratings[id] = rating
			return nil
		}
	}
	return domain.WrapError(domain.ErrNotFound, "rate query record", errors.New(id))
}

// embedderFake maps known texts to fixed vectors; unknown texts get a zero
// vector.
type embedderFake struct {
	dim     int
	vectors map[string][]float32
	batches [][]string
}

func (f *embedderFake) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, f.dim), nil
}

func (f *embedderFake) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batches = append(f.batches, texts)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = f.Embed(ctx, text)
	}
	return out, nil
}

func (f *embedderFake) Dimensions() int { return f.dim }

type generatorFake struct {
	prompts []string
	opts    []domain.CompletionOptions
	answers []string
	err     error
}

func (f *generatorFake) Complete(_ context.Context, prompt string, opts domain.CompletionOptions) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return "", f.err
	}
	if len(f.answers) == 0 {
		return "generated answer", nil
	}
	answer := f.answers[0]
	f.answers = f.answers[1:]
	return answer, nil
}

// indexFake is a tiny exact index so use case tests exercise real ranking.
type indexFake struct {
	store    *storeFake
	ids      []string
	vectors  [][]float32
	metas    []domain.ChunkMetadata
	rebuilds int
	adds     int
	searches []domain.SearchFilter
}

func (f *indexFake) Add(_ context.Context, ids []string, vectors [][]float32, metas []domain.ChunkMetadata) error {
	f.adds++
	f.ids = append(f.ids, ids...)
	f.vectors = append(f.vectors, vectors...)
	f.metas = append(f.metas, metas...)
	return nil
}

func (f *indexFake) Search(_ context.Context, query []float32, k int, filter domain.SearchFilter) ([]domain.SearchHit, error) {
	f.searches = append(f.searches, filter)
	var hits []domain.SearchHit
	for i, v := range f.vectors {
		if !filter.Matches(f.metas[i]) {
			continue
		}
		var score float64
		for j := range v {
			score += float64(v[j] * query[j])
		}
		hits = append(hits, domain.SearchHit{ChunkID: f.ids[i], Score: score, Metadata: f.metas[i]})
	}
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *indexFake) Rebuild(ctx context.Context) (int, error) {
	f.rebuilds++
	f.ids, f.vectors, f.metas = nil, nil, nil
	for c, err := range f.store.ListChunksWithEmbeddings(ctx) {
		if err != nil {
			return 0, err
		}
		if len(c.Embedding) != f.Dimensions() {
			continue
		}
		f.ids = append(f.ids, c.ID)
		f.vectors = append(f.vectors, c.Embedding)
		f.metas = append(f.metas, c.Metadata)
	}
	return len(f.ids), nil
}

func (f *indexFake) Size() int { return len(f.ids) }

func (f *indexFake) Dimensions() int { return 3 }

type pipelineProviderFake struct {
	pipeline    *ports.Pipeline
	err         error
	invalidated int
}

func (f *pipelineProviderFake) Get() (*ports.Pipeline, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pipeline, nil
}

func (f *pipelineProviderFake) Invalidate(context.Context) { f.invalidated++ }

type queueFake struct {
	published []string
	err       error
}

func (f *queueFake) PublishDocumentIngested(_ context.Context, documentID string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, documentID)
	return nil
}

func (f *queueFake) SubscribeDocumentIngested(context.Context, func(context.Context, string) error) error {
	return errors.New("not implemented")
}

type notifierFake struct {
	reasons  []string
	requeued []string
	err      error
}

func (f *notifierFake) PublishDocumentIngested(_ context.Context, documentID string) error {
	f.requeued = append(f.requeued, documentID)
	return f.err
}

func (f *notifierFake) PublishIndexInvalidated(_ context.Context, reason string) error {
	f.reasons = append(f.reasons, reason)
	return f.err
}

type askObserverFake struct {
	outcomes     []string
	inconsistent int
}

func (f *askObserverFake) ObserveAsk(kind domain.QueryKind, outcome string, _ int, _ time.Duration) {
	f.outcomes = append(f.outcomes, string(kind)+":"+outcome)
}

func (f *askObserverFake) IndexInconsistent() { f.inconsistent++ }

type executorFake struct {
	queries []string
	rows    []map[string]any
	err     error
}

func (f *executorFake) QueryReadOnly(_ context.Context, query string) ([]map[string]any, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

type chunkerFake struct {
	spans []domain.ChunkSpan
}

func (f *chunkerFake) Split(text string) []domain.ChunkSpan {
	if f.spans != nil {
		return f.spans
	}
	var out []domain.ChunkSpan
	offset := 0
	for _, part := range strings.Split(text, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, domain.ChunkSpan{Text: part, StartOffset: offset, EndOffset: offset + len(part), TokenCount: len(strings.Fields(part))})
		offset += len(part)
	}
	return out
}

type testEnv struct {
	store     *storeFake
	records   *recordStoreFake
	embedder  *embedderFake
	generator *generatorFake
	index     *indexFake
	pipelines *pipelineProviderFake
	observer  *askObserverFake
}

func newTestEnv() *testEnv {
	store := newStoreFake()
	env := &testEnv{
		store:     store,
		records:   &recordStoreFake{},
		embedder:  &embedderFake{dim: 3, vectors: map[string][]float32{}},
		generator: &generatorFake{},
		index:     &indexFake{store: store},
		observer:  &askObserverFake{},
	}
	env.pipelines = &pipelineProviderFake{pipeline: &ports.Pipeline{
		Embedder:  env.embedder,
		Generator: env.generator,
		Index:     env.index,
	}}
	return env
}

func (e *testEnv) rag() *RAGUseCase {
	return NewRAGUseCase(e.store, e.records, e.pipelines, nil, e.observer, RAGOptions{})
}

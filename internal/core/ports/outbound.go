package ports

import (
	"context"
	"iter"
	"time"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

// ContentStore is the authoritative repository of documents and chunks.
// The similarity index is a derived projection of it.
type ContentStore interface {
	CreateDocument(ctx context.Context, doc *domain.Document) error
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMessage string) error
	MarkReady(ctx context.Context, id string, chunkCount int) error
	DeleteDocument(ctx context.Context, id string) error
	CountDocuments(ctx context.Context) (int, error)

	// ReplaceChunks deletes every chunk of the document and inserts the given
	// ones in a single transaction. It reports how many chunks were removed.
	ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) (int, error)
	SaveChunkEmbedding(ctx context.Context, chunkID string, vector []float32) error
	GetChunksByID(ctx context.Context, ids []string) ([]domain.Chunk, error)
	ListChunksWithEmbeddings(ctx context.Context) iter.Seq2[domain.Chunk, error]

	// CountEmbeddedChunks counts embeddings of exactly the given width, the
	// rows an index of that width can hold. dimensions <= 0 counts them all.
	CountEmbeddedChunks(ctx context.Context, dimensions int) (int, error)

	// ResetStaleEmbeddings drops embeddings of any other width and returns
	// the ids of the documents that need embedding again.
	ResetStaleEmbeddings(ctx context.Context, dimensions int) ([]string, error)
}

// QueryRecordStore persists one record per answered question.
type QueryRecordStore interface {
	CreateQueryRecord(ctx context.Context, record *domain.QueryRecord) error
	RateQueryRecord(ctx context.Context, id string, rating int) error
}

// StructuredExecutor runs an already validated read statement.
type StructuredExecutor interface {
	QueryReadOnly(ctx context.Context, query string) ([]map[string]any, error)
}

// MessageQueue publishes/consumes ingestion events.
type MessageQueue interface {
	PublishDocumentIngested(ctx context.Context, documentID string) error
	SubscribeDocumentIngested(ctx context.Context, handler func(context.Context, string) error) error
}

// IndexNotifier fans out "index changed" events to every process holding an index.
type IndexNotifier interface {
	PublishIndexInvalidated(ctx context.Context, reason string) error
}

// ReindexQueue is what maintenance needs from the broker: requeueing
// documents and announcing index changes.
type ReindexQueue interface {
	IndexNotifier
	PublishDocumentIngested(ctx context.Context, documentID string) error
}

// Chunker splits text into token-bounded overlapping spans.
type Chunker interface {
	Split(text string) []domain.ChunkSpan
}

// EmbeddingProvider never fails because of an upstream backend: the chain
// degrades to a deterministic vector instead.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// ChatGenerator produces free-text completions.
type ChatGenerator interface {
	Complete(ctx context.Context, prompt string, opts domain.CompletionOptions) (string, error)
}

// SimilarityIndex is the exact inner-product index over chunk embeddings.
type SimilarityIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32, metas []domain.ChunkMetadata) error
	Search(ctx context.Context, query []float32, k int, filter domain.SearchFilter) ([]domain.SearchHit, error)
	Rebuild(ctx context.Context) (int, error)
	Size() int
	Dimensions() int
}

// IndexInvalidator is the process cache hook used after content mutations.
type IndexInvalidator interface {
	Invalidate(ctx context.Context)
}

// Pipeline groups the long-lived components shared by every request of a
// process.
type Pipeline struct {
	Embedder  EmbeddingProvider
	Generator ChatGenerator
	Index     SimilarityIndex
}

// PipelineProvider hands out the warmed-up pipeline. Get fails with
// domain.ErrInitializing until warm-up has completed.
type PipelineProvider interface {
	IndexInvalidator
	Get() (*Pipeline, error)
}

// AskObserver receives per-question outcomes for metrics.
type AskObserver interface {
	ObserveAsk(kind domain.QueryKind, outcome string, groundingCount int, elapsed time.Duration)
	IndexInconsistent()
}

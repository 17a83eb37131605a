package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/core/ports"
)

type ProcessDocumentUseCase struct {
	store     ports.ContentStore
	chunker   ports.Chunker
	pipelines ports.PipelineProvider
	notifier  ports.IndexNotifier
}

func NewProcessDocumentUseCase(
	store ports.ContentStore,
	chunker ports.Chunker,
	pipelines ports.PipelineProvider,
	notifier ports.IndexNotifier,
) *ProcessDocumentUseCase {
	return &ProcessDocumentUseCase{
		store:     store,
		chunker:   chunker,
		pipelines: pipelines,
		notifier:  notifier,
	}
}

// ProcessByID chunks, embeds and indexes one document. Reprocessing replaces
// every previous chunk of the document.
func (uc *ProcessDocumentUseCase) ProcessByID(ctx context.Context, documentID string) error {
	pipeline, err := uc.pipelines.Get()
	if err != nil {
		return err
	}

	if err := uc.markStatus(ctx, documentID, domain.StatusProcessing, ""); err != nil {
		return fmt.Errorf("set status=processing: %w", err)
	}

	chunkCount, err := uc.processPipeline(ctx, pipeline, documentID)
	if err != nil {
		if failErr := uc.markFailed(ctx, documentID, err); failErr != nil {
			return fmt.Errorf("%w; mark failed status: %v", err, failErr)
		}
		return err
	}

	if err := uc.store.MarkReady(ctx, documentID, chunkCount); err != nil {
		return fmt.Errorf("set status=ready: %w", err)
	}

	if uc.notifier != nil {
		if err := uc.notifier.PublishIndexInvalidated(ctx, "document_processed"); err != nil {
			slog.WarnContext(ctx, "index_invalidation_publish_failed", "document_id", documentID, "error", err)
		}
	}
	return nil
}

func (uc *ProcessDocumentUseCase) processPipeline(ctx context.Context, pipeline *ports.Pipeline, documentID string) (int, error) {
	doc, err := uc.loadDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}

	chunks, err := uc.chunk(doc)
	if err != nil {
		return 0, err
	}

	removed, err := uc.store.ReplaceChunks(ctx, doc.ID, chunks)
	if err != nil {
		return 0, fmt.Errorf("replace chunks: %w", err)
	}

	vectors, err := uc.embed(ctx, pipeline, chunks)
	if err != nil {
		return 0, err
	}

	for i := range chunks {
		if err := uc.store.SaveChunkEmbedding(ctx, chunks[i].ID, vectors[i]); err != nil {
			return 0, fmt.Errorf("save embedding of chunk %d: %w", chunks[i].Index, err)
		}
	}

	if err := uc.index(ctx, pipeline, chunks, vectors, removed > 0); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

func (uc *ProcessDocumentUseCase) loadDocument(ctx context.Context, documentID string) (*domain.Document, error) {
	doc, err := uc.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetch document by id: %w", err)
	}
	return doc, nil
}

func (uc *ProcessDocumentUseCase) chunk(doc *domain.Document) ([]domain.Chunk, error) {
	spans := uc.chunker.Split(doc.Text)
	if len(spans) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "chunk document", errors.New("chunking produced zero chunks"))
	}

	chunks := make([]domain.Chunk, len(spans))
	for i, span := range spans {
		chunks[i] = domain.Chunk{
			ID:          uuid.NewString(),
			DocumentID:  doc.ID,
			Index:       i,
			StartOffset: span.StartOffset,
			EndOffset:   span.EndOffset,
			TokenCount:  span.TokenCount,
			Text:        span.Text,
			Metadata: domain.ChunkMetadata{
				DocumentID: doc.ID,
				Title:      doc.Title,
				Subject:    doc.Subject,
				Grade:      doc.Grade,
				ChunkIndex: i,
			},
		}
	}
	return chunks, nil
}

func (uc *ProcessDocumentUseCase) embed(ctx context.Context, pipeline *ports.Pipeline, chunks []domain.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := pipeline.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, domain.WrapError(
			domain.ErrInvalidInput,
			"embed chunks",
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(chunks)),
		)
	}
	return vectors, nil
}

// index appends a first-time document as one batch. Replaced chunks leave
// stale rows behind, so a reprocessed document triggers a full rebuild.
func (uc *ProcessDocumentUseCase) index(
	ctx context.Context,
	pipeline *ports.Pipeline,
	chunks []domain.Chunk,
	vectors [][]float32,
	replaced bool,
) error {
	if replaced {
		if _, err := pipeline.Index.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
		return nil
	}

	ids := make([]string, len(chunks))
	metas := make([]domain.ChunkMetadata, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		metas[i] = c.Metadata
	}
	if err := pipeline.Index.Add(ctx, ids, vectors, metas); err != nil {
		return fmt.Errorf("add chunks to index: %w", err)
	}
	return nil
}

func (uc *ProcessDocumentUseCase) markStatus(ctx context.Context, documentID string, status domain.DocumentStatus, errMessage string) error {
	return uc.store.UpdateStatus(ctx, documentID, status, errMessage)
}

func (uc *ProcessDocumentUseCase) markFailed(ctx context.Context, documentID string, processErr error) error {
	if processErr == nil {
		return nil
	}
	return uc.markStatus(ctx, documentID, domain.StatusFailed, processErr.Error())
}

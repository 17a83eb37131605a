package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/core/ports"
)

type MaintenanceUseCase struct {
	store     ports.ContentStore
	pipelines ports.PipelineProvider
	queue     ports.ReindexQueue
	observer  ports.AskObserver
}

func NewMaintenanceUseCase(
	store ports.ContentStore,
	pipelines ports.PipelineProvider,
	queue ports.ReindexQueue,
	observer ports.AskObserver,
) *MaintenanceUseCase {
	if observer == nil {
		observer = noopAskObserver{}
	}
	return &MaintenanceUseCase{
		store:     store,
		pipelines: pipelines,
		queue:     queue,
		observer:  observer,
	}
}

func (uc *MaintenanceUseCase) Rebuild(ctx context.Context) (int, error) {
	pipeline, err := uc.pipelines.Get()
	if err != nil {
		return 0, err
	}
	rows, err := pipeline.Index.Rebuild(ctx)
	if err != nil {
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	uc.publish(ctx, "index_rebuilt")
	return rows, nil
}

func (uc *MaintenanceUseCase) publish(ctx context.Context, reason string) {
	if uc.queue == nil {
		return
	}
	if err := uc.queue.PublishIndexInvalidated(ctx, reason); err != nil {
		slog.WarnContext(ctx, "index_invalidation_publish_failed", "reason", reason, "error", err)
	}
}

// CheckConsistency compares the index with the store and rebuilds on
// mismatch. Embeddings of another width than the index are dropped and
// their documents queued for ingestion again. It reports whether the index
// was consistent before the check.
func (uc *MaintenanceUseCase) CheckConsistency(ctx context.Context) (bool, error) {
	pipeline, err := uc.pipelines.Get()
	if err != nil {
		return false, err
	}
	dims := pipeline.Index.Dimensions()
	uc.requeueStale(ctx, dims)

	embedded, err := uc.store.CountEmbeddedChunks(ctx, dims)
	if err != nil {
		return false, fmt.Errorf("count embedded chunks: %w", err)
	}
	size := pipeline.Index.Size()
	if size == embedded {
		return true, nil
	}

	slog.WarnContext(ctx, "index_consistency_violation", "index_size", size, "embedded_chunks", embedded)
	uc.observer.IndexInconsistent()
	if _, err := pipeline.Index.Rebuild(ctx); err != nil {
		return false, fmt.Errorf("rebuild index: %w", err)
	}
	return false, nil
}

func (uc *MaintenanceUseCase) requeueStale(ctx context.Context, dims int) {
	ids, err := uc.store.ResetStaleEmbeddings(ctx, dims)
	if err != nil {
		slog.WarnContext(ctx, "stale_embeddings_reset_failed", "dimensions", dims, "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	slog.InfoContext(ctx, "stale_embeddings_reset", "dimensions", dims, "documents", len(ids))
	if uc.queue == nil {
		return
	}
	for _, id := range ids {
		if err := uc.queue.PublishDocumentIngested(ctx, id); err != nil {
			slog.WarnContext(ctx, "document_requeue_failed", "document_id", id, "error", err)
		}
	}
}

func (uc *MaintenanceUseCase) Status(ctx context.Context) (domain.IndexStatus, error) {
	pipeline, err := uc.pipelines.Get()
	switch {
	case err == nil:
	case domain.IsKind(err, domain.ErrInitializing):
		pipeline = nil
	default:
		return domain.IndexStatus{}, err
	}
	dims := 0
	if pipeline != nil {
		dims = pipeline.Index.Dimensions()
	}
	embedded, err := uc.store.CountEmbeddedChunks(ctx, dims)
	if err != nil {
		return domain.IndexStatus{}, fmt.Errorf("count embedded chunks: %w", err)
	}
	status := domain.IndexStatus{EmbeddedChunks: embedded}
	if pipeline == nil {
		return status, nil
	}
	status.Ready = true
	status.Size = pipeline.Index.Size()
	status.Dimensions = dims
	status.Consistent = status.Size == embedded
	return status, nil
}

// DeleteDocument removes a document with its chunks and schedules index
// rebuilds in every process. Searches may return stale hits until then.
func (uc *MaintenanceUseCase) DeleteDocument(ctx context.Context, documentID string) error {
	if err := uc.store.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	uc.pipelines.Invalidate(ctx)
	uc.publish(ctx, "document_deleted")
	return nil
}

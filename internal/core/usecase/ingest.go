package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/core/ports"
)

type IngestDocumentUseCase struct {
	store ports.ContentStore
	queue ports.MessageQueue
}

func NewIngestDocumentUseCase(store ports.ContentStore, queue ports.MessageQueue) *IngestDocumentUseCase {
	return &IngestDocumentUseCase{
		store: store,
		queue: queue,
	}
}

func (uc *IngestDocumentUseCase) Create(ctx context.Context, title, subject, grade, text string) (*domain.Document, error) {
	title = strings.TrimSpace(title)
	text = strings.TrimSpace(text)
	if title == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "create document", errors.New("title is required"))
	}
	if text == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "create document", errors.New("text is required"))
	}

	now := time.Now().UTC()
	doc := &domain.Document{
		ID:        uuid.NewString(),
		Title:     title,
		Subject:   strings.TrimSpace(subject),
		Grade:     strings.TrimSpace(grade),
		Text:      text,
		Status:    domain.StatusUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := uc.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	if err := uc.queue.PublishDocumentIngested(ctx, doc.ID); err != nil {
		return nil, fmt.Errorf("publish ingestion event: %w", err)
	}
	return doc, nil
}

// Reprocess schedules a document for chunking and embedding again. The
// worker replaces its chunks instead of merging them.
func (uc *IngestDocumentUseCase) Reprocess(ctx context.Context, documentID string) error {
	if _, err := uc.store.GetDocument(ctx, documentID); err != nil {
		return fmt.Errorf("fetch document by id: %w", err)
	}
	if err := uc.store.UpdateStatus(ctx, documentID, domain.StatusUploaded, ""); err != nil {
		return fmt.Errorf("set status=uploaded: %w", err)
	}
	if err := uc.queue.PublishDocumentIngested(ctx, documentID); err != nil {
		return fmt.Errorf("publish ingestion event: %w", err)
	}
	return nil
}

func (uc *IngestDocumentUseCase) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := uc.store.GetDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch document by id: %w", err)
	}
	return doc, nil
}

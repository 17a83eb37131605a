package ports

import (
	"context"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

// DocumentIngestor accepts new content and schedules its processing.
type DocumentIngestor interface {
	Create(ctx context.Context, title, subject, grade, text string) (*domain.Document, error)
	Reprocess(ctx context.Context, documentID string) error
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
}

// DocumentProcessor is the inbound contract for asynchronous document processing.
type DocumentProcessor interface {
	ProcessByID(ctx context.Context, documentID string) error
}

// DocumentRemover deletes a document and keeps the index consistent with the store.
type DocumentRemover interface {
	DeleteDocument(ctx context.Context, documentID string) error
}

// AskService answers questions through the retrieval or structured path.
type AskService interface {
	Ask(ctx context.Context, req domain.AskRequest) (*domain.AskResponse, error)
	Rate(ctx context.Context, queryRecordID string, rating int) error
}

// IndexMaintainer exposes rebuild and consistency checks of the similarity index.
type IndexMaintainer interface {
	Rebuild(ctx context.Context) (int, error)
	CheckConsistency(ctx context.Context) (bool, error)
	Status(ctx context.Context) (domain.IndexStatus, error)
}

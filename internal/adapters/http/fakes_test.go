package httpadapter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/kirillkom/rag-tutor/internal/config"
	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/infrastructure/extractor/plaintext"
)

type ingestFake struct {
	created      []string
	reprocessed  []string
	createErr    error
	reprocessErr error
}

func (f *ingestFake) Create(_ context.Context, title, subject, grade, text string) (*domain.Document, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if title == "" || text == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "create document", errors.New("title and text are required"))
	}
	f.created = append(f.created, text)
	now := time.Now().UTC()
	return &domain.Document{
		ID:        "doc-1",
		Title:     title,
		Subject:   subject,
		Grade:     grade,
		Status:    domain.StatusUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (f *ingestFake) Reprocess(_ context.Context, documentID string) error {
	if f.reprocessErr != nil {
		return f.reprocessErr
	}
	f.reprocessed = append(f.reprocessed, documentID)
	return nil
}

type documentsFake struct {
	err error
}

func (f documentsFake) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Document{ID: id, Title: "Cells", Status: domain.StatusReady, ChunkCount: 3}, nil
}

type removerFake struct {
	deleted []string
	err     error
}

func (f *removerFake) DeleteDocument(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type askFake struct {
	lastRequest domain.AskRequest
	rated       map[string]int
	askErr      error
	rateErr     error
}

func (f *askFake) Ask(_ context.Context, req domain.AskRequest) (*domain.AskResponse, error) {
	f.lastRequest = req
	if f.askErr != nil {
		return nil, f.askErr
	}
	return &domain.AskResponse{
		QueryRecordID:  "q-1",
		Kind:           domain.QueryKindRetrieval,
		Answer:         "Mitochondria produce energy.",
		Sources:        []domain.Source{{DocumentID: "doc-1", Title: "Cells", Score: 0.91}},
		GroundingCount: 1,
	}, nil
}

func (f *askFake) Rate(_ context.Context, id string, rating int) error {
	if f.rateErr != nil {
		return f.rateErr
	}
	if f.rated == nil {
		f.rated = map[string]int{}
	}
	f.rated[id] = rating
	return nil
}

type indexFake struct {
	status domain.IndexStatus
	err    error
}

func (f indexFake) Rebuild(context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.status.Size, nil
}

func (f indexFake) CheckConsistency(context.Context) (bool, error) { return true, f.err }

func (f indexFake) Status(context.Context) (domain.IndexStatus, error) {
	return f.status, f.err
}

type routerEnv struct {
	ingest  *ingestFake
	remover *removerFake
	ask     *askFake
	ready   bool
}

func newRouterEnv() *routerEnv {
	return &routerEnv{ingest: &ingestFake{}, remover: &removerFake{}, ask: &askFake{}, ready: true}
}

func (e *routerEnv) handler(cfg config.Config, docs documentsFake, index indexFake) http.Handler {
	if cfg.RAGTopK == 0 {
		cfg.RAGTopK = 5
	}
	return NewRouter(cfg, Services{
		Ingestor:  e.ingest,
		Documents: docs,
		Remover:   e.remover,
		Ask:       e.ask,
		Index:     index,
		Extractor: plaintext.NewExtractor(0),
		Ready:     func() bool { return e.ready },
	}, nil).Handler()
}

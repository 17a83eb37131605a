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

type AskUseCase struct {
	rag        *RAGUseCase
	structured *StructuredQueryUseCase
	records    ports.QueryRecordStore
	pipelines  ports.PipelineProvider
	observer   ports.AskObserver
}

func NewAskUseCase(
	rag *RAGUseCase,
	structured *StructuredQueryUseCase,
	records ports.QueryRecordStore,
	pipelines ports.PipelineProvider,
	observer ports.AskObserver,
) *AskUseCase {
	if observer == nil {
		observer = noopAskObserver{}
	}
	return &AskUseCase{
		rag:        rag,
		structured: structured,
		records:    records,
		pipelines:  pipelines,
		observer:   observer,
	}
}

func (uc *AskUseCase) Ask(ctx context.Context, req domain.AskRequest) (*domain.AskResponse, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask", errors.New("question is required"))
	}
	kind, ok := domain.ParseQueryKind(string(req.Kind))
	if !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask", fmt.Errorf("unknown query kind %q", req.Kind))
	}
	req.Kind = kind
	if req.TopK < 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask", fmt.Errorf("top_k must not be negative, got %d", req.TopK))
	}

	if _, err := uc.pipelines.Get(); err != nil {
		return nil, err
	}

	if kind == domain.QueryKindStructured {
		return uc.askStructured(ctx, req)
	}
	return uc.rag.Answer(ctx, req)
}

func (uc *AskUseCase) askStructured(ctx context.Context, req domain.AskRequest) (*domain.AskResponse, error) {
	started := time.Now()
	result := uc.structured.Answer(ctx, req.Question)
	elapsed := time.Since(started)

	rec := &domain.QueryRecord{
		ID:         uuid.NewString(),
		Question:   req.Question,
		Answer:     result.Explanation,
		Kind:       domain.QueryKindStructured,
		DocumentID: req.DocumentID,
		ElapsedMS:  elapsed.Milliseconds(),
		Sources:    []domain.Source{},
		CreatedAt:  time.Now().UTC(),
	}
	if err := uc.records.CreateQueryRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create query record: %w", err)
	}

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	uc.observer.ObserveAsk(domain.QueryKindStructured, outcome, 0, elapsed)

	success := result.Success
	return &domain.AskResponse{
		QueryRecordID:  rec.ID,
		Kind:           domain.QueryKindStructured,
		Answer:         result.Explanation,
		Sources:        []domain.Source{},
		ElapsedMS:      rec.ElapsedMS,
		GroundingCount: 0,
		Query:          result.Query,
		Rows:           result.Rows,
		Success:        &success,
	}, nil
}

func (uc *AskUseCase) Rate(ctx context.Context, queryRecordID string, rating int) error {
	if strings.TrimSpace(queryRecordID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "rate query", errors.New("query record id is required"))
	}
	if rating < domain.MinRating || rating > domain.MaxRating {
		return domain.WrapError(domain.ErrInvalidInput, "rate query",
			fmt.Errorf("rating must be between %d and %d, got %d", domain.MinRating, domain.MaxRating, rating))
	}
	if err := uc.records.RateQueryRecord(ctx, queryRecordID, rating); err != nil {
		return fmt.Errorf("rate query record: %w", err)
	}
	return nil
}

package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/core/ports"
)

const DefaultTopK = 5

type RAGOptions struct {
	DefaultTopK int
	MaxTokens   int
	Temperature float32
}

type RAGUseCase struct {
	store     ports.ContentStore
	records   ports.QueryRecordStore
	pipelines ports.PipelineProvider
	prompts   *PromptBook
	observer  ports.AskObserver
	opts      RAGOptions
}

func NewRAGUseCase(
	store ports.ContentStore,
	records ports.QueryRecordStore,
	pipelines ports.PipelineProvider,
	prompts *PromptBook,
	observer ports.AskObserver,
	opts RAGOptions,
) *RAGUseCase {
	if prompts == nil {
		prompts = DefaultPromptBook()
	}
	if observer == nil {
		observer = noopAskObserver{}
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = DefaultTopK
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &RAGUseCase{
		store:     store,
		records:   records,
		pipelines: pipelines,
		prompts:   prompts,
		observer:  observer,
		opts:      opts,
	}
}

// Answer runs one retrieval question end to end and writes exactly one query
// record for it.
func (uc *RAGUseCase) Answer(ctx context.Context, req domain.AskRequest) (*domain.AskResponse, error) {
	started := time.Now()
	pipeline, err := uc.pipelines.Get()
	if err != nil {
		return nil, err
	}

	req.Persona = domain.ParsePersona(string(req.Persona))
	if req.TopK <= 0 {
		req.TopK = uc.opts.DefaultTopK
	}

	embedded, err := uc.store.CountEmbeddedChunks(ctx, pipeline.Index.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("count embedded chunks: %w", err)
	}
	if embedded == 0 {
		answer := uc.answerWithoutContent(ctx, pipeline, req)
		return uc.record(ctx, req, answer, nil, started)
	}

	uc.ensureConsistent(ctx, pipeline, embedded)

	queryVector, err := pipeline.Embedder.Embed(ctx, req.Question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	chunks, scores, err := uc.retrieve(ctx, pipeline, queryVector, req)
	if err != nil {
		return nil, err
	}

	// The overview template only makes sense when one document is in scope.
	overview := req.DocumentID != "" && isOverviewQuestion(req.Question)
	prompt, err := uc.prompts.AnswerPrompt(req.Persona, req.Question, buildContext(chunks, scores), overview)
	if err != nil {
		return nil, err
	}
	answer, err := pipeline.Generator.Complete(ctx, prompt, domain.CompletionOptions{
		MaxTokens:   uc.opts.MaxTokens,
		Temperature: uc.opts.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	sources := make([]domain.Source, 0, len(chunks))
	for _, c := range chunks {
		sources = append(sources, domain.Source{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Title:      c.Metadata.Title,
			Subject:    c.Metadata.Subject,
			Grade:      c.Metadata.Grade,
			ChunkIndex: c.Index,
			Score:      scores[c.ID],
		})
	}
	return uc.record(ctx, req, answer, sources, started)
}

func (uc *RAGUseCase) answerWithoutContent(ctx context.Context, pipeline *ports.Pipeline, req domain.AskRequest) string {
	prompt, err := uc.prompts.NoContentPrompt(req.Persona, req.Question)
	if err == nil {
		answer, genErr := pipeline.Generator.Complete(ctx, prompt, domain.CompletionOptions{
			MaxTokens:   uc.opts.MaxTokens,
			Temperature: uc.opts.Temperature,
		})
		if genErr == nil && strings.TrimSpace(answer) != "" {
			return answer
		}
		err = genErr
	}
	slog.WarnContext(ctx, "no_content_generation_failed", "error", err)
	return noContentAnswer(req.Question)
}

// ensureConsistent repairs an empty index synchronously and schedules a
// background rebuild for any other size mismatch.
func (uc *RAGUseCase) ensureConsistent(ctx context.Context, pipeline *ports.Pipeline, embedded int) {
	size := pipeline.Index.Size()
	switch {
	case size == embedded:
		return
	case size == 0:
		rows, err := pipeline.Index.Rebuild(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "index_rebuild_failed", "trigger", "empty_index", "error", err)
			return
		}
		slog.InfoContext(ctx, "index_rebuilt", "trigger", "empty_index", "rows", rows)
	default:
		slog.WarnContext(ctx, "index_consistency_violation", "index_size", size, "embedded_chunks", embedded)
		uc.observer.IndexInconsistent()
		uc.pipelines.Invalidate(ctx)
	}
}

// retrieve searches with the document filter first and falls back to an
// unfiltered search when the filtered one yields no stored chunks.
func (uc *RAGUseCase) retrieve(
	ctx context.Context,
	pipeline *ports.Pipeline,
	queryVector []float32,
	req domain.AskRequest,
) ([]domain.Chunk, map[string]float64, error) {
	chunks, scores, err := uc.searchChunks(ctx, pipeline, queryVector, req.TopK, domain.SearchFilter{DocumentID: req.DocumentID})
	if err != nil {
		return nil, nil, err
	}
	if req.DocumentID != "" && len(chunks) == 0 {
		slog.InfoContext(ctx, "document_filter_empty", "document_id", req.DocumentID)
		return uc.searchChunks(ctx, pipeline, queryVector, req.TopK, domain.SearchFilter{})
	}
	return chunks, scores, nil
}

func (uc *RAGUseCase) searchChunks(
	ctx context.Context,
	pipeline *ports.Pipeline,
	queryVector []float32,
	k int,
	filter domain.SearchFilter,
) ([]domain.Chunk, map[string]float64, error) {
	hits, err := pipeline.Index.Search(ctx, queryVector, k, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("search index: %w", err)
	}
	if len(hits) == 0 {
		return nil, map[string]float64{}, nil
	}

	ids := make([]string, len(hits))
	scores := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
		scores[h.ChunkID] = h.Score
	}
	chunks, err := uc.store.GetChunksByID(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load chunks: %w", err)
	}
	return chunks, scores, nil
}

func (uc *RAGUseCase) record(
	ctx context.Context,
	req domain.AskRequest,
	answer string,
	sources []domain.Source,
	started time.Time,
) (*domain.AskResponse, error) {
	if sources == nil {
		sources = []domain.Source{}
	}
	elapsed := time.Since(started)
	rec := &domain.QueryRecord{
		ID:             uuid.NewString(),
		Question:       req.Question,
		Answer:         answer,
		Kind:           domain.QueryKindRetrieval,
		Persona:        req.Persona,
		DocumentID:     req.DocumentID,
		TopK:           req.TopK,
		ElapsedMS:      elapsed.Milliseconds(),
		GroundingCount: len(sources),
		Sources:        sources,
		CreatedAt:      time.Now().UTC(),
	}
	if err := uc.records.CreateQueryRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create query record: %w", err)
	}

	uc.observer.ObserveAsk(domain.QueryKindRetrieval, retrievalOutcome(len(sources)), len(sources), elapsed)
	return &domain.AskResponse{
		QueryRecordID:  rec.ID,
		Kind:           domain.QueryKindRetrieval,
		Answer:         answer,
		Sources:        sources,
		ElapsedMS:      rec.ElapsedMS,
		GroundingCount: rec.GroundingCount,
	}, nil
}

func retrievalOutcome(grounding int) string {
	if grounding == 0 {
		return "ungrounded"
	}
	return "grounded"
}

func buildContext(chunks []domain.Chunk, scores map[string]float64) string {
	var b strings.Builder
	for _, c := range chunks {
		fmt.Fprintf(&b, "\nSource: %s (Grade %s, %s)\nRelevance: %.3f\nContent: %s\n---\n",
			c.Metadata.Title, c.Metadata.Grade, c.Metadata.Subject, scores[c.ID], c.Text)
	}
	return b.String()
}

type noopAskObserver struct{}

func (noopAskObserver) ObserveAsk(domain.QueryKind, string, int, time.Duration) {}

func (noopAskObserver) IndexInconsistent() {}

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
	"github.com/kirillkom/rag-tutor/internal/core/ports"
)

// Timestamp columns are left out: their names contain denied keywords.
const structuredSchema = `Tables:
- documents(id TEXT, title TEXT, subject TEXT, grade TEXT, status TEXT, chunk_count INTEGER)
- chunks(id TEXT, document_id TEXT REFERENCES documents(id), chunk_index INTEGER, token_count INTEGER, content TEXT)
- query_records(id TEXT, question TEXT, answer TEXT, kind TEXT, persona TEXT, document_id TEXT, elapsed_ms BIGINT, grounding_count INTEGER, rating SMALLINT)`

const maxRowsInExplanation = 20

var (
	selectPrefix        = regexp.MustCompile(`(?i)^select\b`)
	mutatingKeyword     = regexp.MustCompile(`(?i)(insert|update|delete|drop|alter|create|truncate)`)
	errNoStructuredData = errors.New("no data available")
)

type StructuredQueryUseCase struct {
	store     ports.ContentStore
	executor  ports.StructuredExecutor
	pipelines ports.PipelineProvider
}

func NewStructuredQueryUseCase(
	store ports.ContentStore,
	executor ports.StructuredExecutor,
	pipelines ports.PipelineProvider,
) *StructuredQueryUseCase {
	return &StructuredQueryUseCase{
		store:     store,
		executor:  executor,
		pipelines: pipelines,
	}
}

// Answer never returns a Go error; every failure is reported in the result.
func (uc *StructuredQueryUseCase) Answer(ctx context.Context, question string) domain.StructuredResult {
	docs, err := uc.store.CountDocuments(ctx)
	if err != nil {
		return structuredFailure("", fmt.Errorf("count documents: %w", err))
	}
	if docs == 0 {
		return domain.StructuredResult{
			Rows:        []map[string]any{},
			Explanation: "There is no data yet. Upload a document first, then ask questions about it.",
			Success:     false,
			Error:       errNoStructuredData.Error(),
		}
	}

	pipeline, err := uc.pipelines.Get()
	if err != nil {
		return structuredFailure("", err)
	}

	raw, err := pipeline.Generator.Complete(ctx, generationPrompt(question), domain.CompletionOptions{MaxTokens: 200})
	if err != nil {
		return structuredFailure("", fmt.Errorf("generate query: %w", err))
	}
	query, err := ValidateStructuredQuery(raw)
	if err != nil {
		return structuredFailure(strings.TrimSpace(raw), err)
	}

	rows, err := uc.executor.QueryReadOnly(ctx, query)
	if err != nil {
		return structuredFailure(query, err)
	}

	explanation, err := pipeline.Generator.Complete(ctx, explanationPrompt(question, query, rows), domain.CompletionOptions{MaxTokens: 300})
	if err != nil {
		return structuredFailure(query, fmt.Errorf("explain results: %w", err))
	}
	return domain.StructuredResult{
		Query:       query,
		Rows:        rows,
		Explanation: strings.TrimSpace(explanation),
		Success:     true,
	}
}

// ValidateStructuredQuery strips markdown fences and accepts a single SELECT
// statement without data-changing keywords. The keyword check is textual and
// also rejects keywords inside string literals.
func ValidateStructuredQuery(raw string) (string, error) {
	query := stripFences(raw)
	query = strings.TrimSpace(strings.TrimSuffix(query, ";"))
	if query == "" {
		return "", domain.WrapError(domain.ErrDisallowedQuery, "validate query", errors.New("empty query"))
	}
	if !selectPrefix.MatchString(query) {
		return "", domain.WrapError(domain.ErrDisallowedQuery, "validate query", errors.New("only SELECT queries are allowed"))
	}
	if kw := mutatingKeyword.FindString(query); kw != "" {
		return "", domain.WrapError(domain.ErrDisallowedQuery, "validate query", fmt.Errorf("keyword %s is not allowed", strings.ToUpper(kw)))
	}
	if strings.Contains(query, ";") {
		return "", domain.WrapError(domain.ErrDisallowedQuery, "validate query", errors.New("multiple statements are not allowed"))
	}
	return query, nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func generationPrompt(question string) string {
	return fmt.Sprintf(`You translate questions into PostgreSQL queries.

%s

Rules:
- Write exactly one SELECT statement.
- Use JOIN syntax to combine tables and WHERE clauses to filter.
- Always add a LIMIT of at most 100 rows.
- Return only the SQL query, without explanation or markdown.

Question: %s

SQL:`, structuredSchema, question)
}

func explanationPrompt(question, query string, rows []map[string]any) string {
	shown := rows
	if len(shown) > maxRowsInExplanation {
		shown = shown[:maxRowsInExplanation]
	}
	rowsJSON, err := json.Marshal(shown)
	if err != nil {
		rowsJSON = []byte("[]")
	}
	return fmt.Sprintf(`Question: %s
SQL query: %s
Results (%d rows): %s

Explain these results in plain language as an answer to the question. Be brief.`, question, query, len(rows), rowsJSON)
}

func structuredFailure(query string, err error) domain.StructuredResult {
	return domain.StructuredResult{
		Query:       query,
		Rows:        []map[string]any{},
		Explanation: fmt.Sprintf("I couldn't process that question: %v", err),
		Success:     false,
		Error:       err.Error(),
	}
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

type QueryRecordStore struct {
	db *sql.DB
}

func NewQueryRecordStore(db *sql.DB) *QueryRecordStore {
	return &QueryRecordStore{db: db}
}

func (s *QueryRecordStore) CreateQueryRecord(ctx context.Context, record *domain.QueryRecord) error {
	sources := record.Sources
	if sources == nil {
		sources = []domain.Source{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO query_records (
	id, question, answer, kind, persona, document_id, top_k, elapsed_ms, grounding_count, sources, rating, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`,
		record.ID, record.Question, record.Answer, string(record.Kind), string(record.Persona), record.DocumentID,
		record.TopK, record.ElapsedMS, record.GroundingCount, sourcesJSON, record.Rating, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert query record: %w", err)
	}
	return nil
}

func (s *QueryRecordStore) RateQueryRecord(ctx context.Context, id string, rating int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE query_records SET rating = $2 WHERE id = $1`, id, rating)
	if err != nil {
		return fmt.Errorf("rate query record: %w", err)
	}
	return expectAffected(res, domain.ErrNotFound, "rate query record", id)
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

type ContentStore struct {
	db *sql.DB
}

func NewContentStore(db *sql.DB) *ContentStore {
	return &ContentStore{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (s *ContentStore) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	grade TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	chunk_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	token_count INTEGER NOT NULL,
	content TEXT NOT NULL,
	embedding JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (document_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS query_records (
	id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	answer TEXT NOT NULL,
	kind TEXT NOT NULL,
	persona TEXT NOT NULL DEFAULT '',
	document_id TEXT NOT NULL DEFAULT '',
	top_k INTEGER NOT NULL DEFAULT 0,
	elapsed_ms BIGINT NOT NULL,
	grounding_count INTEGER NOT NULL,
	sources JSONB NOT NULL DEFAULT '[]'::jsonb,
	rating SMALLINT CHECK (rating BETWEEN 1 AND 5),
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_chunks_embedded ON chunks(document_id, chunk_index) WHERE embedding IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_query_records_created_at ON query_records(created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (s *ContentStore) CreateDocument(ctx context.Context, doc *domain.Document) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO documents (
	id, title, subject, grade, body, status, error_message, chunk_count, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`,
		doc.ID, doc.Title, doc.Subject, doc.Grade, doc.Text, string(doc.Status), doc.Error,
		doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *ContentStore) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, title, subject, grade, body, status, error_message, chunk_count, created_at, updated_at
FROM documents
WHERE id = $1
`, id)

	var doc domain.Document
	var status string
	err := row.Scan(
		&doc.ID, &doc.Title, &doc.Subject, &doc.Grade, &doc.Text, &status, &doc.Error,
		&doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Status = domain.DocumentStatus(status)
	return &doc, nil
}

func (s *ContentStore) UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMessage string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE documents
SET status = $2, error_message = $3, updated_at = $4
WHERE id = $1
`, id, string(status), errMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return expectAffected(res, domain.ErrDocumentNotFound, "update document status", id)
}

func (s *ContentStore) MarkReady(ctx context.Context, id string, chunkCount int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE documents
SET status = $2, error_message = '', chunk_count = $3, updated_at = $4
WHERE id = $1
`, id, string(domain.StatusReady), chunkCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark document ready: %w", err)
	}
	return expectAffected(res, domain.ErrDocumentNotFound, "mark document ready", id)
}

// DeleteDocument removes the document; its chunks go with it through the
// foreign key cascade.
func (s *ContentStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return expectAffected(res, domain.ErrDocumentNotFound, "delete document", id)
}

func (s *ContentStore) CountDocuments(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func (s *ContentStore) ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin replace chunks tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete chunks rows affected: %w", err)
	}

	for _, c := range chunks {
		_, err := tx.ExecContext(ctx, `
INSERT INTO chunks (id, document_id, chunk_index, start_offset, end_offset, token_count, content)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, c.ID, documentID, c.Index, c.StartOffset, c.EndOffset, c.TokenCount, c.Text)
		if err != nil {
			return 0, fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit replace chunks tx: %w", err)
	}
	return int(removed), nil
}

func (s *ContentStore) SaveChunkEmbedding(ctx context.Context, chunkID string, vector []float32) error {
	raw, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chunks SET embedding = $2 WHERE id = $1`, chunkID, raw)
	if err != nil {
		return fmt.Errorf("save chunk embedding: %w", err)
	}
	return expectAffected(res, domain.ErrNotFound, "save chunk embedding", chunkID)
}

const chunkColumns = `c.id, c.document_id, c.chunk_index, c.start_offset, c.end_offset, c.token_count, c.content,
	c.embedding, d.title, d.subject, d.grade`

// GetChunksByID returns the chunks in the order of ids. Unknown ids are
// skipped.
func (s *ContentStore) GetChunksByID(ctx context.Context, ids []string) ([]domain.Chunk, error) {
	if len(ids) == 0 {
		return []domain.Chunk{}, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+chunkColumns+`
FROM chunks c
JOIN documents d ON d.id = c.document_id
WHERE c.id IN (`+strings.Join(placeholders, ",")+`)
`, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks by id: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]domain.Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	out := make([]domain.Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// ListChunksWithEmbeddings streams every embedded chunk ordered by document
// creation and chunk index. The iteration stops at the first error.
func (s *ContentStore) ListChunksWithEmbeddings(ctx context.Context) iter.Seq2[domain.Chunk, error] {
	return func(yield func(domain.Chunk, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
SELECT `+chunkColumns+`
FROM chunks c
JOIN documents d ON d.id = c.document_id
WHERE c.embedding IS NOT NULL
ORDER BY d.created_at, c.document_id, c.chunk_index
`)
		if err != nil {
			yield(domain.Chunk{}, fmt.Errorf("query embedded chunks: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanChunk(rows)
			if err != nil {
				yield(domain.Chunk{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Chunk{}, fmt.Errorf("iterate embedded chunks: %w", err))
		}
	}
}

// CountEmbeddedChunks counts the embeddings an index of the given width can
// hold. dimensions <= 0 counts every embedding.
func (s *ContentStore) CountEmbeddedChunks(ctx context.Context, dimensions int) (int, error) {
	var n int
	var err error
	if dimensions > 0 {
		err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM chunks
WHERE embedding IS NOT NULL AND jsonb_array_length(embedding) = $1
`, dimensions).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL`).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count embedded chunks: %w", err)
	}
	return n, nil
}

// ResetStaleEmbeddings clears embeddings whose width differs from dimensions
// and moves their documents back to uploaded. It returns the affected
// document ids so they can be queued again.
func (s *ContentStore) ResetStaleEmbeddings(ctx context.Context, dimensions int) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reset embeddings tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
UPDATE chunks SET embedding = NULL
WHERE embedding IS NOT NULL AND jsonb_array_length(embedding) <> $1
RETURNING document_id
`, dimensions)
	if err != nil {
		return nil, fmt.Errorf("reset stale embeddings: %w", err)
	}
	seen := map[string]struct{}{}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale document id: %w", err)
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate stale embeddings: %w", err)
	}
	rows.Close()

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
UPDATE documents SET status = $2, error_message = '', updated_at = $3 WHERE id = $1
`, id, string(domain.StatusUploaded), now); err != nil {
			return nil, fmt.Errorf("requeue document %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reset embeddings tx: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (domain.Chunk, error) {
	var c domain.Chunk
	var embedding []byte
	err := row.Scan(
		&c.ID, &c.DocumentID, &c.Index, &c.StartOffset, &c.EndOffset, &c.TokenCount, &c.Text,
		&embedding, &c.Metadata.Title, &c.Metadata.Subject, &c.Metadata.Grade,
	)
	if err != nil {
		return domain.Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	if len(embedding) > 0 {
		if err := json.Unmarshal(embedding, &c.Embedding); err != nil {
			return domain.Chunk{}, fmt.Errorf("unmarshal embedding of chunk %s: %w", c.ID, err)
		}
	}
	c.Metadata.DocumentID = c.DocumentID
	c.Metadata.ChunkIndex = c.Index
	return c, nil
}

func expectAffected(res sql.Result, kind error, operation, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if affected == 0 {
		return domain.WrapError(kind, operation, fmt.Errorf("id=%s", id))
	}
	return nil
}

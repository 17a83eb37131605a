package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/rag-tutor/internal/core/domain"
)

func newStoreWithMock(t *testing.T) (*ContentStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return NewContentStore(db), mock, func() { _ = db.Close() }
}

var chunkRowColumns = []string{
	"id", "document_id", "chunk_index", "start_offset", "end_offset", "token_count", "content",
	"embedding", "title", "subject", "grade",
}

func TestGetDocumentReturnsDomainNotFound(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, title, subject, grade, body").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetDocument(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStatusReturnsDomainNotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE documents").
		WithArgs("missing", string(domain.StatusProcessing), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateStatus(context.Background(), "missing", domain.StatusProcessing, "")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReplaceChunksDeletesThenInsertsInOneTransaction(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM chunks").
		WithArgs("d1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO chunks").
		WithArgs("c0", "d1", 0, 0, 10, 3, "first").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chunks").
		WithArgs("c1", "d1", 1, 8, 20, 3, "second").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	removed, err := store.ReplaceChunks(context.Background(), "d1", []domain.Chunk{
		{ID: "c0", Index: 0, StartOffset: 0, EndOffset: 10, TokenCount: 3, Text: "first"},
		{ID: "c1", Index: 1, StartOffset: 8, EndOffset: 20, TokenCount: 3, Text: "second"},
	})
	if err != nil {
		t.Fatalf("ReplaceChunks() error = %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed chunks, got %d", removed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReplaceChunksRollsBackOnInsertFailure(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM chunks").WithArgs("d1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO chunks").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	if _, err := store.ReplaceChunks(context.Background(), "d1", []domain.Chunk{{ID: "c0", Text: "x"}}); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetChunksByIDKeepsRequestedOrder(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	rows := sqlmock.NewRows(chunkRowColumns).
		AddRow("c2", "d1", 2, 40, 60, 5, "second", nil, "Biology", "bio", "7").
		AddRow("c1", "d1", 1, 20, 40, 5, "first", []byte("[1,0]"), "Biology", "bio", "7")
	mock.ExpectQuery("FROM chunks c").
		WithArgs("c1", "c2", "missing").
		WillReturnRows(rows)

	chunks, err := store.GetChunksByID(context.Background(), []string{"c1", "c2", "missing"})
	if err != nil {
		t.Fatalf("GetChunksByID() error = %v", err)
	}
	if len(chunks) != 2 || chunks[0].ID != "c1" || chunks[1].ID != "c2" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	if chunks[0].Metadata.Title != "Biology" || chunks[0].Metadata.ChunkIndex != 1 || len(chunks[0].Embedding) != 2 {
		t.Fatalf("unexpected chunk fields %+v", chunks[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListChunksWithEmbeddingsStreamsRows(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	rows := sqlmock.NewRows(chunkRowColumns).
		AddRow("c1", "d1", 0, 0, 10, 2, "a", []byte("[0.5,0.5]"), "T", "", "").
		AddRow("c2", "d1", 1, 8, 20, 2, "b", []byte("[1,0]"), "T", "", "")
	mock.ExpectQuery("WHERE c.embedding IS NOT NULL").WillReturnRows(rows)

	var ids []string
	for chunk, err := range store.ListChunksWithEmbeddings(context.Background()) {
		if err != nil {
			t.Fatalf("iteration error = %v", err)
		}
		ids = append(ids, chunk.ID)
	}
	if len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListChunksWithEmbeddingsYieldsQueryError(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectQuery("WHERE c.embedding IS NOT NULL").WillReturnError(sql.ErrConnDone)

	var gotErr error
	for _, err := range store.ListChunksWithEmbeddings(context.Background()) {
		gotErr = err
	}
	if gotErr == nil {
		t.Fatalf("expected iteration error")
	}
}

func TestSaveChunkEmbeddingUnknownChunk(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE chunks SET embedding").
		WithArgs("missing", []byte("[1,2]")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SaveChunkEmbedding(context.Background(), "missing", []float32{1, 2})
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateDocumentStoresBody(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("d1", "Cells", "biology", "7", "Cells divide.", "uploaded", "", 0, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CreateDocument(context.Background(), &domain.Document{
		ID: "d1", Title: "Cells", Subject: "biology", Grade: "7", Text: "Cells divide.",
		Status: domain.StatusUploaded, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCountEmbeddedChunksOnlyCountsIndexWidth(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectQuery(`jsonb_array_length\(embedding\) = \$1`).
		WithArgs(384).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := store.CountEmbeddedChunks(context.Background(), 384)
	if err != nil {
		t.Fatalf("CountEmbeddedChunks() error = %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResetStaleEmbeddingsRequeuesEachDocumentOnce(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE chunks SET embedding = NULL`).
		WithArgs(384).
		WillReturnRows(sqlmock.NewRows([]string{"document_id"}).AddRow("d1").AddRow("d1").AddRow("d2"))
	mock.ExpectExec("UPDATE documents SET status").
		WithArgs("d1", "uploaded", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE documents SET status").
		WithArgs("d2", "uploaded", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ids, err := store.ResetStaleEmbeddings(context.Background(), 384)
	if err != nil {
		t.Fatalf("ResetStaleEmbeddings() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "d1" || ids[1] != "d2" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

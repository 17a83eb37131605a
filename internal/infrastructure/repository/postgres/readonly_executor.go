package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	DefaultStatementTimeout = 5 * time.Second
	DefaultMaxRows          = 100
)

// ReadOnlyExecutor runs generated statements inside a READ ONLY transaction
// with a statement timeout. Rows beyond maxRows are dropped.
type ReadOnlyExecutor struct {
	db               *sql.DB
	statementTimeout time.Duration
	maxRows          int
}

func NewReadOnlyExecutor(db *sql.DB, statementTimeout time.Duration, maxRows int) *ReadOnlyExecutor {
	if statementTimeout <= 0 {
		statementTimeout = DefaultStatementTimeout
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &ReadOnlyExecutor{db: db, statementTimeout: statementTimeout, maxRows: maxRows}
}

func (e *ReadOnlyExecutor) QueryReadOnly(ctx context.Context, query string) ([]map[string]any, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", e.statementTimeout.Milliseconds())); err != nil {
		return nil, fmt.Errorf("set statement timeout: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute structured query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	out := make([]map[string]any, 0)
	for rows.Next() {
		if len(out) == e.maxRows {
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan structured row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate structured rows: %w", err)
	}
	return out, nil
}

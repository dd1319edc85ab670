package connections

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

// SQLHandle runs queries through database/sql
type SQLHandle struct {
	db        *sql.DB
	scanLimit int
}

// NewSQLHandle wraps db. A result larger than scanLimit rows fails instead
// of being read into memory; scanLimit <= 0 reads every row.
func NewSQLHandle(db *sql.DB, scanLimit int) *SQLHandle {
	return &SQLHandle{db: db, scanLimit: scanLimit}
}

// Execute runs sql with a timeout and returns its rows as maps
func (h *SQLHandle) Execute(ctx context.Context, query string, timeout time.Duration) ([]map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	rows, err := h.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRowsToMaps(rows, h.scanLimit)
}

// Ping checks the database is reachable
func (h *SQLHandle) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Close closes the pool
func (h *SQLHandle) Close() error {
	return h.db.Close()
}

func scanRowsToMaps(rows *sql.Rows, scanLimit int) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	results := make([]map[string]any, 0)
	for rows.Next() {
		if scanLimit > 0 && len(results) >= scanLimit {
			return nil, fmt.Errorf("%w: result has more than %d rows", models.ErrExecution, scanLimit)
		}
		values := make([]any, len(cols))
		for i := range values {
			var v any
			values[i] = &v
		}
		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(*(values[i].(*any)))
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return results, nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	default:
		return t
	}
}

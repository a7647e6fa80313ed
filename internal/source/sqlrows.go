package source

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/driftworks/migration-service/internal/models"
)

// SQLRowIterator adapts a database/sql result set to the RowIterator
// contract. Byte slices are converted to strings since the drivers
// reuse their buffers between scans.
type SQLRowIterator struct {
	rows      *sql.Rows
	columns   []string
	batchSize int
	done      bool
}

func NewSQLRowIterator(rows *sql.Rows, batchSize int) (*SQLRowIterator, error) {
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("result columns: %w", err)
	}
	return &SQLRowIterator{
		rows:      rows,
		columns:   cols,
		batchSize: batchSize,
	}, nil
}

func (it *SQLRowIterator) Next(_ context.Context) (models.Batch, error) {
	if it.done {
		return nil, models.ErrEndOfData
	}

	batch := make(models.Batch, 0, it.batchSize)
	values := make([]any, len(it.columns))
	ptrs := make([]any, len(it.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for len(batch) < it.batchSize {
		if !it.rows.Next() {
			it.done = true
			if err := it.rows.Err(); err != nil {
				return nil, fmt.Errorf("row iteration: %w", err)
			}
			break
		}
		if err := it.rows.Scan(ptrs...); err != nil {
			it.done = true
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec := make(models.Record, len(it.columns))
		for i, name := range it.columns {
			if b, ok := values[i].([]byte); ok {
				rec[name] = string(b)
			} else {
				rec[name] = values[i]
			}
		}
		batch = append(batch, rec)
	}

	if len(batch) == 0 {
		return nil, models.ErrEndOfData
	}
	return batch, nil
}

func (it *SQLRowIterator) Close() error {
	return it.rows.Close()
}

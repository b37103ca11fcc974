// Package store persists consumption records and the batch audit log in
// SQLite or PostgreSQL.
package store

import (
	"context"
	"embed"

	"github.com/sells-group/demandsync/internal/model"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// RecordTable is the table holding ingested consumption records.
const RecordTable = "energy_consumption"

// BatchFilter specifies criteria for listing batch log entries.
type BatchFilter struct {
	Principal  string           `json:"principal,omitempty"`
	PeriodDate string           `json:"period_date,omitempty"`
	State      model.BatchState `json:"state,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// Store is the persistence interface for ingestion. Records are keyed by
// (unique_code, period_date, principal).
type Store interface {
	// BulkUpsert writes one page of records for principal in a single
	// transaction and returns the number of rows actually inserted. Rows
	// whose identity already exists are skipped. In strict mode the new rows
	// are still written and a KindUniqueness error reports the skipped ones
	// alongside the inserted count.
	BulkUpsert(ctx context.Context, principal string, records []model.ConsumptionRecord) (int64, error)
	// DeleteBatch removes every row for (principal, periodDate).
	DeleteBatch(ctx context.Context, principal, periodDate string) (int64, error)
	CountBatch(ctx context.Context, principal, periodDate string) (int64, error)

	// Batch log
	RecordBatch(ctx context.Context, entry model.BatchEntry) error
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.BatchEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Option tunes a store at construction.
type Option func(*options)

type options struct {
	strict bool
}

// WithStrictInsert makes BulkUpsert report duplicate rows as a uniqueness
// error instead of skipping them silently.
func WithStrictInsert(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

func applyOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func batchLimit(n int) int {
	if n <= 0 {
		return 50
	}
	return n
}

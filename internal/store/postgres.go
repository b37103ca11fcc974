package store

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/demandsync/internal/db"
	"github.com/sells-group/demandsync/internal/model"
)

// migrationLockID serializes concurrent migrate runs.
const migrationLockID = 7304151

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	opts    options
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, opts ...Option) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, opts: applyOptions(opts), closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller keeps ownership.
func NewPostgresWithPool(pool db.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, opts: applyOptions(opts)}
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Migrate applies embedded SQL files not yet recorded in schema_migrations,
// in lexicographic order, under an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	// The lock is transaction-scoped, so it lives on the same connection as
	// the migrations and is released at commit or rollback.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin migration tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}

	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	entries, err := fs.ReadDir(migrationFS, "migrations/postgres")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	applied, err := appliedMigrations(ctx, tx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/postgres/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())", name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit migrations")
	}
	committed = true
	return nil
}

func appliedMigrations(ctx context.Context, tx pgx.Tx) (map[string]bool, error) {
	rows, err := tx.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (s *PostgresStore) BulkUpsert(ctx context.Context, principal string, records []model.ConsumptionRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	rows := recordRows(principal, records)

	n, err := db.BulkInsertIgnore(ctx, s.pool, db.InsertConfig{
		Table:        RecordTable,
		Columns:      recordColumns,
		ConflictKeys: identityColumns,
	}, rows)
	if err != nil {
		return 0, classify("postgres: insert page", err)
	}
	if s.opts.strict && n < int64(len(rows)) {
		return n, skippedRows("postgres: insert page", len(rows)-int(n), len(rows), nil)
	}
	return n, nil
}

func (s *PostgresStore) DeleteBatch(ctx context.Context, principal, periodDate string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+RecordTable+` WHERE principal = $1 AND period_date = $2`,
		principal, periodDate,
	)
	if err != nil {
		return 0, classify("postgres: delete batch", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountBatch(ctx context.Context, principal, periodDate string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+RecordTable+` WHERE principal = $1 AND period_date = $2`,
		principal, periodDate,
	).Scan(&n)
	if err != nil {
		return 0, classify("postgres: count batch", err)
	}
	return n, nil
}

func (s *PostgresStore) RecordBatch(ctx context.Context, e model.BatchEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_batches (id, cycle_id, principal, period_date, state,
			total_count, total_pages, pages_processed, error_count,
			rows_inserted, rows_deleted, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			total_count = EXCLUDED.total_count,
			total_pages = EXCLUDED.total_pages,
			pages_processed = EXCLUDED.pages_processed,
			error_count = EXCLUDED.error_count,
			rows_inserted = EXCLUDED.rows_inserted,
			rows_deleted = EXCLUDED.rows_deleted,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`,
		e.ID, e.CycleID, e.Principal, e.PeriodDate, string(e.State),
		e.TotalCount, e.TotalPages, e.PagesProcessed, e.ErrorCount,
		e.RowsInserted, e.RowsDeleted, nullString(e.Error), e.StartedAt.UTC(), nullTime(e.FinishedAt),
	)
	if err != nil {
		return classify(fmt.Sprintf("postgres: record batch %s", e.ID), err)
	}
	return nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.BatchEntry, error) {
	query := `SELECT id, cycle_id, principal, period_date, state, total_count, total_pages,
		pages_processed, error_count, rows_inserted, rows_deleted, COALESCE(error, ''), started_at, finished_at
		FROM ingest_batches WHERE 1=1`
	var args []any
	argN := 1

	if filter.Principal != "" {
		query += fmt.Sprintf(` AND principal = $%d`, argN)
		args = append(args, filter.Principal)
		argN++
	}
	if filter.PeriodDate != "" {
		query += fmt.Sprintf(` AND period_date = $%d`, argN)
		args = append(args, filter.PeriodDate)
		argN++
	}
	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argN)
		args = append(args, string(filter.State))
		argN++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argN)
	args = append(args, batchLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var out []model.BatchEntry
	for rows.Next() {
		var (
			e        model.BatchEntry
			state    string
			finished *time.Time
		)
		if err := rows.Scan(&e.ID, &e.CycleID, &e.Principal, &e.PeriodDate, &state,
			&e.TotalCount, &e.TotalPages, &e.PagesProcessed, &e.ErrorCount,
			&e.RowsInserted, &e.RowsDeleted, &e.Error, &e.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		e.State = model.BatchState(state)
		if finished != nil {
			e.FinishedAt = *finished
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

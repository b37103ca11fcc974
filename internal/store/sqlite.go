package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/demandsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	opts   options
	insert string
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode. Pragmas travel in the DSN so every pooled connection gets them.
func NewSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}

	o := applyOptions(opts)
	verb := "INSERT OR IGNORE INTO"
	if o.strict {
		verb = "INSERT INTO"
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(recordColumns)), ", ")
	insert := fmt.Sprintf("%s %s (%s) VALUES (%s)",
		verb, RecordTable, strings.Join(recordColumns, ", "), placeholders)

	return &SQLiteStore{db: db, opts: o, insert: insert}, nil
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") {
		return path
	}
	values := url.Values{}
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	values.Add("_pragma", "synchronous(NORMAL)")
	values.Add("_pragma", "foreign_keys(ON)")
	return fmt.Sprintf("file:%s?%s", path, values.Encode())
}

// Migrate applies the embedded goose migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationFS, "migrations/sqlite")
	if err != nil {
		return eris.Wrap(err, "sqlite: migration fs")
	}
	goose.SetBaseFS(sub)
	goose.SetLogger(gooseLogger{zap.L().With(zap.String("component", "store.migrate")).Sugar()})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return eris.Wrap(err, "sqlite: set goose dialect")
	}
	if err := goose.UpContext(ctx, s.db, "."); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// Close checkpoints the WAL into the main database file and closes the
// connection. Checkpoint failures are logged, not returned.
func (s *SQLiteStore) Close() error {
	log := zap.L().With(zap.String("component", "store.sqlite"))
	for _, mode := range []string{"FULL", "TRUNCATE"} {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(" + mode + ")"); err != nil {
			log.Warn("sqlite: wal checkpoint failed", zap.String("mode", mode), zap.Error(err))
		}
	}
	return s.db.Close()
}

func (s *SQLiteStore) BulkUpsert(ctx context.Context, principal string, records []model.ConsumptionRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("sqlite: begin page tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, s.insert)
	if err != nil {
		return 0, classify("sqlite: prepare insert", err)
	}
	defer stmt.Close() //nolint:errcheck

	var (
		inserted int64
		skipped  int
		firstDup error
	)
	for _, r := range records {
		res, err := stmt.ExecContext(ctx, recordValues(principal, r)...)
		if err != nil {
			err = classify(fmt.Sprintf("sqlite: insert %s", r.UniqueCode), err)
			if KindOf(err) != KindUniqueness {
				return 0, err
			}
			// A constraint failure aborts only this statement; the page
			// transaction stays open for the remaining rows.
			skipped++
			if firstDup == nil {
				firstDup = err
			}
			continue
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, classify("sqlite: commit page tx", err)
	}
	if skipped > 0 {
		return inserted, skippedRows("sqlite: insert page", skipped, len(records), firstDup)
	}
	return inserted, nil
}

func (s *SQLiteStore) DeleteBatch(ctx context.Context, principal, periodDate string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+RecordTable+` WHERE principal = ? AND period_date = ?`,
		principal, periodDate,
	)
	if err != nil {
		return 0, classify("sqlite: delete batch", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete batch rows affected")
	}
	return n, nil
}

func (s *SQLiteStore) CountBatch(ctx context.Context, principal, periodDate string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+RecordTable+` WHERE principal = ? AND period_date = ?`,
		principal, periodDate,
	).Scan(&n)
	if err != nil {
		return 0, classify("sqlite: count batch", err)
	}
	return n, nil
}

func (s *SQLiteStore) RecordBatch(ctx context.Context, e model.BatchEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_batches (id, cycle_id, principal, period_date, state,
			total_count, total_pages, pages_processed, error_count,
			rows_inserted, rows_deleted, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			total_count = excluded.total_count,
			total_pages = excluded.total_pages,
			pages_processed = excluded.pages_processed,
			error_count = excluded.error_count,
			rows_inserted = excluded.rows_inserted,
			rows_deleted = excluded.rows_deleted,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		e.ID, e.CycleID, e.Principal, e.PeriodDate, string(e.State),
		e.TotalCount, e.TotalPages, e.PagesProcessed, e.ErrorCount,
		e.RowsInserted, e.RowsDeleted, nullString(e.Error), e.StartedAt.UTC(), nullTime(e.FinishedAt),
	)
	if err != nil {
		return classify(fmt.Sprintf("sqlite: record batch %s", e.ID), err)
	}
	return nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.BatchEntry, error) {
	query := `SELECT id, cycle_id, principal, period_date, state, total_count, total_pages,
		pages_processed, error_count, rows_inserted, rows_deleted, error, started_at, finished_at
		FROM ingest_batches WHERE 1=1`
	var args []any

	if filter.Principal != "" {
		query += ` AND principal = ?`
		args = append(args, filter.Principal)
	}
	if filter.PeriodDate != "" {
		query += ` AND period_date = ?`
		args = append(args, filter.PeriodDate)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, batchLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.BatchEntry
	for rows.Next() {
		var (
			e        model.BatchEntry
			state    string
			errText  sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.CycleID, &e.Principal, &e.PeriodDate, &state,
			&e.TotalCount, &e.TotalPages, &e.PagesProcessed, &e.ErrorCount,
			&e.RowsInserted, &e.RowsDeleted, &errText, &e.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		e.State = model.BatchState(state)
		e.Error = errText.String
		if finished.Valid {
			e.FinishedAt = finished.Time
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// gooseLogger routes goose output through zap.
type gooseLogger struct {
	s *zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.s.Infof(strings.TrimSpace(format), v...)
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.s.Fatalf(strings.TrimSpace(format), v...)
}

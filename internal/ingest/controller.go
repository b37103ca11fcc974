// Package ingest drives page-by-page ingestion of demand pre-notification
// records for each principal, with an error budget and compensating
// rollback.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/demandsync/internal/metrics"
	"github.com/sells-group/demandsync/internal/model"
	"github.com/sells-group/demandsync/internal/notify"
	"github.com/sells-group/demandsync/internal/period"
)

// Source is the remote record provider.
type Source interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
	Count(ctx context.Context, ticket, period string) (int, error)
	FetchPage(ctx context.Context, ticket, period string, number, size int) ([]model.ConsumptionRecord, error)
}

// Store is the record sink.
type Store interface {
	BulkUpsert(ctx context.Context, principal string, records []model.ConsumptionRecord) (int64, error)
	DeleteBatch(ctx context.Context, principal, periodDate string) (int64, error)
}

// BatchLog persists batch progress for auditing.
type BatchLog interface {
	RecordBatch(ctx context.Context, entry model.BatchEntry) error
}

// Config tunes the controller.
type Config struct {
	PageSize    int
	ErrorBudget int
	Recipient   string
	// NotifyOnFailure also alerts on auth and count failures.
	NotifyOnFailure bool
}

const (
	defaultPageSize    = 10
	defaultErrorBudget = 5
)

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithMetrics records ingestion metrics.
func WithMetrics(m *metrics.Ingest) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithBatchLog records each batch at start and at its terminal state.
func WithBatchLog(bl BatchLog) Option {
	return func(c *Controller) { c.batchLog = bl }
}

// Controller runs ingestion cycles. It holds no per-cycle state, but a
// cycle must not overlap another one writing to the same store.
type Controller struct {
	src      Source
	store    Store
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time
	metrics  *metrics.Ingest
	batchLog BatchLog
}

// New creates a Controller. Zero PageSize and ErrorBudget take the
// defaults of 10 and 5.
func New(src Source, st Store, n notify.Notifier, cfg Config, opts ...Option) *Controller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.ErrorBudget <= 0 {
		cfg.ErrorBudget = defaultErrorBudget
	}
	if n == nil {
		n = notify.Nop{}
	}
	c := &Controller{
		src:      src,
		store:    st,
		notifier: n,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunCycle processes principals strictly in order and always returns a
// report. Failures are contained per batch; a panic inside a batch is
// recovered and reported as a failed batch. log receives every line of
// the cycle; nil means the global logger.
func (c *Controller) RunCycle(ctx context.Context, log *zap.Logger, principals []model.Principal) RunReport {
	if log == nil {
		log = zap.L()
	}
	report := RunReport{CycleID: uuid.NewString(), StartedAt: c.now()}
	log = log.With(zap.String("component", "ingest"), zap.String("cycle_id", report.CycleID))

	log.Info("ingestion cycle started",
		zap.Int("principals", len(principals)),
		zap.Int("page_size", c.cfg.PageSize),
		zap.Int("error_budget", c.cfg.ErrorBudget),
	)
	c.metrics.CycleStarted()

	for _, p := range principals {
		report.Batches = append(report.Batches, c.runBatch(ctx, log, report.CycleID, p))
	}

	report.FinishedAt = c.now()
	c.metrics.CycleFinished(report.FinishedAt)

	log.Info("ingestion cycle finished",
		zap.Int("completed", report.Count(model.BatchCompleted)),
		zap.Int("rolled_back", report.Count(model.BatchRolledBack)),
		zap.Int("failed", report.Count(model.BatchFailed)),
		zap.Int64("rows_inserted", report.RowsInserted()),
		zap.Int64("rows_deleted", report.RowsDeleted()),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report
}

func (c *Controller) runBatch(ctx context.Context, log *zap.Logger, cycleID string, p model.Principal) (rep BatchReport) {
	start := c.now()
	// The period is fixed here for the whole batch; it is also the rollback key.
	per := period.Next(start)

	rep = BatchReport{
		ID:         uuid.NewString(),
		Principal:  p.Name,
		PeriodDate: per.String(),
		PageSize:   c.cfg.PageSize,
		State:      model.BatchAuthenticating,
		StartedAt:  start,
	}
	log = log.With(zap.String("principal", p.Name), zap.String("period", rep.PeriodDate))

	defer func() {
		if r := recover(); r != nil {
			rep.State = model.BatchFailed
			rep.Kind = KindInternal
			rep.Err = eris.Errorf("ingest: panic in batch: %v", r)
			log.Error("batch panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		rep.FinishedAt = c.now()
		c.metrics.Batch(p.Name, string(rep.State), rep.Duration())
		c.recordBatch(ctx, log, cycleID, rep)
		log.Info("batch finished",
			zap.String("state", string(rep.State)),
			zap.Int("pages_processed", rep.PagesProcessed),
			zap.Int("total_pages", rep.TotalPages),
			zap.Int("error_count", rep.ErrorCount),
			zap.Int("duplicate_pages", rep.DuplicatePages),
			zap.Int64("rows_inserted", rep.RowsInserted),
			zap.Int64("rows_deleted", rep.RowsDeleted),
		)
	}()

	log.Info("batch started", zap.String("state", string(rep.State)))
	c.recordBatch(ctx, log, cycleID, rep)

	ticket, err := c.src.Authenticate(ctx, p.Username, p.Password)
	if err != nil {
		return c.fail(ctx, log, rep, KindAuth, eris.Wrapf(err, "ingest: authenticate %s", p.Name))
	}

	rep.State = model.BatchCounting
	total, err := c.src.Count(ctx, ticket, rep.PeriodDate)
	if err != nil {
		return c.fail(ctx, log, rep, KindCount, eris.Wrapf(err, "ingest: count %s", p.Name))
	}
	if total < 0 {
		return c.fail(ctx, log, rep, KindCount, eris.Errorf("ingest: count %s: negative total %d", p.Name, total))
	}

	rep.TotalCount = total
	rep.TotalPages = pageCount(total, c.cfg.PageSize)
	rep.State = model.BatchPaginating
	log.Info("paginating",
		zap.Int("total_count", rep.TotalCount),
		zap.Int("total_pages", rep.TotalPages),
	)

	for page := 1; page <= rep.TotalPages; page++ {
		inserted, err := c.processPage(ctx, ticket, p.Name, rep.PeriodDate, page)
		rep.PagesProcessed++
		if err == nil {
			rep.RowsInserted += inserted
			c.metrics.Page(p.Name, metrics.PageOK)
			c.metrics.RowsInserted(p.Name, inserted)
			log.Info("page processed", zap.Int("page", page), zap.Int64("inserted", inserted))
			continue
		}

		kind := classify(err)
		rep.Failures = append(rep.Failures, PageFailure{Page: page, Kind: kind, Err: err})
		if kind == KindDuplicate {
			// Strict stores still commit the page's new rows.
			rep.RowsInserted += inserted
			rep.DuplicatePages++
			c.metrics.Page(p.Name, metrics.PageDuplicate)
			c.metrics.RowsInserted(p.Name, inserted)
			log.Warn("duplicate rows on page",
				zap.Int("page", page),
				zap.Int64("inserted", inserted),
				zap.Error(err),
			)
			continue
		}

		rep.ErrorCount++
		c.metrics.Page(p.Name, metrics.PageError)
		log.Warn("page failed",
			zap.Int("page", page),
			zap.Int("error_count", rep.ErrorCount),
			zap.Error(err),
		)
		if rep.ErrorCount >= c.cfg.ErrorBudget {
			return c.rollback(ctx, log, rep, err)
		}
	}

	rep.State = model.BatchCompleted
	return rep
}

func (c *Controller) processPage(ctx context.Context, ticket, principal, periodDate string, page int) (int64, error) {
	records, err := c.src.FetchPage(ctx, ticket, periodDate, page, c.cfg.PageSize)
	if err != nil {
		return 0, &sourceError{err: eris.Wrapf(err, "ingest: fetch page %d", page)}
	}
	if len(records) == 0 {
		return 0, nil
	}
	n, err := c.store.BulkUpsert(ctx, principal, records)
	if err != nil {
		return n, eris.Wrapf(err, "ingest: write page %d", page)
	}
	return n, nil
}

func (c *Controller) fail(ctx context.Context, log *zap.Logger, rep BatchReport, kind ErrorKind, err error) BatchReport {
	rep.State = model.BatchFailed
	rep.Kind = kind
	rep.Err = err
	log.Error("batch failed", zap.String("kind", string(kind)), zap.Error(err))

	if c.cfg.NotifyOnFailure {
		rep.Notified = c.notify(ctx, log, SubjectBatchFailed, batchFailedBody(rep))
	}
	return rep
}

// rollback deletes everything written for the batch key and alerts. The
// delete is attempted once.
func (c *Controller) rollback(ctx context.Context, log *zap.Logger, rep BatchReport, lastErr error) BatchReport {
	rep.State = model.BatchRolledBack
	rep.Kind = KindBudgetExceeded
	rep.Err = eris.Errorf("ingest: error budget of %d exhausted after page %d", c.cfg.ErrorBudget, rep.PagesProcessed)
	log.Error("error budget exhausted, rolling back batch",
		zap.Int("error_count", rep.ErrorCount),
		zap.Int("page", rep.PagesProcessed),
	)

	deleted, err := c.store.DeleteBatch(ctx, rep.Principal, rep.PeriodDate)
	if err != nil {
		rep.Kind = KindRollback
		rep.RollbackErr = eris.Wrapf(err, "ingest: delete batch %s %s", rep.Principal, rep.PeriodDate)
		log.Error("rollback failed, manual cleanup may be required", zap.Error(rep.RollbackErr))
		rep.Notified = c.notify(ctx, log, SubjectRollbackFailed, rollbackFailedBody(rep, lastErr))
		return rep
	}

	rep.RowsDeleted = deleted
	c.metrics.RowsDeleted(rep.Principal, deleted)
	log.Info("batch rolled back", zap.Int64("rows_deleted", deleted))
	rep.Notified = c.notify(ctx, log, SubjectRolledBack, rolledBackBody(rep, lastErr))
	return rep
}

func (c *Controller) notify(ctx context.Context, log *zap.Logger, subject, body string) bool {
	sent := notify.Dispatch(ctx, log, c.notifier, c.cfg.Recipient, subject, body)
	c.metrics.Notification(sent)
	return sent
}

func (c *Controller) recordBatch(ctx context.Context, log *zap.Logger, cycleID string, rep BatchReport) {
	if c.batchLog == nil {
		return
	}
	if err := c.batchLog.RecordBatch(ctx, rep.entry(cycleID)); err != nil {
		log.Warn("failed to record batch", zap.String("batch_id", rep.ID), zap.Error(err))
	}
}

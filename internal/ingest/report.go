package ingest

import (
	"time"

	"github.com/sells-group/demandsync/internal/model"
)

// ErrorKind classifies why a page or batch failed.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindCount          ErrorKind = "count"
	KindDuplicate      ErrorKind = "duplicate"
	KindTransient      ErrorKind = "transient"
	KindBudgetExceeded ErrorKind = "budget_exceeded"
	KindRollback       ErrorKind = "rollback"
	// KindInternal marks a batch aborted by a recovered panic.
	KindInternal ErrorKind = "internal"
)

// PageFailure is one failed page of a batch.
type PageFailure struct {
	Page int
	Kind ErrorKind
	Err  error
}

// BatchReport is the outcome of one (principal, period) batch.
type BatchReport struct {
	ID             string
	Principal      string
	PeriodDate     string
	PageSize       int
	TotalCount     int
	TotalPages     int
	PagesProcessed int
	// ErrorCount counts non-duplicate page failures only.
	ErrorCount     int
	DuplicatePages int
	RowsInserted   int64
	RowsDeleted    int64
	State          model.BatchState
	// Kind and Err describe why the batch did not complete; empty on success.
	Kind ErrorKind
	Err  error
	// RollbackErr is set when the compensating delete itself failed.
	RollbackErr error
	Failures    []PageFailure
	Notified    bool
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration is the batch wall time.
func (b BatchReport) Duration() time.Duration {
	return b.FinishedAt.Sub(b.StartedAt)
}

func (b BatchReport) entry(cycleID string) model.BatchEntry {
	e := model.BatchEntry{
		ID:             b.ID,
		CycleID:        cycleID,
		Principal:      b.Principal,
		PeriodDate:     b.PeriodDate,
		State:          b.State,
		TotalCount:     b.TotalCount,
		TotalPages:     b.TotalPages,
		PagesProcessed: b.PagesProcessed,
		ErrorCount:     b.ErrorCount,
		RowsInserted:   b.RowsInserted,
		RowsDeleted:    b.RowsDeleted,
		StartedAt:      b.StartedAt,
		FinishedAt:     b.FinishedAt,
	}
	switch {
	case b.RollbackErr != nil:
		e.Error = string(KindRollback) + ": " + b.RollbackErr.Error()
	case b.Err != nil:
		e.Error = string(b.Kind) + ": " + b.Err.Error()
	}
	return e
}

// RunReport is the outcome of one cycle over all principals.
type RunReport struct {
	CycleID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Batches    []BatchReport
}

// Count returns how many batches ended in state.
func (r RunReport) Count(state model.BatchState) int {
	n := 0
	for _, b := range r.Batches {
		if b.State == state {
			n++
		}
	}
	return n
}

// OK reports whether every batch completed.
func (r RunReport) OK() bool {
	return r.Count(model.BatchCompleted) == len(r.Batches)
}

// RowsInserted sums rows written across batches, including rows a rollback
// later removed.
func (r RunReport) RowsInserted() int64 {
	var n int64
	for _, b := range r.Batches {
		n += b.RowsInserted
	}
	return n
}

// RowsDeleted sums rows removed by rollbacks. A rollback deletes the whole
// (principal, period) scope, so this can exceed what the cycle inserted.
func (r RunReport) RowsDeleted() int64 {
	var n int64
	for _, b := range r.Batches {
		n += b.RowsDeleted
	}
	return n
}

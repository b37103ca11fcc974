package model

import "time"

// BatchState is the lifecycle state of one (principal, period) ingestion batch.
type BatchState string

const (
	BatchAuthenticating BatchState = "authenticating"
	BatchCounting       BatchState = "counting"
	BatchPaginating     BatchState = "paginating"
	BatchCompleted      BatchState = "completed"
	BatchRolledBack     BatchState = "rolled_back"
	BatchFailed         BatchState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchCompleted, BatchRolledBack, BatchFailed:
		return true
	default:
		return false
	}
}

// BatchEntry is a row of the batch audit log.
type BatchEntry struct {
	ID             string     `json:"id"`
	CycleID        string     `json:"cycle_id"`
	Principal      string     `json:"principal"`
	PeriodDate     string     `json:"period_date"`
	State          BatchState `json:"state"`
	TotalCount     int        `json:"total_count"`
	TotalPages     int        `json:"total_pages"`
	PagesProcessed int        `json:"pages_processed"`
	ErrorCount     int        `json:"error_count"`
	RowsInserted   int64      `json:"rows_inserted"`
	RowsDeleted    int64      `json:"rows_deleted"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     time.Time  `json:"finished_at"`
}

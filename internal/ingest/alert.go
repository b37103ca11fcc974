package ingest

import (
	"fmt"
	"strings"
	"time"
)

// Alert subjects.
const (
	SubjectRolledBack     = "API Error Notification - Data Rolled Back"
	SubjectRollbackFailed = "API Error Notification - Rollback Failed"
	SubjectBatchFailed    = "API Error Notification - Batch Failed"
)

const alertTimeLayout = "2006-01-02 15:04:05 -07:00"

func rolledBackBody(b BatchReport, lastErr error) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Too many errors encountered while processing %s. Please check the API status.\n\n", b.Principal)
	fmt.Fprintf(&sb, "Data rollback performed: %d rows deleted for period %s\n", b.RowsDeleted, b.PeriodDate)
	writeRunFacts(&sb, b, lastErr)
	return sb.String()
}

func rollbackFailedBody(b BatchReport, lastErr error) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Too many errors encountered while processing %s. Please check the API status.\n\n", b.Principal)
	fmt.Fprintf(&sb, "WARNING: Data rollback failed! Manual cleanup may be required for period %s\n", b.PeriodDate)
	fmt.Fprintf(&sb, "Rollback error: %v\n", b.RollbackErr)
	writeRunFacts(&sb, b, lastErr)
	return sb.String()
}

func batchFailedBody(b BatchReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ingestion for %s stopped during %s for period %s. No rows were written.\n\n", b.Principal, b.Kind, b.PeriodDate)
	fmt.Fprintf(&sb, "Error: %v\n", b.Err)
	fmt.Fprintf(&sb, "Run started: %s\n", b.StartedAt.In(time.Local).Format(alertTimeLayout))
	return sb.String()
}

func writeRunFacts(sb *strings.Builder, b BatchReport, lastErr error) {
	fmt.Fprintf(sb, "Pages processed: %d of %d (errors: %d, duplicate pages: %d)\n",
		b.PagesProcessed, b.TotalPages, b.ErrorCount, b.DuplicatePages)
	if lastErr != nil {
		fmt.Fprintf(sb, "Last error: %v\n", lastErr)
	}
	fmt.Fprintf(sb, "Run started: %s\n", b.StartedAt.In(time.Local).Format(alertTimeLayout))
}

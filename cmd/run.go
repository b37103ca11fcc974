package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/demandsync/internal/config"
	"github.com/sells-group/demandsync/internal/ingest"
	"github.com/sells-group/demandsync/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion cycle now",
	Long:  "Ingests next month's demand pre-notifications for every configured principal, in order, and exits non-zero if any batch did not complete. SIGINT, SIGTERM, SIGQUIT and SIGUSR2 are held until the cycle finishes and the store is closed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
		defer stop()

		if err := cfg.Validate("run"); err != nil {
			return err
		}
		principals, err := cfg.LoadPrincipals()
		if err != nil {
			return err
		}

		// The cycle and store close outlive a shutdown signal.
		work := context.WithoutCancel(ctx)
		st, err := initStore(work)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := st.Close(); cerr != nil {
				zap.L().Error("close store", zap.Error(cerr))
			}
		}()

		ctrl := newController(newSource(), st, prometheus.NewRegistry())
		report := runCycle(work, ctrl, principals)
		if ctx.Err() != nil {
			zap.L().Info("shutdown signal received, exiting after in-flight cycle",
				zap.String("cycle_id", report.CycleID))
		}

		writeReport(cmd.OutOrStdout(), report)
		if !report.OK() {
			return eris.Errorf("run: %d of %d batches did not complete",
				len(report.Batches)-report.Count(model.BatchCompleted), len(report.Batches))
		}
		return nil
	},
}

// runCycle runs one cycle with its own per-run log file.
func runCycle(ctx context.Context, ctrl *ingest.Controller, principals []model.Principal) ingest.RunReport {
	log, closeLog, err := config.NewRunLogger(zap.L(), cfg.Log, time.Now())
	if err != nil {
		zap.L().Warn("per-run log file unavailable, logging to process logger only", zap.Error(err))
		log, closeLog = zap.L(), func() error { return nil }
	}
	defer func() {
		if cerr := closeLog(); cerr != nil {
			zap.L().Warn("close run log", zap.Error(cerr))
		}
	}()

	return ctrl.RunCycle(ctx, log, principals)
}

func writeReport(w io.Writer, r ingest.RunReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "PRINCIPAL\tPERIOD\tSTATE\tRECORDS\tPAGES\tERRORS\tINSERTED\tDELETED\tDURATION\tERROR\n")
	for _, b := range r.Batches {
		errText := ""
		if b.Err != nil {
			errText = string(b.Kind) + ": " + truncate(b.Err.Error(), 60)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%d\t%d\t%d\t%s\t%s\n",
			b.Principal, b.PeriodDate, b.State, b.TotalCount,
			b.PagesProcessed, b.TotalPages, b.ErrorCount,
			b.RowsInserted, b.RowsDeleted,
			b.Duration().Round(time.Millisecond), errText,
		)
	}
	tw.Flush() //nolint:errcheck
	fmt.Fprintf(w, "\ncycle %s: %d completed, %d rolled back, %d failed, %d rows inserted, %d rows deleted\n",
		r.CycleID,
		r.Count(model.BatchCompleted), r.Count(model.BatchRolledBack), r.Count(model.BatchFailed),
		r.RowsInserted(), r.RowsDeleted(),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	rootCmd.AddCommand(runCmd)
}

package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/demandsync/internal/model"
	"github.com/sells-group/demandsync/internal/period"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every stored record of one principal for one period",
	Long:  "Manual cleanup after a failed rollback. Without --yes only the number of matching rows is printed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		principal, _ := cmd.Flags().GetString("principal")
		periodFlag, _ := cmd.Flags().GetString("period")
		confirm, _ := cmd.Flags().GetBool("yes")

		p := period.Next(time.Now())
		if periodFlag != "" {
			parsed, err := period.Parse(periodFlag)
			if err != nil {
				return eris.Wrap(err, "purge: --period")
			}
			p = parsed
		}
		periodDate := p.String()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.CountBatch(ctx, principal, periodDate)
		if err != nil {
			return eris.Wrap(err, "purge: count")
		}
		out := cmd.OutOrStdout()
		if !confirm {
			fmt.Fprintf(out, "%d rows match principal=%s period=%s (re-run with --yes to delete)\n", n, principal, periodDate)
			return nil
		}

		deleted, err := st.DeleteBatch(ctx, principal, periodDate)
		if err != nil {
			return eris.Wrap(err, "purge: delete")
		}
		now := time.Now()
		if err := st.RecordBatch(ctx, model.BatchEntry{
			ID:          uuid.NewString(),
			CycleID:     "manual",
			Principal:   principal,
			PeriodDate:  periodDate,
			State:       model.BatchRolledBack,
			RowsDeleted: deleted,
			Error:       "manual purge",
			StartedAt:   now,
			FinishedAt:  now,
		}); err != nil {
			zap.L().Warn("purge: record batch log entry", zap.Error(err))
		}

		zap.L().Info("batch purged",
			zap.String("principal", principal),
			zap.String("period", periodDate),
			zap.Int64("rows_deleted", deleted),
		)
		fmt.Fprintf(out, "deleted %d rows for principal=%s period=%s\n", deleted, principal, periodDate)
		return nil
	},
}

func init() {
	purgeCmd.Flags().String("principal", "", "principal name, e.g. K1 (required)")
	purgeCmd.Flags().String("period", "", "period date (default: next period)")
	purgeCmd.Flags().Bool("yes", false, "actually delete")
	_ = purgeCmd.MarkFlagRequired("principal")
	rootCmd.AddCommand(purgeCmd)
}

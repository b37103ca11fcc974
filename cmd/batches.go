package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/demandsync/internal/model"
	"github.com/sells-group/demandsync/internal/store"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List recorded ingestion batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		principal, _ := cmd.Flags().GetString("principal")
		periodDate, _ := cmd.Flags().GetString("period")
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		entries, err := st.ListBatches(ctx, store.BatchFilter{
			Principal:  principal,
			PeriodDate: periodDate,
			State:      model.BatchState(state),
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "batches list")
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
			return nil
		}
		formatBatches(cmd.OutOrStdout(), entries)
		return nil
	},
}

func formatBatches(w io.Writer, entries []model.BatchEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STARTED\tPRINCIPAL\tPERIOD\tSTATE\tPAGES\tERRORS\tINSERTED\tDELETED\tERROR\n")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t%s\n",
			e.StartedAt.Format(time.DateTime), e.Principal, e.PeriodDate, e.State,
			e.PagesProcessed, e.TotalPages, e.ErrorCount,
			e.RowsInserted, e.RowsDeleted, truncate(e.Error, 60),
		)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	batchesCmd.Flags().String("principal", "", "filter by principal name")
	batchesCmd.Flags().String("period", "", "filter by period date")
	batchesCmd.Flags().String("state", "", "filter by state (completed, rolled_back, failed, ...)")
	batchesCmd.Flags().Int("limit", 50, "max entries to show")
	batchesCmd.Flags().Bool("json", false, "print JSON instead of a table")
	rootCmd.AddCommand(batchesCmd)
}

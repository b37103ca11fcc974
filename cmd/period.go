package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/demandsync/internal/period"
)

var periodAt string

var periodCmd = &cobra.Command{
	Use:   "period",
	Short: "Print the reporting period a cycle would ingest",
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		if periodAt != "" {
			t, err := time.Parse(time.RFC3339, periodAt)
			if err != nil {
				d, derr := time.Parse(time.DateOnly, periodAt)
				if derr != nil {
					return eris.Wrapf(err, "period: parse --at %q", periodAt)
				}
				t = d
			}
			now = t
		}
		fmt.Fprintln(cmd.OutOrStdout(), period.Next(now).String())
		return nil
	},
}

func init() {
	periodCmd.Flags().StringVar(&periodAt, "at", "", "reference time (RFC3339 or YYYY-MM-DD); default now")
	rootCmd.AddCommand(periodCmd)
}

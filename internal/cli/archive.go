package cli

import (
	"time"

	"github.com/spf13/cobra"

	"campaign-loop/internal/app"
)

var (
	archiveFrom string
	archiveTo   string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Copy a window of the ledger to S3 as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := parseTimeFlag("to", archiveTo)
		if err != nil {
			return err
		}
		from, err := parseTimeFlag("from", archiveFrom)
		if err != nil {
			return err
		}

		opts := app.ArchiveOptions{To: time.Now().UTC().Truncate(24 * time.Hour)}
		if to != nil {
			opts.To = *to
		}
		opts.From = opts.To.Add(-24 * time.Hour)
		if from != nil {
			opts.From = *from
		}
		return getApp().Archive(cmd.Context(), opts)
	},
}

func init() {
	archiveCmd.Flags().StringVar(&archiveFrom, "from", "", "Window start, RFC3339 (defaults to one day before --to)")
	archiveCmd.Flags().StringVar(&archiveTo, "to", "", "Window end, RFC3339, exclusive (defaults to today 00:00 UTC)")
}

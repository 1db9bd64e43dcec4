package cli

import (
	"github.com/spf13/cobra"

	"campaign-loop/internal/app"
)

var (
	exportFrom string
	exportTo   string
	exportOpts app.ExportOptions
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Chart campaign ROAS and spend from the ledger (CSV and/or PNG)",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := exportOpts
		var err error
		if opts.From, err = parseTimeFlag("from", exportFrom); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag("to", exportTo); err != nil {
			return err
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	flags := exportCmd.Flags()
	flags.StringVar(&exportFrom, "from", "", "Window start, RFC3339 (defaults to max-points intervals before --to)")
	flags.StringVar(&exportTo, "to", "", "Window end, RFC3339, exclusive (defaults to now)")
	flags.StringVar(&exportOpts.CSVPath, "csv", "", "Write ledger metrics as CSV to this path")
	flags.StringVar(&exportOpts.PNGPath, "png", "", "Render a ROAS/spend chart to this path")
	flags.IntVar(&exportOpts.MaxPoints, "max-points", 0, "Samples kept per campaign after downsampling (defaults to export.max_data_points)")
}

package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control loop and the operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single control cycle and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunCycle(cmd.Context())
	},
}

package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"campaign-loop/internal/app"
)

var (
	simulateCycles    int
	simulateCampaigns int
	simulateBudget    float64
	simulateROAS      float64
	simulateDrift     float64
	simulateAnomalyAt int
	simulateApprove   bool
	simulateSeed      int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the control loop offline against a simulated platform",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateBudget <= 0 {
			return errors.New("--budget must be greater than zero")
		}
		if simulateAnomalyAt < 0 || simulateAnomalyAt > simulateCycles {
			return errors.New("--anomaly-at must fall within --cycles")
		}

		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Cycles:       simulateCycles,
			Campaigns:    simulateCampaigns,
			Budget:       decimal.NewFromFloat(simulateBudget),
			StartROAS:    simulateROAS,
			Drift:        simulateDrift,
			AnomalyCycle: simulateAnomalyAt,
			AutoApprove:  simulateApprove,
			Seed:         simulateSeed,
		})
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateCycles, "cycles", 12, "Number of control cycles to run")
	simulateCmd.Flags().IntVar(&simulateCampaigns, "campaigns", 3, "Number of simulated campaigns")
	simulateCmd.Flags().Float64Var(&simulateBudget, "budget", 500, "Starting daily budget per campaign")
	simulateCmd.Flags().Float64Var(&simulateROAS, "roas", 1.5, "Starting ROAS")
	simulateCmd.Flags().Float64Var(&simulateDrift, "drift", 0.25, "Maximum ROAS change per cycle")
	simulateCmd.Flags().IntVar(&simulateAnomalyAt, "anomaly-at", 0, "Report an anomaly on this cycle (0 disables)")
	simulateCmd.Flags().BoolVar(&simulateApprove, "auto-approve", true, "Approve decisions that need authorization")
	simulateCmd.Flags().Int64Var(&simulateSeed, "seed", 1, "Random walk seed")
}

package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	operatorActor string
	rejectNote    string
	stopReason    string
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List decisions awaiting authorization",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Pending(cmd.Context())
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <decision-key>",
	Short: "Approve a pending decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Approve(cmd.Context(), args[0], resolveActor())
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <decision-key>",
	Short: "Reject a pending decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reject(cmd.Context(), args[0], resolveActor(), rejectNote)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <campaign-id>",
	Short: "Terminate a campaign permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stop(cmd.Context(), args[0], resolveActor(), stopReason)
	},
}

func resolveActor() string {
	if operatorActor != "" {
		return operatorActor
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "operator"
}

func init() {
	for _, cmd := range []*cobra.Command{approveCmd, rejectCmd, stopCmd} {
		cmd.Flags().StringVar(&operatorActor, "actor", "", "Operator name recorded with the verdict (defaults to $USER)")
	}
	rejectCmd.Flags().StringVar(&rejectNote, "note", "", "Reason for the rejection")
	stopCmd.Flags().StringVar(&stopReason, "reason", "", "Reason for terminating the campaign")
}

package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var decisionReason string

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and decide pending approval cases",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval cases",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "approvals.list")
		defer span.End()

		var out map[string]any
		if err := apiCall(ctx, http.MethodGet, "/v1/approvals", nil, &out); err != nil {
			return fmt.Errorf("listing approvals: %w", err)
		}
		return printJSON(out)
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve [case-id]",
	Short: "Approve a pending case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideCase(cmd, args[0], "approve")
	},
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny [case-id]",
	Short: "Deny a pending case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideCase(cmd, args[0], "deny")
	},
}

func decideCase(cmd *cobra.Command, caseID, decision string) error {
	ctx, span := tracer.Start(cmd.Context(), "approvals.decide")
	defer span.End()

	payload := map[string]any{"reason": decisionReason}
	var out map[string]any
	if err := apiCall(ctx, http.MethodPost, "/v1/approvals/"+caseID+"/"+decision, payload, &out); err != nil {
		return fmt.Errorf("deciding case: %w", err)
	}
	return printJSON(out)
}

func init() {
	approvalsApproveCmd.Flags().StringVar(&decisionReason, "reason", "", "reason recorded with the decision")
	approvalsDenyCmd.Flags().StringVar(&decisionReason, "reason", "", "reason recorded with the decision")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsDenyCmd)
	rootCmd.AddCommand(approvalsCmd)
}

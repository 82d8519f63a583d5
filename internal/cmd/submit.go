package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var submitScope []string

var submitCmd = &cobra.Command{
	Use:   "submit [query]",
	Short: "Submit a request to a running arbiter server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "submit")
		defer span.End()

		payload := map[string]any{"query": args[0]}
		if len(submitScope) > 0 {
			payload["scope"] = submitScope
		}

		var out map[string]any
		if err := apiCall(ctx, http.MethodPost, "/v1/requests", payload, &out); err != nil {
			return fmt.Errorf("submitting request: %w", err)
		}
		return printJSON(out)
	},
}

func init() {
	submitCmd.Flags().StringSliceVar(&submitScope, "scope", nil, "permission scope tags for retrieval")
	rootCmd.AddCommand(submitCmd)
}

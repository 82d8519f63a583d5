package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var statusDetail bool

var statusCmd = &cobra.Command{
	Use:   "status [request-id]",
	Short: "Show the current phase and outcome of a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "status")
		defer span.End()

		path := "/v1/requests/" + args[0]
		if statusDetail {
			path += "?detail=true"
		}

		var out map[string]any
		if err := apiCall(ctx, http.MethodGet, path, nil, &out); err != nil {
			return fmt.Errorf("fetching request: %w", err)
		}
		return printJSON(out)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [request-id]",
	Short: "Request cancellation of an in-flight request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "cancel")
		defer span.End()

		var out map[string]any
		if err := apiCall(ctx, http.MethodPost, "/v1/requests/"+args[0]+"/cancel", nil, &out); err != nil {
			return fmt.Errorf("cancelling request: %w", err)
		}
		return printJSON(out)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusDetail, "detail", false, "include evidence and verification detail")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clearline-io/arbiter/internal/audit"
	"github.com/clearline-io/arbiter/internal/config"
)

var (
	auditSubject string
	auditLimit   int
	purgeBefore  string
	purgeActor   string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, verify, and export the audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries",
	RunE:  auditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain and HMAC signatures over all entries",
	RunE:  auditVerify,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the full audit trail as JSONL to stdout",
	RunE:  auditExport,
}

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge entries older than a cutoff (the purge itself is audited)",
	RunE:  auditPurge,
}

func init() {
	auditListCmd.Flags().StringVar(&auditSubject, "subject", "", "Filter by request ID")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "Maximum entries to show")
	auditPurgeCmd.Flags().StringVar(&purgeBefore, "before", "", "Cutoff timestamp (RFC 3339), required")
	auditPurgeCmd.Flags().StringVar(&purgeActor, "actor", "operator/cli", "Actor recorded on the purge entry")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditPurgeCmd)
	rootCmd.AddCommand(auditCmd)
}

func openTrail() (*audit.Trail, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return audit.NewTrail(cfg.AuditDBPath(), cfg.SigningKey)
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	trail, err := openTrail()
	if err != nil {
		return fmt.Errorf("initializing audit trail: %w", err)
	}
	defer trail.Close()

	index, err := trail.ListIndex(ctx, auditSubject, auditLimit)
	if err != nil {
		return fmt.Errorf("querying audit trail: %w", err)
	}

	if len(index) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}
	return printJSON(index)
}

func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	trail, err := openTrail()
	if err != nil {
		return fmt.Errorf("initializing audit trail: %w", err)
	}
	defer trail.Close()

	report, err := trail.VerifyChain(ctx)
	if err != nil {
		return fmt.Errorf("verifying chain: %w", err)
	}

	if err := printJSON(report); err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("audit chain broken at seq %d: %s", report.BrokenAt, report.Reason)
	}
	return nil
}

func auditExport(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	trail, err := openTrail()
	if err != nil {
		return fmt.Errorf("initializing audit trail: %w", err)
	}
	defer trail.Close()

	return trail.Export(ctx, os.Stdout)
}

func auditPurge(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	if purgeBefore == "" {
		return fmt.Errorf("--before is required")
	}
	cutoff, err := time.Parse(time.RFC3339, purgeBefore)
	if err != nil {
		return fmt.Errorf("parsing --before: %w", err)
	}

	trail, err := openTrail()
	if err != nil {
		return fmt.Errorf("initializing audit trail: %w", err)
	}
	defer trail.Close()

	purged, err := trail.Purge(ctx, cutoff, purgeActor)
	if err != nil {
		return fmt.Errorf("purging audit trail: %w", err)
	}
	fmt.Printf("Purged %d entries before %s\n", purged, cutoff.Format(time.RFC3339))
	return nil
}

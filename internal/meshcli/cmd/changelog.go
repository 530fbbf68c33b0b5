package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var changelogCmd = &cobra.Command{
	Use:   "changelog",
	Short: "Manage the replication change log",
}

var (
	truncateAccountID string
	truncateCutoff    string
)

var changelogTruncateCmd = &cobra.Command{
	Use:   "truncate",
	Short: "Delete change-log rows for an account at or before a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		cutoff := time.Now()
		if truncateCutoff != "" {
			parsed, err := time.Parse(time.RFC3339, truncateCutoff)
			if err != nil {
				return fmt.Errorf("invalid --cutoff, expected RFC3339: %w", err)
			}
			cutoff = parsed
		}

		req := map[string]any{"account_id": truncateAccountID, "cutoff": cutoff}
		var result map[string]any
		if err := apiClient.Post("/internal/changelog/truncate", req, &result); err != nil {
			return err
		}
		fmt.Printf("deleted %v change log rows\n", result["deleted"])
		return nil
	},
}

func init() {
	changelogTruncateCmd.Flags().StringVar(&truncateAccountID, "account-id", "", "account to truncate (required)")
	changelogTruncateCmd.Flags().StringVar(&truncateCutoff, "cutoff", "", "delete rows at or before this RFC3339 timestamp (default now)")
	_ = changelogTruncateCmd.MarkFlagRequired("account-id")

	changelogCmd.AddCommand(changelogTruncateCmd)
}

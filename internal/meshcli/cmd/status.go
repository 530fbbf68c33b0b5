package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replication and directory sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]any
		if err := apiClient.Get("/internal/status", &result); err != nil {
			return err
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "Manage identity provider directory sync",
}

var syncProviderID string

var directorySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Force a directory sync for one provider outside its regular tick",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{"provider_id": syncProviderID}
		var result map[string]any
		if err := apiClient.Post("/internal/directory/sync", req, &result); err != nil {
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

func init() {
	directorySyncCmd.Flags().StringVar(&syncProviderID, "provider-id", "", "auth provider to sync (required)")
	_ = directorySyncCmd.MarkFlagRequired("provider-id")

	directoryCmd.AddCommand(directorySyncCmd)
}

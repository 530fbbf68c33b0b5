// Package cmd contains the meshctl CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/boundarymesh/controlplane/internal/meshcli/client"
)

var (
	cfgFile string
	apiKey  string
	baseURL string
	apiClient *api.Client
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "meshctl operates a control plane core",
	Long: `meshctl drives the three operator endpoints a control plane core
exposes: replication/directory status, changelog truncation, and forcing an
out-of-band directory sync.

Set the core's address with --base-url or MESHCTL_BASE_URL.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		key := apiKey
		if key == "" {
			key = viper.GetString("api_key")
		}
		if key == "" {
			key = os.Getenv("MESHCTL_API_KEY")
		}

		url := baseURL
		if url == "" {
			url = viper.GetString("base_url")
		}
		if url == "" {
			url = os.Getenv("MESHCTL_BASE_URL")
		}

		apiClient = api.NewClient(key, url)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.meshctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "operator API key")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "control plane core base URL")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(changelogCmd)
	rootCmd.AddCommand(directoryCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".meshctl")
	}

	viper.SetEnvPrefix("MESHCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		// Config file found
	}
}

// versionCmd shows the CLI version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("meshctl version 0.1.0")
	},
}

package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Streaming relay for AI chat providers",
	Long: `relay routes chat requests across multiple AI providers with
per-credential daily quotas, priority failover, and streaming relay.

Running relay without a subcommand starts the server.`,
	Run: func(c *cobra.Command, args []string) {
		// Bare invocation behaves like "relay serve".
		serveCmd.Run(c, args)
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default config.yaml)")
}

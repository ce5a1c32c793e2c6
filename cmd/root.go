package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entry point when the binary is called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "onemcp",
	Short: "Aggregate many MCP servers behind one endpoint",
	Long: `onemcp federates multiple MCP (Model Context Protocol) servers behind one
inbound endpoint. Every outbound server's tools, resources and prompts
appear under composite ids, with tag-based filtering, cross-server
pagination and optional OAuth 2.1 gating.`,
	// SilenceUsage keeps handled errors from dumping the usage text.
	SilenceUsage: true,
}

// SetVersion injects the build version from the main package.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "onemcp version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package app provides the entry point for the mcpgate command-line application.
package app

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpgate/mcpgate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "mcpgate is a gateway and registry for MCP servers",
	Long: `mcpgate fronts a fleet of MCP servers behind a single endpoint.
It authenticates every request, maps identities to permitted services and
tools, keeps a persistent service registry, health-checks upstreams with
real MCP handshakes and answers semantic tool discovery queries.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// Re-initialize so the --debug flag takes effect.
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for mcpgate.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}
	viper.SetEnvPrefix("MCPGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
	return rootCmd
}

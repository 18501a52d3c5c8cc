// Command rulechain is the command line client of the rule chain engine.
//
// Usage:
//
//	rulechain [--api-url URL] [--json] <command> [flags]
//
// Commands:
//
//	execute   Run, stream, or estimate a chain on a server
//	get       Show a stored chain
//	cancel    Cancel an in-flight streaming run
//	validate  Resolve and bind a chain file offline
//	estimate  Estimate the token cost of a chain file offline
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set through ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var apiURL string
	var jsonOutput bool
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "rulechain",
		Short:         "Run and inspect rule chains",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("RULECHAIN_API_URL", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file for offline commands")

	clientFn := func() *Client { return NewClient(apiURL) }
	outputFn := func(cmd *cobra.Command) *Output {
		return &Output{jsonMode: jsonOutput, w: cmd.OutOrStdout(), errW: cmd.ErrOrStderr()}
	}
	configFn := func() string { return configPath }

	rootCmd.AddCommand(
		newExecuteCmd(clientFn, outputFn),
		newGetCmd(clientFn, outputFn),
		newCancelCmd(clientFn, outputFn),
		newValidateCmd(configFn, outputFn),
		newEstimateCmd(configFn, outputFn),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

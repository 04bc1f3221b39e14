package commands

import (
	"github.com/spf13/cobra"
)

var (
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "signals-back",
	Short: "Trading signals backend",
	Long: `A trading signals backend built with Go.

It scans a curated crypto universe and the day's top stock gainers on a
schedule, scores multi-timeframe technical-analysis recommendations,
posts the strongest setups to Discord with a rendered chart, and keeps
re-evaluating every open signal against fresh bars until a target or
stop is hit.`,
	Version: "1.0.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

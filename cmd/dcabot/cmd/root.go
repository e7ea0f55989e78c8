package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dcabot",
	Short: "A webhook-driven DCA trade engine for crypto spot markets",
	Long: `Dcabot opens and manages dollar-cost-averaging trades on crypto exchanges.

A trade starts with a market base order, lays out a ladder of limit safety
orders below the entry and keeps a take-profit order above the average entry
price, re-placed after every safety fill. Trades are opened over an HTTP
webhook and every order transition is persisted to a local SQLite database.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

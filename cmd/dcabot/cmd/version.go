package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the release version reported by the status endpoint and the
// version command.
const Version = "1.0.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dcabot version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

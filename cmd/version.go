package cmd

import (
	"fmt"

	"github.com/AustinAres2007/DeveloperJoe-sub000/developerjoe"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			developerjoe.Version,
			developerjoe.CommitSHA,
			developerjoe.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}

package cmd

import (
	"log"

	"github.com/AustinAres2007/DeveloperJoe-sub000/developerjoe"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the DeveloperJoe bot and admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			dj, err := developerjoe.New(cfg)
			if err != nil {
				log.Fatalf("error creating developerjoe: %s", err.Error())
			}

			if err = dj.Run(ctx); err != nil {
				log.Fatalf("error running developerjoe: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}

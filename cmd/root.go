package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pbftsim",
	Short: "A PBFT cluster simulator",
	Long:  `A PBFT cluster simulator: run replicas, submit requests, and observe the protocol under faults`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pbftsim/client"
)

var killAddr string

func init() {
	killCmd.Flags().StringVar(&killAddr, "addr", "", "replica observer address <host>:<port>")
	rootCmd.AddCommand(killCmd)
}

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Terminate one replica (fault injection)",
	Run: func(cmd *cobra.Command, args []string) {
		if killAddr == "" {
			fmt.Println("Error: --addr is required")
			os.Exit(1)
		}
		if err := client.Kill(killAddr); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		fmt.Printf("killed replica at %s\n", killAddr)
	},
}

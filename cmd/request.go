package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pbftsim/client"
)

var (
	requestAddr    string
	requestPayload string
	requestF       int
	clientTimeout  int
)

func init() {
	requestCmd.Flags().StringVar(&requestAddr, "addr", "", "replica observer address <host>:<port>")
	requestCmd.Flags().StringVar(&requestPayload, "payload", "", "request payload")
	requestCmd.Flags().IntVar(&requestF, "f", 1, "cluster fault bound (replies needed = f+1)")
	requestCmd.Flags().IntVar(&clientTimeout, "client-timeout-ms", 2000, "re-submission interval")
	rootCmd.AddCommand(requestCmd)
}

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Submit a client request to the cluster",
	Long:  `Submit a client request to a replica and wait until f+1 replicas agree on the result.`,
	Run: func(cmd *cobra.Command, args []string) {
		if requestAddr == "" || requestPayload == "" {
			fmt.Println("Error: --addr and --payload are required")
			os.Exit(1)
		}
		cl := client.New(requestF)
		cl.SetTimeout(msDuration(clientTimeout))
		if err := cl.Listen("127.0.0.1:0"); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		defer cl.Close()

		result, err := cl.Submit(requestAddr, requestPayload)
		if err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		fmt.Printf("Result: %s\n", result)
	},
}

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pbftsim/client"
	"pbftsim/cluster"
	"pbftsim/pbft"
)

var (
	clusterN        int
	clusterBasePort int
	clusterSecret   string
	clusterPayloads []string
)

func init() {
	clusterCmd.Flags().IntVar(&clusterN, "n", 4, "number of replicas (must be 3f+1)")
	clusterCmd.Flags().IntVar(&clusterBasePort, "base-port", 7300, "first replica port; replica i listens on base-port+i")
	clusterCmd.Flags().StringVar(&clusterSecret, "secret", "", "cluster MAC secret")
	clusterCmd.Flags().StringSliceVar(&clusterPayloads, "payloads", []string{"hello"}, "demo request payloads to run through the cluster")
	rootCmd.AddCommand(clusterCmd)
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Bootstrap a local cluster and run demo requests",
	Long:  `Spawn n replica processes, wait for liveness, run the demo payloads through the primary, and display cluster state until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		c, err := cluster.New(clusterN, clusterBasePort, clusterSecret)
		if err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		if err := c.Start(); err != nil {
			fmt.Println("Error:", err)
			c.Stop()
			os.Exit(1)
		}
		defer c.Stop()

		cl := client.New(c.F())
		if err := cl.Listen("127.0.0.1:0"); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		defer cl.Close()

		for _, payload := range clusterPayloads {
			result, err := c.Submit(cl, pbft.ReplicaID(0), payload)
			if err != nil {
				fmt.Printf("request %q failed: %v\n", payload, err)
				continue
			}
			fmt.Printf("request %q -> %q\n", payload, result)
		}

		fmt.Println()
		fmt.Println(c.StatusTable())
		fmt.Println("cluster running; Ctrl-C to stop")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-sig:
				return
			case <-ticker.C:
				fmt.Println(c.StatusTable())
			}
		}
	},
}

package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pbftsim/monitor"
)

var (
	monitorListen   string
	monitorReplicas string
	monitorInterval int
)

func init() {
	monitorCmd.Flags().StringVar(&monitorListen, "listen", ":8080", "monitor HTTP address")
	monitorCmd.Flags().StringVar(&monitorReplicas, "replicas", "", `replica observer addresses "host:port,..."`)
	monitorCmd.Flags().IntVar(&monitorInterval, "interval-ms", 1000, "status poll interval")
	rootCmd.AddCommand(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve a live websocket view of cluster state",
	Run: func(cmd *cobra.Command, args []string) {
		if monitorReplicas == "" {
			fmt.Println("Error: --replicas is required")
			os.Exit(1)
		}
		var addrs []string
		for _, a := range strings.Split(monitorReplicas, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
		srv := monitor.NewServer(monitorListen, addrs, time.Duration(monitorInterval)*time.Millisecond)
		if err := srv.Start(); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
	},
}

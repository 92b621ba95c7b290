package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pbftsim/pbft"
	"pbftsim/replica"
)

var (
	replicaID       int
	replicaPort     int
	replicaPeers    string
	replicaF        int
	replicaSecret   string
	replicaWindow   int64
	progressTimeout int
)

func init() {
	replicaCmd.Flags().IntVar(&replicaID, "id", -1, "replica id in [0, n)")
	replicaCmd.Flags().IntVar(&replicaPort, "port", 0, "listen port (overrides the peer-list entry for this id)")
	replicaCmd.Flags().StringVar(&replicaPeers, "peers", "", `peer list "<id>@<host>:<port>,..." including self`)
	replicaCmd.Flags().IntVar(&replicaF, "f", 0, "fault bound (default derived from peer count)")
	replicaCmd.Flags().StringVar(&replicaSecret, "secret", "", "cluster MAC secret (empty disables authentication)")
	replicaCmd.Flags().Int64Var(&replicaWindow, "seq-window", 0, "sequence watermark span (0 = unbounded)")
	replicaCmd.Flags().IntVar(&progressTimeout, "replica-progress-timeout-ms", 5000, "stalled-slot timeout before the view-change trigger fires")
	rootCmd.AddCommand(replicaCmd)
}

var replicaCmd = &cobra.Command{
	Use:   "replica",
	Short: "Run one PBFT replica",
	Long:  `Run one PBFT replica with static membership. The process serves both the inter-replica relay and the observer surface on its port.`,
	Run: func(cmd *cobra.Command, args []string) {
		peers, err := replica.ParsePeers(replicaPeers)
		if err != nil {
			fmt.Println("Error:", err)
			os.Exit(replica.ExitConfig)
		}
		if replicaID < 0 {
			fmt.Println("Error: --id is required")
			os.Exit(replica.ExitConfig)
		}
		if replicaPort != 0 {
			peers[pbft.ReplicaID(replicaID)] = fmt.Sprintf("127.0.0.1:%d", replicaPort)
		}
		f := replicaF
		if f == 0 {
			f = replica.DeriveF(len(peers))
		}
		cfg := replica.Config{
			ID:              pbft.ReplicaID(replicaID),
			Peers:           peers,
			F:               f,
			Secret:          replicaSecret,
			SeqWindow:       replicaWindow,
			ProgressTimeout: time.Duration(progressTimeout) * time.Millisecond,
		}
		os.Exit(replica.Run(cfg))
	},
}

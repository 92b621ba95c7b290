package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pbftsim/client"
)

var statusAddr string

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "replica observer address <host>:<port>")
	rootCmd.AddCommand(statusCmd)
}

// msDuration converts a millisecond flag value.
func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query one replica's status",
	Run: func(cmd *cobra.Command, args []string) {
		if statusAddr == "" {
			fmt.Println("Error: --addr is required")
			os.Exit(1)
		}
		st, err := client.GetStatus(statusAddr)
		if err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		fmt.Printf("replica %d (%s) view=%d primary=%d f=%d n=%d\n",
			st.ReplicaID, st.Role, st.View, st.PrimaryID, st.F, st.N)
		fmt.Printf("last executed seq: %d, prepared slots: %d, committed slots: %d\n",
			st.LastExecutedSeq, st.PreparedSlots, st.CommittedSlots)
		fmt.Printf("auth rejects: %d, equivocations seen: %d\n",
			st.AuthRejects, st.Equivocations)
	},
}

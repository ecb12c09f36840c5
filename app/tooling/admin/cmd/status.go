package cmd

import (
	"fmt"

	"github.com/ardanlabs/casino/foundation/blockchain/genesis"
	"github.com/ardanlabs/casino/foundation/blockchain/peer"
	"github.com/spf13/cobra"
)

var statusGenesis string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how far along every validator in genesis is",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := genesis.Load(statusGenesis)
		if err != nil {
			return err
		}

		peers := peer.NewPeerSet()
		for i, v := range g.Validators {
			peers.Add(peer.New(v.Name, v.Host, uint32(i)))
		}

		transport := peer.NewTransport(peer.Config{
			Peers:   peers,
			Timeout: timeout,
		})

		fmt.Printf("%-12s %-22s %8s %10s %10s %10s %10s %8s\n", "NAME", "HOST", "VIEW", "FINALIZED", "CONTIG", "EXECUTED", "CERTIFIED", "MEMPOOL")
		for i, v := range g.Validators {
			p := peer.New(v.Name, v.Host, uint32(i))
			st, err := transport.Status(cmd.Context(), p)
			if err != nil {
				fmt.Printf("%-12s %-22s ERROR: %s\n", p.Name, p.Host, err)
				continue
			}
			fmt.Printf("%-12s %-22s %8d %10d %10d %10d %10d %8d\n", p.Name, p.Host, st.View, st.Finalized, st.Contiguous, st.Executed, st.Certified, st.Mempool)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusGenesis, "genesis", "g", "zblock/genesis.json", "Path to the genesis file.")
}

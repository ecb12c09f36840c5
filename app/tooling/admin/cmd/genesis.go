package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/genesis"
	"github.com/ardanlabs/casino/foundation/nameservice"
	"github.com/spf13/cobra"
)

var (
	genesisPath  string
	namespace    string
	epoch        uint64
	maxDeposit   uint64
	validatorSet []string
)

var genesisCmd = &cobra.Command{
	Use:   "genesis",
	Short: "Build the genesis file from the validator keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		g := genesis.Genesis{
			Date:       time.Now().UTC(),
			Namespace:  namespace,
			Epoch:      epoch,
			MaxDeposit: maxDeposit,
		}

		for _, v := range validatorSet {
			name, host, found := strings.Cut(v, "=")
			if !found {
				return fmt.Errorf("validator %q: expected name=host:port", v)
			}

			key, err := nameservice.LoadValidator(keysPath, name)
			if err != nil {
				return err
			}

			g.Validators = append(g.Validators, genesis.Validator{
				Name:   name,
				Host:   host,
				BLSKey: key.PublicKey(),
			})
		}

		if err := genesis.Save(genesisPath, g); err != nil {
			return err
		}

		fmt.Printf("genesis written to %s: validators[%d] quorum[%d]\n", genesisPath, len(g.Validators), g.Quorum())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(genesisCmd)
	genesisCmd.Flags().StringVarP(&genesisPath, "out", "o", "zblock/genesis.json", "Where to write the genesis file.")
	genesisCmd.Flags().StringVarP(&namespace, "namespace", "n", "casino", "Chain namespace.")
	genesisCmd.Flags().Uint64Var(&epoch, "epoch", 0, "Leader rotation offset.")
	genesisCmd.Flags().Uint64Var(&maxDeposit, "max-deposit", 1_000_000, "Largest single faucet deposit.")
	genesisCmd.Flags().StringSliceVar(&validatorSet, "validator", nil, "Validator as name=host:port, in order. Repeatable.")
}

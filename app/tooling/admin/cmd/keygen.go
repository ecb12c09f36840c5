package cmd

import (
	"fmt"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ardanlabs/casino/foundation/nameservice"
	"github.com/spf13/cobra"
)

var validatorKey bool

var keygenCmd = &cobra.Command{
	Use:   "keygen <name>",
	Short: "Generate an account key, and a validator key with --validator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		priv, pk, err := signature.GenerateKey(nil)
		if err != nil {
			return err
		}

		if err := nameservice.SaveWallet(keysPath, name, priv); err != nil {
			return err
		}
		fmt.Printf("account   %s: %s\n", name, pk)

		if !validatorKey {
			return nil
		}

		key := signature.GenerateBLSKey()
		if err := nameservice.SaveValidator(keysPath, name, key); err != nil {
			return err
		}
		fmt.Printf("validator %s: %s\n", name, key.PublicKey())

		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().BoolVarP(&validatorKey, "validator", "v", false, "Also generate a validator key.")
}

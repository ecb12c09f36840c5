package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ardanlabs/casino/business/web/errs"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ardanlabs/casino/foundation/nameservice"
	"github.com/spf13/cobra"
)

var (
	accountName string
	txNamespace string
	txNonce     int64
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Sign and submit a transaction to a node",
}

var registerCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register the account under a display name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd.Context(), database.Register{Name: args[0]})
	},
}

var depositCmd = &cobra.Command{
	Use:   "deposit <amount>",
	Short: "Credit the account from the faucet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		return submit(cmd.Context(), database.Deposit{Amount: amount})
	},
}

var transferCmd = &cobra.Command{
	Use:   "transfer <to> <amount>",
	Short: "Move funds to another account, by name or hex key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := nameservice.New(keysPath)
		if err != nil {
			return err
		}

		to, err := ns.Resolve(args[0])
		if err != nil {
			return err
		}

		amount, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}

		return submit(cmd.Context(), database.Transfer{To: to, Amount: amount})
	},
}

var wagerCmd = &cobra.Command{
	Use:   "wager <coinflip|dice> <choice> <amount>",
	Short: "Bet on the outcome of a game",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var game uint8
		switch args[0] {
		case "coinflip":
			game = database.GameCoinFlip
		case "dice":
			game = database.GameDice
		default:
			return fmt.Errorf("unknown game %q", args[0])
		}

		choice, err := strconv.ParseUint(args[1], 10, 8)
		if err != nil {
			return fmt.Errorf("choice: %w", err)
		}

		amount, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}

		return submit(cmd.Context(), database.Wager{Game: game, Choice: uint8(choice), Amount: amount})
	},
}

func init() {
	rootCmd.AddCommand(txCmd)
	txCmd.AddCommand(registerCmd, depositCmd, transferCmd, wagerCmd)

	txCmd.PersistentFlags().StringVarP(&accountName, "account", "a", "", "Name of the account key that signs.")
	txCmd.PersistentFlags().StringVarP(&txNamespace, "namespace", "n", "casino", "Chain namespace from genesis.")
	txCmd.PersistentFlags().Int64Var(&txNonce, "nonce", -1, "Nonce to sign with, asks the node when negative.")
	txCmd.MarkPersistentFlagRequired("account")
}

// =============================================================================

type submitTx struct {
	Tx string `json:"tx"`
}

type submitted struct {
	Status string          `json:"status"`
	Digest database.Digest `json:"digest"`
}

type accountInfo struct {
	Nonce   uint64 `json:"nonce"`
	Balance uint64 `json:"balance"`
}

// submit signs the instruction with the named account and hands it to the
// node's public api.
func submit(ctx context.Context, ins database.Instruction) error {
	priv, err := nameservice.LoadWallet(keysPath, accountName)
	if err != nil {
		return err
	}

	nonce, err := resolveNonce(ctx, signature.PublicKeyOf(priv))
	if err != nil {
		return err
	}

	tx, err := database.NewTransaction(priv, txNamespace, nonce, ins)
	if err != nil {
		return err
	}

	var resp submitted
	if err := send(ctx, http.MethodPost, nodeURL+"/v1/tx/submit", submitTx{Tx: tx.Hex()}, &resp); err != nil {
		return err
	}

	return printJSON(resp)
}

// resolveNonce returns the flag value when set, otherwise the next nonce
// the node expects for the account. An unknown account starts at zero.
func resolveNonce(ctx context.Context, pk signature.PublicKey) (uint64, error) {
	if txNonce >= 0 {
		return uint64(txNonce), nil
	}

	var acct accountInfo
	err := send(ctx, http.MethodGet, nodeURL+"/v1/account/"+pk.String(), nil, &acct)
	if err != nil {
		var trusted *errs.Trusted
		if errors.As(err, &trusted) && trusted.Status == http.StatusNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("query nonce: %w", err)
	}

	return acct.Nonce, nil
}

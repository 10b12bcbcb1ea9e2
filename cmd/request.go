package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/cmd/node"
	"github.com/michaelpento.lv/flashsettle/execution"
	"github.com/michaelpento.lv/flashsettle/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	requestBudget   uint64
	requestTimeout  time.Duration
	balanceContract bool
)

var requestCmd = &cobra.Command{
	Use:   "request SYMBOL AMOUNT",
	Short: "Request a flash loan of AMOUNT whole units and wait for the outcome",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return apperror.New(apperror.CodeInvalidAmount, apperror.WithContext(args[1]), apperror.WithCause(err))
		}

		return withNode(cmd, func(ctx context.Context, n *node.Node) error {
			timeout := cfg.FinalityTimeout.Duration
			if requestTimeout > 0 {
				timeout = requestTimeout
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var opts []execution.RequestOption
			if requestBudget > 0 {
				opts = append(opts, execution.WithRequestBudget(requestBudget))
			}

			cmd.Printf("Requesting flash loan of %s %s...\n", amount.String(), args[0])
			outcome, err := n.Client.RequestFlashLoan(ctx, args[0], amount, opts...)
			if outcome != nil {
				printOutcome(cmd, outcome)
			}
			return err
		})
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance SYMBOL [ACCOUNT]",
	Short: "Print the committed balance of an account, or of the flash-loan contract with --contract",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if balanceContract {
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				asset, amount, err := n.ContractBalance(ctx, args[0])
				if err != nil {
					return err
				}
				cmd.Printf("%s held by contract %s\n", asset.Format(amount), cfg.ContractAddress().Hex())
				return nil
			})
		}

		if len(args) != 2 {
			return fmt.Errorf("account required unless --contract is set")
		}
		if !common.IsHexAddress(args[1]) {
			return fmt.Errorf("invalid account %q", args[1])
		}
		return withNode(cmd, func(ctx context.Context, n *node.Node) error {
			snap, err := n.Oracle.Snapshot(ctx, args[0], common.HexToAddress(args[1]))
			if err != nil {
				return err
			}
			cmd.Printf("%s at block %d\n", snap.Asset.Format(snap.Amount), snap.Block)
			return nil
		})
	},
}

func printOutcome(cmd *cobra.Command, o *types.Outcome) {
	cmd.Printf("Status:      %s\n", o.Status)
	cmd.Printf("Transaction: %s\n", o.TxHash.Hex())
	if o.Block > 0 {
		cmd.Printf("Block:       %d\n", o.Block)
	}
	cmd.Printf("Principal:   %s\n", o.Asset.Format(o.Principal))
	cmd.Printf("Fee:         %s\n", o.Asset.Format(o.Fee))

	switch o.Status {
	case types.StatusSettled:
		if o.PoolBalance != nil {
			cmd.Printf("Pool:        %s\n", o.Asset.Format(o.PoolBalance))
		}
		if o.BorrowerBalance != nil {
			cmd.Printf("Borrower:    %s\n", o.Asset.Format(o.BorrowerBalance))
		}
	case types.StatusReverted:
		cmd.Printf("Reason:      %s\n", apperror.GetCode(o.Reason))
	case types.StatusPending:
		cmd.Println("Finality not observed yet; the attempt may still settle")
	}
}

func init() {
	requestCmd.Flags().Uint64Var(&requestBudget, "budget", 0, "execution budget (default from config)")
	requestCmd.Flags().DurationVar(&requestTimeout, "timeout", 0, "finality deadline (default from config)")
	balanceCmd.Flags().BoolVar(&balanceContract, "contract", false, "read the flash-loan contract's holdings (rpc backend)")
	rootCmd.AddCommand(requestCmd, balanceCmd)
}

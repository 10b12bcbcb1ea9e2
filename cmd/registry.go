package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/cmd/node"
	"github.com/spf13/cobra"
)

var registerAs string

var registerCmd = &cobra.Command{
	Use:   "register SYMBOL ADDRESS DECIMALS",
	Short: "Bind an asset symbol to a token address",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !common.IsHexAddress(args[1]) {
			return fmt.Errorf("invalid token address %q", args[1])
		}
		decimals, err := strconv.ParseUint(args[2], 10, 8)
		if err != nil {
			return fmt.Errorf("invalid decimals %q: %w", args[2], err)
		}

		caller := cfg.OperatorAddress()
		if registerAs != "" {
			if !common.IsHexAddress(registerAs) {
				return fmt.Errorf("invalid caller address %q", registerAs)
			}
			caller = common.HexToAddress(registerAs)
		}

		return withNode(cmd, func(_ context.Context, n *node.Node) error {
			if err := n.Client.Register(caller, args[0], common.HexToAddress(args[1]), uint8(decimals)); err != nil {
				return err
			}
			asset, err := n.Client.Resolve(args[0])
			if err != nil {
				return err
			}
			cmd.Printf("%s -> %s (%d decimals)\n", asset.Symbol, asset.Address.Hex(), asset.Decimals)
			return nil
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve SYMBOL",
	Short: "Print the token address registered for a symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(_ context.Context, n *node.Node) error {
			asset, err := n.Client.Resolve(args[0])
			if err != nil {
				return err
			}
			cmd.Println(asset.Address.Hex())
			return nil
		})
	},
}

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "List registered assets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(_ context.Context, n *node.Node) error {
			for _, symbol := range n.Registry.Symbols() {
				asset, err := n.Registry.Resolve(symbol)
				if err != nil {
					return err
				}
				cmd.Printf("%-8s %s %d\n", asset.Symbol, asset.Address.Hex(), asset.Decimals)
			}
			return nil
		})
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerAs, "as", "", "caller address (default: configured operator)")
	rootCmd.AddCommand(registerCmd, resolveCmd, tokensCmd)
}

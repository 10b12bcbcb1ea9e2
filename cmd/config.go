package cmd

import (
	"github.com/michaelpento.lv/flashsettle/config"
	"github.com/spf13/cobra"
)

var writeConfig string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("Backend:      %s\n", cfg.Backend)
		cmd.Printf("Network:      %s (chain %d)\n", cfg.Network.Name, cfg.Network.ChainID)
		cmd.Printf("RPC endpoint: %s\n", valueOrUnset(cfg.Network.RPCEndpoint))
		cmd.Printf("Signing key:  %s\n", presence(cfg.PrivateKey))
		cmd.Printf("Contract:     %s\n", valueOrUnset(cfg.Contract))
		cmd.Printf("Pool:         %s\n", cfg.PoolAddress().Hex())
		cmd.Printf("Fee:          %d bps\n", cfg.FeeBps)
		cmd.Printf("Budget:       %d\n", cfg.DefaultBudget)
		cmd.Printf("Timeout:      %s\n", cfg.FinalityTimeout)
		for _, t := range cfg.Tokens {
			cmd.Printf("Token:        %s %s %d\n", t.Symbol, t.Address, t.Decimals)
		}

		if writeConfig != "" {
			if err := config.SaveConfig(cfg, writeConfig); err != nil {
				return err
			}
			cmd.Printf("Written to %s\n", writeConfig)
		}
		return nil
	},
}

func valueOrUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}

func presence(s string) string {
	if s == "" {
		return "(unset)"
	}
	return "(set)"
}

func init() {
	configCmd.Flags().StringVar(&writeConfig, "write", "", "save the resolved configuration to this file")
	rootCmd.AddCommand(configCmd)
}

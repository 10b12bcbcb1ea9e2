package cmd

import (
	"context"
	"fmt"

	"github.com/michaelpento.lv/flashsettle/cmd/node"
	"github.com/michaelpento.lv/flashsettle/config"
	"github.com/michaelpento.lv/flashsettle/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
	debug   bool
	console bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "flashsettle",
	Short: "Request and settle flash loans",
	Long: `flashsettle borrows from a lending pool, runs the use-of-funds step and
repays principal plus fee inside one atomic unit of execution. It runs
against an in-process ledger or a deployed flash-loan contract over RPC.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(utils.LogOptions{Debug: debug, Console: console})

		if err := config.LoadEnv(envFiles()...); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
		loaded, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		utils.CleanupLogger()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file, JSON or YAML (default: built-in local deployment)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file (default .env)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&console, "console", false, "human-readable log output")
}

func envFiles() []string {
	if envFile == "" {
		return nil
	}
	return []string{envFile}
}

// withNode starts a node for the duration of fn
func withNode(cmd *cobra.Command, fn func(ctx context.Context, n *node.Node) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	log := utils.GetLogger()
	n, err := node.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to start node", zap.Error(err))
		return err
	}
	defer n.Stop()

	return fn(ctx, n)
}

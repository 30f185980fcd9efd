package main

import (
	"fmt"

	"wallet-settlement/pkg/config"
	"wallet-settlement/pkg/logging"

	"github.com/spf13/cobra"
)

// app carries state shared by every subcommand once the root command has
// loaded the configuration.
type app struct {
	configPath string
	config     *config.Config
	logger     *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "settlement",
		Short: "Wallet payment settlement pipeline",
		Long: `settlement moves deposits and withdrawals from intake to a terminal state.

Requests are recorded as pending in the ledger and queued. Workers settle them
with the payment provider and apply the result to the balance store exactly
once, however often a work item is delivered.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (yaml, json or toml)")

	root.AddCommand(a.workerCmd())
	root.AddCommand(a.serveCmd())
	root.AddCommand(a.submitCmd("deposit", "Record a deposit and queue it for settlement"))
	root.AddCommand(a.submitCmd("withdraw", "Record a withdrawal and queue it for settlement"))
	root.AddCommand(a.balanceCmd())
	root.AddCommand(a.requeueCmd())
	root.AddCommand(a.migrateCmd())

	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobal(logger)

	a.config = cfg
	a.logger = logger.Named("settlement")
	return nil
}

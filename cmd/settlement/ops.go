package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"wallet-settlement/pkg/config"
	"wallet-settlement/pkg/intake"
	"wallet-settlement/pkg/ledger/postgres"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// submitCmd builds the deposit and withdraw commands; kind is the command
// name.
func (a *app) submitCmd(kind, short string) *cobra.Command {
	var req intake.Request

	cmd := &cobra.Command{
		Use:   kind,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(true)
			if err != nil {
				return err
			}
			defer s.Close()

			svc, err := s.intake(a)
			if err != nil {
				return err
			}

			req.Kind = kind
			receipt, err := svc.Submit(ctx, req)
			if err != nil && !errors.Is(err, intake.ErrEnqueueFailed) {
				return err
			}
			if werr := writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"transaction": receipt.Transaction,
				"duplicate":   receipt.Duplicate,
			}); werr != nil {
				return werr
			}
			// Recorded but not queued; the pending sweep picks it up
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.OwnerID, "owner", "", "wallet owner id")
	flags.StringVar(&req.Amount, "amount", "", "amount as a decimal string")
	flags.StringVar(&req.Currency, "currency", "", "currency code (default ETB)")
	flags.StringVar(&req.Provider, "provider", "", "provider that settles the transaction")
	flags.StringVar(&req.Destination, "destination", "", "phone number, bank account or on-chain address")
	flags.StringVar(&req.IdempotencyKey, "key", "", "idempotency key; resubmitting with it queues nothing")
	flags.StringToStringVar(&req.Metadata, "meta", nil, "extra provider metadata as key=value pairs")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("amount")
	cmd.MarkFlagRequired("provider")
	return cmd
}

func (a *app) balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance ACCOUNT_ID",
		Short: "Show an account's available and reserved balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid account id %q", args[0])
			}

			ctx := cmd.Context()
			s, err := a.open(false)
			if err != nil {
				return err
			}
			defer s.Close()

			acct, err := s.ledger.GetAccount(ctx, id)
			if err != nil {
				return err
			}
			b, err := s.balances.Read(ctx, id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"account":   acct,
				"available": b.Available,
				"reserved":  b.Reserved,
				"total":     b.Total(),
			})
		},
	}
}

func (a *app) requeueCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Queue pending transactions again",
		Long: `requeue enqueues every pending transaction last updated before --older-than.

Use it after an outage of the work queue. Queueing a transaction that is
already queued is harmless.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(true)
			if err != nil {
				return err
			}
			defer s.Close()

			svc, err := s.intake(a)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = a.config.Sweep.OlderThan
			}
			queued, err := svc.RequeuePending(ctx, olderThan)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"requeued": queued})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "skip transactions updated more recently (default sweep.older_than)")
	return cmd
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL ledger schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.config.Ledger.Backend != config.BackendPostgres {
				return fmt.Errorf("migrate needs the postgres ledger, configured backend is %q", a.config.Ledger.Backend)
			}

			pgCfg := a.config.Postgres
			pgCfg.AutoMigrate = false
			pgCfg.Logger = a.logger
			l, err := postgres.Open(pgCfg)
			if err != nil {
				return err
			}
			defer l.Close()

			if err := l.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("ledger schema migrated", zap.String("database", pgCfg.Database))
			return nil
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

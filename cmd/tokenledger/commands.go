package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/audit"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/mirror"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/filestore"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagLimit  = "limit"
	flagReason = "reason"
	flagEvent  = "event"
	flagCost   = "cost"
)

type runtime struct {
	cfg      config.Config
	logger   *zap.Logger
	observer *metrics.Observer
	remote   ledger.RemoteClient
}

func newRuntime(opts *options) (*runtime, error) {
	logger, err := newLogger(opts.debug)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	var remote ledger.RemoteClient = ledger.DisabledRemote{}
	if opts.cfg.RemoteEnabled() {
		client, err := mirror.New(opts.cfg.MirrorConfig(), mirror.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("remote client init: %w", err)
		}
		remote = client
	}
	return &runtime{
		cfg:      opts.cfg,
		logger:   logger,
		observer: metrics.NewObserver(logger),
		remote:   remote,
	}, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (rt *runtime) newLedger(userID ledger.UserID, listeners ...ledger.Listener) (*ledger.Ledger, error) {
	dir := filestore.UserDir(rt.cfg.StorageDir, userID)
	logger := rt.logger.With(zap.String("user_id", userID.String()))
	ledgerOptions := []ledger.LedgerOption{
		ledger.WithMode(rt.cfg.Mode),
		ledger.WithInitialBalance(rt.cfg.InitialBalance),
		ledger.WithRetryPolicy(rt.cfg.Retry),
		ledger.WithRecoveryPolicy(rt.cfg.Recovery),
		ledger.WithRemoteClient(rt.remote),
		ledger.WithAuditLog(audit.New(dir, audit.WithLogger(logger))),
		ledger.WithOperationLogger(rt.observer),
		ledger.WithListener(rt.observer),
	}
	for _, listener := range listeners {
		ledgerOptions = append(ledgerOptions, ledger.WithListener(listener))
	}
	return ledger.New(userID, filestore.New(dir, filestore.WithLogger(logger)), ledgerOptions...)
}

// withLedger bootstraps the configured user's ledger for a one-shot command.
func (rt *runtime) withLedger(ctx context.Context, fn func(entry *ledger.Ledger) error) error {
	entry, err := rt.newLedger(ledger.NormalizeUserID(rt.cfg.UserID))
	if err != nil {
		return err
	}
	defer entry.Close()
	if _, err := entry.Bootstrap(ctx, ledger.BootstrapOptions{}); err != nil {
		return err
	}
	if err := fn(entry); err != nil {
		return err
	}
	if err := entry.Settle(ctx); err != nil {
		return err
	}
	if pending := entry.Snapshot().Remote.Pending; pending > 0 {
		rt.logger.Warn("remote mirror has pending transactions at exit", zap.Int("pending", pending))
	}
	return nil
}

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the token ledger HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			defer func() { _ = rt.logger.Sync() }()

			hub := httpapi.NewHub(rt.logger)
			registry, err := ledger.NewRegistry(func(userID ledger.UserID) (*ledger.Ledger, error) {
				return rt.newLedger(userID, hub)
			}, ledger.BootstrapOptions{}, ledger.WithMaxLedgers(rt.cfg.MaxLedgers))
			if err != nil {
				return err
			}
			defer registry.Close()

			server, err := httpapi.NewServer(registry, hub,
				httpapi.WithLogger(rt.logger),
				httpapi.WithAllowedOrigins(rt.cfg.AllowedOrigins),
				httpapi.WithHistoryLimit(rt.cfg.HistoryLimit),
				httpapi.WithMetricsHandler(rt.observer.Handler()),
			)
			if err != nil {
				return err
			}
			rt.logger.Info("token ledger configured",
				zap.String("storage_dir", rt.cfg.StorageDir),
				zap.String("mode", rt.cfg.Mode.String()),
				zap.Bool("remote_enabled", rt.cfg.RemoteEnabled()),
				zap.Int("max_ledgers", rt.cfg.MaxLedgers),
			)
			return server.Run(ctx, rt.cfg.ListenAddr)
		},
	}
}

func newBalanceCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the ledger snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			defer func() { _ = rt.logger.Sync() }()
			return rt.withLedger(cmd.Context(), func(entry *ledger.Ledger) error {
				return writeJSON(cmd.OutOrStdout(), entry.Snapshot())
			})
		},
	}
}

func newHistoryCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent transactions, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := cmd.Flags().GetInt(flagLimit)
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = opts.cfg.HistoryLimit
			}
			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			defer func() { _ = rt.logger.Sync() }()
			return rt.withLedger(cmd.Context(), func(entry *ledger.Ledger) error {
				return writeJSON(cmd.OutOrStdout(), entry.ListTransactions(ledger.ListOptions{Limit: limit}))
			})
		},
	}
	cmd.Flags().Int(flagLimit, 0, "number of transactions to print (defaults to --history-limit)")
	return cmd
}

func newEarnCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "earn [amount]",
		Short: "Credit tokens by amount or by --event",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString(flagReason)
			rawEvent, _ := cmd.Flags().GetString(flagEvent)
			metadata := reasonMetadata(reason)
			return runMutation(cmd, opts, func(ctx context.Context, entry *ledger.Ledger) (ledger.Transaction, error) {
				if rawEvent != "" {
					event, err := ledger.ParseRewardEvent(rawEvent)
					if err != nil {
						return ledger.Transaction{}, err
					}
					return entry.RecordReward(ctx, event, metadata)
				}
				amount, err := parseAmount(args)
				if err != nil {
					return ledger.Transaction{}, err
				}
				return entry.RecordEarn(ctx, amount, metadata)
			})
		},
	}
	cmd.Flags().String(flagReason, "", "reason recorded on the transaction")
	cmd.Flags().String(flagEvent, "", "reward event name used instead of an amount")
	return cmd
}

func newSpendCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spend [amount]",
		Short: "Debit tokens by amount or by --cost",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString(flagReason)
			rawCost, _ := cmd.Flags().GetString(flagCost)
			metadata := reasonMetadata(reason)
			return runMutation(cmd, opts, func(ctx context.Context, entry *ledger.Ledger) (ledger.Transaction, error) {
				if rawCost != "" {
					cost, err := ledger.ParseSpendCost(rawCost)
					if err != nil {
						return ledger.Transaction{}, err
					}
					return entry.RecordCharge(ctx, cost, metadata)
				}
				amount, err := parseAmount(args)
				if err != nil {
					return ledger.Transaction{}, err
				}
				return entry.RecordSpend(ctx, amount, metadata)
			})
		},
	}
	cmd.Flags().String(flagReason, "", "reason recorded on the transaction")
	cmd.Flags().String(flagCost, "", "spend cost name used instead of an amount")
	return cmd
}

func runMutation(cmd *cobra.Command, opts *options, mutate func(ctx context.Context, entry *ledger.Ledger) (ledger.Transaction, error)) error {
	rt, err := newRuntime(opts)
	if err != nil {
		return err
	}
	defer func() { _ = rt.logger.Sync() }()
	return rt.withLedger(cmd.Context(), func(entry *ledger.Ledger) error {
		transaction, err := mutate(cmd.Context(), entry)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), transaction)
	})
}

func parseAmount(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%w: amount is required", ledger.ErrInvalidAmount)
	}
	amount, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ledger.ErrInvalidAmount, args[0])
	}
	return amount, nil
}

func reasonMetadata(reason string) ledger.Metadata {
	if reason == "" {
		return nil
	}
	return ledger.Metadata{ledger.MetadataKeyReason: reason}
}

func writeJSON(writer io.Writer, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(writer, string(encoded))
	return err
}

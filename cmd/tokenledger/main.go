package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagStorageDir         = "storage-dir"
	flagUserID             = "user-id"
	flagMode               = "mode"
	flagInitialBalance     = "initial-balance"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagHistoryLimit       = "history-limit"
	flagMaxLedgers         = "max-ledgers"
	flagRemoteMode         = "remote-mode"
	flagRemoteEndpoint     = "remote-endpoint"
	flagRemoteAPIKey       = "remote-api-key"
	flagRemoteTimeout      = "remote-timeout"
	flagRemoteRetries      = "remote-retries"
	flagRemoteRateLimit    = "remote-rate-limit"
	flagRetryBaseDelay     = "retry-base-delay"
	flagRetryMaxDelay      = "retry-max-delay"
	flagRetryMaxAttempts   = "retry-max-attempts"
	flagRetryCapacity      = "retry-capacity"
	flagRecoveryDisabled   = "recovery-disabled"
	flagRecoveryThreshold  = "recovery-threshold"
	flagRecoveryBaseMin    = "recovery-base-min"
	flagRecoveryBaseMax    = "recovery-base-max"
	flagRecoveryMultiplier = "recovery-multiplier"
	flagDebug              = "debug"
	envPrefix              = "TOKENLEDGER"
)

var persistentFlags = []string{
	flagStorageDir, flagUserID, flagMode, flagInitialBalance, flagListenAddr, flagAllowedOrigins, flagHistoryLimit, flagMaxLedgers,
	flagRemoteMode, flagRemoteEndpoint, flagRemoteAPIKey, flagRemoteTimeout, flagRemoteRetries, flagRemoteRateLimit,
	flagRetryBaseDelay, flagRetryMaxDelay, flagRetryMaxAttempts, flagRetryCapacity,
	flagRecoveryDisabled, flagRecoveryThreshold, flagRecoveryBaseMin, flagRecoveryBaseMax, flagRecoveryMultiplier,
	flagDebug,
}

type options struct {
	cfg   config.Config
	debug bool
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tokenledger: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "tokenledger",
		Short:         "Per-user token ledger with optional remote mirroring",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, opts)
		},
	}

	defaults := config.Default()
	flags := cmd.PersistentFlags()
	flags.String(flagStorageDir, defaults.StorageDir, "directory holding one ledger folder per user")
	flags.String(flagUserID, defaults.UserID, "user whose ledger the one-shot commands operate on")
	flags.String(flagMode, defaults.Mode.String(), "ledger mode (SIMULATION or LIVE)")
	flags.Int64(flagInitialBalance, defaults.InitialBalance, "balance used when no ledger exists yet")
	flags.String(flagListenAddr, defaults.ListenAddr, "HTTP listen address for serve")
	flags.String(flagAllowedOrigins, strings.Join(defaults.AllowedOrigins, ","), "comma-separated list of allowed CORS origins")
	flags.Int(flagHistoryLimit, defaults.HistoryLimit, "default number of transactions returned by history listings")
	flags.Int(flagMaxLedgers, defaults.MaxLedgers, "maximum user ledgers serve keeps open (0 disables the cap)")
	flags.String(flagRemoteMode, defaults.RemoteMode.String(), "remote mirroring mode (DISABLED or MIRROR)")
	flags.String(flagRemoteEndpoint, "", "base URL of the remote token ledger")
	flags.String(flagRemoteAPIKey, "", "bearer key sent to the remote token ledger")
	flags.Duration(flagRemoteTimeout, defaults.RemoteTimeout, "timeout for a single remote HTTP attempt")
	flags.Int(flagRemoteRetries, defaults.RemoteRetries, "extra attempts per remote call (capped at 4)")
	flags.Float64(flagRemoteRateLimit, 0, "maximum remote requests per second (0 disables pacing)")
	flags.Duration(flagRetryBaseDelay, defaults.Retry.BaseDelay, "base delay of the remote retry queue")
	flags.Duration(flagRetryMaxDelay, defaults.Retry.MaxDelay, "maximum delay of the remote retry queue")
	flags.Int(flagRetryMaxAttempts, defaults.Retry.MaxAttempts, "attempts before a pending remote entry is dropped")
	flags.Int(flagRetryCapacity, defaults.Retry.Capacity, "maximum pending remote entries")
	flags.Bool(flagRecoveryDisabled, false, "disable automatic recovery credits")
	flags.Int64(flagRecoveryThreshold, defaults.Recovery.Threshold, "balance at or below which a recovery credit is issued")
	flags.Int64(flagRecoveryBaseMin, defaults.Recovery.BaseMin, "lower bound of the recovery base amount")
	flags.Int64(flagRecoveryBaseMax, defaults.Recovery.BaseMax, "upper bound of the recovery base amount")
	flags.Int64(flagRecoveryMultiplier, defaults.Recovery.Multiplier, "multiplier applied to the recovery base amount")
	flags.Bool(flagDebug, false, "enable development logging")

	cmd.AddCommand(
		newServeCommand(opts),
		newBalanceCommand(opts),
		newHistoryCommand(opts),
		newEarnCommand(opts),
		newSpendCommand(opts),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, opts *options) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range persistentFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	mode, err := ledger.ParseMode(v.GetString(flagMode))
	if err != nil {
		return err
	}

	cfg := config.Default()
	cfg.StorageDir = strings.TrimSpace(v.GetString(flagStorageDir))
	cfg.UserID = v.GetString(flagUserID)
	cfg.Mode = mode
	cfg.InitialBalance = v.GetInt64(flagInitialBalance)
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.HistoryLimit = v.GetInt(flagHistoryLimit)
	cfg.MaxLedgers = v.GetInt(flagMaxLedgers)
	cfg.RemoteMode = ledger.ParseRemoteMode(v.GetString(flagRemoteMode))
	cfg.RemoteEndpoint = v.GetString(flagRemoteEndpoint)
	cfg.RemoteAPIKey = v.GetString(flagRemoteAPIKey)
	cfg.RemoteTimeout = v.GetDuration(flagRemoteTimeout)
	cfg.RemoteRetries = v.GetInt(flagRemoteRetries)
	cfg.RemoteRateLimit = v.GetFloat64(flagRemoteRateLimit)
	cfg.Retry.BaseDelay = v.GetDuration(flagRetryBaseDelay)
	cfg.Retry.MaxDelay = v.GetDuration(flagRetryMaxDelay)
	cfg.Retry.MaxAttempts = v.GetInt(flagRetryMaxAttempts)
	cfg.Retry.Capacity = v.GetInt(flagRetryCapacity)
	cfg.Recovery.Enabled = !v.GetBool(flagRecoveryDisabled)
	cfg.Recovery.Threshold = v.GetInt64(flagRecoveryThreshold)
	cfg.Recovery.BaseMin = v.GetInt64(flagRecoveryBaseMin)
	cfg.Recovery.BaseMax = v.GetInt64(flagRecoveryBaseMax)
	cfg.Recovery.Multiplier = v.GetInt64(flagRecoveryMultiplier)

	opts.debug = v.GetBool(flagDebug)
	opts.cfg = cfg
	return opts.cfg.Validate()
}

// Package config holds the runtime settings for tokenledger and mirrord.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/mirror"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
)

const (
	defaultStorageDir    = "/tmp/tokenledger"
	defaultListenAddr    = ":8090"
	defaultMirrorAddr    = ":8091"
	defaultAllowedOrigin = "http://localhost:3300"
	defaultDatabaseURL   = "sqlite:///tmp/tokenledger-mirror.db"
	defaultHistoryLimit  = 50
	defaultMaxLedgers    = 10000
	maxHistoryLimit      = ledger.DefaultTransactionWindow
)

// Config aggregates runtime settings for the local ledger.
type Config struct {
	StorageDir     string
	UserID         string
	Mode           ledger.Mode
	InitialBalance int64
	ListenAddr     string
	AllowedOrigins []string
	HistoryLimit   int
	MaxLedgers     int

	RemoteMode      ledger.RemoteMode
	RemoteEndpoint  string
	RemoteAPIKey    string
	RemoteTimeout   time.Duration
	RemoteRetries   int
	RemoteRateLimit float64

	Retry    ledger.RetryPolicy
	Recovery ledger.RecoveryPolicy
}

// Default returns a Config populated with every default.
func Default() Config {
	return Config{
		StorageDir:     defaultStorageDir,
		UserID:         ledger.DefaultUserID,
		Mode:           ledger.ModeSimulation,
		InitialBalance: ledger.DefaultInitialBalance,
		ListenAddr:     defaultListenAddr,
		AllowedOrigins: []string{defaultAllowedOrigin},
		HistoryLimit:   defaultHistoryLimit,
		MaxLedgers:     defaultMaxLedgers,
		RemoteMode:     ledger.RemoteModeDisabled,
		RemoteTimeout:  mirror.DefaultTimeout,
		RemoteRetries:  mirror.DefaultRetries,
		Retry:          ledger.DefaultRetryPolicy(),
		Recovery:       ledger.DefaultRecoveryPolicy(),
	}
}

// Validate fills blanks with defaults and rejects impossible values.
func (cfg *Config) Validate() error {
	defaults := Default()
	cfg.StorageDir = defaultIfEmpty(cfg.StorageDir, defaults.StorageDir)
	cfg.UserID = ledger.NormalizeUserID(cfg.UserID).String()
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaults.ListenAddr)
	if cfg.Mode == "" {
		cfg.Mode = defaults.Mode
	}
	if cfg.RemoteMode == "" {
		cfg.RemoteMode = defaults.RemoteMode
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = defaults.AllowedOrigins
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	if cfg.HistoryLimit > maxHistoryLimit {
		return fmt.Errorf("history limit must not exceed %d", maxHistoryLimit)
	}
	if cfg.MaxLedgers < 0 {
		return fmt.Errorf("max ledgers must be non-negative")
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = defaults.RemoteTimeout
	}
	if cfg.RemoteRetries < 0 {
		return fmt.Errorf("remote retries must be non-negative")
	}
	if cfg.RemoteRetries > mirror.MaxRetries {
		cfg.RemoteRetries = mirror.MaxRetries
	}
	if cfg.RemoteRateLimit < 0 {
		return fmt.Errorf("remote rate limit must be non-negative")
	}
	cfg.RemoteEndpoint = strings.TrimSpace(cfg.RemoteEndpoint)
	if cfg.RemoteEndpoint != "" {
		parsed, err := url.Parse(cfg.RemoteEndpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("remote endpoint %q must be an absolute URL", cfg.RemoteEndpoint)
		}
	}
	if err := cfg.Retry.Validate(); err != nil {
		return err
	}
	return cfg.Recovery.Validate()
}

// RemoteEnabled reports whether mirroring is configured.
func (cfg Config) RemoteEnabled() bool {
	return cfg.RemoteMode == ledger.RemoteModeMirror && cfg.RemoteEndpoint != ""
}

// MirrorConfig returns the remote client settings, empty when mirroring is off.
func (cfg Config) MirrorConfig() mirror.Config {
	if !cfg.RemoteEnabled() {
		return mirror.Config{}
	}
	return mirror.Config{
		Endpoint:  cfg.RemoteEndpoint,
		APIKey:    cfg.RemoteAPIKey,
		Timeout:   cfg.RemoteTimeout,
		Retries:   cfg.RemoteRetries,
		RateLimit: cfg.RemoteRateLimit,
	}
}

const (
	// StoreBackendGorm persists mirror balances through GORM on SQLite or PostgreSQL.
	StoreBackendGorm = "gorm"
	// StoreBackendPgx persists mirror balances through a pgx pool on PostgreSQL.
	StoreBackendPgx = "pgx"
)

// MirrorServerConfig aggregates runtime settings for mirrord.
type MirrorServerConfig struct {
	ListenAddr   string
	DatabaseURL  string
	APIKey       string
	StoreBackend string
}

// Validate fills blanks with defaults. The pgx backend talks to PostgreSQL
// only.
func (cfg *MirrorServerConfig) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultMirrorAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, StoreBackendGorm))
	switch cfg.StoreBackend {
	case StoreBackendGorm:
	case StoreBackendPgx:
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return fmt.Errorf("store backend %q requires a postgres database url", StoreBackendPgx)
		}
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	return nil
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

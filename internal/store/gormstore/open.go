package gormstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// DriverPostgres selects the Postgres dialector.
	DriverPostgres = "postgres"
	// DriverSQLite selects the pure-Go SQLite dialector.
	DriverSQLite = "sqlite"

	sqliteMemoryPath  = ":memory:"
	defaultSQLiteFile = "mirror.db"
)

// Open connects to the database named by dsn. postgres:// and postgresql://
// URLs use Postgres; sqlite:// URLs and bare paths use SQLite.
func Open(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == DriverSQLite {
		// SQLite serialises writers; a single connection also keeps :memory: databases shared.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

// PrepareSchema migrates the mirror tables.
func PrepareSchema(db *gorm.DB, driver string) error {
	if driver != DriverSQLite && driver != DriverPostgres {
		return fmt.Errorf("unsupported database driver %q", driver)
	}
	if err := db.AutoMigrate(&Account{}, &LedgerEntry{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == sqliteMemoryPath {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	relative := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(relative), 0o755); err != nil {
		return "", err
	}
	return relative, nil
}

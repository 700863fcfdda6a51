package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/iris-credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/iris-credits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverMySQL    = "mysql"

	mysqlScheme = "mysql://"
)

// openStore builds the configured ledger store and migrates its schema.
func openStore(ctx context.Context, cfg *runtimeConfig) (ledger.Store, func(), error) {
	if cfg.StoreBackend == storeBackendPGX {
		if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return pgstore.New(pool), pool.Close, nil
	}

	db, cleanup, driver, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if driver == driverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	store := gormstore.New(db)
	if err := store.Migrate(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

// migrateSchema applies the schema for the configured backend without
// starting any listeners.
func migrateSchema(ctx context.Context, cfg *runtimeConfig) error {
	if cfg.StoreBackend == storeBackendPGX {
		return pgstore.Migrate(cfg.DatabaseURL)
	}
	db, cleanup, _, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()
	return gormstore.New(db).Migrate(ctx)
}

func openDatabase(dsn string) (*gorm.DB, func(), string, error) {
	driver, target, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(target), cfg)
	case driverMySQL:
		db, err = gorm.Open(mysql.Open(target), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(target), cfg)
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
	cleanup := func() { _ = sqlDB.Close() }
	return db, cleanup, driver, nil
}

// resolveDriver returns the gorm dialect and the DSN it expects. mysql urls
// carry a go-sql-driver DSN after the scheme.
func resolveDriver(dsn string) (string, string, error) {
	if isPostgresURL(dsn) {
		return driverPostgres, dsn, nil
	}
	if strings.HasPrefix(dsn, mysqlScheme) {
		target := strings.TrimPrefix(dsn, mysqlScheme)
		if target == "" {
			return "", "", fmt.Errorf("mysql dsn is empty")
		}
		return driverMySQL, target, nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "iris-credits.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

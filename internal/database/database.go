// Package database turns a DSN into a ready credits.Store.
package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver names the storage backend selected from a DSN.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverPGX      Driver = "pgx"
	DriverSQLite   Driver = "sqlite"
	DriverMemory   Driver = "memory"

	defaultSQLiteFile = "credits.db"
)

// Options tunes Open.
type Options struct {
	// AutoMigrate creates tables on PostgreSQL backends. SQLite and memory
	// backends are always prepared.
	AutoMigrate bool
}

// Handle owns an opened store and its underlying connections.
type Handle struct {
	Store  credits.Store
	Driver Driver
	close  func() error
}

// Close releases the underlying connections.
func (handle *Handle) Close() error {
	if handle == nil || handle.close == nil {
		return nil
	}
	return handle.close()
}

// Open resolves dsn and returns a prepared store:
//
//	postgres://… or postgresql://…  GORM over PostgreSQL
//	pgx://…                         native pgx pool
//	sqlite://path or a bare path    GORM over SQLite
//	memory://                       in-process store
func Open(ctx context.Context, dsn string, options Options, log *zap.Logger) (*Handle, error) {
	if log == nil {
		log = zap.NewNop()
	}
	driver, target, err := ResolveDriver(dsn)
	if err != nil {
		return nil, err
	}
	log.Info("opening credit store", zap.String("driver", string(driver)))
	switch driver {
	case DriverMemory:
		return &Handle{Store: memstore.New(), Driver: driver}, nil
	case DriverPGX:
		return openPGX(ctx, target, options)
	case DriverPostgres, DriverSQLite:
		return openGORM(ctx, driver, target, options)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openGORM(ctx context.Context, driver Driver, target string, options Options) (*Handle, error) {
	config := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(target), config)
	default:
		db, err = gorm.Open(sqlite.Open(target), config)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one connection serializes writers; FOR UPDATE is not available
		sqlDB.SetMaxOpenConns(1)
	}
	store := gormstore.New(db)
	if driver == DriverSQLite || options.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return &Handle{Store: store, Driver: driver, close: sqlDB.Close}, nil
}

func openPGX(ctx context.Context, target string, options Options) (*Handle, error) {
	pool, err := pgxpool.New(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("open pgx: %w", err)
	}
	store := pgstore.New(pool)
	if options.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Handle{
		Store:  store,
		Driver: DriverPGX,
		close: func() error {
			pool.Close()
			return nil
		},
	}, nil
}

// ResolveDriver maps a DSN to a driver and the connection target the driver expects.
func ResolveDriver(dsn string) (Driver, string, error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "":
		return "", "", fmt.Errorf("database url is required")
	case strings.HasPrefix(trimmed, "memory://"):
		return DriverMemory, "", nil
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return DriverPostgres, trimmed, nil
	case strings.HasPrefix(trimmed, "pgx://"):
		return DriverPGX, "postgres://" + strings.TrimPrefix(trimmed, "pgx://"), nil
	case strings.HasPrefix(trimmed, "sqlite://"):
		parsed, err := url.Parse(trimmed)
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
	sqlitePath, err := normalizeSQLitePath(trimmed)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if filepath.IsAbs(path) {
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

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
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultSQLiteFile = "envelopes.db"
)

// Open connects to the database named by dsn: postgres:// URLs use PostgreSQL, sqlite:// URLs
// and bare paths use SQLite. SQLite gets a single connection so writers never race readers.
// The returned cleanup closes the pool.
func Open(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driverName, sqlitePath, err := ResolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}
	config := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch driverName {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), config)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), config)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driverName)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driverName == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driverName, nil
}

// ResolveDriver picks the driver for dsn and, for SQLite, the database file path.
func ResolveDriver(dsn string) (string, string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return "", "", fmt.Errorf("database url is required")
	}
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(trimmed, "sqlite://") {
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

// PrepareSchema creates or updates the document tables.
func PrepareSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

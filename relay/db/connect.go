// Package db opens the libsql database backing the transcript and the
// dispatch queue, and keeps its schema current with goose.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

// Config holds connection, pooling and PRAGMA settings.
type Config struct {
	DSN       string // "file:/path/relay.db" or a remote libsql URL
	AuthToken string // remote only

	MaxOpenConns   int
	MaxIdleConns   int
	ConnMaxIdleSec int
	ConnMaxLifeSec int

	JournalMode string // WAL, DELETE, ...
	SyncMode    string // NORMAL, FULL, OFF
	BusyTimeout time.Duration
}

// Open connects, applies pragmas and pooling, and runs pending migrations.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*sql.DB, error) {
	dsn, err := resolveDSN(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("dsn", redact(dsn)).Msg("connecting to libsql")

	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("basic connectivity test failed: %w", err)
	}

	if strings.HasPrefix(dsn, "file:") {
		if err := configurePragmaSettings(ctx, conn, cfg); err != nil {
			conn.Close()
			return nil, err
		}
	}

	configureConnectionPooling(conn, cfg, logger)

	if err := Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// resolveDSN creates the directory of an embedded database and attaches the
// auth token to remote URLs.
func resolveDSN(cfg Config) (string, error) {
	dsn := cfg.DSN
	if dsn == "" {
		return "", fmt.Errorf("database dsn is empty")
	}

	if strings.HasPrefix(dsn, "file:") {
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.Index(path, "?"); i >= 0 {
			path = path[:i]
		}
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("could not create database directory %s: %w", dir, err)
		}
		return dsn, nil
	}

	if cfg.AuthToken == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid database url: %w", err)
	}
	q := u.Query()
	q.Set("authToken", cfg.AuthToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.RawQuery == "" {
		return dsn
	}
	q := u.Query()
	if q.Has("authToken") {
		q.Set("authToken", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// configurePragmaSettings applies PRAGMA settings to an embedded database.
func configurePragmaSettings(ctx context.Context, conn *sql.DB, cfg Config) error {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	pragmas := []struct {
		name  string
		value string
	}{
		{"journal_mode", cfg.JournalMode},
		{"synchronous", cfg.SyncMode},
		{"busy_timeout", fmt.Sprintf("%d", busy.Milliseconds())},
	}

	for _, p := range pragmas {
		if p.value == "" {
			continue
		}
		// journal_mode and busy_timeout return a row, so Query works for all of them.
		rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA %s = %s", p.name, p.value))
		if err != nil {
			return fmt.Errorf("failed to set %s: %w", p.name, err)
		}
		rows.Close()
	}

	return nil
}

// configureConnectionPooling sets pool limits, falling back to SQLite-friendly defaults.
func configureConnectionPooling(conn *sql.DB, cfg Config, logger zerolog.Logger) {
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	conn.SetMaxOpenConns(maxOpen)

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}
	conn.SetMaxIdleConns(maxIdle)

	idleTime := time.Duration(cfg.ConnMaxIdleSec) * time.Second
	if idleTime <= 0 {
		idleTime = 5 * time.Minute
	}
	conn.SetConnMaxIdleTime(idleTime)

	lifeTime := time.Duration(cfg.ConnMaxLifeSec) * time.Second
	if lifeTime <= 0 {
		lifeTime = time.Hour
	}
	conn.SetConnMaxLifetime(lifeTime)

	logger.Debug().
		Int("max_open", maxOpen).
		Int("max_idle", maxIdle).
		Dur("max_idle_time", idleTime).
		Dur("max_lifetime", lifeTime).
		Msg("connection pool configured")
}

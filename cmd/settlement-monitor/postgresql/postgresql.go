// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgresql

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/helper"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

// DB is the subset of *pgxpool.Pool the store needs. pgxmock pools satisfy it as well.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

var (
	commitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settlementmonitor_postgres_commit_duration_seconds",
			Help:    "Duration of transaction commits",
			Buckets: prometheus.DefBuckets,
		},
	)
	rollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlementmonitor_postgres_rollbacks_total",
			Help: "The total number of rolled back transactions",
		},
	)
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// LockTimeout bounds how long a transaction waits for a row lock. Zero disables it.
	LockTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	var err error
	if cfg.Host, err = env.GetAsString("POSTGRES_HOST", false, "db"); err != nil {
		return cfg, err
	}
	if cfg.Port, err = env.GetAsInt("POSTGRES_PORT", false, 5432); err != nil {
		return cfg, err
	}
	if cfg.User, err = env.GetAsString("POSTGRES_USER", true, ""); err != nil {
		return cfg, err
	}
	if cfg.Password, err = env.GetAsString("POSTGRES_PASSWORD", true, ""); err != nil {
		return cfg, err
	}
	if cfg.Database, err = env.GetAsString("POSTGRES_DATABASE", true, ""); err != nil {
		return cfg, err
	}
	if cfg.SSLMode, err = env.GetAsString("POSTGRES_SSL_MODE", false, "require"); err != nil {
		return cfg, err
	}
	if cfg.LockTimeout, err = helper.EnvSeconds("POSTGRES_LOCK_TIMEOUT_SECONDS", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) connString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Connection implements monitoring.Store on top of a pgx pool.
type Connection struct {
	db          DB
	lockTimeout time.Duration
}

// NewConnection wraps an existing pool. Used by tests with a pgxmock pool.
func NewConnection(db DB, lockTimeout time.Duration) *Connection {
	return &Connection{db: db, lockTimeout: lockTimeout}
}

// Connect opens the pool and retries the first ping with exponential backoff
// until maxWait elapses.
func Connect(cfg Config, maxWait time.Duration) (*Connection, error) {
	zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", cfg.User, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	establishCtx, establishCncl := helper.Get5SecondContext()
	defer establishCncl()
	pool, err := pgxpool.New(establishCtx, cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to postgres database: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	err = backoff.RetryNotify(func() error {
		ctx, cncl := helper.Get5SecondContext()
		defer cncl()
		return pool.Ping(ctx)
	}, b, func(err error, next time.Duration) {
		zap.S().Warnf("Database is not available yet: %s (retrying in %s)", err, next)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("database is not available: %w", err)
	}
	return NewConnection(pool, cfg.LockTimeout), nil
}

// EnsureSchema creates all tables and indexes that do not exist yet.
func (c *Connection) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, schema); err != nil {
		return classify("ensure schema", err)
	}
	return nil
}

// CheckSchema verifies that the tables the store writes to exist.
func (c *Connection) CheckSchema(ctx context.Context) error {
	tablesToCheck := []string{"resources", "resource_operations", "incidents", "sensors_devices", "tasks", "notifications"}
	for _, table := range tablesToCheck {
		var tableName string
		query := `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
		err := c.db.QueryRow(ctx, query, table).Scan(&tableName)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("table %s does not exist in the database", table)
			}
			return fmt.Errorf("failed to check for table %s: %w", table, err)
		}
	}
	return nil
}

func (c *Connection) Ping(ctx context.Context) error {
	if c.db == nil {
		return errors.New("database is nil")
	}
	return c.db.Ping(ctx)
}

func (c *Connection) IsAvailable() bool {
	ctx, cncl := helper.Get5SecondContext()
	defer cncl()
	if err := c.Ping(ctx); err != nil {
		zap.S().Debugf("Failed to ping database: %s", err)
		return false
	}
	return true
}

func (c *Connection) GetHealthCheck() healthcheck.Check {
	return func() error {
		if c.IsAvailable() {
			return nil
		}
		return errors.New("healthcheck failed to reach database")
	}
}

func (c *Connection) Close() {
	if c.db != nil {
		c.db.Close()
	}
}

// Begin opens a read-committed transaction. Writers serialize on the row
// locks taken by the Lock* methods.
func (c *Connection) Begin(ctx context.Context) (monitoring.Tx, error) {
	if c.db == nil {
		return nil, fmt.Errorf("%w: database is nil", monitoring.ErrStorageFailure)
	}
	tx, err := c.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classify("begin", err)
	}
	if c.lockTimeout > 0 {
		_, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", c.lockTimeout.Milliseconds()))
		if err != nil {
			zap.S().Warnf("Failed to set lock timeout: %v", err)
			rollback(tx)
			return nil, classify("begin", err)
		}
	}
	return &Tx{tx: tx}, nil
}

// rollback is used on failed setup, where no Tx is handed out yet.
func rollback(tx pgx.Tx) {
	ctx, cncl := helper.Get5SecondContext()
	defer cncl()
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		zap.S().Errorf("Error rolling back transaction: %v", err)
	}
	rollbacks.Inc()
}

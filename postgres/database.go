// Package postgres is the relational side of the pipeline: a pgx pool that
// survives connection loss, ordered row mappings and the query templates used
// by the extractor and the enricher.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/movies-index-go/retry"
)

// Querier runs a read query and returns every row. Stages depend on this
// interface rather than on the pool.
type Querier interface {
	Query(ctx context.Context, sql string, args pgx.NamedArgs) ([]Row, error)
}

// DbClient owns one pgx pool. The pool is replaced on connection-level
// failures; a DbClient must not be shared between stages.
type DbClient struct {
	config *pgxpool.Config
	policy retry.Policy
	log    *logrus.Entry

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewDbClient parses dsn and connects, retrying with policy until Postgres is
// reachable.
func NewDbClient(ctx context.Context, dsn string, maxConns int, policy retry.Policy, log *logrus.Entry) (*DbClient, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}
	config.HealthCheckPeriod = 60 * time.Second
	// the pipeline only reads
	config.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	// watermarks are stored as UTC text
	config.ConnConfig.RuntimeParams["timezone"] = "UTC"

	c := &DbClient{
		config: config,
		policy: policy.WithLogger(log),
		log:    log,
	}
	err = c.policy.Do(ctx, "postgres connect", c.connect)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres %s/%s: %w", config.ConnConfig.Host, config.ConnConfig.Database, err)
	}
	return c, nil
}

func (c *DbClient) connect(ctx context.Context) error {
	pool, err := pgxpool.NewWithConfig(ctx, c.config)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return err
	}

	c.mu.Lock()
	old := c.pool
	c.pool = pool
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.log.WithFields(logrus.Fields{
		"host":     c.config.ConnConfig.Host,
		"database": c.config.ConnConfig.Database,
	}).Debug("Connected to PostgreSQL")
	return nil
}

func (c *DbClient) currentPool() *pgxpool.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool
}

// Query runs sql with named arguments and collects the rows. Connection-level
// failures reconnect the pool before retrying; other transient failures are
// retried as-is.
func (c *DbClient) Query(ctx context.Context, sql string, args pgx.NamedArgs) ([]Row, error) {
	var result []Row
	err := c.policy.DoReconnect(ctx, "postgres query",
		func(ctx context.Context) error {
			rows, err := c.fetchAll(ctx, sql, args)
			if err != nil {
				if !IsTransient(err) && !IsConnectionError(err) {
					return retry.Permanent(err)
				}
				return err
			}
			result = rows
			return nil
		},
		c.connect,
		IsConnectionError,
	)
	return result, err
}

// QueryInt runs a query returning a single integer, such as a count.
func (c *DbClient) QueryInt(ctx context.Context, sql string, args pgx.NamedArgs) (int64, error) {
	var value int64
	err := c.policy.DoReconnect(ctx, "postgres query",
		func(ctx context.Context) error {
			return c.currentPool().QueryRow(ctx, sql, args).Scan(&value)
		},
		c.connect,
		IsConnectionError,
	)
	return value, err
}

func (c *DbClient) fetchAll(ctx context.Context, sql string, args pgx.NamedArgs) ([]Row, error) {
	c.log.WithField("args", args).Trace(sql)

	rows, err := c.currentPool().Query(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Close closes the underlying connection pool.
func (c *DbClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
}

// IsConnectionError reports failures that require a fresh connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, 57P01..57P03: server shutting down
		return pgErr.Code[:2] == "08" || pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03"
	}
	return false
}

// IsTransient reports query-level failures that may succeed when reissued.
func IsTransient(err error) bool {
	if pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "40", // transaction rollback: serialization failure, deadlock
			"53": // insufficient resources
			return true
		}
		return pgErr.Code == "57014" // query_canceled
	}
	return false
}

// Package retry wraps relational and search-index calls with bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Policy bounds a retried call by attempt count and total elapsed time.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
	MaxAttempts     int

	Logger logrus.FieldLogger
}

// DefaultPolicy mirrors the delays used for Postgres and Elasticsearch calls
// in production: 100ms doubling up to 10s, at most 10 attempts or 2 minutes.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		MaxElapsedTime:  2 * time.Minute,
		MaxAttempts:     10,
	}
}

// WithLogger returns a copy of the policy logging retries to logger.
func (p Policy) WithLogger(logger logrus.FieldLogger) Policy {
	p.Logger = logger
	return p
}

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = p.MaxElapsedTime

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(bo, ctx)
}

func (p Policy) logger() logrus.FieldLogger {
	if p.Logger == nil {
		return logrus.StandardLogger()
	}
	return p.Logger
}

// Do calls op until it succeeds, returns a permanent error, or the policy is
// exhausted. The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return p.run(ctx, name, op, nil, nil)
}

// DoReconnect behaves like Do, but when isConnErr reports a connection-level
// failure it calls reconnect before the next attempt. A failed reconnect
// counts as a failed attempt.
func (p Policy) DoReconnect(
	ctx context.Context,
	name string,
	op func(ctx context.Context) error,
	reconnect func(ctx context.Context) error,
	isConnErr func(error) bool,
) error {
	return p.run(ctx, name, op, reconnect, isConnErr)
}

func (p Policy) run(
	ctx context.Context,
	name string,
	op func(ctx context.Context) error,
	reconnect func(ctx context.Context) error,
	isConnErr func(error) bool,
) error {
	attempt := 0
	needReconnect := false

	operation := func() error {
		attempt++
		if needReconnect {
			if err := reconnect(ctx); err != nil {
				return err
			}
			needReconnect = false
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if reconnect != nil && isConnErr != nil && isConnErr(err) {
			needReconnect = true
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		p.logger().WithError(err).WithFields(logrus.Fields{
			"call":      name,
			"attempt":   attempt,
			"reconnect": needReconnect,
		}).Warnf("%s failed, retrying in %s", name, delay)
	}

	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}

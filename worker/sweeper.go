// Package worker drives the retry sweep on a timer.
//
// The engine never retries on its own. A Sweeper calls RetryDue on every
// tick and, when given a redislock client, holds a lock for the duration of
// the sweep so that only one replica sweeps at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"

	"github.com/xraph/webhooks/delivery"
)

// Defaults for Config.
const (
	DefaultInterval = 15 * time.Second
	DefaultLockKey  = "webhooks:lock:sweep"
	DefaultLockTTL  = time.Minute
)

// Retrier re-attempts due deliveries. *webhooks.Dispatcher implements it.
type Retrier interface {
	RetryDue(ctx context.Context, ownerID string, limit int) (*delivery.SweepResult, error)
}

// Config configures a Sweeper.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// BatchLimit caps the deliveries retried per sweep. Zero uses the
	// retrier's own default.
	BatchLimit int

	// LockKey names the Redis lock shared by all replicas.
	LockKey string

	// LockTTL bounds how long a crashed sweeper can hold the lock.
	LockTTL time.Duration
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLocker enables single-flight sweeping across replicas.
func WithLocker(l *redislock.Client) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// Sweeper periodically retries due deliveries.
type Sweeper struct {
	retrier Retrier
	config  Config
	locker  *redislock.Client
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper. Zero config fields take their defaults.
func NewSweeper(r Retrier, cfg Config, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultLockKey
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}

	s := &Sweeper{
		retrier: r,
		config:  cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweep loop in the background until Stop is called or ctx
// is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "retry sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one sweep across all owners. It returns a nil result without
// error when another replica holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) (*delivery.SweepResult, error) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, s.config.LockKey, s.config.LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			s.logger.DebugContext(ctx, "retry sweep skipped, lock held elsewhere")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("webhooks/worker: obtain lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				s.logger.WarnContext(ctx, "failed to release sweep lock", "error", err)
			}
		}()
	}

	res, err := s.retrier.RetryDue(ctx, "", s.config.BatchLimit)
	if err != nil {
		return nil, err
	}
	if res.Processed > 0 {
		s.logger.InfoContext(ctx, "retry sweep complete",
			"processed", res.Processed,
			"succeeded", res.Succeeded,
			"rescheduled", res.Rescheduled,
			"failed", res.Failed,
			"abandoned", res.Abandoned,
		)
	}
	return res, nil
}

// Package sweeper periodically releases reservations that were never settled.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultInterval = 5 * time.Minute
	defaultTimeout  = 2 * time.Minute
)

// ErrSweepInProgress is returned by RunOnce while another sweep is running.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Expirer releases stale reservations; *ledger.Service satisfies it.
type Expirer interface {
	ExpireStaleReservations(ctx context.Context, olderThan time.Duration) (ledger.SweepResult, error)
}

// Config controls the sweep cadence.
type Config struct {
	Interval  time.Duration
	OlderThan time.Duration
	Timeout   time.Duration
}

// Sweeper runs ExpireStaleReservations on a ticker.
type Sweeper struct {
	expirer Expirer
	config  Config
	logger  *zap.Logger
	running atomic.Bool
}

// New validates dependencies and fills config defaults.
func New(expirer Expirer, config Config, logger *zap.Logger) (*Sweeper, error) {
	if expirer == nil {
		return nil, fmt.Errorf("%w: expirer dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.OlderThan <= 0 {
		config.OlderThan = ledger.DefaultStaleReservationAge
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	return &Sweeper{expirer: expirer, config: config, logger: logger.Named("sweeper")}, nil
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.config.Interval)
	defer ticker.Stop()

	sweeper.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			sweeper.logger.Info("stopping stale reservation sweeper")
			return
		case <-ticker.C:
			sweeper.sweep(ctx)
		}
	}
}

func (sweeper *Sweeper) sweep(ctx context.Context) {
	_, err := sweeper.RunOnce(ctx)
	if errors.Is(err, ErrSweepInProgress) {
		sweeper.logger.Debug("previous sweep still running, skipping tick")
	}
}

// RunOnce performs a single sweep bounded by the configured timeout.
func (sweeper *Sweeper) RunOnce(ctx context.Context) (ledger.SweepResult, error) {
	if !sweeper.running.CompareAndSwap(false, true) {
		return ledger.SweepResult{}, ErrSweepInProgress
	}
	defer sweeper.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, sweeper.config.Timeout)
	defer cancel()

	started := time.Now()
	result, err := sweeper.expirer.ExpireStaleReservations(ctx, sweeper.config.OlderThan)
	if err != nil {
		sweeper.logger.Error("stale reservation sweep failed", zap.Error(err))
		return result, err
	}
	fields := []zap.Field{
		zap.Int("candidates", result.Candidates),
		zap.Int("released", result.Released),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", time.Since(started)),
	}
	switch {
	case result.Failed > 0:
		sweeper.logger.Warn("stale reservation sweep completed with failures", fields...)
	case result.Candidates == 0:
		sweeper.logger.Debug("no stale reservations")
	default:
		sweeper.logger.Info("stale reservation sweep completed", fields...)
	}
	return result, nil
}

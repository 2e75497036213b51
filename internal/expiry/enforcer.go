// Package expiry enforces per-position time limits. Positions are time-boxed
// at creation; the enforcer sweeps the tracking records, warns ahead of
// expiry, and force-closes shortly before the box runs out.
package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"positionGuard/internal/domain"
	"positionGuard/internal/keylock"
	"positionGuard/internal/metrics"
	"positionGuard/internal/notify"
	"positionGuard/internal/ports"
)

// Mutator is the slice of the order mutation protocol the enforcer drives.
type Mutator interface {
	ForceComplete(ctx context.Context, pos *domain.Position, cause domain.CloseCause, marketClose bool) error
}

// Config holds the sweep thresholds relative to each position's expiry.
type Config struct {
	// WarningLead is how long before expiry the single warning fires.
	WarningLead time.Duration
	// ForceCloseLead is how long before expiry the force close fires.
	ForceCloseLead time.Duration
}

// Enforcer sweeps unresolved time-tracking records. The force-close attempt
// flag is set before the attempt, so a crash mid-close can never produce a
// second attempt; a failed close is surfaced, not retried.
type Enforcer struct {
	cfg       Config
	logger    ports.Logger
	positions ports.PositionStore
	tracking  ports.TimeTrackingStore
	mutator   Mutator
	locks     *keylock.KeyedMutex
	notifier  *notify.Notifier

	mu        sync.Mutex
	lastSweep time.Time
	lastErr   error

	now func() time.Time
}

// NewEnforcer creates the expiry enforcer.
func NewEnforcer(
	cfg Config,
	logger ports.Logger,
	positions ports.PositionStore,
	tracking ports.TimeTrackingStore,
	mutator Mutator,
	locks *keylock.KeyedMutex,
	notifier *notify.Notifier,
) (*Enforcer, error) {
	if logger == nil || positions == nil || tracking == nil || mutator == nil || locks == nil || notifier == nil {
		return nil, fmt.Errorf("missing required dependencies for expiry enforcer")
	}
	if cfg.WarningLead <= 0 || cfg.ForceCloseLead <= 0 {
		return nil, fmt.Errorf("sweep leads must be positive")
	}
	if cfg.ForceCloseLead >= cfg.WarningLead {
		return nil, fmt.Errorf("ForceCloseLead must be shorter than WarningLead")
	}
	return &Enforcer{
		cfg:       cfg,
		logger:    logger,
		positions: positions,
		tracking:  tracking,
		mutator:   mutator,
		locks:     locks,
		notifier:  notifier,
		now:       time.Now,
	}, nil
}

// RunSweep walks every unresolved tracking record once. Per-record failures
// are logged and do not stop the sweep.
func (e *Enforcer) RunSweep(ctx context.Context) error {
	rows, err := e.tracking.FindUnresolved(ctx)
	if err != nil {
		e.finishSweep(err)
		return fmt.Errorf("failed to load unresolved time tracking: %w", err)
	}

	var firstErr error
	for _, tt := range rows {
		if err := e.sweepOne(ctx, tt); err != nil {
			e.logger.Error(ctx, err, "Expiry sweep failed for position", map[string]interface{}{
				"positionID": tt.PositionID,
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	e.finishSweep(firstErr)
	return firstErr
}

func (e *Enforcer) sweepOne(ctx context.Context, tt *domain.TimeTracking) error {
	now := e.now().UTC()

	if !now.Before(tt.ExpiresAt.Add(-e.cfg.ForceCloseLead)) {
		if tt.ForceCloseAttempted {
			return nil
		}
		return e.forceClose(ctx, tt)
	}

	if !now.Before(tt.ExpiresAt.Add(-e.cfg.WarningLead)) && !tt.WarningSent {
		return e.warn(ctx, tt)
	}
	return nil
}

// forceClose closes one expired position. The attempt flag is persisted
// first: a position whose close failed stays open but is never retried, and
// the operator is alerted instead.
func (e *Enforcer) forceClose(ctx context.Context, tt *domain.TimeTracking) error {
	pos, err := e.positions.FindByID(ctx, tt.PositionID)
	if err != nil {
		return err
	}
	if pos == nil || !pos.IsActive() {
		return e.tracking.SetStatus(ctx, tt.PositionID, domain.TimeStatusExpired)
	}

	if err := e.tracking.MarkForceCloseAttempted(ctx, tt.PositionID); err != nil {
		return err
	}

	unlock := e.locks.Lock(pos.ID)
	closeErr := e.mutator.ForceComplete(ctx, pos, domain.CauseExpired, false)
	unlock()

	if closeErr != nil {
		if err := e.tracking.SetStatus(ctx, tt.PositionID, domain.TimeStatusExpired); err != nil {
			e.logger.Error(ctx, err, "Failed to record expired status", map[string]interface{}{"positionID": pos.ID})
		}
		if nErr := e.notifier.Notify(ctx, "Expiry force close FAILED", fmt.Sprintf(
			"Position %d (%s) reached its time limit but the force close failed: %v. It will not be retried.",
			pos.ID, pos.Symbol, closeErr)); nErr != nil {
			e.logger.Error(ctx, nErr, "Failed to deliver force-close failure notification")
		}
		return closeErr
	}

	if err := e.tracking.SetStatus(ctx, tt.PositionID, domain.TimeStatusForceClosed); err != nil {
		e.logger.Error(ctx, err, "Failed to record force-closed status", map[string]interface{}{"positionID": pos.ID})
	}
	metrics.ForceCloses.Inc()
	e.logger.Info(ctx, "Position force-closed at expiry", map[string]interface{}{
		"positionID": pos.ID, "symbol": pos.Symbol, "expiresAt": tt.ExpiresAt,
	})
	if nErr := e.notifier.Notify(ctx, "Position force-closed", fmt.Sprintf(
		"Position %d (%s) reached its time limit and was closed.", pos.ID, pos.Symbol)); nErr != nil {
		e.logger.Error(ctx, nErr, "Failed to deliver force-close notification")
	}
	return nil
}

// warn marks the record and notifies once.
func (e *Enforcer) warn(ctx context.Context, tt *domain.TimeTracking) error {
	if err := e.tracking.MarkWarned(ctx, tt.PositionID); err != nil {
		return err
	}
	metrics.ExpiryWarnings.Inc()
	e.logger.Info(ctx, "Position nearing expiry", map[string]interface{}{
		"positionID": tt.PositionID, "expiresAt": tt.ExpiresAt,
	})
	if nErr := e.notifier.Notify(ctx, "Position nearing expiry", fmt.Sprintf(
		"Position %d expires at %s.", tt.PositionID, tt.ExpiresAt.Format(time.RFC3339))); nErr != nil {
		e.logger.Error(ctx, nErr, "Failed to deliver expiry warning")
	}
	return nil
}

func (e *Enforcer) finishSweep(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSweep = time.Now().UTC()
	e.lastErr = err
}

// LastSweep reports when the most recent sweep finished and its error, if
// any. Zero time means no sweep has completed yet.
func (e *Enforcer) LastSweep() (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSweep, e.lastErr
}

// Package app wires the lifecycle components together and runs the two
// periodic loops: reconciliation and expiry sweeping.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"positionGuard/config"
	"positionGuard/internal/domain"
	"positionGuard/internal/keylock"
	"positionGuard/internal/ports"
)

// Mutator is the slice of the order mutation protocol the service drives.
type Mutator interface {
	OpenPosition(ctx context.Context, req domain.OpenRequest) (*domain.Position, error)
	ForceComplete(ctx context.Context, pos *domain.Position, cause domain.CloseCause, marketClose bool) error
}

// Reconciler runs reconciliation cycles and reports loop freshness.
type Reconciler interface {
	RunCycle(ctx context.Context) error
	LastCycle() (time.Time, error)
}

// Sweeper runs expiry sweeps and reports loop freshness.
type Sweeper interface {
	RunSweep(ctx context.Context) error
	LastSweep() (time.Time, error)
}

// LifecycleService owns the running loops and exposes the operator surface
// consumed by the HTTP layer. Each loop runs on a single goroutine, so a slow
// cycle delays the next tick instead of overlapping it.
type LifecycleService struct {
	cfg      *config.Config
	logger   ports.Logger
	profiles *config.TierProfiles

	positions ports.PositionStore
	tracking  ports.TimeTrackingStore
	audit     ports.AuditLog

	protocol Mutator
	engine   Reconciler
	enforcer Sweeper
	locks    *keylock.KeyedMutex
}

// NewLifecycleService creates the service.
func NewLifecycleService(
	cfg *config.Config,
	logger ports.Logger,
	profiles *config.TierProfiles,
	positions ports.PositionStore,
	tracking ports.TimeTrackingStore,
	audit ports.AuditLog,
	protocol Mutator,
	engine Reconciler,
	enforcer Sweeper,
	locks *keylock.KeyedMutex,
) (*LifecycleService, error) {
	if cfg == nil || logger == nil || profiles == nil || positions == nil || tracking == nil ||
		audit == nil || protocol == nil || engine == nil || enforcer == nil || locks == nil {
		return nil, fmt.Errorf("missing required dependencies for lifecycle service")
	}
	return &LifecycleService{
		cfg:       cfg,
		logger:    logger,
		profiles:  profiles,
		positions: positions,
		tracking:  tracking,
		audit:     audit,
		protocol:  protocol,
		engine:    engine,
		enforcer:  enforcer,
		locks:     locks,
	}, nil
}

// Start runs both loops until the context is canceled or a shutdown signal
// arrives. The first cycle and sweep run immediately so a restart converges
// without waiting a full interval.
func (s *LifecycleService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting lifecycle service", map[string]interface{}{
		"reconcileInterval": s.cfg.ReconcileInterval.String(),
		"expirySweep":       s.cfg.ExpirySweep.String(),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// Startup sync: report what this process is taking over. Fills that
	// happened while the process was down cannot be attributed; the first
	// cycle only re-establishes baselines.
	if active, err := s.positions.FindActive(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to load active positions on startup")
	} else if len(active) > 0 {
		s.logger.Warn(ctx, "Resuming with open positions, downtime fills will not be attributed", map[string]interface{}{
			"activePositions": len(active),
		})
	}

	if err := s.engine.RunCycle(ctx); err != nil {
		s.logger.Error(ctx, err, "Initial reconciliation cycle failed")
	}
	if err := s.enforcer.RunSweep(ctx); err != nil {
		s.logger.Error(ctx, err, "Initial expiry sweep failed")
	}

	reconTicker := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconTicker.Stop()
	sweepTicker := time.NewTicker(s.cfg.ExpirySweep)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(context.Background(), "Lifecycle service stopped")
			return nil
		case <-reconTicker.C:
			if err := s.engine.RunCycle(ctx); err != nil {
				s.logger.Error(ctx, err, "Reconciliation cycle failed")
			}
		case <-sweepTicker.C:
			if err := s.enforcer.RunSweep(ctx); err != nil {
				s.logger.Error(ctx, err, "Expiry sweep failed")
			}
		}
	}
}

// OpenPosition resolves tier fractions and defaults, then runs the creation
// batch.
func (s *LifecycleService) OpenPosition(ctx context.Context, req domain.OpenRequest) (*domain.Position, error) {
	if req.TP1Fraction == 0 && req.TP2Fraction == 0 {
		profile := s.profiles.For(req.Symbol)
		req.TP1Fraction = profile.TP1Fraction
		req.TP2Fraction = profile.TP2Fraction
	}
	if req.Scope == (domain.AccountScope{}) {
		req.Scope = domain.AccountScope{Credential: s.cfg.CredentialName, Market: s.cfg.Market}
	}
	if req.MaxAge == 0 {
		req.MaxAge = s.cfg.MaxPositionAge
	}
	return s.protocol.OpenPosition(ctx, req)
}

// Status is the operator-facing health snapshot.
type Status struct {
	ActivePositions int        `json:"active_positions"`
	LastCycle       *time.Time `json:"last_cycle,omitempty"`
	LastCycleError  string     `json:"last_cycle_error,omitempty"`
	LastSweep       *time.Time `json:"last_sweep,omitempty"`
	LastSweepError  string     `json:"last_sweep_error,omitempty"`
}

// Status reports loop freshness and the active position count.
func (s *LifecycleService) Status(ctx context.Context) (*Status, error) {
	active, err := s.positions.FindActive(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{ActivePositions: len(active)}
	if when, cErr := s.engine.LastCycle(); !when.IsZero() {
		st.LastCycle = &when
		if cErr != nil {
			st.LastCycleError = cErr.Error()
		}
	}
	if when, sErr := s.enforcer.LastSweep(); !when.IsZero() {
		st.LastSweep = &when
		if sErr != nil {
			st.LastSweepError = sErr.Error()
		}
	}
	return st, nil
}

// ListActive returns all non-terminal positions.
func (s *LifecycleService) ListActive(ctx context.Context) ([]*domain.Position, error) {
	return s.positions.FindActive(ctx)
}

// FindPosition returns one position, nil when unknown.
func (s *LifecycleService) FindPosition(ctx context.Context, id int64) (*domain.Position, error) {
	return s.positions.FindByID(ctx, id)
}

// AuditTrail returns the mutation audit trail of one position, oldest first.
func (s *LifecycleService) AuditTrail(ctx context.Context, id int64) ([]*domain.ActionAudit, error) {
	return s.audit.FindAuditByPosition(ctx, id)
}

// ExtendExpiry pushes a position's time box forward by extra. Returns false
// when the position is unknown, already terminal, or its force close has
// already been attempted.
func (s *LifecycleService) ExtendExpiry(ctx context.Context, id int64, extra time.Duration) (bool, error) {
	if extra <= 0 {
		return false, fmt.Errorf("%w: extension must be positive", ports.ErrInvalidRequest)
	}
	pos, err := s.positions.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if pos == nil || !pos.IsActive() {
		return false, nil
	}
	tt, err := s.tracking.FindByPositionID(ctx, id)
	if err != nil {
		return false, err
	}
	if tt == nil || tt.ForceCloseAttempted {
		return false, nil
	}
	if err := s.tracking.ExtendExpiry(ctx, id, tt.ExpiresAt.Add(extra)); err != nil {
		return false, err
	}
	s.logger.Info(ctx, "Position expiry extended", map[string]interface{}{
		"positionID": id, "extra": extra.String(), "newExpiry": tt.ExpiresAt.Add(extra),
	})
	return true, nil
}

// ForceClose flattens a position on operator request: remaining size is
// market-closed reduce-only, protection withdrawn, phase completed. Returns
// false when the position is unknown or already terminal.
func (s *LifecycleService) ForceClose(ctx context.Context, id int64) (bool, error) {
	pos, err := s.positions.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if pos == nil || !pos.IsActive() {
		return false, nil
	}

	unlock := s.locks.Lock(pos.ID)
	defer unlock()

	if err := s.protocol.ForceComplete(ctx, pos, domain.CauseManualClose, true); err != nil {
		return false, err
	}
	return true, nil
}

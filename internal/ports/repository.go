package ports

import (
	"context"
	"time"

	"positionGuard/internal/domain"
)

// PositionStore defines the durable, transactional store of position records.
// Every multi-field update is one atomic transaction; no remote calls live
// behind this interface.
type PositionStore interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// FindByID retrieves a position by its unique ID.
	// Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
	// FindActive retrieves all positions in a non-terminal phase.
	FindActive(ctx context.Context) ([]*domain.Position, error)
	// ApplyPhaseTransition atomically moves a position to a new phase,
	// updating remaining size and accrued realized PnL. The transition is
	// rejected when illegal or when remainingSize would go negative. cause
	// is recorded for terminal phases.
	ApplyPhaseTransition(ctx context.Context, id int64, phase domain.Phase, remainingSize, realizedPnL float64, cause domain.CloseCause) error
	// ReplaceStopOrder atomically swaps the stored current stop order id and
	// stop price. Only legal while the position is non-terminal.
	ReplaceStopOrder(ctx context.Context, id int64, orderID string, price float64) error
}

// FillEventStore is the append-only log of inferred order fills.
type FillEventStore interface {
	// Record inserts a fill event, deduplicating on order id. Returns true
	// when the event is new, false when the same order id was already
	// recorded.
	Record(ctx context.Context, ev *domain.OrderFillEvent) (bool, error)
	// MarkProcessed flags the event for the given order id as consumed.
	MarkProcessed(ctx context.Context, orderID string) error
	// FindByPosition returns all fill events recorded for a position.
	FindByPosition(ctx context.Context, positionID int64) ([]*domain.OrderFillEvent, error)
}

// AuditLog is the append-only record of every mutation attempt. Method names
// stay distinct from the other store interfaces so one repository can
// implement all of them.
type AuditLog interface {
	RecordAudit(ctx context.Context, entry *domain.ActionAudit) error
	// FindAuditByPosition returns the audit trail for a position, oldest first.
	FindAuditByPosition(ctx context.Context, positionID int64) ([]*domain.ActionAudit, error)
}

// TimeTrackingStore persists per-position expiry records.
type TimeTrackingStore interface {
	CreateTracking(ctx context.Context, tt *domain.TimeTracking) error
	// FindByPositionID returns nil, nil if not found.
	FindByPositionID(ctx context.Context, positionID int64) (*domain.TimeTracking, error)
	// FindUnresolved returns tracking rows whose position is still in a
	// non-terminal phase.
	FindUnresolved(ctx context.Context) ([]*domain.TimeTracking, error)
	// MarkWarned sets the warning flag once and moves status to warned.
	MarkWarned(ctx context.Context, positionID int64) error
	// MarkForceCloseAttempted sets the attempt flag. Set before the attempt
	// so repeated sweeps never duplicate cancels.
	MarkForceCloseAttempted(ctx context.Context, positionID int64) error
	// SetStatus updates the tracking status.
	SetStatus(ctx context.Context, positionID int64, status domain.TimeStatus) error
	// ExtendExpiry moves the expiry forward and, when the record was only
	// warned, resets it to active with the warning flag cleared.
	ExtendExpiry(ctx context.Context, positionID int64, expiresAt time.Time) error
}

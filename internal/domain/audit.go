package domain

import "time"

// AuditOutcome records whether a mutation attempt succeeded.
type AuditOutcome string

const (
	AuditOK     AuditOutcome = "ok"
	AuditFailed AuditOutcome = "failed"
)

// Audit action names. Free-form detail travels in ActionAudit.Detail.
const (
	ActionPlaceEntry     = "place_entry"
	ActionPlaceTP1       = "place_tp1"
	ActionPlaceTP2       = "place_tp2"
	ActionPlaceStop      = "place_stop"
	ActionEmergencyStop  = "place_emergency_stop"
	ActionReplaceStop    = "replace_stop"
	ActionCancelOrder    = "cancel_order"
	ActionMarketClose    = "market_close"
	ActionForceComplete  = "force_complete"
	ActionApplyFill      = "apply_fill"
	ActionRollbackCreate = "rollback_create"
)

// ActionAudit is an append-only record of a single mutation attempt against
// the remote exchange or the local store. Entries are written before any
// dependent side effect is applied elsewhere, so the trail can reconstruct
// system belief even after a crash. Never mutated after insert.
type ActionAudit struct {
	ID         int64
	PositionID int64 // 0 when the position has no id yet (creation batch)
	Action     string
	Detail     string // JSON-encoded structured detail
	Outcome    AuditOutcome
	Error      string // Empty on success
	CreatedAt  time.Time
}

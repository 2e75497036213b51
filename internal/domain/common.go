package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Side represents the direction of a position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// ExitSide returns the order side that reduces a position of this direction.
func (s Side) ExitSide() OrderSide {
	if s == Short {
		return Buy
	}
	return Sell
}

// Phase represents the lifecycle phase of a managed position.
// Phases advance monotonically over initial -> tp1_filled -> tp2_filled,
// and the terminal phases (completed, stopped_out) are reachable directly
// from any non-terminal phase.
type Phase string

const (
	PhaseInitial    Phase = "initial"
	PhaseTP1Filled  Phase = "tp1_filled"
	PhaseTP2Filled  Phase = "tp2_filled"
	PhaseCompleted  Phase = "completed"
	PhaseStoppedOut Phase = "stopped_out"
)

// rank orders the non-terminal phases for monotonicity checks.
func (p Phase) rank() int {
	switch p {
	case PhaseInitial:
		return 0
	case PhaseTP1Filled:
		return 1
	case PhaseTP2Filled:
		return 2
	default:
		return 3
	}
}

// IsTerminal reports whether the phase ends the position lifecycle.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseStoppedOut
}

// CanTransitionTo reports whether moving from p to next is a legal phase
// transition. Terminal phases accept no further transitions; terminal targets
// are reachable from any non-terminal phase; non-terminal targets must be
// strictly forward.
func (p Phase) CanTransitionTo(next Phase) bool {
	if p.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	return next.rank() > p.rank()
}

// FillType classifies an inferred order fill.
type FillType string

const (
	FillTP1    FillType = "tp1"
	FillTP2    FillType = "tp2"
	FillSL     FillType = "sl"
	FillManual FillType = "manual"
)

// CloseCause records why a position reached a terminal phase.
type CloseCause string

const (
	CauseClosedRemotely CloseCause = "closed remotely"
	CauseStoppedOut     CloseCause = "stopped out"
	CauseExpired        CloseCause = "expired"
	CauseManualClose    CloseCause = "manual close"
)

// TimeStatus is the state of a position's time-tracking record.
type TimeStatus string

const (
	TimeStatusActive      TimeStatus = "active"
	TimeStatusWarned      TimeStatus = "warned"
	TimeStatusExpired     TimeStatus = "expired"
	TimeStatusForceClosed TimeStatus = "force_closed"
)

// AccountScope identifies the credential+market group a position belongs to.
// Positions sharing a scope are polled together with a single remote call per
// endpoint per cycle.
type AccountScope struct {
	Credential string
	Market     string
}

// Key returns a stable string form used for grouping and gateway lookup.
func (s AccountScope) Key() string {
	return s.Credential + "/" + s.Market
}

package domain

import "time"

// Position represents one opened trade managed through its full lifecycle.
// It is created when an upstream entry request is fulfilled, mutated only by
// the reconciliation engine and the mutation protocol, and never deleted,
// only transitioned to a terminal phase.
type Position struct {
	ID     int64        // Unique identifier (assigned by the store)
	Symbol string       // Trading symbol (e.g., "BTCUSDT")
	Side   Side         // Direction (LONG or SHORT)
	Scope  AccountScope // Credential+market group used for remote calls

	Size          float64 // Original position size
	RemainingSize float64 // Size still open; 0 exactly when phase is terminal

	EntryPrice   float64 // Average fill price of the entry order
	EntryOrderID string  // Exchange order id of the entry

	// Tier sizes: tp1 + tp2 + runner == Size.
	TP1Size    float64
	TP2Size    float64
	RunnerSize float64

	// Tier target prices.
	TP1Price float64
	TP2Price float64

	// Current protective order ids (nullable in DB). Exactly one non-nil
	// StopOrderID is maintained while the position is non-terminal.
	TP1OrderID  *string `db:"tp1_order_id"`
	TP2OrderID  *string `db:"tp2_order_id"`
	StopOrderID *string `db:"stop_order_id"`

	OriginalStopPrice float64 // Stop price set at creation
	StopPrice         float64 // Current stop price after migrations

	Phase       Phase      // Current lifecycle phase
	RealizedPnL float64    // Accumulated realized profit/loss
	CloseCause  CloseCause // Why the position ended (empty while active)

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the position is still in a non-terminal phase.
func (p *Position) IsActive() bool {
	return !p.Phase.IsTerminal()
}

// TierSize returns the configured size of the tier a fill type corresponds
// to. The remote protocol does not report exact filled size, so inferred
// fills are approximated from these configured tier sizes.
func (p *Position) TierSize(ft FillType) float64 {
	switch ft {
	case FillTP1:
		return p.TP1Size
	case FillTP2:
		return p.TP2Size
	case FillSL:
		return p.RemainingSize
	default:
		return 0
	}
}

// TierPrice returns the trigger price stored for the protective order a fill
// type corresponds to. Used as the inferred fill price, since the order is no
// longer visible remotely once its disappearance is detected.
func (p *Position) TierPrice(ft FillType) float64 {
	switch ft {
	case FillTP1:
		return p.TP1Price
	case FillTP2:
		return p.TP2Price
	case FillSL:
		return p.StopPrice
	default:
		return 0
	}
}

// RealizedOnFill returns the profit/loss realized by closing size at price,
// relative to the entry price and direction.
func (p *Position) RealizedOnFill(price, size float64) float64 {
	if p.Side == Short {
		return (p.EntryPrice - price) * size
	}
	return (price - p.EntryPrice) * size
}

// BreakEvenStopPrice returns the stop level that locks in zero loss after the
// first take-profit tier fills: the entry price shifted by buffer into the
// profitable direction so the stop still tolerates spread and slippage.
func (p *Position) BreakEvenStopPrice(buffer float64) float64 {
	if p.Side == Short {
		return p.EntryPrice * (1 - buffer)
	}
	return p.EntryPrice * (1 + buffer)
}

// TightenedStopPrice returns the stop level used after the second take-profit
// tier fills: the tp1 target price, locking in the first tier's profit for
// the remaining runner.
func (p *Position) TightenedStopPrice() float64 {
	return p.TP1Price
}

// MatchFillType classifies a disappeared order id against the position's
// stored protective order ids. Returns false when the id belongs to none of
// them.
func (p *Position) MatchFillType(orderID string) (FillType, bool) {
	switch {
	case p.TP1OrderID != nil && *p.TP1OrderID == orderID:
		return FillTP1, true
	case p.TP2OrderID != nil && *p.TP2OrderID == orderID:
		return FillTP2, true
	case p.StopOrderID != nil && *p.StopOrderID == orderID:
		return FillSL, true
	default:
		return "", false
	}
}

// TrackedOrderIDs returns the currently known protective order ids.
func (p *Position) TrackedOrderIDs() []string {
	ids := make([]string, 0, 3)
	if p.TP1OrderID != nil {
		ids = append(ids, *p.TP1OrderID)
	}
	if p.TP2OrderID != nil {
		ids = append(ids, *p.TP2OrderID)
	}
	if p.StopOrderID != nil {
		ids = append(ids, *p.StopOrderID)
	}
	return ids
}

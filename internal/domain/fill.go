package domain

import "time"

// OrderFillEvent is the append-only record of a fill inferred from an order's
// disappearance from the remote open-order set. The order id is the
// idempotency key: recording the same disappearance twice is a no-op.
type OrderFillEvent struct {
	ID         int64
	PositionID int64
	OrderID    string   // Exchange order id that disappeared
	Type       FillType // tp1 / tp2 / sl / manual
	Size       float64  // Approximated from the position's configured tier size
	Price      float64  // Trigger price stored for the vanished order
	InferredAt time.Time
	Processed  bool // Set once the mutation protocol has consumed the event
}

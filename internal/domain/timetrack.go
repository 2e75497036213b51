package domain

import "time"

// TimeTracking hard time-boxes a position's exposure. One record exists per
// position, created together with it and mutated only by the expiry enforcer
// (and the extend-expiry operation).
type TimeTracking struct {
	PositionID          int64
	CreatedAt           time.Time
	ExpiresAt           time.Time
	WarningSent         bool // Set once at expiry - warning lead
	ForceCloseAttempted bool // Set before the force-close attempt; never retried once set
	Status              TimeStatus
}

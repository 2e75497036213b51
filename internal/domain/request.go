package domain

import (
	"fmt"
	"time"
)

// OpenRequest carries everything needed to open a managed position. The
// take-profit and stop levels are computed upstream by the signal pipeline;
// this system only enforces them.
type OpenRequest struct {
	Symbol string
	Side   Side
	Scope  AccountScope

	Size       float64 // Total position size
	EntryHint  float64 // Expected entry price, fallback when the fill price is unreported
	TP1Price   float64
	TP2Price   float64
	StopPrice  float64
	TP1Fraction float64 // Fraction of Size closed at tp1 (0 means use profile default)
	TP2Fraction float64 // Fraction of Size closed at tp2 (0 means use profile default)

	MaxAge time.Duration // Optional expiry override (0 means use configured default)
}

// Validate checks the request for structural problems before any remote call
// is made.
func (r *OpenRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Side != Long && r.Side != Short {
		return fmt.Errorf("side must be %s or %s", Long, Short)
	}
	if r.Size <= 0 {
		return fmt.Errorf("size must be positive")
	}
	if r.StopPrice <= 0 || r.TP1Price <= 0 || r.TP2Price <= 0 {
		return fmt.Errorf("tp1, tp2 and stop prices must be positive")
	}
	if r.TP1Fraction < 0 || r.TP2Fraction < 0 || r.TP1Fraction+r.TP2Fraction > 1 {
		return fmt.Errorf("tier fractions must be non-negative and sum to at most 1")
	}
	if r.Side == Long && !(r.StopPrice < r.TP1Price && r.TP1Price < r.TP2Price) {
		return fmt.Errorf("long position requires stop < tp1 < tp2")
	}
	if r.Side == Short && !(r.StopPrice > r.TP1Price && r.TP1Price > r.TP2Price) {
		return fmt.Errorf("short position requires stop > tp1 > tp2")
	}
	if r.MaxAge < 0 {
		return fmt.Errorf("max age cannot be negative")
	}
	return nil
}

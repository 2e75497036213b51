package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseCanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from Phase
		to   Phase
		want bool
	}{
		{"initial to tp1", PhaseInitial, PhaseTP1Filled, true},
		{"tp1 to tp2", PhaseTP1Filled, PhaseTP2Filled, true},
		{"initial to completed", PhaseInitial, PhaseCompleted, true},
		{"initial to stopped_out", PhaseInitial, PhaseStoppedOut, true},
		{"tp2 to completed", PhaseTP2Filled, PhaseCompleted, true},
		{"tp1 to initial is backwards", PhaseTP1Filled, PhaseInitial, false},
		{"tp2 to tp1 is backwards", PhaseTP2Filled, PhaseTP1Filled, false},
		{"tp1 repeated", PhaseTP1Filled, PhaseTP1Filled, false},
		{"completed is terminal", PhaseCompleted, PhaseStoppedOut, false},
		{"stopped_out is terminal", PhaseStoppedOut, PhaseCompleted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestBreakEvenStopPrice(t *testing.T) {
	long := &Position{Side: Long, EntryPrice: 50000}
	short := &Position{Side: Short, EntryPrice: 50000}

	assert.InDelta(t, 50025.0, long.BreakEvenStopPrice(0.0005), 1e-9)
	assert.InDelta(t, 49975.0, short.BreakEvenStopPrice(0.0005), 1e-9)
}

func TestTightenedStopPrice(t *testing.T) {
	p := &Position{Side: Long, EntryPrice: 50000, TP1Price: 50750}
	assert.Equal(t, 50750.0, p.TightenedStopPrice())
}

func TestRealizedOnFill(t *testing.T) {
	long := &Position{Side: Long, EntryPrice: 50000}
	short := &Position{Side: Short, EntryPrice: 50000}

	assert.InDelta(t, 3750.0, long.RealizedOnFill(50750, 5), 1e-9)
	assert.InDelta(t, -7500.0, long.RealizedOnFill(48500, 5), 1e-9)
	assert.InDelta(t, 3750.0, short.RealizedOnFill(49250, 5), 1e-9)
}

func TestMatchFillType(t *testing.T) {
	tp1 := "101"
	tp2 := "102"
	stop := "103"
	p := &Position{TP1OrderID: &tp1, TP2OrderID: &tp2, StopOrderID: &stop}

	ft, ok := p.MatchFillType("101")
	require.True(t, ok)
	assert.Equal(t, FillTP1, ft)

	ft, ok = p.MatchFillType("103")
	require.True(t, ok)
	assert.Equal(t, FillSL, ft)

	_, ok = p.MatchFillType("999")
	assert.False(t, ok)
}

func TestSideExitSide(t *testing.T) {
	assert.Equal(t, Sell, Long.ExitSide())
	assert.Equal(t, Buy, Short.ExitSide())
}

func TestOpenRequestValidate(t *testing.T) {
	valid := OpenRequest{
		Symbol:      "BTCUSDT",
		Side:        Long,
		Size:        10,
		EntryHint:   50000,
		TP1Price:    50750,
		TP2Price:    51250,
		StopPrice:   48500,
		TP1Fraction: 0.5,
		TP2Fraction: 0.3,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *OpenRequest)
	}{
		{"missing symbol", func(r *OpenRequest) { r.Symbol = "" }},
		{"bad side", func(r *OpenRequest) { r.Side = "SIDEWAYS" }},
		{"zero size", func(r *OpenRequest) { r.Size = 0 }},
		{"zero stop", func(r *OpenRequest) { r.StopPrice = 0 }},
		{"fractions over one", func(r *OpenRequest) { r.TP1Fraction, r.TP2Fraction = 0.8, 0.4 }},
		{"long levels inverted", func(r *OpenRequest) { r.TP1Price, r.TP2Price = 51250, 50750 }},
		{"negative max age", func(r *OpenRequest) { r.MaxAge = -time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}

	short := valid
	short.Side = Short
	short.TP1Price = 49250
	short.TP2Price = 48750
	short.StopPrice = 51500
	assert.NoError(t, short.Validate())
}

package mutation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionGuard/internal/domain"
	"positionGuard/internal/notify"
	"positionGuard/internal/ports"
)

type protocolFixture struct {
	protocol  *Protocol
	gateway   *mockGateway
	positions *mockPositionStore
	fills     *mockFillStore
	audit     *mockAuditLog
	tracking  *mockTrackingStore
}

func newTestProtocol(t *testing.T) *protocolFixture {
	t.Helper()
	f := &protocolFixture{
		gateway:   &mockGateway{},
		positions: &mockPositionStore{},
		fills:     &mockFillStore{},
		audit:     &mockAuditLog{},
		tracking:  &mockTrackingStore{},
	}
	logger := &mockLogger{}
	p, err := NewProtocol(
		Config{BreakEvenBuffer: 0.0005, DefaultMaxAge: 4 * time.Hour},
		logger,
		f.positions, f.fills, f.audit, f.tracking,
		&mockProvider{gw: f.gateway},
		notify.NewNotifier(logger),
	)
	require.NoError(t, err)
	f.protocol = p
	return f
}

func strPtr(s string) *string { return &s }

func testOpenRequest() domain.OpenRequest {
	return domain.OpenRequest{
		Symbol:      "BTCUSDT",
		Side:        domain.Long,
		Scope:       domain.AccountScope{Credential: "main", Market: "usdm"},
		Size:        10,
		EntryHint:   50000,
		TP1Price:    50750,
		TP2Price:    51250,
		StopPrice:   48500,
		TP1Fraction: 0.5,
		TP2Fraction: 0.3,
	}
}

func testOpenPosition() *domain.Position {
	return &domain.Position{
		ID:                7,
		Symbol:            "BTCUSDT",
		Side:              domain.Long,
		Scope:             domain.AccountScope{Credential: "main", Market: "usdm"},
		Size:              10,
		RemainingSize:     10,
		EntryPrice:        50000,
		EntryOrderID:      "9001",
		TP1Size:           5,
		TP2Size:           3,
		RunnerSize:        2,
		TP1Price:          50750,
		TP2Price:          51250,
		TP1OrderID:        strPtr("1001"),
		TP2OrderID:        strPtr("2001"),
		StopOrderID:       strPtr("3001"),
		OriginalStopPrice: 48500,
		StopPrice:         48500,
		Phase:             domain.PhaseInitial,
		CreatedAt:         time.Now().UTC(),
	}
}

func TestOpenPosition_Success(t *testing.T) {
	f := newTestProtocol(t)
	ctx := context.Background()

	pos, err := f.protocol.OpenPosition(ctx, testOpenRequest())
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, domain.PhaseInitial, pos.Phase)
	assert.Equal(t, 10.0, pos.RemainingSize)
	assert.Equal(t, 5.0, pos.TP1Size)
	assert.Equal(t, 3.0, pos.TP2Size)
	assert.Equal(t, 2.0, pos.RunnerSize)
	require.NotNil(t, pos.TP1OrderID)
	require.NotNil(t, pos.TP2OrderID)
	require.NotNil(t, pos.StopOrderID)
	assert.Equal(t, 48500.0, pos.StopPrice)
	assert.Equal(t, 50000.0, pos.EntryPrice)

	// One entry market order, three protective conditionals, no cancels.
	require.Len(t, f.gateway.MarketSpecs, 1)
	assert.Equal(t, domain.Buy, f.gateway.MarketSpecs[0].Side)
	require.Len(t, f.gateway.ConditionalSpecs, 3)
	assert.Empty(t, f.gateway.Cancels)

	// Stop covers the full size, take-profits their tiers, all exit-side.
	stop := f.gateway.ConditionalSpecs[2]
	assert.Equal(t, ports.KindStop, stop.Kind)
	assert.Equal(t, 10.0, stop.Quantity)
	assert.Equal(t, domain.Sell, stop.Side)

	require.Len(t, f.tracking.Created, 1)
	tt := f.tracking.Created[0]
	assert.Equal(t, pos.ID, tt.PositionID)
	assert.Equal(t, 4*time.Hour, tt.ExpiresAt.Sub(tt.CreatedAt))
	assert.Equal(t, domain.TimeStatusActive, tt.Status)

	assert.Equal(t, []string{
		domain.ActionPlaceEntry, domain.ActionPlaceTP1, domain.ActionPlaceTP2, domain.ActionPlaceStop,
	}, f.audit.actions())
}

func TestOpenPosition_InvalidRequest(t *testing.T) {
	f := newTestProtocol(t)
	req := testOpenRequest()
	req.StopPrice = 52000 // stop above entry for a long

	_, err := f.protocol.OpenPosition(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	assert.Empty(t, f.gateway.MarketSpecs)
}

func TestOpenPosition_EntryFailure(t *testing.T) {
	f := newTestProtocol(t)
	f.gateway.PlaceMarketFunc = func(ctx context.Context, spec ports.MarketOrderSpec) (*ports.OrderAck, error) {
		return nil, ports.ErrOrderPlacementFailed
	}

	_, err := f.protocol.OpenPosition(context.Background(), testOpenRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed)
	assert.Empty(t, f.gateway.ConditionalSpecs)
	assert.Empty(t, f.positions.Created)
}

func TestOpenPosition_ProtectiveFailureFallsBackToEmergencyStop(t *testing.T) {
	f := newTestProtocol(t)
	calls := 0
	f.gateway.PlaceConditionalFunc = func(ctx context.Context, spec ports.ConditionalOrderSpec) (*ports.OrderAck, error) {
		calls++
		switch calls {
		case 1:
			return &ports.OrderAck{OrderID: "tp1-id", Status: "NEW"}, nil
		case 2:
			return nil, ports.ErrOrderPlacementFailed // tp2 fails
		default:
			return &ports.OrderAck{OrderID: "em-stop-id", Status: "NEW"}, nil
		}
	}

	pos, err := f.protocol.OpenPosition(context.Background(), testOpenRequest())
	require.NoError(t, err)
	require.NotNil(t, pos)

	// The succeeded tp1 was rolled back before the emergency placement.
	require.Len(t, f.gateway.Cancels, 1)
	assert.Equal(t, "tp1-id", f.gateway.Cancels[0].OrderID)

	assert.Nil(t, pos.TP1OrderID)
	assert.Nil(t, pos.TP2OrderID)
	require.NotNil(t, pos.StopOrderID)
	assert.Equal(t, "em-stop-id", *pos.StopOrderID)

	actions := f.audit.actions()
	assert.Contains(t, actions, domain.ActionRollbackCreate)
	assert.Contains(t, actions, domain.ActionEmergencyStop)
}

func TestOpenPosition_UnprotectedFault(t *testing.T) {
	f := newTestProtocol(t)
	f.gateway.PlaceConditionalFunc = func(ctx context.Context, spec ports.ConditionalOrderSpec) (*ports.OrderAck, error) {
		return nil, ports.ErrOrderPlacementFailed
	}

	_, err := f.protocol.OpenPosition(context.Background(), testOpenRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrPositionUnprotected)
	assert.Empty(t, f.positions.Created)
}

func TestOpenPosition_PersistFailureCompensates(t *testing.T) {
	f := newTestProtocol(t)
	f.positions.CreateFunc = func(ctx context.Context, pos *domain.Position) (int64, error) {
		return 0, ports.ErrQueryFailed
	}

	_, err := f.protocol.OpenPosition(context.Background(), testOpenRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrQueryFailed)

	// All three protective orders cancelled, entry flattened reduce-only.
	assert.Len(t, f.gateway.Cancels, 3)
	require.Len(t, f.gateway.MarketSpecs, 2)
	unwind := f.gateway.MarketSpecs[1]
	assert.True(t, unwind.ReduceOnly)
	assert.Equal(t, domain.Sell, unwind.Side)
	assert.Equal(t, 10.0, unwind.Quantity)
}

func TestApplyFill_TP1MovesStopToBreakEven(t *testing.T) {
	f := newTestProtocol(t)
	f.gateway.PlaceConditionalFunc = func(ctx context.Context, spec ports.ConditionalOrderSpec) (*ports.OrderAck, error) {
		return &ports.OrderAck{OrderID: "new-stop", Status: "NEW"}, nil
	}
	pos := testOpenPosition()
	ev := &domain.OrderFillEvent{
		PositionID: pos.ID, OrderID: "1001", Type: domain.FillTP1, Size: 5, Price: 50750,
	}

	err := f.protocol.ApplyFill(context.Background(), pos, ev)
	require.NoError(t, err)

	// New stop placed for the remaining 5 at entry +0.05% before the old one
	// was cancelled.
	require.Len(t, f.gateway.ConditionalSpecs, 1)
	spec := f.gateway.ConditionalSpecs[0]
	assert.Equal(t, ports.KindStop, spec.Kind)
	assert.InDelta(t, 50025.0, spec.TriggerPrice, 1e-9)
	assert.Equal(t, 5.0, spec.Quantity)

	require.Len(t, f.positions.StopReplaces, 1)
	assert.Equal(t, "new-stop", f.positions.StopReplaces[0].OrderID)

	require.Len(t, f.gateway.Cancels, 1)
	assert.Equal(t, "3001", f.gateway.Cancels[0].OrderID)

	require.Len(t, f.positions.Transitions, 1)
	tr := f.positions.Transitions[0]
	assert.Equal(t, domain.PhaseTP1Filled, tr.Phase)
	assert.Equal(t, 5.0, tr.RemainingSize)
	assert.InDelta(t, 3750.0, tr.RealizedPnL, 1e-9) // (50750-50000)*5

	assert.Equal(t, []string{"1001"}, f.fills.Processed)
	assert.Equal(t, domain.PhaseTP1Filled, pos.Phase)
	assert.Equal(t, "new-stop", *pos.StopOrderID)
}

func TestApplyFill_TP2TightensStopToFirstTarget(t *testing.T) {
	f := newTestProtocol(t)
	f.gateway.PlaceConditionalFunc = func(ctx context.Context, spec ports.ConditionalOrderSpec) (*ports.OrderAck, error) {
		return &ports.OrderAck{OrderID: "tight-stop", Status: "NEW"}, nil
	}
	pos := testOpenPosition()
	pos.Phase = domain.PhaseTP1Filled
	pos.RemainingSize = 5
	pos.RealizedPnL = 3750
	pos.StopOrderID = strPtr("4001")
	pos.StopPrice = 50025
	ev := &domain.OrderFillEvent{
		PositionID: pos.ID, OrderID: "2001", Type: domain.FillTP2, Size: 3, Price: 51250,
	}

	err := f.protocol.ApplyFill(context.Background(), pos, ev)
	require.NoError(t, err)

	spec := f.gateway.ConditionalSpecs[0]
	assert.Equal(t, 50750.0, spec.TriggerPrice) // tp1 target locks tier-1 profit
	assert.Equal(t, 2.0, spec.Quantity)

	tr := f.positions.Transitions[0]
	assert.Equal(t, domain.PhaseTP2Filled, tr.Phase)
	assert.Equal(t, 2.0, tr.RemainingSize)
	assert.InDelta(t, 3750+3750.0, tr.RealizedPnL, 1e-9) // +(51250-50000)*3

	require.Len(t, f.gateway.Cancels, 1)
	assert.Equal(t, "4001", f.gateway.Cancels[0].OrderID)
}

func TestApplyFill_StopOutCancelsTakeProfits(t *testing.T) {
	f := newTestProtocol(t)
	pos := testOpenPosition()
	ev := &domain.OrderFillEvent{
		PositionID: pos.ID, OrderID: "3001", Type: domain.FillSL, Size: 10, Price: 48500,
	}

	err := f.protocol.ApplyFill(context.Background(), pos, ev)
	require.NoError(t, err)

	tr := f.positions.Transitions[0]
	assert.Equal(t, domain.PhaseStoppedOut, tr.Phase)
	assert.Equal(t, 0.0, tr.RemainingSize)
	assert.InDelta(t, -15000.0, tr.RealizedPnL, 1e-9) // (48500-50000)*10
	assert.Equal(t, domain.CauseStoppedOut, tr.Cause)

	// No replacement stop, only the leftover take-profits cancelled.
	assert.Empty(t, f.gateway.ConditionalSpecs)
	require.Len(t, f.gateway.Cancels, 2)
	assert.Equal(t, "1001", f.gateway.Cancels[0].OrderID)
	assert.Equal(t, "2001", f.gateway.Cancels[1].OrderID)

	assert.Equal(t, []string{"3001"}, f.fills.Processed)
}

func TestApplyFill_AlreadyAppliedIsIdempotent(t *testing.T) {
	f := newTestProtocol(t)
	pos := testOpenPosition()
	pos.Phase = domain.PhaseTP1Filled
	pos.RemainingSize = 5
	ev := &domain.OrderFillEvent{
		PositionID: pos.ID, OrderID: "1001", Type: domain.FillTP1, Size: 5, Price: 50750,
	}

	err := f.protocol.ApplyFill(context.Background(), pos, ev)
	require.NoError(t, err)

	assert.Empty(t, f.gateway.ConditionalSpecs)
	assert.Empty(t, f.positions.Transitions)
	assert.Equal(t, []string{"1001"}, f.fills.Processed)
}

func TestApplyFill_ReplacementStopFailureKeepsOldStop(t *testing.T) {
	f := newTestProtocol(t)
	f.gateway.PlaceConditionalFunc = func(ctx context.Context, spec ports.ConditionalOrderSpec) (*ports.OrderAck, error) {
		return nil, ports.ErrOrderPlacementFailed
	}
	pos := testOpenPosition()
	ev := &domain.OrderFillEvent{
		PositionID: pos.ID, OrderID: "1001", Type: domain.FillTP1, Size: 5, Price: 50750,
	}

	err := f.protocol.ApplyFill(context.Background(), pos, ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed)

	// Place-before-cancel: the failed placement leaves the old stop alive
	// and the position untouched; the event stays unprocessed for retry.
	assert.Empty(t, f.gateway.Cancels)
	assert.Empty(t, f.positions.Transitions)
	assert.Empty(t, f.fills.Processed)
	assert.Equal(t, "3001", *pos.StopOrderID)
	assert.Equal(t, domain.PhaseInitial, pos.Phase)
}

func TestApplyFill_StaleCancelIsTolerated(t *testing.T) {
	f := newTestProtocol(t)
	f.gateway.PlaceConditionalFunc = func(ctx context.Context, spec ports.ConditionalOrderSpec) (*ports.OrderAck, error) {
		return &ports.OrderAck{OrderID: "new-stop", Status: "NEW"}, nil
	}
	f.gateway.CancelFunc = func(ctx context.Context, symbol, orderID string) error {
		return ports.ErrOrderCancelFailed
	}
	pos := testOpenPosition()
	ev := &domain.OrderFillEvent{
		PositionID: pos.ID, OrderID: "1001", Type: domain.FillTP1, Size: 5, Price: 50750,
	}

	err := f.protocol.ApplyFill(context.Background(), pos, ev)
	require.NoError(t, err)
	assert.Len(t, f.positions.Transitions, 1)
	assert.Equal(t, []string{"1001"}, f.fills.Processed)
}

func TestForceComplete_ManualMarketClose(t *testing.T) {
	f := newTestProtocol(t)
	f.gateway.PlaceMarketFunc = func(ctx context.Context, spec ports.MarketOrderSpec) (*ports.OrderAck, error) {
		return &ports.OrderAck{OrderID: "close-id", AvgPrice: 50500, Status: "FILLED"}, nil
	}
	pos := testOpenPosition()

	err := f.protocol.ForceComplete(context.Background(), pos, domain.CauseManualClose, true)
	require.NoError(t, err)

	require.Len(t, f.gateway.MarketSpecs, 1)
	assert.True(t, f.gateway.MarketSpecs[0].ReduceOnly)
	assert.Equal(t, 10.0, f.gateway.MarketSpecs[0].Quantity)
	assert.Len(t, f.gateway.Cancels, 3)

	tr := f.positions.Transitions[0]
	assert.Equal(t, domain.PhaseCompleted, tr.Phase)
	assert.Equal(t, domain.CauseManualClose, tr.Cause)
	assert.InDelta(t, 5000.0, tr.RealizedPnL, 1e-9) // (50500-50000)*10
	assert.Equal(t, domain.PhaseCompleted, pos.Phase)
}

func TestForceComplete_ExpiryWithdrawsProtectionOnly(t *testing.T) {
	f := newTestProtocol(t)
	pos := testOpenPosition()
	pos.Phase = domain.PhaseTP2Filled
	pos.RemainingSize = 2
	pos.TP1OrderID = nil
	pos.TP2OrderID = nil

	err := f.protocol.ForceComplete(context.Background(), pos, domain.CauseExpired, false)
	require.NoError(t, err)

	assert.Empty(t, f.gateway.MarketSpecs)
	require.Len(t, f.gateway.Cancels, 1)
	assert.Equal(t, "3001", f.gateway.Cancels[0].OrderID)

	tr := f.positions.Transitions[0]
	assert.Equal(t, domain.PhaseCompleted, tr.Phase)
	assert.Equal(t, domain.CauseExpired, tr.Cause)
}

func TestForceComplete_MarketCloseFailureLeavesPositionOpen(t *testing.T) {
	f := newTestProtocol(t)
	f.gateway.PlaceMarketFunc = func(ctx context.Context, spec ports.MarketOrderSpec) (*ports.OrderAck, error) {
		return nil, ports.ErrExchangeUnavailable
	}
	pos := testOpenPosition()

	err := f.protocol.ForceComplete(context.Background(), pos, domain.CauseManualClose, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrExchangeUnavailable)
	assert.Empty(t, f.gateway.Cancels)
	assert.Empty(t, f.positions.Transitions)
	assert.Equal(t, domain.PhaseInitial, pos.Phase)
}

func TestForceComplete_TerminalPositionRejected(t *testing.T) {
	f := newTestProtocol(t)
	pos := testOpenPosition()
	pos.Phase = domain.PhaseCompleted
	pos.RemainingSize = 0

	err := f.protocol.ForceComplete(context.Background(), pos, domain.CauseManualClose, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrPositionNotActive))
}

// Package mutation implements the order mutation protocol: the only component
// allowed to mutate protective orders. It executes place-before-cancel stop
// replacement and the batch-with-rollback position creation, so capital is
// never left with zero protective orders without a CRITICAL fault being
// raised.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"positionGuard/internal/domain"
	"positionGuard/internal/metrics"
	"positionGuard/internal/notify"
	"positionGuard/internal/ports"
)

// Config holds tunables of the mutation protocol.
type Config struct {
	// BreakEvenBuffer is the fractional offset from entry applied to the
	// break-even stop after tp1 (e.g. 0.0005 -> entry +0.05% for longs).
	BreakEvenBuffer float64
	// DefaultMaxAge bounds a position's exposure when the open request
	// carries no override.
	DefaultMaxAge time.Duration
}

// Protocol executes multi-step mutations against the non-transactional
// remote exchange using compensating actions.
type Protocol struct {
	cfg       Config
	logger    ports.Logger
	positions ports.PositionStore
	fills     ports.FillEventStore
	audit     ports.AuditLog
	tracking  ports.TimeTrackingStore
	gateways  ports.GatewayProvider
	notifier  *notify.Notifier

	now func() time.Time
}

// NewProtocol creates the mutation protocol instance.
func NewProtocol(
	cfg Config,
	logger ports.Logger,
	positions ports.PositionStore,
	fills ports.FillEventStore,
	audit ports.AuditLog,
	tracking ports.TimeTrackingStore,
	gateways ports.GatewayProvider,
	notifier *notify.Notifier,
) (*Protocol, error) {
	if logger == nil || positions == nil || fills == nil || audit == nil || tracking == nil || gateways == nil || notifier == nil {
		return nil, fmt.Errorf("missing required dependencies for mutation protocol")
	}
	if cfg.BreakEvenBuffer <= 0 || cfg.BreakEvenBuffer >= 1 {
		return nil, fmt.Errorf("BreakEvenBuffer must be between 0 and 1")
	}
	if cfg.DefaultMaxAge <= 0 {
		return nil, fmt.Errorf("DefaultMaxAge must be positive")
	}
	return &Protocol{
		cfg:       cfg,
		logger:    logger,
		positions: positions,
		fills:     fills,
		audit:     audit,
		tracking:  tracking,
		gateways:  gateways,
		notifier:  notifier,
		now:       time.Now,
	}, nil
}

// recordAudit appends one mutation-attempt record. Audit write failures are
// logged and swallowed: losing a trail entry must not abort a protective
// action already in flight.
func (m *Protocol) recordAudit(ctx context.Context, positionID int64, action string, detail interface{}, attemptErr error) {
	payload, err := json.Marshal(detail)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	entry := &domain.ActionAudit{
		PositionID: positionID,
		Action:     action,
		Detail:     string(payload),
		Outcome:    domain.AuditOK,
		CreatedAt:  m.now().UTC(),
	}
	if attemptErr != nil {
		entry.Outcome = domain.AuditFailed
		entry.Error = attemptErr.Error()
	}
	if err := m.audit.RecordAudit(ctx, entry); err != nil {
		m.logger.Error(ctx, err, "Failed to write audit entry", map[string]interface{}{"action": action, "positionID": positionID})
	}
}

// --- Creation-time batch ---

// placedOrder tracks a successful placement for compensating rollback.
type placedOrder struct {
	label   string
	orderID string
}

// OpenPosition places the entry order, then attempts all protective orders
// together. Any protective failure triggers compensating cancellation of
// whatever succeeded, then a single stop-only emergency placement for minimum
// protection; if that also fails the CRITICAL unprotected-position fault is
// raised. On success the position and its time-tracking record are persisted.
func (m *Protocol) OpenPosition(ctx context.Context, req domain.OpenRequest) (*domain.Position, error) {
	op := "OpenPosition"
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
	}
	if req.TP1Fraction <= 0 || req.TP2Fraction <= 0 {
		return nil, fmt.Errorf("%w: tier fractions must be resolved before opening", ports.ErrInvalidRequest)
	}

	gw, err := m.gateways.Gateway(req.Scope)
	if err != nil {
		return nil, err
	}

	tp1Size := req.Size * req.TP1Fraction
	tp2Size := req.Size * req.TP2Fraction
	runnerSize := req.Size - tp1Size - tp2Size

	entrySide := domain.Buy
	if req.Side == domain.Short {
		entrySide = domain.Sell
	}
	exitSide := req.Side.ExitSide()

	// 1. Entry market order.
	entryAck, err := gw.PlaceMarketOrder(ctx, ports.MarketOrderSpec{
		Symbol:        req.Symbol,
		Side:          entrySide,
		Quantity:      req.Size,
		ClientOrderID: clientOrderID("entry"),
	})
	m.recordAudit(ctx, 0, domain.ActionPlaceEntry, map[string]interface{}{
		"symbol": req.Symbol, "side": entrySide, "quantity": req.Size,
	}, err)
	if err != nil {
		return nil, fmt.Errorf("entry market order failed: %w", err)
	}
	entryPrice := entryAck.AvgPrice
	if entryPrice == 0 {
		m.logger.Warn(ctx, op+": entry fill price unreported, using request hint", map[string]interface{}{
			"orderID": entryAck.OrderID, "hint": req.EntryHint,
		})
		entryPrice = req.EntryHint
	}

	// 2. Protective batch: tp1, tp2, stop.
	var placed []placedOrder
	protective := []struct {
		label    string
		action   string
		kind     ports.ConditionalKind
		quantity float64
		trigger  float64
	}{
		{"tp1", domain.ActionPlaceTP1, ports.KindTakeProfit, tp1Size, req.TP1Price},
		{"tp2", domain.ActionPlaceTP2, ports.KindTakeProfit, tp2Size, req.TP2Price},
		{"stop", domain.ActionPlaceStop, ports.KindStop, req.Size, req.StopPrice},
	}

	acks := make(map[string]string, 3)
	for _, p := range protective {
		ack, err := gw.PlaceConditionalOrder(ctx, ports.ConditionalOrderSpec{
			Symbol:        req.Symbol,
			Side:          exitSide,
			Kind:          p.kind,
			Quantity:      p.quantity,
			TriggerPrice:  p.trigger,
			ClientOrderID: clientOrderID(p.label),
		})
		m.recordAudit(ctx, 0, p.action, map[string]interface{}{
			"symbol": req.Symbol, "side": exitSide, "quantity": p.quantity, "trigger": p.trigger,
		}, err)
		if err != nil {
			m.logger.Error(ctx, err, op+": protective order placement failed, rolling back", map[string]interface{}{
				"failed": p.label, "placed": len(placed),
			})
			stopID, emErr := m.rollbackCreation(ctx, gw, req, placed, err)
			if emErr != nil {
				return nil, emErr
			}
			// Emergency ladder succeeded: entry + stop-only protection.
			return m.persistPosition(ctx, req, entryAck.OrderID, entryPrice, tp1Size, tp2Size, runnerSize, nil, nil, stopID)
		}
		placed = append(placed, placedOrder{label: p.label, orderID: ack.OrderID})
		acks[p.label] = ack.OrderID
	}

	tp1ID := acks["tp1"]
	tp2ID := acks["tp2"]
	return m.persistPosition(ctx, req, entryAck.OrderID, entryPrice, tp1Size, tp2Size, runnerSize, &tp1ID, &tp2ID, acks["stop"])
}

// rollbackCreation cancels every protective order that succeeded, then places
// the single emergency stop. Returns the emergency stop order id, or the
// CRITICAL unprotected-position fault when even that placement failed.
func (m *Protocol) rollbackCreation(ctx context.Context, gw ports.ExchangeGateway, req domain.OpenRequest, placed []placedOrder, cause error) (string, error) {
	for _, p := range placed {
		err := gw.CancelConditionalOrder(ctx, req.Symbol, p.orderID)
		m.recordAudit(ctx, 0, domain.ActionRollbackCreate, map[string]interface{}{
			"symbol": req.Symbol, "label": p.label, "orderID": p.orderID,
		}, err)
		if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			// A reduce-only order left behind cannot increase risk.
			m.logger.Warn(ctx, "Rollback cancel failed, leaving stale reduce-only order", map[string]interface{}{
				"label": p.label, "orderID": p.orderID,
			})
		}
	}

	ack, err := gw.PlaceConditionalOrder(ctx, ports.ConditionalOrderSpec{
		Symbol:        req.Symbol,
		Side:          req.Side.ExitSide(),
		Kind:          ports.KindStop,
		Quantity:      req.Size,
		TriggerPrice:  req.StopPrice,
		ClientOrderID: clientOrderID("emstop"),
	})
	m.recordAudit(ctx, 0, domain.ActionEmergencyStop, map[string]interface{}{
		"symbol": req.Symbol, "quantity": req.Size, "trigger": req.StopPrice,
	}, err)
	if err != nil {
		metrics.UnprotectedFaults.Inc()
		m.logger.Error(ctx, err, "EMERGENCY STOP PLACEMENT FAILED, POSITION UNPROTECTED", map[string]interface{}{
			"symbol": req.Symbol, "size": req.Size,
		})
		if nErr := m.notifier.Notify(ctx, "CRITICAL: unprotected position", fmt.Sprintf(
			"Entry filled for %s size %.4f but no protective order could be placed. Manual intervention required.",
			req.Symbol, req.Size)); nErr != nil {
			m.logger.Error(ctx, nErr, "Failed to deliver CRITICAL notification")
		}
		return "", fmt.Errorf("%w: %s (protective batch: %v, emergency: %v)", ports.ErrPositionUnprotected, req.Symbol, cause, err)
	}
	return ack.OrderID, nil
}

// persistPosition saves the position and its time-tracking record after all
// remote orders are in place.
func (m *Protocol) persistPosition(ctx context.Context, req domain.OpenRequest, entryOrderID string, entryPrice, tp1Size, tp2Size, runnerSize float64, tp1ID, tp2ID *string, stopID string) (*domain.Position, error) {
	now := m.now().UTC()
	pos := &domain.Position{
		Symbol:            req.Symbol,
		Side:              req.Side,
		Scope:             req.Scope,
		Size:              req.Size,
		RemainingSize:     req.Size,
		EntryPrice:        entryPrice,
		EntryOrderID:      entryOrderID,
		TP1Size:           tp1Size,
		TP2Size:           tp2Size,
		RunnerSize:        runnerSize,
		TP1Price:          req.TP1Price,
		TP2Price:          req.TP2Price,
		TP1OrderID:        tp1ID,
		TP2OrderID:        tp2ID,
		StopOrderID:       &stopID,
		OriginalStopPrice: req.StopPrice,
		StopPrice:         req.StopPrice,
		Phase:             domain.PhaseInitial,
		CreatedAt:         now,
	}

	id, err := m.positions.Create(ctx, pos)
	if err != nil {
		m.logger.Error(ctx, err, "Failed to persist new position, compensating on exchange")
		m.compensateUnpersisted(ctx, req, pos)
		return nil, fmt.Errorf("failed to save position after placing orders: %w (orders compensated)", err)
	}

	maxAge := req.MaxAge
	if maxAge == 0 {
		maxAge = m.cfg.DefaultMaxAge
	}
	if err := m.tracking.CreateTracking(ctx, &domain.TimeTracking{
		PositionID: id,
		CreatedAt:  now,
		ExpiresAt:  now.Add(maxAge),
		Status:     domain.TimeStatusActive,
	}); err != nil {
		// The position stays managed; only the time box is lost. Loud log,
		// no rollback of live protection.
		m.logger.Error(ctx, err, "Failed to persist time tracking for new position", map[string]interface{}{"positionID": id})
	}

	m.logger.Info(ctx, "Position opened", map[string]interface{}{
		"positionID": id, "symbol": pos.Symbol, "side": pos.Side, "size": pos.Size,
		"entryPrice": pos.EntryPrice, "stopOrderID": stopID,
	})
	return pos, nil
}

// compensateUnpersisted unwinds exchange state when the local store rejected
// the new position: cancel protective orders, then market-close the entry.
func (m *Protocol) compensateUnpersisted(ctx context.Context, req domain.OpenRequest, pos *domain.Position) {
	gw, err := m.gateways.Gateway(req.Scope)
	if err != nil {
		m.logger.Error(ctx, err, "Cannot compensate unpersisted position, gateway unavailable")
		return
	}
	for _, id := range pos.TrackedOrderIDs() {
		err := gw.CancelConditionalOrder(ctx, req.Symbol, id)
		m.recordAudit(ctx, 0, domain.ActionRollbackCreate, map[string]interface{}{"symbol": req.Symbol, "orderID": id}, err)
	}
	_, err = gw.PlaceMarketOrder(ctx, ports.MarketOrderSpec{
		Symbol:        req.Symbol,
		Side:          req.Side.ExitSide(),
		Quantity:      req.Size,
		ReduceOnly:    true,
		ClientOrderID: clientOrderID("unwind"),
	})
	m.recordAudit(ctx, 0, domain.ActionMarketClose, map[string]interface{}{"symbol": req.Symbol, "quantity": req.Size}, err)
	if err != nil {
		m.logger.Error(ctx, err, "FAILED TO UNWIND UNPERSISTED POSITION", map[string]interface{}{"symbol": req.Symbol})
	}
}

// --- Fill application ---

// ApplyFill consumes one inferred fill event: accrues realized PnL, migrates
// the stop where the tier demands it, and advances the phase. Events whose
// transition is no longer legal (already applied) are marked processed and
// skipped, which makes the same order-id disappearance idempotent.
func (m *Protocol) ApplyFill(ctx context.Context, pos *domain.Position, ev *domain.OrderFillEvent) error {
	op := "ApplyFill"

	var target domain.Phase
	switch ev.Type {
	case domain.FillTP1:
		target = domain.PhaseTP1Filled
	case domain.FillTP2:
		target = domain.PhaseTP2Filled
	case domain.FillSL:
		target = domain.PhaseStoppedOut
	default:
		return fmt.Errorf("%s: unsupported fill type %q: %w", op, ev.Type, ports.ErrInvalidRequest)
	}

	if !pos.Phase.CanTransitionTo(target) {
		m.logger.Warn(ctx, op+": fill already applied, skipping", map[string]interface{}{
			"positionID": pos.ID, "orderID": ev.OrderID, "type": ev.Type, "phase": pos.Phase,
		})
		return m.fills.MarkProcessed(ctx, ev.OrderID)
	}

	m.recordAudit(ctx, pos.ID, domain.ActionApplyFill, map[string]interface{}{
		"orderID": ev.OrderID, "type": ev.Type, "size": ev.Size, "price": ev.Price,
	}, nil)

	if ev.Type == domain.FillSL {
		return m.applyStopOut(ctx, pos, ev)
	}

	newRemaining := pos.RemainingSize - ev.Size
	if newRemaining < 0 {
		newRemaining = 0
	}
	newPnL := pos.RealizedPnL + pos.RealizedOnFill(ev.Price, ev.Size)

	newStopPrice := pos.BreakEvenStopPrice(m.cfg.BreakEvenBuffer)
	if ev.Type == domain.FillTP2 {
		newStopPrice = pos.TightenedStopPrice()
	}

	// Place-before-cancel: the new stop covers the post-fill remaining size;
	// stored stop fields move only after remote confirmation.
	if err := m.replaceStop(ctx, pos, newStopPrice, newRemaining); err != nil {
		return err
	}

	if err := m.positions.ApplyPhaseTransition(ctx, pos.ID, target, newRemaining, newPnL, ""); err != nil {
		return fmt.Errorf("%s: phase transition failed for position %d: %w", op, pos.ID, err)
	}
	pos.Phase = target
	pos.RemainingSize = newRemaining
	pos.RealizedPnL = newPnL

	if err := m.fills.MarkProcessed(ctx, ev.OrderID); err != nil {
		return err
	}
	m.logger.Info(ctx, op+": tier fill applied", map[string]interface{}{
		"positionID": pos.ID, "type": ev.Type, "remainingSize": newRemaining,
		"realizedPnL": newPnL, "newStopPrice": newStopPrice,
	})
	return nil
}

// applyStopOut handles an inferred stop fill: the whole remaining size is
// gone, the phase is terminal, and any leftover take-profit orders are
// cancelled best-effort.
func (m *Protocol) applyStopOut(ctx context.Context, pos *domain.Position, ev *domain.OrderFillEvent) error {
	newPnL := pos.RealizedPnL + pos.RealizedOnFill(ev.Price, pos.RemainingSize)

	if err := m.positions.ApplyPhaseTransition(ctx, pos.ID, domain.PhaseStoppedOut, 0, newPnL, domain.CauseStoppedOut); err != nil {
		return fmt.Errorf("stop-out transition failed for position %d: %w", pos.ID, err)
	}
	pos.Phase = domain.PhaseStoppedOut
	pos.RemainingSize = 0
	pos.RealizedPnL = newPnL

	gw, err := m.gateways.Gateway(pos.Scope)
	if err != nil {
		m.logger.Error(ctx, err, "Cannot cancel leftover take-profits, gateway unavailable", map[string]interface{}{"positionID": pos.ID})
	} else {
		for _, id := range []*string{pos.TP1OrderID, pos.TP2OrderID} {
			if id == nil {
				continue
			}
			m.cancelOrderWarn(ctx, gw, pos, *id)
		}
	}

	if err := m.fills.MarkProcessed(ctx, ev.OrderID); err != nil {
		return err
	}
	m.logger.Info(ctx, "Stop fill applied, position stopped out", map[string]interface{}{
		"positionID": pos.ID, "realizedPnL": newPnL,
	})
	return nil
}

// replaceStop places the replacement stop, persists the new stop fields after
// remote confirmation, then best-effort-cancels the old stop. Cancel failure
// is logged, not fatal: a stale reduce-only order cannot increase risk.
func (m *Protocol) replaceStop(ctx context.Context, pos *domain.Position, newStopPrice, quantity float64) error {
	gw, err := m.gateways.Gateway(pos.Scope)
	if err != nil {
		return err
	}

	ack, err := gw.PlaceConditionalOrder(ctx, ports.ConditionalOrderSpec{
		Symbol:        pos.Symbol,
		Side:          pos.Side.ExitSide(),
		Kind:          ports.KindStop,
		Quantity:      quantity,
		TriggerPrice:  newStopPrice,
		ClientOrderID: clientOrderID("restop"),
	})
	m.recordAudit(ctx, pos.ID, domain.ActionReplaceStop, map[string]interface{}{
		"symbol": pos.Symbol, "quantity": quantity, "trigger": newStopPrice,
	}, err)
	if err != nil {
		// The old stop is still live; protection holds. Retried when the
		// unprocessed event is re-dispatched next cycle.
		return fmt.Errorf("replacement stop placement failed for position %d: %w", pos.ID, err)
	}

	if err := m.positions.ReplaceStopOrder(ctx, pos.ID, ack.OrderID, newStopPrice); err != nil {
		return fmt.Errorf("failed to persist replacement stop for position %d: %w", pos.ID, err)
	}

	oldStopID := pos.StopOrderID
	newID := ack.OrderID
	pos.StopOrderID = &newID
	pos.StopPrice = newStopPrice

	if oldStopID != nil {
		m.cancelOrderWarn(ctx, gw, pos, *oldStopID)
	}
	return nil
}

// --- Termination paths ---

// ForceComplete cancels all known protective orders and moves the position to
// completed. When marketClose is set the remaining size is flattened with a
// reduce-only market order first; the expiry and reconciliation paths leave
// the remote position alone and only withdraw protection, matching the
// recorded cause.
func (m *Protocol) ForceComplete(ctx context.Context, pos *domain.Position, cause domain.CloseCause, marketClose bool) error {
	op := "ForceComplete"
	if !pos.IsActive() {
		return fmt.Errorf("position %d: %w", pos.ID, ports.ErrPositionNotActive)
	}

	gw, err := m.gateways.Gateway(pos.Scope)
	if err != nil {
		return err
	}

	newPnL := pos.RealizedPnL
	if marketClose && pos.RemainingSize > 0 {
		ack, err := gw.PlaceMarketOrder(ctx, ports.MarketOrderSpec{
			Symbol:        pos.Symbol,
			Side:          pos.Side.ExitSide(),
			Quantity:      pos.RemainingSize,
			ReduceOnly:    true,
			ClientOrderID: clientOrderID("close"),
		})
		m.recordAudit(ctx, pos.ID, domain.ActionMarketClose, map[string]interface{}{
			"symbol": pos.Symbol, "quantity": pos.RemainingSize,
		}, err)
		if err != nil {
			// The position is still open remotely; do not mark it closed.
			return fmt.Errorf("%s: market close failed for position %d: %w", op, pos.ID, err)
		}
		if ack.AvgPrice > 0 {
			newPnL += pos.RealizedOnFill(ack.AvgPrice, pos.RemainingSize)
		}
	}

	for _, id := range pos.TrackedOrderIDs() {
		m.cancelOrderWarn(ctx, gw, pos, id)
	}

	m.recordAudit(ctx, pos.ID, domain.ActionForceComplete, map[string]interface{}{"cause": cause}, nil)
	if err := m.positions.ApplyPhaseTransition(ctx, pos.ID, domain.PhaseCompleted, 0, newPnL, cause); err != nil {
		return fmt.Errorf("%s: transition failed for position %d: %w", op, pos.ID, err)
	}
	pos.Phase = domain.PhaseCompleted
	pos.RemainingSize = 0
	pos.RealizedPnL = newPnL
	pos.CloseCause = cause

	m.logger.Info(ctx, op+": position completed", map[string]interface{}{
		"positionID": pos.ID, "cause": cause, "marketClose": marketClose,
	})
	return nil
}

// cancelOrderWarn attempts to cancel an order and logs a warning on failure.
// An order that no longer exists was filled or already cancelled; not an
// error here.
func (m *Protocol) cancelOrderWarn(ctx context.Context, gw ports.ExchangeGateway, pos *domain.Position, orderID string) {
	err := gw.CancelConditionalOrder(ctx, pos.Symbol, orderID)
	m.recordAudit(ctx, pos.ID, domain.ActionCancelOrder, map[string]interface{}{
		"symbol": pos.Symbol, "orderID": orderID,
	}, err)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			m.logger.Warn(ctx, "Order not found during cancel, likely already filled or cancelled", map[string]interface{}{
				"positionID": pos.ID, "orderID": orderID,
			})
			return
		}
		m.logger.Error(ctx, err, "Failed to cancel order", map[string]interface{}{
			"positionID": pos.ID, "orderID": orderID,
		})
	}
}

func clientOrderID(label string) string {
	return "pg-" + label + "-" + uuid.NewString()[:8]
}

package mutation

import (
	"context"
	"fmt"
	"time"

	"positionGuard/internal/domain"
	"positionGuard/internal/ports"
)

// --- Mock Logger ---

type mockLogger struct{}

func (l *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (l *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (l *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (l *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// --- Mock ExchangeGateway ---

type cancelCall struct {
	Symbol  string
	OrderID string
}

type mockGateway struct {
	PlaceConditionalFunc func(ctx context.Context, spec ports.ConditionalOrderSpec) (*ports.OrderAck, error)
	PlaceMarketFunc      func(ctx context.Context, spec ports.MarketOrderSpec) (*ports.OrderAck, error)
	CancelFunc           func(ctx context.Context, symbol, orderID string) error

	ConditionalSpecs []ports.ConditionalOrderSpec
	MarketSpecs      []ports.MarketOrderSpec
	Cancels          []cancelCall
}

func (g *mockGateway) ListPositions(ctx context.Context) ([]ports.RemotePosition, error) {
	return nil, nil
}

func (g *mockGateway) ListOpenConditionalOrders(ctx context.Context) ([]ports.ConditionalOrder, error) {
	return nil, nil
}

func (g *mockGateway) PlaceConditionalOrder(ctx context.Context, spec ports.ConditionalOrderSpec) (*ports.OrderAck, error) {
	g.ConditionalSpecs = append(g.ConditionalSpecs, spec)
	if g.PlaceConditionalFunc != nil {
		return g.PlaceConditionalFunc(ctx, spec)
	}
	return &ports.OrderAck{OrderID: fmt.Sprintf("cond-%d", len(g.ConditionalSpecs)), Status: "NEW"}, nil
}

func (g *mockGateway) PlaceMarketOrder(ctx context.Context, spec ports.MarketOrderSpec) (*ports.OrderAck, error) {
	g.MarketSpecs = append(g.MarketSpecs, spec)
	if g.PlaceMarketFunc != nil {
		return g.PlaceMarketFunc(ctx, spec)
	}
	return &ports.OrderAck{OrderID: fmt.Sprintf("mkt-%d", len(g.MarketSpecs)), AvgPrice: 50000, Status: "FILLED"}, nil
}

func (g *mockGateway) CancelConditionalOrder(ctx context.Context, symbol, orderID string) error {
	g.Cancels = append(g.Cancels, cancelCall{Symbol: symbol, OrderID: orderID})
	if g.CancelFunc != nil {
		return g.CancelFunc(ctx, symbol, orderID)
	}
	return nil
}

type mockProvider struct {
	gw  ports.ExchangeGateway
	err error
}

func (p *mockProvider) Gateway(scope domain.AccountScope) (ports.ExchangeGateway, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.gw, nil
}

// --- Mock PositionStore ---

type transitionCall struct {
	PositionID    int64
	Phase         domain.Phase
	RemainingSize float64
	RealizedPnL   float64
	Cause         domain.CloseCause
}

type stopReplaceCall struct {
	PositionID int64
	OrderID    string
	StopPrice  float64
}

type mockPositionStore struct {
	CreateFunc     func(ctx context.Context, pos *domain.Position) (int64, error)
	TransitionFunc func(ctx context.Context, id int64, phase domain.Phase, remaining, pnl float64, cause domain.CloseCause) error
	ReplaceFunc    func(ctx context.Context, id int64, orderID string, price float64) error

	Created      []*domain.Position
	Transitions  []transitionCall
	StopReplaces []stopReplaceCall
}

func (s *mockPositionStore) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	s.Created = append(s.Created, pos)
	if s.CreateFunc != nil {
		return s.CreateFunc(ctx, pos)
	}
	pos.ID = int64(len(s.Created))
	return pos.ID, nil
}

func (s *mockPositionStore) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	return nil, ports.ErrNotFound
}

func (s *mockPositionStore) FindActive(ctx context.Context) ([]*domain.Position, error) {
	return nil, nil
}

func (s *mockPositionStore) ApplyPhaseTransition(ctx context.Context, id int64, phase domain.Phase, remaining, pnl float64, cause domain.CloseCause) error {
	s.Transitions = append(s.Transitions, transitionCall{id, phase, remaining, pnl, cause})
	if s.TransitionFunc != nil {
		return s.TransitionFunc(ctx, id, phase, remaining, pnl, cause)
	}
	return nil
}

func (s *mockPositionStore) ReplaceStopOrder(ctx context.Context, id int64, orderID string, price float64) error {
	s.StopReplaces = append(s.StopReplaces, stopReplaceCall{id, orderID, price})
	if s.ReplaceFunc != nil {
		return s.ReplaceFunc(ctx, id, orderID, price)
	}
	return nil
}

// --- Mock FillEventStore ---

type mockFillStore struct {
	RecordFunc func(ctx context.Context, ev *domain.OrderFillEvent) (bool, error)
	MarkErr    error

	Recorded  []*domain.OrderFillEvent
	Processed []string
}

func (s *mockFillStore) Record(ctx context.Context, ev *domain.OrderFillEvent) (bool, error) {
	s.Recorded = append(s.Recorded, ev)
	if s.RecordFunc != nil {
		return s.RecordFunc(ctx, ev)
	}
	return true, nil
}

func (s *mockFillStore) MarkProcessed(ctx context.Context, orderID string) error {
	if s.MarkErr != nil {
		return s.MarkErr
	}
	s.Processed = append(s.Processed, orderID)
	return nil
}

func (s *mockFillStore) FindByPosition(ctx context.Context, positionID int64) ([]*domain.OrderFillEvent, error) {
	return nil, nil
}

// --- Mock AuditLog ---

type mockAuditLog struct {
	Entries []*domain.ActionAudit
}

func (a *mockAuditLog) RecordAudit(ctx context.Context, entry *domain.ActionAudit) error {
	a.Entries = append(a.Entries, entry)
	return nil
}

func (a *mockAuditLog) FindAuditByPosition(ctx context.Context, positionID int64) ([]*domain.ActionAudit, error) {
	return nil, nil
}

func (a *mockAuditLog) actions() []string {
	out := make([]string, 0, len(a.Entries))
	for _, e := range a.Entries {
		out = append(out, e.Action)
	}
	return out
}

// --- Mock TimeTrackingStore ---

type mockTrackingStore struct {
	CreateErr error

	Created []*domain.TimeTracking
}

func (s *mockTrackingStore) CreateTracking(ctx context.Context, tt *domain.TimeTracking) error {
	if s.CreateErr != nil {
		return s.CreateErr
	}
	s.Created = append(s.Created, tt)
	return nil
}

func (s *mockTrackingStore) FindByPositionID(ctx context.Context, positionID int64) (*domain.TimeTracking, error) {
	return nil, ports.ErrNotFound
}

func (s *mockTrackingStore) FindUnresolved(ctx context.Context) ([]*domain.TimeTracking, error) {
	return nil, nil
}

func (s *mockTrackingStore) MarkWarned(ctx context.Context, positionID int64) error { return nil }

func (s *mockTrackingStore) MarkForceCloseAttempted(ctx context.Context, positionID int64) error {
	return nil
}

func (s *mockTrackingStore) SetStatus(ctx context.Context, positionID int64, status domain.TimeStatus) error {
	return nil
}

func (s *mockTrackingStore) ExtendExpiry(ctx context.Context, positionID int64, expiresAt time.Time) error {
	return nil
}

package ports

import (
	"context"

	"positionGuard/internal/domain"
)

// RemotePosition is one entry of the remote open-positions list.
type RemotePosition struct {
	Symbol string
	Size   float64 // Absolute open size; 0 means the exchange no longer holds it
}

// ConditionalOrder is one entry of the remote open conditional-order list.
type ConditionalOrder struct {
	ID           string
	Symbol       string
	TriggerPrice float64
}

// ConditionalKind distinguishes the two protective order flavors.
type ConditionalKind string

const (
	KindStop       ConditionalKind = "STOP"
	KindTakeProfit ConditionalKind = "TAKE_PROFIT"
)

// ConditionalOrderSpec describes a protective order to place. Protective
// orders are always reduce-only: a stale one can never increase exposure.
type ConditionalOrderSpec struct {
	Symbol        string
	Side          domain.OrderSide
	Kind          ConditionalKind
	Quantity      float64
	TriggerPrice  float64
	ClientOrderID string
}

// MarketOrderSpec describes an immediate market order.
type MarketOrderSpec struct {
	Symbol        string
	Side          domain.OrderSide
	Quantity      float64
	ReduceOnly    bool
	ClientOrderID string
}

// OrderAck is the essential response to a successful order placement.
type OrderAck struct {
	OrderID  string
	AvgPrice float64 // Average filled price, 0 when not yet filled
	Status   string
}

// ExchangeGateway is the remote order surface for one credential+market
// scope. All calls are synchronous request/response with bounded timeouts;
// the exchange pushes no notifications, so fills are inferred by polling.
type ExchangeGateway interface {
	// ListPositions fetches the open-positions list for the whole scope.
	ListPositions(ctx context.Context) ([]RemotePosition, error)
	// ListOpenConditionalOrders fetches all open conditional orders for the scope.
	ListOpenConditionalOrders(ctx context.Context) ([]ConditionalOrder, error)
	// PlaceConditionalOrder places a protective (trigger) order.
	PlaceConditionalOrder(ctx context.Context, spec ConditionalOrderSpec) (*OrderAck, error)
	// PlaceMarketOrder places an immediate market order.
	PlaceMarketOrder(ctx context.Context, spec MarketOrderSpec) (*OrderAck, error)
	// CancelConditionalOrder cancels an open conditional order by id.
	CancelConditionalOrder(ctx context.Context, symbol, orderID string) error
}

// GatewayProvider resolves the gateway serving a credential+market scope.
type GatewayProvider interface {
	Gateway(scope domain.AccountScope) (ExchangeGateway, error)
}

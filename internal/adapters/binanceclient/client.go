package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"positionGuard/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	defaultRequestTimeout = 10 * time.Second
)

// Client implements the ports.ExchangeGateway interface for one
// credential+market scope using the go-binance library.
type Client struct {
	futuresClient  *futures.Client
	logger         ports.Logger
	requestTimeout time.Duration
}

// Config holds configuration specific to the Binance gateway adapter.
type Config struct {
	APIKey         string
	SecretKey      string
	UseTestnet     bool
	Logger         ports.Logger
	RequestTimeout time.Duration // Bound on every remote call; a timeout is a transient failure
}

// New creates a new Binance gateway adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("API key and secret are required for Binance client")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		futuresClient:  client,
		logger:         cfg.Logger,
		requestTimeout: timeout,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key format invalid / bad permissions
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019, -3005, -3041: // Insufficient margin / balance / position
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -4003, -4014, -4015: // Qty / price / leverage out of range
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// withTimeout bounds a remote call so a stalled request surfaces as a
// transient ErrTimeout rather than wedging a whole cycle.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.requestTimeout)
}

// ListPositions fetches the open-positions list for the whole scope.
func (c *Client) ListPositions(ctx context.Context) ([]ports.RemotePosition, error) {
	op := "ListPositions"
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	positions, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make([]ports.RemotePosition, 0, len(positions))
	for _, p := range positions {
		amt, err := strconv.ParseFloat(p.PositionAmt, 64)
		if err != nil {
			parseErr := fmt.Errorf("could not parse position amount '%s' for %s: %w", p.PositionAmt, p.Symbol, err)
			return nil, c.handleError(ctx, parseErr, op)
		}
		out = append(out, ports.RemotePosition{Symbol: p.Symbol, Size: math.Abs(amt)})
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"count": len(out)})
	return out, nil
}

// ListOpenConditionalOrders fetches all open trigger orders for the scope.
func (c *Client) ListOpenConditionalOrders(ctx context.Context) ([]ports.ConditionalOrder, error) {
	op := "ListOpenConditionalOrders"
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	orders, err := c.futuresClient.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make([]ports.ConditionalOrder, 0, len(orders))
	for _, o := range orders {
		switch o.Type {
		case futures.OrderTypeStopMarket, futures.OrderTypeTakeProfitMarket,
			futures.OrderTypeStop, futures.OrderTypeTakeProfit:
		default:
			continue // plain limit orders are not protective orders
		}
		trigger, err := strconv.ParseFloat(o.StopPrice, 64)
		if err != nil {
			parseErr := fmt.Errorf("could not parse stop price '%s' for order %d: %w", o.StopPrice, o.OrderID, err)
			return nil, c.handleError(ctx, parseErr, op)
		}
		out = append(out, ports.ConditionalOrder{
			ID:           strconv.FormatInt(o.OrderID, 10),
			Symbol:       o.Symbol,
			TriggerPrice: trigger,
		})
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"count": len(out)})
	return out, nil
}

// PlaceConditionalOrder places a protective trigger order. Protective orders
// are always reduce-only so a stale one cannot increase exposure.
func (c *Client) PlaceConditionalOrder(ctx context.Context, spec ports.ConditionalOrderSpec) (*ports.OrderAck, error) {
	op := "PlaceConditionalOrder"
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	orderType := futures.OrderTypeStopMarket
	if spec.Kind == ports.KindTakeProfit {
		orderType = futures.OrderTypeTakeProfitMarket
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(futures.SideType(spec.Side)).
		Type(orderType).
		Quantity(formatQuantity(spec.Quantity)).
		StopPrice(formatPrice(spec.TriggerPrice)).
		ReduceOnly(true)
	if spec.ClientOrderID != "" {
		svc = svc.NewClientOrderID(spec.ClientOrderID)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	ack := translateCreateResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": spec.Symbol, "side": spec.Side, "kind": spec.Kind,
		"quantity": spec.Quantity, "triggerPrice": spec.TriggerPrice, "orderID": ack.OrderID,
	})
	return ack, nil
}

// PlaceMarketOrder places an immediate market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, spec ports.MarketOrderSpec) (*ports.OrderAck, error) {
	op := "PlaceMarketOrder"
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(futures.SideType(spec.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(formatQuantity(spec.Quantity))
	if spec.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if spec.ClientOrderID != "" {
		svc = svc.NewClientOrderID(spec.ClientOrderID)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	ack := translateCreateResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": spec.Symbol, "side": spec.Side, "quantity": spec.Quantity,
		"orderID": ack.OrderID, "avgPrice": ack.AvgPrice,
	})
	return ack, nil
}

// CancelConditionalOrder cancels an open conditional order by id.
func (c *Client) CancelConditionalOrder(ctx context.Context, symbol, orderID string) error {
	op := "CancelConditionalOrder"
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid order id '%s': %w", op, orderID, ports.ErrInvalidRequest)
	}

	_, err = c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

func translateCreateResponse(order *futures.CreateOrderResponse) *ports.OrderAck {
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64) // 0 when unreported
	return &ports.OrderAck{
		OrderID:  strconv.FormatInt(order.OrderID, 10),
		AvgPrice: avgPrice,
		Status:   string(order.Status),
	}
}

// formatPrice formats a price for the Binance API.
func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', 2, 64)
}

// formatQuantity formats a quantity for the Binance API.
func formatQuantity(quantity float64) string {
	return strconv.FormatFloat(quantity, 'f', 3, 64)
}

var _ ports.ExchangeGateway = (*Client)(nil)

// Package binancebroker implements the broker ports against Binance USD-M
// futures using the go-binance library. Binance nets positions per symbol, so
// position identifiers are synthesized as "<symbol>-<side>" and order-to-
// position binding travels in the client order ID.
package binancebroker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"github.com/sfrdragon/11-19-strat/internal/domain"
	"github.com/sfrdragon/11-19-strat/internal/ports"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Config holds configuration specific to the Binance broker adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	TickSize             float64       // Instrument tick size, used to express volatility in ticks
	KlineInterval        string        // Interval driving the tick stream (default "1m")
	RequestsPerSecond    float64       // REST rate limit (default 8)
	ReconnectDelay       time.Duration // Initial stream reconnect delay (default 1s)
	MaxReconnectAttempts int           // Stream reconnect attempts before giving up (default 10)
}

// Client implements ports.Broker, ports.MarketStream and ports.AccountStream.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	limiter              *rate.Limiter
	tickSize             float64
	klineInterval        string
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// New creates a new Binance broker adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance broker")
	}
	if cfg.TickSize <= 0 {
		return nil, fmt.Errorf("tick size is required for Binance broker")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Only public endpoints will work.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance broker configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance broker configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1m"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 8
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		limiter:              rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)),
		tickSize:             cfg.TickSize,
		klineInterval:        cfg.KlineInterval,
		reconnectDelay:       cfg.ReconnectDelay,
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, nil
}

// wait applies the REST rate limit before a request goes out.
func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w: %w", ports.ErrContextCanceled, err)
	}
	return nil
}

// handleError translates Binance API errors into standardized ports errors.
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
		case -1003:
			mappedErr = ports.ErrRateLimited
		case -1021:
			mappedErr = ports.ErrTimeout
		case -1022:
			mappedErr = ports.ErrAuthenticationFailed
		case -1106:
			mappedErr = ports.ErrUnsupportedParameter
		case -1111, -4014:
			// Precision / tick size violations surface distinctly so the
			// placer can re-round and retry.
			mappedErr = ports.ErrTickSizeRejected
		case -1101, -1102, -1103, -1104, -1105, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010, -2022:
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011:
			mappedErr = ports.ErrOrderCancelFailed
		case -2013:
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015:
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019, -3005, -3041, -4047:
			mappedErr = ports.ErrInsufficientFunds
		case -4003, -4015:
			mappedErr = ports.ErrInvalidRequest
		case -4044:
			mappedErr = ports.ErrPositionNotFound
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// PlaceOrder submits an order. Stop orders become STOP_MARKET, limit orders
// plain reduce-only LIMIT orders.
func (c *Client) PlaceOrder(ctx context.Context, spec ports.OrderSpec) (*ports.OrderResult, error) {
	op := "PlaceOrder"
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(futures.SideType(spec.Side)).
		Quantity(formatFloat(spec.Quantity))

	switch spec.Type {
	case domain.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case domain.OrderTypeStop:
		svc = svc.Type(futures.OrderTypeStopMarket).StopPrice(formatFloat(spec.StopPrice))
	case domain.OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			Price(formatFloat(spec.Price)).
			TimeInForce(futures.TimeInForceTypeGTC)
	default:
		return nil, fmt.Errorf("%s failed: %w: unsupported order type %q", op, ports.ErrInvalidRequest, spec.Type)
	}

	if spec.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if id := encodeClientOrderID(spec.Label, spec.PositionID); id != "" {
		svc = svc.NewClientOrderID(id)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	res := translateOrderResult(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": spec.Symbol, "side": spec.Side, "type": spec.Type,
		"quantity": spec.Quantity, "orderID": res.OrderID, "status": res.Status,
	})
	return res, nil
}

// CancelOrder cancels an open order by its ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	op := "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s failed: %w: invalid order id %q", op, ports.ErrInvalidRequest, orderID)
	}
	if err := c.wait(ctx); err != nil {
		return err
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

// QueryPositions returns all live positions for the symbol. Binance nets per
// symbol, so at most one position per direction comes back.
func (c *Client) QueryPositions(ctx context.Context, symbol string) ([]*domain.Position, error) {
	op := "QueryPositions"
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	risks, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	now := time.Now()
	positions := make([]*domain.Position, 0, len(risks))
	for _, r := range risks {
		amt, parseErr := strconv.ParseFloat(r.PositionAmt, 64)
		if parseErr != nil || amt == 0 {
			continue
		}
		side := domain.Long
		qty := amt
		if amt < 0 {
			side = domain.Short
			qty = -amt
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		positions = append(positions, &domain.Position{
			ID:         positionID(r.Symbol, side),
			Symbol:     r.Symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: entry,
			MarkPrice:  mark,
			UpdatedAt:  now,
		})
	}
	return positions, nil
}

// QueryOrders returns all open or partially filled orders for the symbol.
func (c *Client) QueryOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	op := "QueryOrders"
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	open, err := c.futuresClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	orders := make([]*domain.Order, 0, len(open))
	for _, o := range open {
		orders = append(orders, translateOrder(o))
	}
	return orders, nil
}

// ClosePosition is the venue's direct close primitive: it cancels every open
// order on the symbol, then flattens whatever quantity the broker still
// reports. It re-queries size so a partially reduced position closes cleanly.
func (c *Client) ClosePosition(ctx context.Context, pos *domain.Position) error {
	op := "ClosePosition"
	if pos == nil {
		return fmt.Errorf("%s failed: %w: nil position", op, ports.ErrInvalidRequest)
	}

	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.futuresClient.NewCancelAllOpenOrdersService().Symbol(pos.Symbol).Do(ctx); err != nil {
		// Cancellation failure is not fatal for the close itself.
		c.logger.Warn(ctx, op+": failed to cancel open orders before close", map[string]interface{}{
			"symbol": pos.Symbol, "error": err.Error(),
		})
	}

	live, err := c.QueryPositions(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	var target *domain.Position
	for _, p := range live {
		if p.ID == pos.ID {
			target = p
			break
		}
	}
	if target == nil {
		c.logger.Info(ctx, op+": position already gone", map[string]interface{}{"positionID": pos.ID})
		return nil
	}

	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err = c.futuresClient.NewCreateOrderService().
		Symbol(target.Symbol).
		Side(futures.SideType(target.Side.ExitSide())).
		Type(futures.OrderTypeMarket).
		Quantity(formatFloat(target.Quantity)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Warn(ctx, op+": direct close submitted", map[string]interface{}{
		"positionID": target.ID, "quantity": target.Quantity,
	})
	return nil
}

// --- Translation helpers ---

func translateOrderResult(order *futures.CreateOrderResponse) *ports.OrderResult {
	if order == nil {
		return nil
	}
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	return &ports.OrderResult{
		OrderID:      strconv.FormatInt(order.OrderID, 10),
		Status:       domain.OrderStatus(order.Status),
		AvgFillPrice: avgPrice,
		ExecutedQty:  execQty,
	}
}

func translateOrder(o *futures.Order) *domain.Order {
	price, _ := strconv.ParseFloat(o.Price, 64)
	stopPrice, _ := strconv.ParseFloat(o.StopPrice, 64)
	qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	label, posID := decodeClientOrderID(o.ClientOrderID)

	typ := domain.OrderTypeLimit
	switch o.Type {
	case futures.OrderTypeMarket:
		typ = domain.OrderTypeMarket
	case futures.OrderTypeStop, futures.OrderTypeStopMarket:
		typ = domain.OrderTypeStop
	case futures.OrderTypeTakeProfit, futures.OrderTypeTakeProfitMarket:
		// Take-profit trigger orders act at their stop price.
		typ = domain.OrderTypeLimit
		if price == 0 {
			price = stopPrice
		}
	}

	return &domain.Order{
		ID:          strconv.FormatInt(o.OrderID, 10),
		PositionID:  posID,
		Symbol:      o.Symbol,
		Side:        domain.OrderSide(o.Side),
		Type:        typ,
		Price:       price,
		StopPrice:   stopPrice,
		Quantity:    qty,
		ExecutedQty: execQty,
		ReduceOnly:  o.ReduceOnly,
		Status:      domain.OrderStatus(o.Status),
		Label:       label,
		UpdatedAt:   time.UnixMilli(o.UpdateTime),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// positionID synthesizes the stable position identifier for a netted venue.
func positionID(symbol string, side domain.PositionSide) string {
	return symbol + "-" + string(side)
}

const maxClientOrderIDLen = 36

// encodeClientOrderID packs the label and position binding into the client
// order ID, which Binance limits to 36 chars of [A-Za-z0-9._:/-]. When the
// pair exceeds the limit the label is clipped, never the position binding: a
// clipped binding would make a valid protective order look orphaned.
func encodeClientOrderID(label, positionID string) string {
	label = sanitizeClientOrderID(label)
	if positionID == "" {
		if len(label) > maxClientOrderIDLen {
			label = label[:maxClientOrderIDLen]
		}
		return label
	}
	suffix := ":" + sanitizeClientOrderID(positionID)
	if len(suffix) > maxClientOrderIDLen {
		suffix = suffix[:maxClientOrderIDLen]
	}
	if room := maxClientOrderIDLen - len(suffix); len(label) > room {
		label = label[:room]
	}
	return label + suffix
}

// decodeClientOrderID reverses encodeClientOrderID. Orders placed outside
// this system decode to an empty binding.
func decodeClientOrderID(id string) (label, positionID string) {
	if id == "" {
		return "", ""
	}
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}

func sanitizeClientOrderID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == ':', r == '/', r == '-':
			return r
		}
		return '-'
	}, id)
}

package binancebroker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"github.com/sfrdragon/11-19-strat/internal/domain"
)

// volAlpha smooths the per-kline range into the volatility estimate.
const volAlpha = 0.2

// pivotTracker derives the previous-session pivot levels and a tick-scaled
// volatility estimate from the kline stream. Sessions roll on the UTC day.
type pivotTracker struct {
	mu       sync.Mutex
	tickSize float64
	day      string
	curHigh  float64
	curLow   float64
	prevHigh float64
	prevLow  float64
	volTicks float64
}

func newPivotTracker(tickSize float64) *pivotTracker {
	return &pivotTracker{tickSize: tickSize}
}

// observe folds one kline into the tracker and returns the market snapshot.
func (p *pivotTracker) observe(high, low, last float64, final bool, at time.Time) domain.MarketContext {
	p.mu.Lock()
	defer p.mu.Unlock()

	day := at.UTC().Format("2006-01-02")
	if p.day == "" {
		p.day = day
		p.curHigh, p.curLow = high, low
	} else if day != p.day {
		p.prevHigh, p.prevLow = p.curHigh, p.curLow
		p.day = day
		p.curHigh, p.curLow = high, low
	} else {
		if high > p.curHigh {
			p.curHigh = high
		}
		if low < p.curLow {
			p.curLow = low
		}
	}

	if final && p.tickSize > 0 {
		rangeTicks := (high - low) / p.tickSize
		if p.volTicks == 0 {
			p.volTicks = rangeTicks
		} else {
			p.volTicks = volAlpha*rangeTicks + (1-volAlpha)*p.volTicks
		}
	}

	return domain.MarketContext{
		Price:           last,
		PreviousHigh:    p.prevHigh,
		PreviousLow:     p.prevLow,
		VolatilityTicks: p.volTicks,
		Time:            at,
	}
}

// StreamTicks starts the market tick stream backed by the kline WebSocket.
// Each kline update becomes one MarketContext tick.
func (c *Client) StreamTicks(ctx context.Context, symbol string, handler func(domain.MarketContext), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	op := "StreamTicks"
	tracker := newPivotTracker(c.tickSize)

	klineHandler := func(event *futures.WsKlineEvent) {
		if event == nil {
			return
		}
		k := event.Kline
		high, err1 := strconv.ParseFloat(k.High, 64)
		low, err2 := strconv.ParseFloat(k.Low, 64)
		last, err3 := strconv.ParseFloat(k.Close, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			c.logger.Error(ctx, fmt.Errorf("unparseable kline h=%q l=%q c=%q", k.High, k.Low, k.Close), op+": dropping tick")
			return
		}
		handler(tracker.observe(high, low, last, k.IsFinal, time.UnixMilli(event.Time)))
	}

	return c.streamWithReconnect(ctx, op, errHandler, func(eh func(error)) (chan struct{}, chan struct{}, error) {
		return futures.WsKlineServe(symbol, c.klineInterval, klineHandler, eh)
	})
}

// StreamAccount starts the user data stream, forwarding trade fills and
// position removals for the symbol. The listen key is kept alive on the
// broker-mandated cadence.
func (c *Client) StreamAccount(ctx context.Context, symbol string, onFill func(domain.Fill), onPositionRemoved func(string), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	op := "StreamAccount"

	listenKey, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, nil, c.handleError(ctx, err, op+" listen key")
	}

	// Binance expires idle listen keys after 60 minutes.
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
					c.logger.Warn(ctx, op+": listen key keepalive failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()

	// Binance reports position side as BOTH in one-way mode, so the last
	// observed direction per symbol resolves which position disappeared.
	var sideMu sync.Mutex
	lastSide := make(map[string]domain.PositionSide)

	eventHandler := func(event *futures.WsUserDataEvent) {
		if event == nil {
			return
		}
		switch event.Event {
		case futures.UserDataEventTypeOrderTradeUpdate:
			u := event.OrderTradeUpdate
			if u.Symbol != symbol || u.ExecutionType != futures.OrderExecutionTypeTrade {
				return
			}
			qty, err1 := strconv.ParseFloat(u.LastFilledQty, 64)
			price, err2 := strconv.ParseFloat(u.LastFilledPrice, 64)
			if err1 != nil || err2 != nil || qty <= 0 {
				return
			}
			onFill(domain.Fill{
				OrderID:  strconv.FormatInt(u.ID, 10),
				Symbol:   u.Symbol,
				Side:     domain.OrderSide(u.Side),
				Price:    price,
				Quantity: qty,
				Time:     time.UnixMilli(u.TradeTime),
			})

		case futures.UserDataEventTypeAccountUpdate:
			for _, p := range event.AccountUpdate.Positions {
				if p.Symbol != symbol {
					continue
				}
				amt, err := strconv.ParseFloat(p.Amount, 64)
				if err != nil {
					continue
				}
				sideMu.Lock()
				switch {
				case amt > 0:
					lastSide[p.Symbol] = domain.Long
				case amt < 0:
					lastSide[p.Symbol] = domain.Short
				default:
					side, known := lastSide[p.Symbol]
					delete(lastSide, p.Symbol)
					sideMu.Unlock()
					if known {
						onPositionRemoved(positionID(p.Symbol, side))
					} else {
						// Direction unknown after a restart: clear both
						// candidates, the stale one is a no-op downstream.
						onPositionRemoved(positionID(p.Symbol, domain.Long))
						onPositionRemoved(positionID(p.Symbol, domain.Short))
					}
					continue
				}
				sideMu.Unlock()
			}
		}
	}

	return c.streamWithReconnect(ctx, op, errHandler, func(eh func(error)) (chan struct{}, chan struct{}, error) {
		return futures.WsUserDataServe(listenKey, eventHandler, eh)
	})
}

// streamWithReconnect wraps a WebSocket connector with exponential-backoff
// reconnection. The returned channels follow the library convention: doneCh
// closes when the loop gives up or the context ends, stopCh requests
// shutdown.
func (c *Client) streamWithReconnect(ctx context.Context, op string, errHandler func(error), connect func(errHandler func(error)) (chan struct{}, chan struct{}, error)) (chan struct{}, chan struct{}, error) {
	wsCtx, cancelWs := context.WithCancel(ctx)

	wsErrHandler := func(err error) {
		translated := c.handleError(wsCtx, err, op+" WebSocket")
		errHandler(translated)
	}

	go func() {
		defer cancelWs()

		attempt := 0
		for {
			select {
			case <-wsCtx.Done():
				return
			default:
			}

			innerDoneCh, innerStopCh, connectErr := connect(wsErrHandler)
			if connectErr != nil {
				c.handleError(wsCtx, connectErr, op+" connection attempt")
				attempt++
				if attempt >= c.maxReconnectAttempts {
					c.logger.Error(wsCtx, connectErr, op+": max reconnection attempts exceeded, giving up", map[string]interface{}{
						"maxAttempts": c.maxReconnectAttempts,
					})
					return
				}
				delay := c.reconnectDelay * time.Duration(1<<uint(attempt-1))
				c.logger.Info(wsCtx, op+": connection failed, retrying", map[string]interface{}{
					"attempt": attempt + 1, "delay": delay.String(),
				})
				select {
				case <-time.After(delay):
					continue
				case <-wsCtx.Done():
					return
				}
			}

			c.logger.Info(wsCtx, op+": WebSocket connection established")
			attempt = 0

			select {
			case <-innerDoneCh:
				c.logger.Warn(wsCtx, op+": WebSocket connection closed, reconnecting")
			case <-wsCtx.Done():
				select {
				case innerStopCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}()

	doneCh := make(chan struct{})
	stopCh := make(chan struct{})

	go func() {
		select {
		case <-stopCh:
			c.logger.Info(ctx, op+": received stop signal, closing stream")
			cancelWs()
		case <-wsCtx.Done():
		}
	}()
	go func() {
		<-wsCtx.Done()
		close(doneCh)
	}()

	return doneCh, stopCh, nil
}

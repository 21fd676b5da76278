package liquidation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfrdragon/11-19-strat/internal/domain"
	"github.com/sfrdragon/11-19-strat/internal/ports"
)

type mockLogger struct{}

func (mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// fakeBroker counts submissions and removes positions when configured to
// accept a liquidation path.
type fakeBroker struct {
	mu            sync.Mutex
	positions     []*domain.Position
	placeErr      error
	closeErr      error
	marketRemoves bool // a filled market order takes the position down
	closeRemoves  bool // ClosePosition takes the position down
	marketOrders  int
	closeCalls    int
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, spec ports.OrderSpec) (*ports.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if spec.Type == domain.OrderTypeMarket {
		b.marketOrders++
	}
	if b.placeErr != nil {
		return nil, b.placeErr
	}
	if spec.Type == domain.OrderTypeMarket && spec.ReduceOnly && b.marketRemoves {
		b.removeLocked(spec.PositionID)
	}
	return &ports.OrderResult{OrderID: "1", Status: domain.OrderStatusFilled}, nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (b *fakeBroker) QueryPositions(ctx context.Context, symbol string) ([]*domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*domain.Position, len(b.positions))
	copy(out, b.positions)
	return out, nil
}

func (b *fakeBroker) QueryOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	return nil, nil
}

func (b *fakeBroker) ClosePosition(ctx context.Context, pos *domain.Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCalls++
	if b.closeErr != nil {
		return b.closeErr
	}
	if b.closeRemoves {
		b.removeLocked(pos.ID)
	}
	return nil
}

func (b *fakeBroker) removeLocked(id string) {
	out := b.positions[:0]
	for _, p := range b.positions {
		if p.ID != id {
			out = append(out, p)
		}
	}
	b.positions = out
}

func livePosition() *domain.Position {
	return &domain.Position{
		ID:         "ETHUSDT-LONG",
		Symbol:     "ETHUSDT",
		Side:       domain.Long,
		Quantity:   2,
		EntryPrice: 100,
	}
}

func newTestLiquidator(t *testing.T, broker *fakeBroker) *Liquidator {
	t.Helper()
	l, err := New(Config{
		MaxMarketAttempts: 3,
		RetryDelay:        10 * time.Millisecond,
		VerifyPolls:       3,
		VerifyInterval:    10 * time.Millisecond,
	}, broker, &fakeClock{now: time.Now()}, mockLogger{})
	require.NoError(t, err)
	return l
}

func TestLiquidateClosesWithMarketOrder(t *testing.T) {
	pos := livePosition()
	broker := &fakeBroker{positions: []*domain.Position{pos}, marketRemoves: true}
	l := newTestLiquidator(t, broker)

	ok := l.Liquidate(context.Background(), pos, "test")
	assert.True(t, ok)
	assert.Equal(t, 1, broker.marketOrders)
	assert.Zero(t, broker.closeCalls)
}

func TestLiquidateFallsBackAfterFailedSubmissions(t *testing.T) {
	pos := livePosition()
	broker := &fakeBroker{
		positions:    []*domain.Position{pos},
		placeErr:     fmt.Errorf("PlaceOrder failed: %w", ports.ErrBrokerUnavailable),
		closeRemoves: true,
	}
	l := newTestLiquidator(t, broker)

	ok := l.Liquidate(context.Background(), pos, "test")
	assert.True(t, ok)
	assert.Equal(t, 3, broker.marketOrders)
	assert.Equal(t, 1, broker.closeCalls)
}

func TestLiquidateFallsBackWhenFillsNeverVerify(t *testing.T) {
	pos := livePosition()

	// Submissions are accepted but the position never disappears, then the
	// direct close finally takes it down.
	broker := &fakeBroker{positions: []*domain.Position{pos}, closeRemoves: true}
	l := newTestLiquidator(t, broker)

	ok := l.Liquidate(context.Background(), pos, "test")
	assert.True(t, ok)
	assert.Equal(t, 3, broker.marketOrders)
	assert.Equal(t, 1, broker.closeCalls)
}

func TestLiquidateFallbackIsOneShot(t *testing.T) {
	pos := livePosition()
	broker := &fakeBroker{
		positions: []*domain.Position{pos},
		placeErr:  fmt.Errorf("PlaceOrder failed: %w", ports.ErrBrokerUnavailable),
		closeErr:  fmt.Errorf("ClosePosition failed: %w", ports.ErrBrokerUnavailable),
	}
	l := newTestLiquidator(t, broker)

	assert.False(t, l.Liquidate(context.Background(), pos, "test"))
	assert.Equal(t, 1, broker.closeCalls)

	// The fallback has been spent: nothing may be submitted again.
	assert.False(t, l.Liquidate(context.Background(), pos, "test"))
	assert.Equal(t, 3, broker.marketOrders)
	assert.Equal(t, 1, broker.closeCalls)
}

func TestLiquidateForgetRestoresEligibility(t *testing.T) {
	pos := livePosition()
	broker := &fakeBroker{
		positions: []*domain.Position{pos},
		placeErr:  fmt.Errorf("PlaceOrder failed: %w", ports.ErrBrokerUnavailable),
		closeErr:  fmt.Errorf("ClosePosition failed: %w", ports.ErrBrokerUnavailable),
	}
	l := newTestLiquidator(t, broker)

	assert.False(t, l.Liquidate(context.Background(), pos, "test"))
	l.Forget(pos.ID)

	broker.mu.Lock()
	broker.placeErr = nil
	broker.marketRemoves = true
	broker.mu.Unlock()

	assert.True(t, l.Liquidate(context.Background(), pos, "test"))
}

func TestLiquidateIgnoresEmptyPosition(t *testing.T) {
	broker := &fakeBroker{}
	l := newTestLiquidator(t, broker)

	assert.False(t, l.Liquidate(context.Background(), nil, "test"))
	assert.False(t, l.Liquidate(context.Background(), &domain.Position{ID: "x"}, "test"))
	assert.Zero(t, broker.marketOrders)
}

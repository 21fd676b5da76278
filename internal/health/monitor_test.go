package health

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfrdragon/11-19-strat/internal/domain"
	"github.com/sfrdragon/11-19-strat/internal/ports"
	"github.com/sfrdragon/11-19-strat/internal/protection"
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
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeBroker mirrors an in-memory venue: accepted non-market orders show up
// in QueryOrders immediately unless rejectPlacements is set.
type fakeBroker struct {
	mu               sync.Mutex
	nextID           int
	rejectPlacements bool
	positions        []*domain.Position
	orders           []*domain.Order
	cancelled        []string
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, spec ports.OrderSpec) (*ports.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejectPlacements {
		return nil, fmt.Errorf("PlaceOrder failed: %w", ports.ErrOrderPlacementFailed)
	}
	b.nextID++
	id := strconv.Itoa(b.nextID)
	if spec.Type != domain.OrderTypeMarket {
		b.orders = append(b.orders, &domain.Order{
			ID:         id,
			PositionID: spec.PositionID,
			Symbol:     spec.Symbol,
			Side:       spec.Side,
			Type:       spec.Type,
			Price:      spec.Price,
			StopPrice:  spec.StopPrice,
			Quantity:   spec.Quantity,
			ReduceOnly: spec.ReduceOnly,
			Status:     domain.OrderStatusNew,
			Label:      spec.Label,
		})
	}
	return &ports.OrderResult{OrderID: id, Status: domain.OrderStatusNew}, nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, symbol, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, orderID)
	for i, o := range b.orders {
		if o.ID == orderID {
			b.orders = append(b.orders[:i], b.orders[i+1:]...)
			break
		}
	}
	return nil
}

func (b *fakeBroker) QueryPositions(ctx context.Context, symbol string) ([]*domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*domain.Position, len(b.positions))
	copy(out, b.positions)
	return out, nil
}

func (b *fakeBroker) QueryOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*domain.Order, len(b.orders))
	copy(out, b.orders)
	return out, nil
}

func (b *fakeBroker) ClosePosition(ctx context.Context, pos *domain.Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.positions {
		if p.ID == pos.ID {
			b.positions = append(b.positions[:i], b.positions[i+1:]...)
			break
		}
	}
	return nil
}

type fakeLiquidator struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeLiquidator) Liquidate(ctx context.Context, pos *domain.Position, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return true
}

func (f *fakeLiquidator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePrices struct{ sl, tp float64 }

func (f fakePrices) StopLoss(side domain.PositionSide, entry float64, market domain.MarketContext) float64 {
	return f.sl
}

func (f fakePrices) TakeProfit(side domain.PositionSide, entry float64, market domain.MarketContext) float64 {
	return f.tp
}

func longPosition() *domain.Position {
	return &domain.Position{
		ID:         "ETHUSDT-LONG",
		Symbol:     "ETHUSDT",
		Side:       domain.Long,
		Quantity:   2,
		EntryPrice: 100,
	}
}

func protectiveLegs(positionID string) []*domain.Order {
	return []*domain.Order{
		{ID: "s1", PositionID: positionID, Type: domain.OrderTypeStop, StopPrice: 98, ReduceOnly: true, Status: domain.OrderStatusNew},
		{ID: "t1", PositionID: positionID, Type: domain.OrderTypeLimit, Price: 103, ReduceOnly: true, Status: domain.OrderStatusNew},
	}
}

func newTestMonitor(t *testing.T, broker *fakeBroker, liq *fakeLiquidator, cfg Config) (*Monitor, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	instr := domain.Instrument{Symbol: "ETHUSDT", TickSize: 0.01, LotStep: 0.001, MinQty: 0.001}
	placer, err := protection.NewPlacer(protection.PlacerConfig{}, broker, clk, mockLogger{}, instr)
	require.NoError(t, err)
	m, err := NewMonitor(cfg, placer, liq, fakePrices{sl: 98, tp: 103}, broker, clk, mockLogger{})
	require.NoError(t, err)
	return m, clk
}

func TestCheckHealthyPosition(t *testing.T) {
	pos := longPosition()
	broker := &fakeBroker{positions: []*domain.Position{pos}, orders: protectiveLegs(pos.ID)}
	liq := &fakeLiquidator{}
	m, _ := newTestMonitor(t, broker, liq, Config{})

	sum := m.Check(context.Background(), domain.MarketContext{Price: 100})
	assert.Equal(t, 1, sum.Checked)
	assert.Equal(t, 1, sum.Healthy)
	assert.Zero(t, sum.Repaired)
	assert.Zero(t, liq.callCount())

	rec, ok := m.Record(pos.ID)
	require.True(t, ok)
	assert.True(t, rec.Healthy)
	assert.Zero(t, rec.RepairAttempts)
}

func TestCheckRepairsMissingLegs(t *testing.T) {
	pos := longPosition()
	broker := &fakeBroker{positions: []*domain.Position{pos}}
	liq := &fakeLiquidator{}
	m, _ := newTestMonitor(t, broker, liq, Config{})

	sum := m.Check(context.Background(), domain.MarketContext{Price: 100})
	assert.Equal(t, 1, sum.Repaired)
	assert.Zero(t, sum.RepairsFailed)
	assert.Zero(t, liq.callCount())
	assert.Len(t, broker.orders, 2)

	rec, ok := m.Record(pos.ID)
	require.True(t, ok)
	assert.Zero(t, rec.RepairAttempts)

	// The position is valid on the following pass.
	sum = m.Check(context.Background(), domain.MarketContext{Price: 100})
	assert.Equal(t, 1, sum.Healthy)
}

func TestCheckEscalatesAfterBudgetsExhausted(t *testing.T) {
	pos := longPosition()
	broker := &fakeBroker{positions: []*domain.Position{pos}, rejectPlacements: true}
	liq := &fakeLiquidator{}
	m, clk := newTestMonitor(t, broker, liq, Config{MaxRepairAttempts: 3, EmergencyAfter: 10 * time.Second})

	for i := 1; i <= 3; i++ {
		sum := m.Check(context.Background(), domain.MarketContext{Price: 100})
		assert.Equal(t, 1, sum.RepairsFailed, "pass %d", i)
		rec, _ := m.Record(pos.ID)
		assert.Equal(t, i, rec.RepairAttempts)
	}
	assert.Zero(t, liq.callCount())

	// Attempt budget spent but the position is still young: no escalation yet.
	clk.advance(time.Second)
	sum := m.Check(context.Background(), domain.MarketContext{Price: 100})
	assert.Zero(t, sum.Liquidations)

	// Both budgets gone: exactly one liquidation.
	clk.advance(10 * time.Second)
	sum = m.Check(context.Background(), domain.MarketContext{Price: 100})
	assert.Equal(t, 1, sum.Liquidations)
	assert.Equal(t, 1, liq.callCount())

	sum = m.Check(context.Background(), domain.MarketContext{Price: 100})
	assert.Zero(t, sum.Liquidations)
	assert.Equal(t, 1, liq.callCount())

	rec, _ := m.Record(pos.ID)
	assert.True(t, rec.LiquidationTriggered)
}

func TestCheckSweepsOrphansOnCadence(t *testing.T) {
	orphan := func(id string) *domain.Order {
		return &domain.Order{ID: id, PositionID: "ETHUSDT-SHORT", Type: domain.OrderTypeStop, StopPrice: 105, ReduceOnly: true, Status: domain.OrderStatusNew}
	}
	broker := &fakeBroker{orders: []*domain.Order{orphan("o1")}}
	liq := &fakeLiquidator{}
	m, clk := newTestMonitor(t, broker, liq, Config{OrphanSweepInterval: 2 * time.Second})

	sum := m.Check(context.Background(), domain.MarketContext{Price: 100})
	assert.Equal(t, 1, sum.OrphansCancelled)
	assert.Equal(t, []string{"o1"}, broker.cancelled)

	// Within the interval the sweep is skipped.
	broker.mu.Lock()
	broker.orders = []*domain.Order{orphan("o2")}
	broker.mu.Unlock()
	sum = m.Check(context.Background(), domain.MarketContext{Price: 100})
	assert.Zero(t, sum.OrphansCancelled)

	clk.advance(2 * time.Second)
	sum = m.Check(context.Background(), domain.MarketContext{Price: 100})
	assert.Equal(t, 1, sum.OrphansCancelled)
}

func TestCheckDropsRecordsForClosedPositions(t *testing.T) {
	pos := longPosition()
	broker := &fakeBroker{positions: []*domain.Position{pos}, orders: protectiveLegs(pos.ID)}
	liq := &fakeLiquidator{}
	m, _ := newTestMonitor(t, broker, liq, Config{})

	m.Check(context.Background(), domain.MarketContext{Price: 100})
	_, ok := m.Record(pos.ID)
	require.True(t, ok)

	broker.mu.Lock()
	broker.positions = nil
	broker.orders = nil
	broker.mu.Unlock()

	m.Check(context.Background(), domain.MarketContext{Price: 100})
	_, ok = m.Record(pos.ID)
	assert.False(t, ok)
}

func TestNewMonitorValidation(t *testing.T) {
	broker := &fakeBroker{}
	clk := &fakeClock{now: time.Now()}
	instr := domain.Instrument{Symbol: "ETHUSDT", TickSize: 0.01, LotStep: 0.001}
	placer, err := protection.NewPlacer(protection.PlacerConfig{}, broker, clk, mockLogger{}, instr)
	require.NoError(t, err)

	_, err = NewMonitor(Config{}, nil, &fakeLiquidator{}, fakePrices{}, broker, clk, mockLogger{})
	assert.Error(t, err)
	_, err = NewMonitor(Config{}, placer, nil, fakePrices{}, broker, clk, mockLogger{})
	assert.Error(t, err)
	_, err = NewMonitor(Config{}, placer, &fakeLiquidator{}, fakePrices{}, nil, clk, mockLogger{})
	assert.Error(t, err)
}

package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfrdragon/11-19-strat/internal/domain"
)

type mockLogger struct{}

func (mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func TestPivotBreakoutEvaluate(t *testing.T) {
	p, err := NewPivotBreakout(PivotConfig{BreakoutTicks: 2, TickSize: 0.01}, mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	base := domain.MarketContext{PreviousHigh: 103, PreviousLow: 98}

	// Inside the range: wait.
	m := base
	m.Price = 100
	assert.Equal(t, domain.SignalWait, p.Evaluate(ctx, m))

	// At the pivot but inside the margin: still wait.
	m.Price = 103.01
	assert.Equal(t, domain.SignalWait, p.Evaluate(ctx, m))

	// Beyond the margin above the previous high: long.
	m.Price = 103.03
	assert.Equal(t, domain.SignalOpenLong, p.Evaluate(ctx, m))

	// Beyond the margin below the previous low: short.
	m.Price = 97.96
	assert.Equal(t, domain.SignalOpenShort, p.Evaluate(ctx, m))
}

func TestPivotBreakoutRequiresBothPivots(t *testing.T) {
	p, err := NewPivotBreakout(PivotConfig{BreakoutTicks: 2, TickSize: 0.01}, mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, domain.SignalWait, p.Evaluate(ctx, domain.MarketContext{Price: 200, PreviousHigh: 103}))
	assert.Equal(t, domain.SignalWait, p.Evaluate(ctx, domain.MarketContext{Price: 200, PreviousLow: 98}))
	assert.Equal(t, domain.SignalWait, p.Evaluate(ctx, domain.MarketContext{}))
}

func TestNewPivotBreakoutValidation(t *testing.T) {
	_, err := NewPivotBreakout(PivotConfig{TickSize: 0.01}, nil)
	assert.Error(t, err)
	_, err = NewPivotBreakout(PivotConfig{}, mockLogger{})
	assert.Error(t, err)
}

func TestSessionWindow(t *testing.T) {
	s, err := NewSession(SessionConfig{StartHour: 9, EndHour: 17})
	require.NoError(t, err)

	at := func(h int) time.Time {
		return time.Date(2026, 3, 2, h, 30, 0, 0, time.UTC)
	}

	assert.False(t, s.Active(at(8)))
	assert.True(t, s.Active(at(9)))
	assert.True(t, s.Active(at(16)))
	assert.False(t, s.Active(at(17)))
}

func TestSessionCrossesMidnight(t *testing.T) {
	s, err := NewSession(SessionConfig{StartHour: 22, EndHour: 4})
	require.NoError(t, err)

	at := func(h int) time.Time {
		return time.Date(2026, 3, 2, h, 0, 0, 0, time.UTC)
	}

	assert.True(t, s.Active(at(23)))
	assert.True(t, s.Active(at(2)))
	assert.False(t, s.Active(at(12)))
}

func TestSessionAlwaysActiveWhenDisabled(t *testing.T) {
	s, err := NewSession(SessionConfig{})
	require.NoError(t, err)
	assert.True(t, s.Active(time.Now()))
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(SessionConfig{StartHour: -1})
	assert.Error(t, err)
	_, err = NewSession(SessionConfig{EndHour: 24})
	assert.Error(t, err)
}

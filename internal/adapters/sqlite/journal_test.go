package sqlite

import (
	"context"
	"path/filepath"
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

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(Config{
		DBPath: filepath.Join(t.TempDir(), "events.db"),
		Logger: mockLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestNewJournalRequiresLogger(t *testing.T) {
	_, err := NewJournal(Config{DBPath: filepath.Join(t.TempDir(), "events.db")})
	assert.Error(t, err)
}

func TestRecordAssignsID(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	ev := &domain.EngineEvent{
		Kind:       domain.EventProtectionPlaced,
		Symbol:     "ETHUSDT",
		PositionID: "ETHUSDT-LONG",
		OrderID:    "42",
		Price:      98.5,
		Quantity:   2,
		Detail:     "sl=98.5 tp=103",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, j.Record(ctx, ev))
	assert.Equal(t, int64(1), ev.ID)

	second := &domain.EngineEvent{Kind: domain.EventPositionClosed, Symbol: "ETHUSDT"}
	require.NoError(t, j.Record(ctx, second))
	assert.Equal(t, int64(2), second.ID)
}

func TestRecentFiltersByKind(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	kinds := []domain.EventKind{
		domain.EventProtectionPlaced,
		domain.EventReversalStarted,
		domain.EventReversalResolved,
		domain.EventProtectionPlaced,
	}
	for i, kind := range kinds {
		require.NoError(t, j.Record(ctx, &domain.EngineEvent{
			Kind:   kind,
			Symbol: "ETHUSDT",
			Detail: "event " + string(rune('a'+i)),
		}))
	}

	placed, err := j.Recent(ctx, domain.EventProtectionPlaced, 10)
	require.NoError(t, err)
	require.Len(t, placed, 2)
	// Newest first.
	assert.Equal(t, int64(4), placed[0].ID)
	assert.Equal(t, int64(1), placed[1].ID)

	all, err := j.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, int64(4), all[0].ID)
}

func TestRecentHonorsLimit(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(ctx, &domain.EngineEvent{
			Kind:   domain.EventPositionClosed,
			Symbol: "ETHUSDT",
		}))
	}

	events, err := j.Recent(ctx, domain.EventPositionClosed, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(5), events[0].ID)
	assert.Equal(t, int64(3), events[2].ID)
}

func TestRecentEmptyJournal(t *testing.T) {
	j := newTestJournal(t)

	events, err := j.Recent(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecordRoundTripsFields(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC)
	require.NoError(t, j.Record(ctx, &domain.EngineEvent{
		Kind:       domain.EventReversalResolved,
		Symbol:     "ETHUSDT",
		PositionID: "ETHUSDT-SHORT",
		OrderID:    "7",
		Price:      101.25,
		Quantity:   2.001,
		Detail:     "protected",
		CreatedAt:  at,
	}))

	events, err := j.Recent(ctx, domain.EventReversalResolved, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, domain.EventReversalResolved, got.Kind)
	assert.Equal(t, "ETHUSDT-SHORT", got.PositionID)
	assert.Equal(t, "7", got.OrderID)
	assert.Equal(t, 101.25, got.Price)
	assert.Equal(t, 2.001, got.Quantity)
	assert.Equal(t, "protected", got.Detail)
	assert.True(t, got.CreatedAt.Equal(at))
}

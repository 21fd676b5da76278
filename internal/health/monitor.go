// Package health runs the slower, attempt-counted safety net over the same
// position set the per-tick enforcer covers. The two layers are intentionally
// redundant: the enforcer is the sub-second reactive check, this monitor the
// attempt-bounded escalation path.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sfrdragon/11-19-strat/internal/domain"
	"github.com/sfrdragon/11-19-strat/internal/metrics"
	"github.com/sfrdragon/11-19-strat/internal/ports"
	"github.com/sfrdragon/11-19-strat/internal/protection"
)

// Config holds the monitor's attempt and time budgets.
type Config struct {
	MaxRepairAttempts   int           // Repair attempts per position before escalation (default 3)
	EmergencyAfter      time.Duration // Age after which an unrepairable position is liquidated (default 10s)
	OrphanSweepInterval time.Duration // Cadence of the orphan sweep (default 2s)
	LabelPrefix         string        // Label applied to repair placements (default "hm")
}

func (c *Config) applyDefaults() {
	if c.MaxRepairAttempts <= 0 {
		c.MaxRepairAttempts = 3
	}
	if c.EmergencyAfter <= 0 {
		c.EmergencyAfter = 10 * time.Second
	}
	if c.OrphanSweepInterval <= 0 {
		c.OrphanSweepInterval = 2 * time.Second
	}
	if c.LabelPrefix == "" {
		c.LabelPrefix = "hm"
	}
}

// Record is the health state tracked for one live position.
type Record struct {
	PositionID           string
	FirstSeen            time.Time
	RepairAttempts       int
	Healthy              bool
	LastCheck            time.Time
	LiquidationTriggered bool
}

// Summary reports one monitoring pass. It exists for observability only and
// must not drive control decisions elsewhere.
type Summary struct {
	Checked          int
	Healthy          int
	Repaired         int
	RepairsFailed    int
	Liquidations     int
	OrphansCancelled int
}

// Monitor validates protection for every live position, repairs within a
// bounded attempt budget, and escalates to liquidation once both the attempt
// and time budgets are exceeded.
type Monitor struct {
	cfg        Config
	placer     *protection.Placer
	liquidator protection.Liquidator
	prices     protection.PriceCalculator
	broker     ports.Broker
	clock      ports.Clock
	logger     ports.Logger

	mu        sync.Mutex
	records   map[string]*Record
	lastSweep time.Time
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg Config, placer *protection.Placer, liquidator protection.Liquidator, prices protection.PriceCalculator, broker ports.Broker, clock ports.Clock, logger ports.Logger) (*Monitor, error) {
	if placer == nil || liquidator == nil || prices == nil || broker == nil || clock == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Monitor")
	}
	cfg.applyDefaults()
	return &Monitor{
		cfg:        cfg,
		placer:     placer,
		liquidator: liquidator,
		prices:     prices,
		broker:     broker,
		clock:      clock,
		logger:     logger,
		records:    make(map[string]*Record),
	}, nil
}

// Reset clears all health records.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*Record)
	m.lastSweep = time.Time{}
}

// Record returns the health state for a position, if tracked.
func (m *Monitor) Record(positionID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[positionID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Check runs one monitoring pass over all live positions. Errors are logged
// and absorbed.
func (m *Monitor) Check(ctx context.Context, market domain.MarketContext) Summary {
	op := "HealthCheck"
	var sum Summary
	now := m.clock.Now()

	positions, err := m.broker.QueryPositions(ctx, m.placer.Instrument().Symbol)
	if err != nil {
		m.logger.Error(ctx, err, op+": failed to query live positions, skipping pass")
		return sum
	}
	sum.Checked = len(positions)

	m.mu.Lock()
	defer m.mu.Unlock()

	live := make(map[string]bool, len(positions))
	for _, pos := range positions {
		live[pos.ID] = true

		rec := m.records[pos.ID]
		if rec == nil {
			rec = &Record{PositionID: pos.ID, FirstSeen: now}
			m.records[pos.ID] = rec
		}
		rec.LastCheck = now

		v := m.placer.ValidateProtection(ctx, pos)
		if v.IsValid {
			rec.Healthy = true
			rec.RepairAttempts = 0
			sum.Healthy++
			continue
		}
		rec.Healthy = false

		if rec.RepairAttempts >= m.cfg.MaxRepairAttempts {
			// Repair budget spent. Escalate once the time budget is also gone.
			age := now.Sub(rec.FirstSeen)
			if age >= m.cfg.EmergencyAfter && !rec.LiquidationTriggered {
				rec.LiquidationTriggered = true
				m.logger.Error(ctx, nil, op+": repair budget exhausted, escalating to liquidation", map[string]interface{}{
					"positionID": pos.ID, "attempts": rec.RepairAttempts, "age": age.String(),
				})
				sum.Liquidations++
				ok := m.liquidator.Liquidate(ctx, pos, "health repair budget exhausted")
				metrics.Liquidation(ok)
			}
			continue
		}

		if m.repair(ctx, pos, v, market) {
			rec.RepairAttempts = 0
			sum.Repaired++
		} else {
			rec.RepairAttempts++
			sum.RepairsFailed++
		}
	}

	// Orphan sweep on a coarser cadence than the per-tick enforcer's.
	if m.lastSweep.IsZero() || now.Sub(m.lastSweep) >= m.cfg.OrphanSweepInterval {
		m.lastSweep = now
		n, err := m.placer.CleanupOrphanedOrders(ctx, "")
		if err != nil {
			m.logger.Error(ctx, err, op+": orphan sweep failed")
		} else {
			sum.OrphansCancelled = n
			metrics.OrphansCancelled(n)
		}
	}

	// Garbage-collect records for positions the broker closed.
	for id := range m.records {
		if !live[id] {
			delete(m.records, id)
		}
	}

	return sum
}

// repair recomputes the missing leg(s) from the current market context and
// places them. Returns true only when the position ends up fully protected.
func (m *Monitor) repair(ctx context.Context, pos *domain.Position, v protection.ValidationResult, market domain.MarketContext) bool {
	ok := true
	if !v.HasStopLoss {
		price := m.prices.StopLoss(pos.Side, pos.EntryPrice, market)
		res := m.placer.PlaceStopLoss(ctx, pos, price, m.cfg.LabelPrefix)
		metrics.RepairAttempt("stop", res.Success)
		if !res.Success {
			m.logger.Warn(ctx, "HealthCheck: stop repair failed", map[string]interface{}{
				"positionID": pos.ID, "reason": res.Message,
			})
			ok = false
		}
	}
	if !v.HasTakeProfit {
		price := m.prices.TakeProfit(pos.Side, pos.EntryPrice, market)
		res := m.placer.PlaceTakeProfit(ctx, pos, price, m.cfg.LabelPrefix)
		metrics.RepairAttempt("take_profit", res.Success)
		if !res.Success {
			m.logger.Warn(ctx, "HealthCheck: take-profit repair failed", map[string]interface{}{
				"positionID": pos.ID, "reason": res.Message,
			})
			ok = false
		}
	}
	return ok
}

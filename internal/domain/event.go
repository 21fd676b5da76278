package domain

import "time"

// EventKind classifies journal entries.
type EventKind string

const (
	EventProtectionPlaced EventKind = "PROTECTION_PLACED"
	EventProtectionRepair EventKind = "PROTECTION_REPAIR"
	EventOrphanCancelled  EventKind = "ORPHAN_CANCELLED"
	EventLiquidation      EventKind = "LIQUIDATION"
	EventReversalStarted  EventKind = "REVERSAL_STARTED"
	EventReversalResolved EventKind = "REVERSAL_RESOLVED"
	EventPositionClosed   EventKind = "POSITION_CLOSED"
)

// EngineEvent is an append-only journal record of a control action taken by
// the engine. Events exist for observability only; nothing is ever read back
// to drive control decisions.
type EngineEvent struct {
	ID         int64
	Kind       EventKind
	Symbol     string
	PositionID string
	OrderID    string
	Price      float64
	Quantity   float64
	Detail     string
	CreatedAt  time.Time
}

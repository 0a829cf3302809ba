// Package orders holds the authoritative in-memory view of tracked orders:
// the single source of truth for order lifecycle on this account.
package orders

import (
	"perp-connector/internal/events"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// Order is a tracked order. ClientOrderID is immutable for the order's
// lifetime; ExchangeOrderID is set once on acceptance and never changes.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Side            Side
	Type            OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
	State           events.OrderState
	FilledAmount    decimal.Decimal
	QuoteFilled     decimal.Decimal
	AvgFillPrice    decimal.Decimal
	FeePaid         decimal.Decimal
	CreatedAtMS     int64
	LastUpdateMS    int64
}

func (o Order) IsTerminal() bool {
	return o.State.Terminal()
}

// RemainingAmount is the unfilled portion of the requested amount.
func (o Order) RemainingAmount() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

// stateRank orders lifecycle states so transitions only move forward.
// OPEN is re-entrant for partial fills: a later OPEN status update never
// demotes a PARTIALLY_FILLED order.
func stateRank(s events.OrderState) int {
	switch s {
	case events.StatePendingCreate:
		return 0
	case events.StateOpen:
		return 1
	case events.StatePartiallyFilled:
		return 2
	case events.StateFilled, events.StateCanceled, events.StateFailed:
		return 3
	default:
		return -1
	}
}

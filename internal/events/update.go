// Package events defines the canonical update records the reconciliation
// engine merges, plus the normalizer that produces them from raw exchange
// payloads. Every fact change observed on either channel becomes exactly one
// of the closed set of Update variants declared here.
package events

import "github.com/shopspring/decimal"

// Source identifies which channel delivered a raw payload.
type Source int

const (
	SourceStream Source = iota + 1
	SourcePoll
)

func (s Source) String() string {
	switch s {
	case SourceStream:
		return "stream"
	case SourcePoll:
		return "poll"
	default:
		return "unknown"
	}
}

// Kind tags the message shape of a raw payload before normalization.
type Kind int

const (
	KindOrderStatus Kind = iota + 1
	KindTrade
	KindPositions
	KindBalances
	KindFunding
)

func (k Kind) String() string {
	switch k {
	case KindOrderStatus:
		return "order_status"
	case KindTrade:
		return "trade"
	case KindPositions:
		return "positions"
	case KindBalances:
		return "balances"
	case KindFunding:
		return "funding"
	default:
		return "unknown"
	}
}

type OrderState string

const (
	StateUnknown         OrderState = "UNKNOWN"
	StatePendingCreate   OrderState = "PENDING_CREATE"
	StateOpen            OrderState = "OPEN"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCanceled        OrderState = "CANCELED"
	StateFailed          OrderState = "FAILED"
)

func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateFailed:
		return true
	default:
		return false
	}
}

type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Update is the closed set of canonical records. The unexported method seals
// the set so routing at the merge layer is exhaustive by construction.
type Update interface {
	UpdateKind() Kind
	sealed()
}

type OrderStatusUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	NewState        OrderState
	TimestampMS     int64
	Source          Source
}

func (OrderStatusUpdate) UpdateKind() Kind { return KindOrderStatus }
func (OrderStatusUpdate) sealed()          {}

type FillUpdate struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Price           decimal.Decimal
	BaseAmount      decimal.Decimal
	QuoteAmount     decimal.Decimal
	FeeAmount       decimal.Decimal
	FeeAsset        string
	TimestampMS     int64
	Source          Source
}

func (FillUpdate) UpdateKind() Kind { return KindTrade }
func (FillUpdate) sealed()          {}

type PositionEntry struct {
	TradingPair   string
	Side          PositionSide
	Amount        decimal.Decimal // signed: negative for shorts
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      decimal.Decimal
}

// PositionSnapshot is the full authoritative position set for the account.
type PositionSnapshot struct {
	Entries []PositionEntry
	Source  Source
}

func (PositionSnapshot) UpdateKind() Kind { return KindPositions }
func (PositionSnapshot) sealed()          {}

type BalanceEntry struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}

// BalanceSnapshot is the full authoritative balance set for the account.
type BalanceSnapshot struct {
	Entries []BalanceEntry
	Source  Source
}

func (BalanceSnapshot) UpdateKind() Kind { return KindBalances }
func (BalanceSnapshot) sealed()          {}

// FundingUpdate reports the most recent funding settlement for a pair.
// The zero-payment sentinel (timestamp 0, rate -1, payment -1) means "no new
// payment" and is distinct from an actual zero-amount transfer.
type FundingUpdate struct {
	TradingPair string
	TimestampMS int64
	Rate        decimal.Decimal
	Payment     decimal.Decimal
	Source      Source
}

func (FundingUpdate) UpdateKind() Kind { return KindFunding }
func (FundingUpdate) sealed()          {}

// NoFunding builds the no-payment sentinel for a pair.
func NoFunding(pair string, src Source) FundingUpdate {
	return FundingUpdate{
		TradingPair: pair,
		TimestampMS: 0,
		Rate:        decimal.NewFromInt(-1),
		Payment:     decimal.NewFromInt(-1),
		Source:      src,
	}
}

// IsNoPayment reports whether the update is the no-payment sentinel.
func (u FundingUpdate) IsNoPayment() bool {
	return u.TimestampMS == 0
}

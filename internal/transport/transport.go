// Package transport defines the contracts the reconciliation core consumes
// from the exchange-facing collaborators: the request transport, the
// symbol-mapping table, and the trading-rule metadata they return.
package transport

import (
	"context"

	"github.com/shopspring/decimal"
)

type OrderRequest struct {
	ClientOrderID  string
	ExchangeSymbol string
	IsBuy          bool
	OrderType      string // "limit" or "market"
	LimitPrice     decimal.Decimal
	Amount         decimal.Decimal
}

// OrderAck is the success payload of an order submission.
type OrderAck struct {
	ExchangeOrderID string
	AcceptedAtMS    int64
}

type CancelRequest struct {
	ExchangeSymbol  string
	ExchangeOrderID string
}

// Transport issues requests against the exchange. Fetch methods return the
// raw decoded payload; the event normalizer owns its interpretation.
// Failures are reported as *Error values classified by ErrorKind.
type Transport interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, req CancelRequest) (bool, error)
	FetchOrderStatus(ctx context.Context, exchangeOrderID string) (any, error)
	FetchTradeHistory(ctx context.Context) (any, error)
	FetchBalances(ctx context.Context) (any, error)
	FetchPositions(ctx context.Context) (any, error)
	FetchFundingHistory(ctx context.Context, exchangeSymbol string, startTimeMS int64) (any, error)
	FetchTradingRules(ctx context.Context) (any, error)
}

// SymbolMap resolves between exchange instrument names and canonical trading
// pairs. Implementations fail closed: an unknown symbol returns ok=false,
// never a guess.
type SymbolMap interface {
	TradingPair(exchangeSymbol string) (string, bool)
	ExchangeSymbol(tradingPair string) (string, bool)
}

type TradingRule struct {
	TradingPair     string
	MinOrderSize    decimal.Decimal
	PriceIncrement  decimal.Decimal
	AmountIncrement decimal.Decimal
	CollateralToken string
}

// StaticSymbolMap is a fixed bidirectional table, typically built from the
// pairs section of the config file.
type StaticSymbolMap struct {
	bySymbol map[string]string
	byPair   map[string]string
}

func NewStaticSymbolMap(pairs map[string]string) *StaticSymbolMap {
	m := &StaticSymbolMap{
		bySymbol: make(map[string]string, len(pairs)),
		byPair:   make(map[string]string, len(pairs)),
	}
	for symbol, pair := range pairs {
		m.bySymbol[symbol] = pair
		m.byPair[pair] = symbol
	}
	return m
}

func (m *StaticSymbolMap) TradingPair(exchangeSymbol string) (string, bool) {
	pair, ok := m.bySymbol[exchangeSymbol]
	return pair, ok
}

func (m *StaticSymbolMap) ExchangeSymbol(tradingPair string) (string, bool) {
	symbol, ok := m.byPair[tradingPair]
	return symbol, ok
}

package events

import (
	"fmt"

	"perp-connector/internal/transport"

	"go.uber.org/zap"
)

// EnvelopeError carries the raw error message the exchange returned instead
// of a payload. It is a normalization failure, never a canonical update.
type EnvelopeError struct {
	Message string
}

func (e *EnvelopeError) Error() string {
	return "exchange error envelope: " + e.Message
}

// Normalizer converts raw push/pull payloads into canonical updates. It is
// tolerant of missing optional fields and delegates pair resolution to the
// symbol map; updates for unresolvable symbols are dropped with a warning.
type Normalizer struct {
	symbols transport.SymbolMap
	log     *zap.Logger
}

func NewNormalizer(symbols transport.SymbolMap, log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{symbols: symbols, log: log}
}

// Normalize produces zero or more canonical updates from a raw payload
// tagged with its source channel and message kind. Funding payloads are
// request-scoped to a pair; use NormalizeFunding for those.
func (n *Normalizer) Normalize(src Source, kind Kind, raw any) ([]Update, error) {
	if msg, ok := errorEnvelope(raw); ok {
		return nil, &EnvelopeError{Message: msg}
	}
	switch kind {
	case KindOrderStatus:
		return n.orderStatusUpdates(src, raw), nil
	case KindTrade:
		return n.fillUpdates(src, raw), nil
	case KindPositions:
		return []Update{n.positionSnapshot(src, raw)}, nil
	case KindBalances:
		return []Update{n.balanceSnapshot(src, raw)}, nil
	default:
		return nil, fmt.Errorf("unsupported message kind %s", kind)
	}
}

func (n *Normalizer) orderStatusUpdates(src Source, raw any) []Update {
	entries := entryList(raw, "orders", "order")
	updates := make([]Update, 0, len(entries))
	for _, entry := range entries {
		clientID := stringFromAny(entry["label"])
		exchangeID := stringFromAny(entry["order_id"])
		if clientID == "" && exchangeID == "" {
			n.log.Warn("order status without any id, dropping", zap.Any("entry", entry))
			continue
		}
		pair := n.resolvePair(stringFromAny(entry["instrument_name"]))
		if pair == "" {
			continue
		}
		updates = append(updates, OrderStatusUpdate{
			ClientOrderID:   clientID,
			ExchangeOrderID: exchangeID,
			TradingPair:     pair,
			NewState:        mapOrderState(stringFromAny(entry["order_status"])),
			TimestampMS:     int64FromAny(entry["last_update_timestamp"]),
			Source:          src,
		})
	}
	return updates
}

func (n *Normalizer) fillUpdates(src Source, raw any) []Update {
	entries := entryList(raw, "trades")
	updates := make([]Update, 0, len(entries))
	for _, entry := range entries {
		tradeID := stringFromAny(entry["trade_id"])
		if tradeID == "" {
			n.log.Warn("trade without trade_id, dropping", zap.Any("entry", entry))
			continue
		}
		pair := n.resolvePair(stringFromAny(entry["instrument_name"]))
		if pair == "" {
			continue
		}
		price := decimalOrZero(entry["trade_price"])
		amount := decimalOrZero(entry["trade_amount"])
		quote, hasQuote := decimalFromAny(entry["quote_amount"])
		if !hasQuote {
			// only recomputed when the exchange did not report it
			quote = price.Mul(amount)
		}
		updates = append(updates, FillUpdate{
			TradeID:         tradeID,
			ClientOrderID:   stringFromAny(entry["label"]),
			ExchangeOrderID: stringFromAny(entry["order_id"]),
			TradingPair:     pair,
			Price:           price,
			BaseAmount:      amount,
			QuoteAmount:     quote,
			FeeAmount:       decimalOrZero(entry["trade_fee"]),
			FeeAsset:        quoteAsset(pair),
			TimestampMS:     int64FromAny(entry["timestamp"]),
			Source:          src,
		})
	}
	return updates
}

func (n *Normalizer) positionSnapshot(src Source, raw any) PositionSnapshot {
	entries := entryList(raw, "positions")
	snapshot := PositionSnapshot{Source: src, Entries: make([]PositionEntry, 0, len(entries))}
	for _, entry := range entries {
		pair := n.resolvePair(stringFromAny(entry["instrument_name"]))
		if pair == "" {
			continue
		}
		amount := decimalOrZero(entry["amount"])
		side := PositionLong
		if amount.IsNegative() {
			side = PositionShort
		}
		snapshot.Entries = append(snapshot.Entries, PositionEntry{
			TradingPair:   pair,
			Side:          side,
			Amount:        amount,
			EntryPrice:    decimalOrZero(entry["index_price"]),
			UnrealizedPnL: decimalOrZero(entry["unrealized_pnl"]),
			Leverage:      decimalOrZero(entry["leverage"]),
		})
	}
	return snapshot
}

func (n *Normalizer) balanceSnapshot(src Source, raw any) BalanceSnapshot {
	entries := entryList(raw, "collaterals", "balances")
	snapshot := BalanceSnapshot{Source: src, Entries: make([]BalanceEntry, 0, len(entries))}
	for _, entry := range entries {
		asset := stringFromAny(entry["asset_name"])
		if asset == "" {
			asset = stringFromAny(entry["asset"])
		}
		if asset == "" {
			n.log.Warn("balance entry without asset, dropping", zap.Any("entry", entry))
			continue
		}
		total := decimalOrZero(entry["amount"])
		available := total
		if v, ok := decimalFromAny(entry["available"]); ok {
			available = v
		}
		snapshot.Entries = append(snapshot.Entries, BalanceEntry{
			Asset:     asset,
			Total:     total,
			Available: available,
		})
	}
	return snapshot
}

// NormalizeFunding interprets a funding-history response fetched for a
// single pair. The newest settlement wins; an empty event list or a
// zero-amount payment both normalize to the no-payment sentinel.
func (n *Normalizer) NormalizeFunding(src Source, tradingPair string, raw any) (FundingUpdate, error) {
	if msg, ok := errorEnvelope(raw); ok {
		return FundingUpdate{}, &EnvelopeError{Message: msg}
	}
	entries := entryList(raw, "events")
	if len(entries) == 0 {
		return NoFunding(tradingPair, src), nil
	}
	latest := entries[0]
	payment := decimalOrZero(latest["funding"])
	if payment.IsZero() {
		return NoFunding(tradingPair, src), nil
	}
	return FundingUpdate{
		TradingPair: tradingPair,
		TimestampMS: int64FromAny(latest["timestamp"]),
		Rate:        decimalOrZero(latest["pnl"]),
		Payment:     payment,
		Source:      src,
	}, nil
}

// NormalizeTradingRules parses instrument metadata from the long poll cycle.
// Rules for unresolvable symbols are skipped.
func (n *Normalizer) NormalizeTradingRules(raw any) ([]transport.TradingRule, error) {
	if msg, ok := errorEnvelope(raw); ok {
		return nil, &EnvelopeError{Message: msg}
	}
	entries := entryList(raw, "instruments")
	rules := make([]transport.TradingRule, 0, len(entries))
	for _, entry := range entries {
		pair := n.resolvePair(stringFromAny(entry["instrument_name"]))
		if pair == "" {
			continue
		}
		rules = append(rules, transport.TradingRule{
			TradingPair:     pair,
			MinOrderSize:    decimalOrZero(entry["minimum_amount"]),
			PriceIncrement:  decimalOrZero(entry["tick_size"]),
			AmountIncrement: decimalOrZero(entry["amount_step"]),
			CollateralToken: quoteAsset(pair),
		})
	}
	return rules, nil
}

func (n *Normalizer) resolvePair(exchangeSymbol string) string {
	if exchangeSymbol == "" {
		n.log.Warn("payload without instrument name, dropping")
		return ""
	}
	pair, ok := n.symbols.TradingPair(exchangeSymbol)
	if !ok {
		n.log.Warn("unresolved exchange symbol, dropping update", zap.String("symbol", exchangeSymbol))
		return ""
	}
	return pair
}

func mapOrderState(raw string) OrderState {
	switch raw {
	case "open", "untriggered":
		return StateOpen
	case "filled":
		return StateFilled
	case "cancelled":
		return StateCanceled
	case "expired":
		return StateCanceled
	case "rejected":
		return StateFailed
	default:
		return StateUnknown
	}
}

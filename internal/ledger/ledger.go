// Package ledger derives net positions and account balances from the stream
// of periodic authoritative snapshots. Snapshots replace, never merge: the
// exchange's position and balance endpoints are authoritative and cheap to
// poll in full, so incremental merging would only introduce drift risk.
package ledger

import (
	"sync"

	"perp-connector/internal/events"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type PositionKey struct {
	TradingPair string
	Side        events.PositionSide
}

type Position struct {
	TradingPair   string
	Side          events.PositionSide
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      decimal.Decimal
}

type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}

type Ledger struct {
	mu        sync.RWMutex
	positions map[PositionKey]Position
	balances  map[string]Balance
	funding   map[string]events.FundingUpdate
	log       *zap.Logger
}

func New(log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		positions: make(map[PositionKey]Position),
		balances:  make(map[string]Balance),
		funding:   make(map[string]events.FundingUpdate),
		log:       log,
	}
}

// ApplyPositionSnapshot replaces the full position set. Zero-amount entries
// and pairs absent from the snapshot are removed, never kept as zero rows.
func (l *Ledger) ApplyPositionSnapshot(snapshot events.PositionSnapshot) {
	next := make(map[PositionKey]Position, len(snapshot.Entries))
	for _, entry := range snapshot.Entries {
		if entry.Amount.IsZero() {
			continue
		}
		key := PositionKey{TradingPair: entry.TradingPair, Side: entry.Side}
		next[key] = Position{
			TradingPair:   entry.TradingPair,
			Side:          entry.Side,
			Amount:        entry.Amount,
			EntryPrice:    entry.EntryPrice,
			UnrealizedPnL: entry.UnrealizedPnL,
			Leverage:      entry.Leverage,
		}
	}
	l.mu.Lock()
	l.positions = next
	l.mu.Unlock()
}

// ApplyBalanceSnapshot replaces the full balance set. Assets present locally
// but absent from the snapshot are removed, so no stale balance survives a
// resync.
func (l *Ledger) ApplyBalanceSnapshot(snapshot events.BalanceSnapshot) {
	next := make(map[string]Balance, len(snapshot.Entries))
	for _, entry := range snapshot.Entries {
		next[entry.Asset] = Balance{
			Asset:     entry.Asset,
			Total:     entry.Total,
			Available: entry.Available,
		}
	}
	l.mu.Lock()
	l.balances = next
	l.mu.Unlock()
}

// ApplyFunding records the latest funding settlement for a pair. The
// no-payment sentinel leaves the last real payment in place so it is not
// double-reported.
func (l *Ledger) ApplyFunding(update events.FundingUpdate) {
	if update.IsNoPayment() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.funding[update.TradingPair]; ok && prev.TimestampMS >= update.TimestampMS {
		return
	}
	l.funding[update.TradingPair] = update
}

// Position returns the open position for a pair, if any. One-way mode means
// at most one of the two sides exists.
func (l *Ledger) Position(tradingPair string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, side := range []events.PositionSide{events.PositionLong, events.PositionShort} {
		if pos, ok := l.positions[PositionKey{TradingPair: tradingPair, Side: side}]; ok {
			return pos, true
		}
	}
	return Position{}, false
}

func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	return out
}

func (l *Ledger) Balance(asset string) (Balance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bal, ok := l.balances[asset]
	return bal, ok
}

func (l *Ledger) Balances() []Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Balance, 0, len(l.balances))
	for _, bal := range l.balances {
		out = append(out, bal)
	}
	return out
}

// LastFunding returns the most recent real funding payment for a pair, or
// the no-payment sentinel when none has been observed.
func (l *Ledger) LastFunding(tradingPair string) events.FundingUpdate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if update, ok := l.funding[tradingPair]; ok {
		return update
	}
	return events.NoFunding(tradingPair, events.SourcePoll)
}

package ledger

import (
	"testing"

	"perp-connector/internal/events"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPositionSnapshotReplaces(t *testing.T) {
	l := New(zap.NewNop())
	l.ApplyPositionSnapshot(events.PositionSnapshot{
		Entries: []events.PositionEntry{
			{TradingPair: "BTC-USDC", Side: events.PositionLong, Amount: dec("0.5"), EntryPrice: dec("60000")},
			{TradingPair: "ETH-USDC", Side: events.PositionShort, Amount: dec("-2"), EntryPrice: dec("3000")},
		},
		Source: events.SourcePoll,
	})
	if got := len(l.Positions()); got != 2 {
		t.Fatalf("positions = %d, want 2", got)
	}

	// Second snapshot omits ETH: the position closed and must disappear.
	l.ApplyPositionSnapshot(events.PositionSnapshot{
		Entries: []events.PositionEntry{
			{TradingPair: "BTC-USDC", Side: events.PositionLong, Amount: dec("0.7"), EntryPrice: dec("61000")},
		},
		Source: events.SourcePoll,
	})
	if _, ok := l.Position("ETH-USDC"); ok {
		t.Fatalf("closed position survived snapshot replace")
	}
	pos, ok := l.Position("BTC-USDC")
	if !ok {
		t.Fatalf("BTC position missing")
	}
	if !pos.Amount.Equal(dec("0.7")) {
		t.Fatalf("amount = %s, want 0.7", pos.Amount)
	}
}

func TestPositionSnapshotSkipsZeroAmounts(t *testing.T) {
	l := New(zap.NewNop())
	l.ApplyPositionSnapshot(events.PositionSnapshot{
		Entries: []events.PositionEntry{
			{TradingPair: "BTC-USDC", Side: events.PositionLong, Amount: dec("0")},
		},
		Source: events.SourcePoll,
	})
	if got := len(l.Positions()); got != 0 {
		t.Fatalf("zero-amount entry retained, positions = %d", got)
	}
}

func TestBalanceSnapshotReplaces(t *testing.T) {
	l := New(zap.NewNop())
	l.ApplyBalanceSnapshot(events.BalanceSnapshot{
		Entries: []events.BalanceEntry{
			{Asset: "USDC", Total: dec("1000"), Available: dec("800")},
			{Asset: "ETH", Total: dec("2"), Available: dec("2")},
		},
		Source: events.SourcePoll,
	})
	l.ApplyBalanceSnapshot(events.BalanceSnapshot{
		Entries: []events.BalanceEntry{
			{Asset: "USDC", Total: dec("1100"), Available: dec("900")},
		},
		Source: events.SourcePoll,
	})
	if _, ok := l.Balance("ETH"); ok {
		t.Fatalf("stale balance survived snapshot replace")
	}
	bal, _ := l.Balance("USDC")
	if !bal.Total.Equal(dec("1100")) || !bal.Available.Equal(dec("900")) {
		t.Fatalf("balance = %+v", bal)
	}
}

func TestFundingSentinelAndOrdering(t *testing.T) {
	l := New(zap.NewNop())

	// Nothing observed yet: sentinel comes back.
	if got := l.LastFunding("BTC-USDC"); !got.IsNoPayment() {
		t.Fatalf("expected no-payment sentinel, got %+v", got)
	}

	paid := events.FundingUpdate{
		TradingPair: "BTC-USDC",
		TimestampMS: 2000,
		Rate:        dec("0.0001"),
		Payment:     dec("1.5"),
		Source:      events.SourcePoll,
	}
	l.ApplyFunding(paid)

	// Sentinel must not clobber the recorded payment.
	l.ApplyFunding(events.NoFunding("BTC-USDC", events.SourcePoll))
	if got := l.LastFunding("BTC-USDC"); got.TimestampMS != 2000 {
		t.Fatalf("sentinel overwrote payment: %+v", got)
	}

	// Older payment must not clobber a newer one.
	l.ApplyFunding(events.FundingUpdate{
		TradingPair: "BTC-USDC",
		TimestampMS: 1000,
		Rate:        dec("0.0002"),
		Payment:     dec("0.5"),
		Source:      events.SourcePoll,
	})
	if got := l.LastFunding("BTC-USDC"); !got.Payment.Equal(dec("1.5")) {
		t.Fatalf("older funding overwrote newer: %+v", got)
	}
}

package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"perp-connector/internal/events"
	"perp-connector/internal/ledger"
	"perp-connector/internal/metrics"
	"perp-connector/internal/orders"
	"perp-connector/internal/reconcile"
	"perp-connector/internal/transport"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	errServerDown     = errors.New("http 503")
	errNotImplemented = errors.New("not implemented")
)

// fakeTransport returns canned payloads per endpoint; a nil entry means the
// endpoint fails with a transient error.
type fakeTransport struct {
	orderStatus    map[string]any
	trades         any
	balances       any
	positions      any
	funding        map[string]any
	rules          any
	fundingStartMS []int64
	tradeCalls     int
}

func (f *fakeTransport) SubmitOrder(context.Context, transport.OrderRequest) (transport.OrderAck, error) {
	return transport.OrderAck{}, transport.Unknown("submit_order", errNotImplemented)
}

func (f *fakeTransport) CancelOrder(context.Context, transport.CancelRequest) (bool, error) {
	return false, transport.Unknown("cancel_order", errNotImplemented)
}

func (f *fakeTransport) FetchOrderStatus(_ context.Context, exchangeOrderID string) (any, error) {
	raw, ok := f.orderStatus[exchangeOrderID]
	if !ok {
		return nil, transport.NotFound("get_order", "order does not exist")
	}
	if raw == nil {
		return nil, transport.Transient("get_order", errServerDown)
	}
	return raw, nil
}

func (f *fakeTransport) FetchTradeHistory(context.Context) (any, error) {
	f.tradeCalls++
	if f.trades == nil {
		return nil, transport.Transient("get_trade_history", errServerDown)
	}
	return f.trades, nil
}

func (f *fakeTransport) FetchBalances(context.Context) (any, error) {
	if f.balances == nil {
		return nil, transport.Transient("get_subaccount", errServerDown)
	}
	return f.balances, nil
}

func (f *fakeTransport) FetchPositions(context.Context) (any, error) {
	if f.positions == nil {
		return nil, transport.Transient("get_positions", errServerDown)
	}
	return f.positions, nil
}

func (f *fakeTransport) FetchFundingHistory(_ context.Context, symbol string, startMS int64) (any, error) {
	f.fundingStartMS = append(f.fundingStartMS, startMS)
	raw, ok := f.funding[symbol]
	if !ok || raw == nil {
		return nil, transport.Transient("get_funding_history", errServerDown)
	}
	return raw, nil
}

func (f *fakeTransport) FetchTradingRules(context.Context) (any, error) {
	if f.rules == nil {
		return nil, transport.Transient("get_all_instruments", errServerDown)
	}
	return f.rules, nil
}

type fixture struct {
	scheduler *Scheduler
	transport *fakeTransport
	registry  *orders.Registry
	ledger    *ledger.Ledger
}

func newFixture(t *testing.T, ft *fakeTransport) *fixture {
	t.Helper()
	reg := orders.NewRegistry(decimal.RequireFromString("0.000001"), 16, zap.NewNop())
	led := ledger.New(zap.NewNop())
	engine := reconcile.New(reg, led, metrics.NewNoop(), zap.NewNop())
	symbols := transport.NewStaticSymbolMap(map[string]string{"BTC-PERP": "BTC-USDC"})
	s := NewScheduler(Params{
		Transport:       ft,
		Normalizer:      events.NewNormalizer(symbols, zap.NewNop()),
		Engine:          engine,
		Registry:        reg,
		Symbols:         symbols,
		Pairs:           []string{"BTC-USDC"},
		ShortInterval:   time.Second,
		LongInterval:    time.Minute,
		FundingInterval: 2 * time.Minute,
		Log:             zap.NewNop(),
	})
	return &fixture{scheduler: s, transport: ft, registry: reg, ledger: led}
}

func registerWithExchangeID(t *testing.T, reg *orders.Registry, clientID, exchangeID string) {
	t.Helper()
	err := reg.Register(orders.Order{
		ClientOrderID: clientID,
		TradingPair:   "BTC-USDC",
		Side:          orders.SideBuy,
		Type:          orders.TypeLimit,
		Price:         decimal.RequireFromString("60000"),
		Amount:        decimal.RequireFromString("1"),
		State:         events.StateOpen,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.AssignExchangeOrderID(clientID, exchangeID); err != nil {
		t.Fatalf("assign: %v", err)
	}
}

func TestShortCycleIsolatesEndpointFailures(t *testing.T) {
	ft := &fakeTransport{
		orderStatus: map[string]any{},
		trades:      nil, // trade endpoint down
		positions:   nil, // positions endpoint down
		balances: map[string]any{
			"collaterals": []any{map[string]any{"asset_name": "USDC", "amount": "500"}},
		},
	}
	f := newFixture(t, ft)
	f.scheduler.shortCycle(context.Background())

	bal, ok := f.ledger.Balance("USDC")
	if !ok {
		t.Fatalf("balance poll did not apply despite sibling failures")
	}
	if !bal.Total.Equal(decimal.RequireFromString("500")) {
		t.Fatalf("balance = %+v", bal)
	}
}

func TestShortCycleSkipsTradePollWithoutFillableOrders(t *testing.T) {
	ft := &fakeTransport{
		orderStatus: map[string]any{},
		balances:    map[string]any{"collaterals": []any{}},
		positions:   map[string]any{"positions": []any{}},
		trades:      map[string]any{"trades": []any{}},
	}
	f := newFixture(t, ft)
	f.scheduler.shortCycle(context.Background())
	if ft.tradeCalls != 0 {
		t.Fatalf("trade history polled with no fillable orders")
	}

	registerWithExchangeID(t, f.registry, "0xaaa", "ex-1")
	ft.orderStatus["ex-1"] = map[string]any{
		"label": "0xaaa", "order_id": "ex-1", "order_status": "open",
		"instrument_name": "BTC-PERP", "last_update_timestamp": float64(1000),
	}
	f.scheduler.shortCycle(context.Background())
	if ft.tradeCalls != 1 {
		t.Fatalf("trade history not polled with a fillable order, calls = %d", ft.tradeCalls)
	}
}

func TestOrderStatusNotFoundMeansCanceled(t *testing.T) {
	ft := &fakeTransport{
		orderStatus: map[string]any{}, // every lookup is NotFound
		balances:    map[string]any{"collaterals": []any{}},
		positions:   map[string]any{"positions": []any{}},
		trades:      map[string]any{"trades": []any{}},
	}
	f := newFixture(t, ft)
	registerWithExchangeID(t, f.registry, "0xbbb", "ex-gone")

	f.scheduler.shortCycle(context.Background())

	if _, ok := f.registry.Get("0xbbb"); ok {
		t.Fatalf("order still active after NotFound poll")
	}
	done := f.registry.CompletedOrders()
	if len(done) != 1 || done[0].State != events.StateCanceled {
		t.Fatalf("completed = %+v, want canceled order", done)
	}
}

func TestOrderStatusTransientErrorKeepsOrder(t *testing.T) {
	ft := &fakeTransport{
		orderStatus: map[string]any{"ex-1": nil}, // transient failure
		balances:    map[string]any{"collaterals": []any{}},
		positions:   map[string]any{"positions": []any{}},
		trades:      map[string]any{"trades": []any{}},
	}
	f := newFixture(t, ft)
	registerWithExchangeID(t, f.registry, "0xccc", "ex-1")

	f.scheduler.shortCycle(context.Background())

	order, ok := f.registry.Get("0xccc")
	if !ok {
		t.Fatalf("order dropped on transient poll failure")
	}
	if order.State != events.StateOpen {
		t.Fatalf("state = %s, want OPEN", order.State)
	}
}

func TestFundingCycleAppliesAndWindows(t *testing.T) {
	ft := &fakeTransport{
		funding: map[string]any{
			"BTC-PERP": map[string]any{
				"events": []any{
					map[string]any{"timestamp": float64(1700003600000), "funding": "2.5", "pnl": "0.0001"},
				},
			},
		},
	}
	f := newFixture(t, ft)
	f.scheduler.now = func() time.Time { return time.UnixMilli(1700006400000) } // 1700006400s

	f.scheduler.fundingCycle(context.Background())

	got := f.ledger.LastFunding("BTC-USDC")
	if got.IsNoPayment() || !got.Payment.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("funding = %+v", got)
	}
	// window opens at the top of the previous hour
	wantStart := int64((1700006400/3600 - 1) * 3600 * 1000)
	if len(ft.fundingStartMS) != 1 || ft.fundingStartMS[0] != wantStart {
		t.Fatalf("start ms = %v, want %d", ft.fundingStartMS, wantStart)
	}
}

func TestFundingCycleNoPaymentLeavesLedgerAlone(t *testing.T) {
	ft := &fakeTransport{
		funding: map[string]any{
			"BTC-PERP": map[string]any{"events": []any{}},
		},
	}
	f := newFixture(t, ft)
	f.scheduler.fundingCycle(context.Background())
	if got := f.ledger.LastFunding("BTC-USDC"); !got.IsNoPayment() {
		t.Fatalf("funding = %+v, want sentinel", got)
	}
}

func TestLongCycleRefreshesRules(t *testing.T) {
	ft := &fakeTransport{
		rules: map[string]any{
			"instruments": []any{
				map[string]any{
					"instrument_name": "BTC-PERP",
					"minimum_amount":  "0.001",
					"tick_size":       "0.5",
					"amount_step":     "0.001",
				},
			},
		},
	}
	f := newFixture(t, ft)
	f.scheduler.longCycle(context.Background())

	rule, ok := f.scheduler.Rules().Rule("BTC-USDC")
	if !ok {
		t.Fatalf("rule missing after long cycle")
	}
	if !rule.MinOrderSize.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("rule = %+v", rule)
	}
}

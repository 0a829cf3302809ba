package connector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"perp-connector/internal/config"
	"perp-connector/internal/events"
	"perp-connector/internal/orders"
	"perp-connector/internal/transport"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type stubTransport struct {
	submitAck    transport.OrderAck
	submitErr    error
	cancelErr    error
	cancelDenied bool
	submitted    []transport.OrderRequest
	canceled     []transport.CancelRequest
}

func (s *stubTransport) SubmitOrder(_ context.Context, req transport.OrderRequest) (transport.OrderAck, error) {
	s.submitted = append(s.submitted, req)
	if s.submitErr != nil {
		return transport.OrderAck{}, s.submitErr
	}
	return s.submitAck, nil
}

func (s *stubTransport) CancelOrder(_ context.Context, req transport.CancelRequest) (bool, error) {
	s.canceled = append(s.canceled, req)
	if s.cancelErr != nil {
		return false, s.cancelErr
	}
	return !s.cancelDenied, nil
}

func (s *stubTransport) FetchOrderStatus(context.Context, string) (any, error) {
	return nil, transport.NotFound("get_order", "order does not exist")
}
func (s *stubTransport) FetchTradeHistory(context.Context) (any, error) {
	return map[string]any{"trades": []any{}}, nil
}
func (s *stubTransport) FetchBalances(context.Context) (any, error) {
	return map[string]any{"collaterals": []any{}}, nil
}
func (s *stubTransport) FetchPositions(context.Context) (any, error) {
	return map[string]any{"positions": []any{}}, nil
}
func (s *stubTransport) FetchFundingHistory(context.Context, string, int64) (any, error) {
	return map[string]any{"events": []any{}}, nil
}
func (s *stubTransport) FetchTradingRules(context.Context) (any, error) {
	return map[string]any{"instruments": []any{}}, nil
}

type idleFeed struct{}

func (idleFeed) Run(ctx context.Context, _ func(json.RawMessage)) error {
	<-ctx.Done()
	return ctx.Err()
}

func testConfig() *config.Config {
	return &config.Config{
		REST: config.RESTConfig{BaseURL: "http://localhost", Timeout: time.Second},
		WS:   config.WSConfig{URL: "ws://localhost"},
		Account: config.AccountConfig{
			SubAccountID: 42,
			BrokerPrefix: "PC",
		},
		Pairs: []config.PairConfig{
			{TradingPair: "BTC-USDC", ExchangeSymbol: "BTC-PERP"},
		},
		Reconcile: config.ReconcileConfig{AmountEpsilon: "0.000001", CompletedHistory: 16},
		Poll: config.PollConfig{
			ShortInterval:   time.Second,
			LongInterval:    time.Minute,
			FundingInterval: 2 * time.Minute,
		},
	}
}

func newTestConnector(t *testing.T, tr transport.Transport) *Connector {
	t.Helper()
	c, err := build(testConfig(), zap.NewNop(), tr, idleFeed{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return c
}

func TestSubmitOrderSuccess(t *testing.T) {
	tr := &stubTransport{submitAck: transport.OrderAck{ExchangeOrderID: "ex-1", AcceptedAtMS: 1000}}
	c := newTestConnector(t, tr)

	clientID, err := c.SubmitOrder(context.Background(), "BTC-USDC", orders.SideBuy, orders.TypeLimit,
		decimal.RequireFromString("60000"), decimal.RequireFromString("0.5"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(clientID) != 34 {
		t.Fatalf("client id = %q", clientID)
	}
	order, ok := c.Order(clientID)
	if !ok {
		t.Fatalf("order not tracked")
	}
	if order.State != events.StateOpen || order.ExchangeOrderID != "ex-1" {
		t.Fatalf("order = %+v", order)
	}
	if len(tr.submitted) != 1 || tr.submitted[0].ExchangeSymbol != "BTC-PERP" {
		t.Fatalf("submitted = %+v", tr.submitted)
	}
	if tr.submitted[0].ClientOrderID != clientID {
		t.Fatalf("request client id mismatch")
	}
}

func TestSubmitOrderRejectedMarksFailed(t *testing.T) {
	tr := &stubTransport{submitErr: transport.Rejected("submit_order", "insufficient margin")}
	c := newTestConnector(t, tr)

	clientID, err := c.SubmitOrder(context.Background(), "BTC-USDC", orders.SideSell, orders.TypeLimit,
		decimal.RequireFromString("60000"), decimal.RequireFromString("0.5"))
	if err == nil {
		t.Fatalf("rejected submit returned nil error")
	}
	if !transport.IsRejected(err) {
		t.Fatalf("rejection not propagated: %v", err)
	}
	order, ok := c.Order(clientID)
	if !ok {
		t.Fatalf("failed order not queryable")
	}
	if order.State != events.StateFailed {
		t.Fatalf("state = %s, want FAILED", order.State)
	}
	if len(c.ActiveOrders()) != 0 {
		t.Fatalf("failed order still active")
	}
}

func TestSubmitOrderValidationNeverRegisters(t *testing.T) {
	tr := &stubTransport{}
	c := newTestConnector(t, tr)

	cases := []struct {
		name   string
		pair   string
		price  string
		amount string
	}{
		{"unknown pair", "DOGE-USDC", "1", "1"},
		{"zero amount", "BTC-USDC", "60000", "0"},
		{"zero limit price", "BTC-USDC", "0", "1"},
	}
	for _, tc := range cases {
		_, err := c.SubmitOrder(context.Background(), tc.pair, orders.SideBuy, orders.TypeLimit,
			decimal.RequireFromString(tc.price), decimal.RequireFromString(tc.amount))
		if err == nil {
			t.Fatalf("%s: accepted", tc.name)
		}
	}
	if len(tr.submitted) != 0 {
		t.Fatalf("invalid orders reached the transport: %+v", tr.submitted)
	}
	if len(c.ActiveOrders()) != 0 || len(c.CompletedOrders()) != 0 {
		t.Fatalf("invalid order registered")
	}
}

func TestSubmitOrderBelowMinimumSize(t *testing.T) {
	tr := &stubTransport{}
	c := newTestConnector(t, tr)
	c.scheduler.Rules().Update([]transport.TradingRule{{
		TradingPair:  "BTC-USDC",
		MinOrderSize: decimal.RequireFromString("0.01"),
	}})

	_, err := c.SubmitOrder(context.Background(), "BTC-USDC", orders.SideBuy, orders.TypeLimit,
		decimal.RequireFromString("60000"), decimal.RequireFromString("0.001"))
	if err == nil {
		t.Fatalf("below-minimum order accepted")
	}
	if len(tr.submitted) != 0 {
		t.Fatalf("below-minimum order reached the transport")
	}
}

func TestCancelOrderSuccess(t *testing.T) {
	tr := &stubTransport{submitAck: transport.OrderAck{ExchangeOrderID: "ex-2", AcceptedAtMS: 1000}}
	c := newTestConnector(t, tr)

	clientID, err := c.SubmitOrder(context.Background(), "BTC-USDC", orders.SideBuy, orders.TypeLimit,
		decimal.RequireFromString("60000"), decimal.RequireFromString("0.5"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.CancelOrder(context.Background(), clientID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(tr.canceled) != 1 || tr.canceled[0].ExchangeOrderID != "ex-2" {
		t.Fatalf("canceled = %+v", tr.canceled)
	}
	order, _ := c.Order(clientID)
	if order.State != events.StateCanceled {
		t.Fatalf("state = %s, want CANCELED", order.State)
	}
}

func TestCancelOrderNotFoundMeansCanceled(t *testing.T) {
	tr := &stubTransport{
		submitAck: transport.OrderAck{ExchangeOrderID: "ex-3", AcceptedAtMS: 1000},
		cancelErr: transport.NotFound("cancel_order", "order does not exist"),
	}
	c := newTestConnector(t, tr)

	clientID, err := c.SubmitOrder(context.Background(), "BTC-USDC", orders.SideBuy, orders.TypeLimit,
		decimal.RequireFromString("60000"), decimal.RequireFromString("0.5"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.CancelOrder(context.Background(), clientID); err != nil {
		t.Fatalf("NotFound cancel must succeed: %v", err)
	}
	order, _ := c.Order(clientID)
	if order.State != events.StateCanceled {
		t.Fatalf("state = %s, want CANCELED", order.State)
	}
}

func TestCancelOrderTransientErrorPropagates(t *testing.T) {
	tr := &stubTransport{
		submitAck: transport.OrderAck{ExchangeOrderID: "ex-4", AcceptedAtMS: 1000},
		cancelErr: transport.Transient("cancel_order", errors.New("http 503")),
	}
	c := newTestConnector(t, tr)

	clientID, err := c.SubmitOrder(context.Background(), "BTC-USDC", orders.SideBuy, orders.TypeLimit,
		decimal.RequireFromString("60000"), decimal.RequireFromString("0.5"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.CancelOrder(context.Background(), clientID); err == nil {
		t.Fatalf("transient cancel failure swallowed")
	}
	order, _ := c.Order(clientID)
	if order.State != events.StateOpen {
		t.Fatalf("state = %s, want OPEN after failed cancel", order.State)
	}
}

func TestCancelOrderUnconfirmedKeepsOrderOpen(t *testing.T) {
	tr := &stubTransport{
		submitAck:    transport.OrderAck{ExchangeOrderID: "ex-5", AcceptedAtMS: 1000},
		cancelDenied: true,
	}
	c := newTestConnector(t, tr)

	clientID, err := c.SubmitOrder(context.Background(), "BTC-USDC", orders.SideBuy, orders.TypeLimit,
		decimal.RequireFromString("60000"), decimal.RequireFromString("0.5"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.CancelOrder(context.Background(), clientID); err == nil {
		t.Fatalf("unconfirmed cancel reported as success")
	}
	order, ok := c.registry.Get(clientID)
	if !ok {
		t.Fatalf("order left the active set after unconfirmed cancel")
	}
	if order.State != events.StateOpen {
		t.Fatalf("state = %s, want OPEN after unconfirmed cancel", order.State)
	}
}

func TestCancelUntrackedOrder(t *testing.T) {
	c := newTestConnector(t, &stubTransport{})
	if err := c.CancelOrder(context.Background(), "0xghost"); err == nil {
		t.Fatalf("cancel of untracked order accepted")
	}
}

func TestIngressPoints(t *testing.T) {
	c := newTestConnector(t, &stubTransport{})
	ctx := context.Background()

	err := c.OnPollSnapshot(ctx, events.KindBalances, map[string]any{
		"collaterals": []any{map[string]any{"asset_name": "USDC", "amount": "250"}},
	})
	if err != nil {
		t.Fatalf("poll snapshot: %v", err)
	}
	bal, ok := c.Balance("USDC")
	if !ok || !bal.Total.Equal(decimal.RequireFromString("250")) {
		t.Fatalf("balance = %+v ok=%v", bal, ok)
	}

	tr := &stubTransport{submitAck: transport.OrderAck{ExchangeOrderID: "ex-9", AcceptedAtMS: 1000}}
	c = newTestConnector(t, tr)
	clientID, err := c.SubmitOrder(ctx, "BTC-USDC", orders.SideBuy, orders.TypeLimit,
		decimal.RequireFromString("60000"), decimal.RequireFromString("1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.OnStreamEvent(ctx, json.RawMessage(`{"method":"subscription","params":{"channel":"42.trades","data":[
		{"trade_id":"t-9","label":"`+clientID+`","instrument_name":"BTC-PERP","trade_price":"60000","trade_amount":"0.5","timestamp":2000}
	]}}`))
	order, _ := c.Order(clientID)
	if !order.FilledAmount.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("stream event not applied: %+v", order)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := newTestConnector(t, &stubTransport{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop on cancel")
	}
}

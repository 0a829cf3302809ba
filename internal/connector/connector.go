// Package connector assembles the reconciliation core: the order registry
// and ledger fed by a websocket listener and a poll scheduler, fronted by
// the order entry and query API callers use.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"perp-connector/internal/config"
	"perp-connector/internal/events"
	"perp-connector/internal/history"
	"perp-connector/internal/ledger"
	"perp-connector/internal/metrics"
	"perp-connector/internal/orders"
	"perp-connector/internal/poller"
	"perp-connector/internal/reconcile"
	"perp-connector/internal/stream"
	"perp-connector/internal/transport"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Connector struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics

	transport transport.Transport
	symbols   transport.SymbolMap

	registry *orders.Registry
	ledger   *ledger.Ledger
	engine   *reconcile.Engine

	feed       stream.Feed
	wsFeed     *stream.WSFeed
	listener   *stream.Listener
	scheduler  *poller.Scheduler
	normalizer *events.Normalizer

	journal  *history.Journal
	tsWriter *history.TimescaleWriter

	metricsHandler http.Handler
	now            func() time.Time
}

func New(cfg *config.Config, log *zap.Logger) (*Connector, error) {
	httpClient := transport.NewHTTPClient(cfg.REST.BaseURL, cfg.Account.SubAccountID, cfg.REST.Timeout, log)
	wsFeed := stream.NewWSFeed(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	c, err := build(cfg, log, httpClient, wsFeed)
	if err != nil {
		return nil, err
	}
	c.wsFeed = wsFeed
	return c, nil
}

// build wires the core around an arbitrary transport and feed.
func build(cfg *config.Config, log *zap.Logger, tr transport.Transport, feed stream.Feed) (*Connector, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pairs := make(map[string]string, len(cfg.Pairs))
	for _, pair := range cfg.Pairs {
		pairs[pair.ExchangeSymbol] = pair.TradingPair
	}
	symbols := transport.NewStaticSymbolMap(pairs)

	m := metrics.NewNoop()
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		metricsHandler = prom.Handler()
	}

	registry := orders.NewRegistry(cfg.AmountEpsilon(), cfg.Reconcile.CompletedHistory, log)
	led := ledger.New(log)
	engine := reconcile.New(registry, led, m, log)

	var journal *history.Journal
	if cfg.History.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.History.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		var err error
		journal, err = history.OpenJournal(cfg.History.SQLitePath)
		if err != nil {
			return nil, err
		}
	}
	tsWriter, err := history.NewTimescaleWriter(cfg.Timescale, log)
	if err != nil {
		if journal != nil {
			_ = journal.Close()
		}
		return nil, err
	}
	if recorder := newRecorder(journal, tsWriter, log); recorder != nil {
		engine.SetRecorder(recorder)
	}

	normalizer := events.NewNormalizer(symbols, log)
	subID := strconv.FormatInt(cfg.Account.SubAccountID, 10)
	listener := stream.NewListener(feed, normalizer, engine, subID, m, log)

	tradingPairs := make([]string, 0, len(cfg.Pairs))
	for _, pair := range cfg.Pairs {
		tradingPairs = append(tradingPairs, pair.TradingPair)
	}
	scheduler := poller.NewScheduler(poller.Params{
		Transport:       tr,
		Normalizer:      normalizer,
		Engine:          engine,
		Registry:        registry,
		Symbols:         symbols,
		Pairs:           tradingPairs,
		ShortInterval:   cfg.Poll.ShortInterval,
		LongInterval:    cfg.Poll.LongInterval,
		FundingInterval: cfg.Poll.FundingInterval,
		Metrics:         m,
		Log:             log,
	})

	return &Connector{
		cfg:            cfg,
		log:            log,
		metrics:        m,
		transport:      tr,
		symbols:        symbols,
		registry:       registry,
		ledger:         led,
		engine:         engine,
		feed:           feed,
		listener:       listener,
		scheduler:      scheduler,
		normalizer:     normalizer,
		journal:        journal,
		tsWriter:       tsWriter,
		metricsHandler: metricsHandler,
		now:            time.Now,
	}, nil
}

// Run starts the stream listener, the poll scheduler and, when enabled, the
// metrics endpoint, then blocks until the context is canceled or a component
// fails.
func (c *Connector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.journal != nil {
		defer c.journal.Close()
	}
	defer c.tsWriter.Close()
	c.tsWriter.Start(ctx)

	if c.wsFeed != nil {
		if err := c.wsFeed.Subscribe(ctx, c.listener.Channels()...); err != nil {
			return err
		}
	}

	errCh := make(chan error, 3)
	go func() { errCh <- c.listener.Run(ctx) }()
	go func() { errCh <- c.scheduler.Run(ctx) }()
	if c.metricsHandler != nil && c.cfg.Metrics.ListenAddr != "" {
		go func() { errCh <- c.serveMetrics(ctx) }()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("connector component failed: %w", err)
	}
}

func (c *Connector) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.metricsHandler)
	server := &http.Server{Addr: c.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

// SubmitOrder registers an order locally and submits it to the exchange.
// The returned client order id is the handle for all later lookups. A
// validation failure means the order was never registered; a submission
// failure leaves it tracked in FAILED.
func (c *Connector) SubmitOrder(ctx context.Context, tradingPair string, side orders.Side, orderType orders.OrderType, price, amount decimal.Decimal) (string, error) {
	symbol, ok := c.symbols.ExchangeSymbol(tradingPair)
	if !ok {
		return "", fmt.Errorf("unknown trading pair %s", tradingPair)
	}
	if !amount.IsPositive() {
		return "", errors.New("order amount must be positive")
	}
	if orderType == orders.TypeLimit && !price.IsPositive() {
		return "", errors.New("limit orders require a positive price")
	}
	if rule, ok := c.scheduler.Rules().Rule(tradingPair); ok && amount.LessThan(rule.MinOrderSize) {
		return "", fmt.Errorf("amount %s below minimum order size %s", amount, rule.MinOrderSize)
	}

	isBuy := side == orders.SideBuy
	clientOrderID := orders.NewClientOrderID(c.cfg.Account.BrokerPrefix, tradingPair, isBuy)
	nowMS := c.now().UnixMilli()
	err := c.registry.Register(orders.Order{
		ClientOrderID: clientOrderID,
		TradingPair:   tradingPair,
		Side:          side,
		Type:          orderType,
		Price:         price,
		Amount:        amount,
		State:         events.StatePendingCreate,
		CreatedAtMS:   nowMS,
	})
	if err != nil {
		return "", err
	}

	ack, err := c.transport.SubmitOrder(ctx, transport.OrderRequest{
		ClientOrderID:  clientOrderID,
		ExchangeSymbol: symbol,
		IsBuy:          isBuy,
		OrderType:      string(orderType),
		LimitPrice:     price,
		Amount:         amount,
	})
	if err != nil {
		c.metrics.OrdersFailed.Inc()
		c.registry.ApplyStatusUpdate(events.OrderStatusUpdate{
			ClientOrderID: clientOrderID,
			TradingPair:   tradingPair,
			NewState:      events.StateFailed,
			TimestampMS:   c.now().UnixMilli(),
			Source:        events.SourcePoll,
		})
		return clientOrderID, fmt.Errorf("submit %s: %w", clientOrderID, err)
	}

	if err := c.registry.AssignExchangeOrderID(clientOrderID, ack.ExchangeOrderID); err != nil {
		c.log.Warn("exchange id assignment failed", zap.String("client_order_id", clientOrderID), zap.Error(err))
	}
	if c.journal != nil {
		if err := c.journal.SetOrderID(ctx, clientOrderID, ack.ExchangeOrderID); err != nil {
			c.log.Warn("order id journal write failed", zap.Error(err))
		}
	}
	acceptedMS := ack.AcceptedAtMS
	if acceptedMS == 0 {
		acceptedMS = c.now().UnixMilli()
	}
	c.registry.ApplyStatusUpdate(events.OrderStatusUpdate{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: ack.ExchangeOrderID,
		TradingPair:     tradingPair,
		NewState:        events.StateOpen,
		TimestampMS:     acceptedMS,
		Source:          events.SourcePoll,
	})
	c.metrics.OrdersPlaced.Inc()
	c.log.Info("order placed",
		zap.String("client_order_id", clientOrderID),
		zap.String("exchange_order_id", ack.ExchangeOrderID),
		zap.String("pair", tradingPair),
		zap.String("side", string(side)),
		zap.String("amount", amount.String()))
	return clientOrderID, nil
}

// CancelOrder requests cancellation of a tracked order. A NotFound response
// means the exchange already forgot the order; it is marked canceled locally
// and the call succeeds.
func (c *Connector) CancelOrder(ctx context.Context, clientOrderID string) error {
	order, ok := c.registry.Get(clientOrderID)
	if !ok {
		return fmt.Errorf("order %s is not tracked", clientOrderID)
	}
	exchangeOrderID := order.ExchangeOrderID
	if exchangeOrderID == "" && c.journal != nil {
		id, found, err := c.journal.OrderID(ctx, clientOrderID)
		if err != nil {
			return err
		}
		if found {
			exchangeOrderID = id
		}
	}
	if exchangeOrderID == "" {
		return fmt.Errorf("order %s has no exchange order id yet", clientOrderID)
	}
	symbol, ok := c.symbols.ExchangeSymbol(order.TradingPair)
	if !ok {
		return fmt.Errorf("unknown trading pair %s", order.TradingPair)
	}
	canceled, err := c.transport.CancelOrder(ctx, transport.CancelRequest{
		ExchangeSymbol:  symbol,
		ExchangeOrderID: exchangeOrderID,
	})
	if err != nil && !transport.IsNotFound(err) {
		return fmt.Errorf("cancel %s: %w", clientOrderID, err)
	}
	if err == nil && !canceled {
		// The exchange acknowledged the request without canceling; the order
		// stays tracked and the status poll converges on its real state.
		return fmt.Errorf("cancel %s: exchange did not confirm cancellation", clientOrderID)
	}
	c.registry.ApplyStatusUpdate(events.OrderStatusUpdate{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: exchangeOrderID,
		TradingPair:     order.TradingPair,
		NewState:        events.StateCanceled,
		TimestampMS:     c.now().UnixMilli(),
		Source:          events.SourcePoll,
	})
	return nil
}

// OnStreamEvent ingests one raw push message, exactly as the stream
// listener's own loop would.
func (c *Connector) OnStreamEvent(ctx context.Context, raw json.RawMessage) {
	c.listener.Handle(ctx, raw)
}

// OnPollSnapshot ingests one raw poll response of the given kind through
// the same normalize-and-merge path the scheduler uses.
func (c *Connector) OnPollSnapshot(ctx context.Context, kind events.Kind, raw any) error {
	updates, err := c.normalizer.Normalize(events.SourcePoll, kind, raw)
	if err != nil {
		return err
	}
	c.engine.ApplyBatch(ctx, updates)
	return nil
}

// Order returns a tracked order, searching active orders first and the
// completed history second.
func (c *Connector) Order(clientOrderID string) (orders.Order, bool) {
	if order, ok := c.registry.Get(clientOrderID); ok {
		return order, true
	}
	for _, order := range c.registry.CompletedOrders() {
		if order.ClientOrderID == clientOrderID {
			return order, true
		}
	}
	return orders.Order{}, false
}

func (c *Connector) ActiveOrders() []orders.Order {
	return c.registry.ActiveOrders()
}

func (c *Connector) CompletedOrders() []orders.Order {
	return c.registry.CompletedOrders()
}

func (c *Connector) Positions() []ledger.Position {
	return c.ledger.Positions()
}

func (c *Connector) Position(tradingPair string) (ledger.Position, bool) {
	return c.ledger.Position(tradingPair)
}

func (c *Connector) Balances() []ledger.Balance {
	return c.ledger.Balances()
}

func (c *Connector) Balance(asset string) (ledger.Balance, bool) {
	return c.ledger.Balance(asset)
}

func (c *Connector) LastFunding(tradingPair string) events.FundingUpdate {
	return c.ledger.LastFunding(tradingPair)
}

func (c *Connector) TradingRule(tradingPair string) (transport.TradingRule, bool) {
	return c.scheduler.Rules().Rule(tradingPair)
}

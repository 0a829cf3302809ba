// Package poller drives the pull channel: periodic REST polls whose
// responses flow through the same normalizer and reconciliation engine as
// the push stream. Polling is the convergence guarantee; the stream only
// lowers latency.
package poller

import (
	"context"
	"sync"
	"time"

	"perp-connector/internal/events"
	"perp-connector/internal/metrics"
	"perp-connector/internal/orders"
	"perp-connector/internal/reconcile"
	"perp-connector/internal/transport"

	"go.uber.org/zap"
)

// RulesCache holds the trading rules refreshed by the long poll cycle.
type RulesCache struct {
	mu    sync.RWMutex
	rules map[string]transport.TradingRule
}

func NewRulesCache() *RulesCache {
	return &RulesCache{rules: make(map[string]transport.TradingRule)}
}

func (c *RulesCache) Update(rules []transport.TradingRule) {
	next := make(map[string]transport.TradingRule, len(rules))
	for _, rule := range rules {
		next[rule.TradingPair] = rule
	}
	c.mu.Lock()
	c.rules = next
	c.mu.Unlock()
}

func (c *RulesCache) Rule(tradingPair string) (transport.TradingRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rule, ok := c.rules[tradingPair]
	return rule, ok
}

func (c *RulesCache) All() []transport.TradingRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]transport.TradingRule, 0, len(c.rules))
	for _, rule := range c.rules {
		out = append(out, rule)
	}
	return out
}

// Scheduler runs the three poll cadences: a short cycle for order status,
// trades, balances and positions, a long cycle for trading rules, and a
// funding cycle per configured pair.
type Scheduler struct {
	transport  transport.Transport
	normalizer *events.Normalizer
	engine     *reconcile.Engine
	registry   *orders.Registry
	symbols    transport.SymbolMap
	pairs      []string
	rules      *RulesCache

	shortInterval   time.Duration
	longInterval    time.Duration
	fundingInterval time.Duration

	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

type Params struct {
	Transport       transport.Transport
	Normalizer      *events.Normalizer
	Engine          *reconcile.Engine
	Registry        *orders.Registry
	Symbols         transport.SymbolMap
	Pairs           []string
	Rules           *RulesCache
	ShortInterval   time.Duration
	LongInterval    time.Duration
	FundingInterval time.Duration
	Metrics         *metrics.Metrics
	Log             *zap.Logger
}

func NewScheduler(p Params) *Scheduler {
	if p.Metrics == nil {
		p.Metrics = metrics.NewNoop()
	}
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	if p.Rules == nil {
		p.Rules = NewRulesCache()
	}
	return &Scheduler{
		transport:       p.Transport,
		normalizer:      p.Normalizer,
		engine:          p.Engine,
		registry:        p.Registry,
		symbols:         p.Symbols,
		pairs:           p.Pairs,
		rules:           p.Rules,
		shortInterval:   p.ShortInterval,
		longInterval:    p.LongInterval,
		fundingInterval: p.FundingInterval,
		metrics:         p.Metrics,
		log:             p.Log,
		now:             time.Now,
	}
}

// Rules exposes the trading-rule cache.
func (s *Scheduler) Rules() *RulesCache {
	return s.rules
}

// Run executes every cycle once up front so state is seeded before the first
// tick, then loops until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.longCycle(ctx)
	s.fundingCycle(ctx)
	s.shortCycle(ctx)

	short := time.NewTicker(s.shortInterval)
	long := time.NewTicker(s.longInterval)
	funding := time.NewTicker(s.fundingInterval)
	defer short.Stop()
	defer long.Stop()
	defer funding.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-short.C:
			s.shortCycle(ctx)
		case <-long.C:
			s.longCycle(ctx)
		case <-funding.C:
			s.fundingCycle(ctx)
		}
	}
}

// shortCycle polls order status, trade history, balances and positions
// concurrently. Each poll fails independently; one endpoint erroring must
// never starve the others of their refresh.
func (s *Scheduler) shortCycle(ctx context.Context) {
	fillable := s.registry.FillableOrders()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.pollOrderStatus(ctx, fillable)
	}()
	go func() {
		defer wg.Done()
		s.pollSnapshot(ctx, events.KindBalances, s.transport.FetchBalances)
	}()
	go func() {
		defer wg.Done()
		s.pollSnapshot(ctx, events.KindPositions, s.transport.FetchPositions)
	}()
	if len(fillable) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pollSnapshot(ctx, events.KindTrade, s.transport.FetchTradeHistory)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) pollOrderStatus(ctx context.Context, fillable []orders.Order) {
	for _, order := range fillable {
		raw, err := s.transport.FetchOrderStatus(ctx, order.ExchangeOrderID)
		if err != nil {
			if transport.IsNotFound(err) {
				// the exchange no longer knows the order: it was
				// canceled or expired while we were not looking
				s.engine.ApplyBatch(ctx, []events.Update{events.OrderStatusUpdate{
					ClientOrderID:   order.ClientOrderID,
					ExchangeOrderID: order.ExchangeOrderID,
					TradingPair:     order.TradingPair,
					NewState:        events.StateCanceled,
					TimestampMS:     s.now().UnixMilli(),
					Source:          events.SourcePoll,
				}})
				continue
			}
			s.metrics.PollFailures.Inc()
			s.log.Warn("order status poll failed",
				zap.String("client_order_id", order.ClientOrderID),
				zap.Error(err))
			continue
		}
		s.apply(ctx, events.KindOrderStatus, raw)
	}
}

func (s *Scheduler) pollSnapshot(ctx context.Context, kind events.Kind, fetch func(context.Context) (any, error)) {
	raw, err := fetch(ctx)
	if err != nil {
		s.metrics.PollFailures.Inc()
		s.log.Warn("poll failed", zap.String("kind", kind.String()), zap.Error(err))
		return
	}
	s.apply(ctx, kind, raw)
}

func (s *Scheduler) apply(ctx context.Context, kind events.Kind, raw any) {
	updates, err := s.normalizer.Normalize(events.SourcePoll, kind, raw)
	if err != nil {
		s.metrics.PollFailures.Inc()
		s.log.Warn("poll payload rejected", zap.String("kind", kind.String()), zap.Error(err))
		return
	}
	s.engine.ApplyBatch(ctx, updates)
}

// longCycle refreshes trading rules from instrument metadata.
func (s *Scheduler) longCycle(ctx context.Context) {
	raw, err := s.transport.FetchTradingRules(ctx)
	if err != nil {
		s.metrics.PollFailures.Inc()
		s.log.Warn("trading rules poll failed", zap.Error(err))
		return
	}
	rules, err := s.normalizer.NormalizeTradingRules(raw)
	if err != nil {
		s.metrics.PollFailures.Inc()
		s.log.Warn("trading rules payload rejected", zap.Error(err))
		return
	}
	s.rules.Update(rules)
}

// fundingCycle fetches the latest funding settlement for every configured
// pair. The query window opens at the top of the previous hour, so a
// settlement is seen at least twice and the ledger's timestamp check keeps
// the repeat from double-counting.
func (s *Scheduler) fundingCycle(ctx context.Context) {
	startMS := s.fundingWindowStartMS()
	for _, pair := range s.pairs {
		symbol, ok := s.symbols.ExchangeSymbol(pair)
		if !ok {
			s.log.Warn("no exchange symbol for pair", zap.String("pair", pair))
			continue
		}
		raw, err := s.transport.FetchFundingHistory(ctx, symbol, startMS)
		if err != nil {
			s.metrics.PollFailures.Inc()
			s.log.Warn("funding poll failed", zap.String("pair", pair), zap.Error(err))
			continue
		}
		update, err := s.normalizer.NormalizeFunding(events.SourcePoll, pair, raw)
		if err != nil {
			s.metrics.PollFailures.Inc()
			s.log.Warn("funding payload rejected", zap.String("pair", pair), zap.Error(err))
			continue
		}
		s.engine.ApplyBatch(ctx, []events.Update{update})
	}
}

func (s *Scheduler) fundingWindowStartMS() int64 {
	nowSec := s.now().Unix()
	return (nowSec/3600 - 1) * 3600 * 1000
}

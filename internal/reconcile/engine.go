// Package reconcile is the single funnel through which both the stream
// listener and the poll scheduler push normalized updates, so merge
// semantics are identical regardless of origin.
package reconcile

import (
	"context"
	"fmt"

	"perp-connector/internal/events"
	"perp-connector/internal/ledger"
	"perp-connector/internal/metrics"
	"perp-connector/internal/orders"

	"go.uber.org/zap"
)

// Recorder receives applied fills and funding payments for durable
// bookkeeping. Implementations must be safe for concurrent use.
type Recorder interface {
	RecordFill(ctx context.Context, fill events.FillUpdate)
	RecordFunding(ctx context.Context, funding events.FundingUpdate)
}

type Engine struct {
	registry *orders.Registry
	ledger   *ledger.Ledger
	recorder Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func New(registry *orders.Registry, led *ledger.Ledger, m *metrics.Metrics, log *zap.Logger) *Engine {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{registry: registry, ledger: led, metrics: m, log: log}
}

// SetRecorder attaches an optional fill/funding recorder.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

// Apply merges one canonical update. Updates for a single order are applied
// strictly in the order received; no internal reordering or batching.
func (e *Engine) Apply(ctx context.Context, update events.Update) error {
	switch u := update.(type) {
	case events.OrderStatusUpdate:
		e.registry.ApplyStatusUpdate(u)
		return nil
	case events.FillUpdate:
		return e.applyFill(ctx, u)
	case events.PositionSnapshot:
		e.ledger.ApplyPositionSnapshot(u)
		return nil
	case events.BalanceSnapshot:
		e.ledger.ApplyBalanceSnapshot(u)
		return nil
	case events.FundingUpdate:
		e.ledger.ApplyFunding(u)
		if e.recorder != nil && !u.IsNoPayment() {
			e.recorder.RecordFunding(ctx, u)
		}
		return nil
	default:
		return fmt.Errorf("unhandled update kind %s", update.UpdateKind())
	}
}

// ApplyBatch applies each update independently: a failure on one update
// never aborts processing of the rest of the batch.
func (e *Engine) ApplyBatch(ctx context.Context, updates []events.Update) {
	for _, update := range updates {
		if err := e.Apply(ctx, update); err != nil {
			e.metrics.UpdatesDropped.Inc()
			e.log.Warn("update dropped", zap.String("kind", update.UpdateKind().String()), zap.Error(err))
		}
	}
}

func (e *Engine) applyFill(ctx context.Context, fill events.FillUpdate) error {
	owner, ok := e.resolveOwner(fill)
	if !ok {
		// cannot be attributed, e.g. an order from a previous session
		e.metrics.FillsUnattributed.Inc()
		e.log.Warn("unattributable fill dropped",
			zap.String("trade_id", fill.TradeID),
			zap.String("exchange_order_id", fill.ExchangeOrderID),
			zap.String("pair", fill.TradingPair))
		return nil
	}
	result, err := e.registry.ApplyFill(owner.ClientOrderID, fill)
	if err != nil {
		return err
	}
	if result.Duplicate {
		e.metrics.FillsDuplicate.Inc()
		e.log.Debug("duplicate fill ignored",
			zap.String("trade_id", fill.TradeID),
			zap.String("client_order_id", owner.ClientOrderID),
			zap.String("source", fill.Source.String()))
		return nil
	}
	e.metrics.FillsApplied.Inc()
	if result.Completed {
		e.log.Info("order filled",
			zap.String("client_order_id", result.Order.ClientOrderID),
			zap.String("pair", result.Order.TradingPair),
			zap.String("filled", result.Order.FilledAmount.String()),
			zap.String("avg_price", result.Order.AvgFillPrice.String()))
	}
	if e.recorder != nil {
		e.recorder.RecordFill(ctx, fill)
	}
	return nil
}

// resolveOwner finds the tracked order a fill belongs to: by client order id
// when the message carries one, otherwise through the exchange-id index,
// falling back to a linear scan over active orders. The scan covers the
// window where the create acknowledgment is still in flight and the index
// has not been populated yet. First match wins; a mismatched remaining
// amount is an anomaly worth logging, not grounds for guessing further.
func (e *Engine) resolveOwner(fill events.FillUpdate) (orders.Order, bool) {
	if fill.ClientOrderID != "" {
		if order, ok := e.registry.Get(fill.ClientOrderID); ok {
			return order, true
		}
	}
	if fill.ExchangeOrderID == "" {
		return orders.Order{}, false
	}
	if order, ok := e.registry.LookupByExchangeID(fill.ExchangeOrderID); ok {
		return order, true
	}
	for _, order := range e.registry.ActiveOrders() {
		if order.ExchangeOrderID == fill.ExchangeOrderID {
			if order.RemainingAmount().LessThan(fill.BaseAmount) {
				e.log.Warn("fill amount exceeds order remainder",
					zap.String("trade_id", fill.TradeID),
					zap.String("client_order_id", order.ClientOrderID))
			}
			return order, true
		}
	}
	return orders.Order{}, false
}

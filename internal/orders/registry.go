package orders

import (
	"errors"
	"fmt"
	"sync"

	"perp-connector/internal/events"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrDuplicateOrder is returned when registering a client order id that is
// already tracked.
var ErrDuplicateOrder = errors.New("duplicate client order id")

// FillResult reports what applying a fill did to the order.
type FillResult struct {
	Applied   bool
	Duplicate bool
	Completed bool
	Order     Order
}

type tracked struct {
	order      Order
	seenTrades map[string]struct{}
}

// Registry maps client order ids to order state. All mutations are
// serialized under one mutex; reads return copies so callers never observe
// a partially applied update.
type Registry struct {
	mu           sync.RWMutex
	epsilon      decimal.Decimal
	active       map[string]*tracked
	byExchangeID map[string]string
	completed    []Order
	completedIDs map[string]struct{}
	completedCap int
	log          *zap.Logger
}

func NewRegistry(epsilon decimal.Decimal, completedCap int, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if completedCap <= 0 {
		completedCap = 500
	}
	return &Registry{
		epsilon:      epsilon,
		active:       make(map[string]*tracked),
		byExchangeID: make(map[string]string),
		completedIDs: make(map[string]struct{}),
		completedCap: completedCap,
		log:          log,
	}
}

// Register inserts a new order in PENDING_CREATE.
func (r *Registry) Register(order Order) error {
	if order.ClientOrderID == "" {
		return errors.New("client order id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[order.ClientOrderID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ClientOrderID)
	}
	if _, ok := r.completedIDs[order.ClientOrderID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ClientOrderID)
	}
	if order.State == "" {
		order.State = events.StatePendingCreate
	}
	// LastUpdateMS stays zero until the first exchange-timestamped update:
	// CreatedAtMS is the local clock and must not gate exchange ordering.
	r.active[order.ClientOrderID] = &tracked{
		order:      order,
		seenTrades: make(map[string]struct{}),
	}
	if order.ExchangeOrderID != "" {
		r.byExchangeID[order.ExchangeOrderID] = order.ClientOrderID
	}
	return nil
}

// AssignExchangeOrderID records the exchange id once the create request is
// acknowledged. The id is write-once.
func (r *Registry) AssignExchangeOrderID(clientOrderID, exchangeOrderID string) error {
	if exchangeOrderID == "" {
		return errors.New("exchange order id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[clientOrderID]
	if !ok {
		return fmt.Errorf("order %s is not tracked", clientOrderID)
	}
	if t.order.ExchangeOrderID != "" && t.order.ExchangeOrderID != exchangeOrderID {
		return fmt.Errorf("order %s already has exchange id %s", clientOrderID, t.order.ExchangeOrderID)
	}
	t.order.ExchangeOrderID = exchangeOrderID
	r.byExchangeID[exchangeOrderID] = clientOrderID
	return nil
}

// ApplyStatusUpdate merges an order status observation. Orders that are not
// tracked are a no-op: they may belong to another session or have been
// pruned. Updates older than the order's last update timestamp are dropped,
// so a delayed poll response cannot overwrite a fresher stream event.
func (r *Registry) ApplyStatusUpdate(update events.OrderStatusUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.lookupLocked(update.ClientOrderID, update.ExchangeOrderID)
	if t == nil {
		r.log.Debug("status update for untracked order",
			zap.String("client_order_id", update.ClientOrderID),
			zap.String("exchange_order_id", update.ExchangeOrderID))
		return false
	}
	if update.ExchangeOrderID != "" && t.order.ExchangeOrderID == "" {
		t.order.ExchangeOrderID = update.ExchangeOrderID
		r.byExchangeID[update.ExchangeOrderID] = t.order.ClientOrderID
	}
	if update.TimestampMS < t.order.LastUpdateMS {
		r.log.Debug("stale status update dropped",
			zap.String("client_order_id", t.order.ClientOrderID),
			zap.Int64("update_ts", update.TimestampMS),
			zap.Int64("order_ts", t.order.LastUpdateMS))
		return false
	}
	t.order.LastUpdateMS = update.TimestampMS
	if stateRank(update.NewState) > stateRank(t.order.State) {
		t.order.State = update.NewState
		if t.order.State.Terminal() {
			r.retireLocked(t)
		}
	}
	return true
}

// ApplyFill accumulates a trade fill. A trade id already recorded for the
// order is rejected as a duplicate; this keeps the merge idempotent when the
// same fill arrives over both channels.
func (r *Registry) ApplyFill(clientOrderID string, fill events.FillUpdate) (FillResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fill.TradeID == "" {
		return FillResult{}, fmt.Errorf("fill for order %s has no trade id", clientOrderID)
	}
	t, ok := r.active[clientOrderID]
	if !ok {
		return FillResult{}, fmt.Errorf("order %s is not tracked", clientOrderID)
	}
	if _, seen := t.seenTrades[fill.TradeID]; seen {
		return FillResult{Duplicate: true, Order: t.order}, nil
	}
	t.seenTrades[fill.TradeID] = struct{}{}

	t.order.FilledAmount = t.order.FilledAmount.Add(fill.BaseAmount)
	t.order.QuoteFilled = t.order.QuoteFilled.Add(fill.QuoteAmount)
	t.order.FeePaid = t.order.FeePaid.Add(fill.FeeAmount)
	if t.order.FilledAmount.IsPositive() {
		t.order.AvgFillPrice = t.order.QuoteFilled.Div(t.order.FilledAmount)
	}
	if fill.TimestampMS > t.order.LastUpdateMS {
		t.order.LastUpdateMS = fill.TimestampMS
	}

	overfill := t.order.FilledAmount.Sub(t.order.Amount)
	if overfill.GreaterThan(r.epsilon) {
		r.log.Warn("fill exceeds requested amount",
			zap.String("client_order_id", t.order.ClientOrderID),
			zap.String("filled", t.order.FilledAmount.String()),
			zap.String("requested", t.order.Amount.String()))
	}

	result := FillResult{Applied: true}
	if t.order.Amount.Sub(t.order.FilledAmount).LessThanOrEqual(r.epsilon) {
		if !t.order.State.Terminal() {
			t.order.State = events.StateFilled
			r.retireLocked(t)
			result.Completed = true
		}
	} else if stateRank(events.StatePartiallyFilled) > stateRank(t.order.State) {
		t.order.State = events.StatePartiallyFilled
	}
	result.Order = t.order
	return result, nil
}

func (r *Registry) lookupLocked(clientOrderID, exchangeOrderID string) *tracked {
	if clientOrderID != "" {
		if t, ok := r.active[clientOrderID]; ok {
			return t
		}
	}
	if exchangeOrderID != "" {
		if cid, ok := r.byExchangeID[exchangeOrderID]; ok {
			if t, ok := r.active[cid]; ok {
				return t
			}
		}
	}
	return nil
}

// retireLocked moves a terminal order out of the active set into the bounded
// completed history.
func (r *Registry) retireLocked(t *tracked) {
	delete(r.active, t.order.ClientOrderID)
	if t.order.ExchangeOrderID != "" {
		delete(r.byExchangeID, t.order.ExchangeOrderID)
	}
	r.completed = append(r.completed, t.order)
	r.completedIDs[t.order.ClientOrderID] = struct{}{}
	for len(r.completed) > r.completedCap {
		delete(r.completedIDs, r.completed[0].ClientOrderID)
		r.completed = r.completed[1:]
	}
}

// Get returns a copy of an active order.
func (r *Registry) Get(clientOrderID string) (Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.active[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return t.order, true
}

// LookupByExchangeID resolves an active order through the exchange id index.
func (r *Registry) LookupByExchangeID(exchangeOrderID string) (Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.byExchangeID[exchangeOrderID]
	if !ok {
		return Order{}, false
	}
	t, ok := r.active[cid]
	if !ok {
		return Order{}, false
	}
	return t.order, true
}

// ActiveOrders returns a copy of every non-terminal order.
func (r *Registry) ActiveOrders() []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Order, 0, len(r.active))
	for _, t := range r.active {
		out = append(out, t.order)
	}
	return out
}

// FillableOrders returns active orders that already have an exchange order
// id assigned: the subset eligible for trade-history polling.
func (r *Registry) FillableOrders() []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Order, 0, len(r.active))
	for _, t := range r.active {
		if t.order.ExchangeOrderID != "" {
			out = append(out, t.order)
		}
	}
	return out
}

// CompletedOrders returns a copy of the bounded terminal-order history.
func (r *Registry) CompletedOrders() []Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Order, len(r.completed))
	copy(out, r.completed)
	return out
}

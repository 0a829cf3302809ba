package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"perp-connector/internal/events"
	"perp-connector/internal/metrics"
	"perp-connector/internal/reconcile"

	"go.uber.org/zap"
)

// envelope is the push message wrapper: subscription deliveries carry a
// channel name and a data payload, everything else (pongs, subscribe acks)
// has a different method and is skipped.
type envelope struct {
	Method string `json:"method"`
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

// Listener routes push messages into the reconciliation engine. A message
// that fails to parse is logged and skipped; the feed keeps running, since
// the poll loop guarantees eventual convergence regardless of what the
// stream missed.
type Listener struct {
	feed       Feed
	normalizer *events.Normalizer
	engine     *reconcile.Engine
	subID      string
	metrics    *metrics.Metrics
	log        *zap.Logger
}

func NewListener(feed Feed, normalizer *events.Normalizer, engine *reconcile.Engine, subID string, m *metrics.Metrics, log *zap.Logger) *Listener {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		feed:       feed,
		normalizer: normalizer,
		engine:     engine,
		subID:      subID,
		metrics:    m,
		log:        log,
	}
}

// Channels returns the push channels the listener consumes for its
// subaccount.
func (l *Listener) Channels() []string {
	return []string{
		l.subID + ".orders",
		l.subID + ".trades",
	}
}

// Run consumes the feed until the context is canceled.
func (l *Listener) Run(ctx context.Context) error {
	return l.feed.Run(ctx, func(raw json.RawMessage) {
		l.Handle(ctx, raw)
	})
}

// Handle ingests one raw push message. It is the stream ingress point; Run
// calls it for every feed message, and callers with their own feed loop may
// call it directly.
func (l *Listener) Handle(ctx context.Context, raw json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		l.metrics.StreamErrors.Inc()
		l.log.Warn("undecodable stream message", zap.Error(err))
		return
	}
	if env.Method != "subscription" {
		l.log.Debug("non-subscription message", zap.String("method", env.Method))
		return
	}
	kind, err := l.kindForChannel(env.Params.Channel)
	if err != nil {
		l.metrics.StreamErrors.Inc()
		l.log.Error("stream message on unexpected channel", zap.String("channel", env.Params.Channel))
		return
	}
	var payload any
	if err := json.Unmarshal(env.Params.Data, &payload); err != nil {
		l.metrics.StreamErrors.Inc()
		l.log.Warn("undecodable stream payload", zap.String("channel", env.Params.Channel), zap.Error(err))
		return
	}
	updates, err := l.normalizer.Normalize(events.SourceStream, kind, payload)
	if err != nil {
		l.metrics.StreamErrors.Inc()
		l.log.Warn("stream payload rejected", zap.String("channel", env.Params.Channel), zap.Error(err))
		return
	}
	l.engine.ApplyBatch(ctx, updates)
}

func (l *Listener) kindForChannel(channel string) (events.Kind, error) {
	if !strings.HasPrefix(channel, l.subID+".") {
		return 0, fmt.Errorf("channel %q not owned by subaccount %s", channel, l.subID)
	}
	switch strings.TrimPrefix(channel, l.subID+".") {
	case "orders":
		return events.KindOrderStatus, nil
	case "trades":
		return events.KindTrade, nil
	default:
		return 0, fmt.Errorf("unknown channel %q", channel)
	}
}

// Package stream consumes the exchange's push channel: a websocket feed of
// order and trade events for the subaccount, routed into the reconciliation
// engine.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Feed delivers raw push messages to a handler until the context is
// canceled. Implementations own reconnection; the handler only ever sees
// complete messages.
type Feed interface {
	Run(ctx context.Context, handler func(json.RawMessage)) error
}

// WSFeed is the websocket Feed. It resubscribes all channels after every
// reconnect, so a dropped connection costs at most the messages sent while
// it was down; the poll loop backfills those.
type WSFeed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	channels []string
}

func NewWSFeed(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *WSFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSFeed{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

// Subscribe registers channels to be (re)subscribed on every connect. When
// already connected the subscribe request is sent immediately.
func (f *WSFeed) Subscribe(ctx context.Context, channels ...string) error {
	f.mu.Lock()
	f.channels = append(f.channels, channels...)
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, subscribeMessage(channels))
}

func (f *WSFeed) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		if err := f.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("ws connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			f.pingLoop(pingCtx)
		}()
		err := f.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logReadLoopError(err)
		f.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *WSFeed) ensureConnected(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		conn, _, err := websocket.Dial(ctx, f.url, nil)
		if err != nil {
			return err
		}
		f.conn = conn
	}
	if len(f.channels) > 0 {
		if err := writeJSON(ctx, f.conn, subscribeMessage(f.channels)); err != nil {
			return err
		}
	}
	return nil
}

func (f *WSFeed) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	interval := f.pingInterval
	f.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (f *WSFeed) logReadLoopError(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		f.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	f.log.Warn("ws read loop ended", zap.Error(err))
}

func (f *WSFeed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func subscribeMessage(channels []string) map[string]any {
	return map[string]any{
		"method": "subscribe",
		"params": map[string]any{"channels": channels},
	}
}

var pingMessage = map[string]any{"method": "ping"}

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"perp-connector/internal/config"
	"perp-connector/internal/events"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// TimescaleWriter mirrors fills and funding payments into a TimescaleDB for
// offline analysis. Writes are asynchronous and lossy under backpressure:
// the local journal is the durable record, this is reporting.
type TimescaleWriter struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	fills       chan events.FillUpdate
	fundings    chan events.FundingUpdate
	started     atomic.Bool
	dropFill    atomic.Uint64
	dropFunding atomic.Uint64
}

// NewTimescaleWriter returns nil when the integration is disabled; a nil
// writer is safe to use.
func NewTimescaleWriter(cfg config.TimescaleConfig, log *zap.Logger) (*TimescaleWriter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &TimescaleWriter{
		db:       db,
		log:      log,
		schema:   schema,
		fills:    make(chan events.FillUpdate, queueSize),
		fundings: make(chan events.FundingUpdate, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *TimescaleWriter) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *TimescaleWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// RecordFill enqueues a fill; it implements the reconcile.Recorder side of
// the writer.
func (w *TimescaleWriter) RecordFill(_ context.Context, fill events.FillUpdate) {
	if w == nil {
		return
	}
	select {
	case w.fills <- fill:
	default:
		if w.dropFill.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale fill queue full")
		}
	}
}

func (w *TimescaleWriter) RecordFunding(_ context.Context, funding events.FundingUpdate) {
	if w == nil {
		return
	}
	select {
	case w.fundings <- funding:
	default:
		if w.dropFunding.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale funding queue full")
		}
	}
}

func (w *TimescaleWriter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fill := <-w.fills:
			w.writeFill(ctx, fill)
		case funding := <-w.fundings:
			w.writeFunding(ctx, funding)
		}
	}
}

func (w *TimescaleWriter) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		trade_id TEXT NOT NULL,
		client_order_id TEXT NOT NULL,
		exchange_order_id TEXT NOT NULL,
		pair TEXT NOT NULL,
		price NUMERIC NOT NULL,
		base_amount NUMERIC NOT NULL,
		quote_amount NUMERIC NOT NULL,
		fee_amount NUMERIC NOT NULL,
		fee_asset TEXT NOT NULL,
		PRIMARY KEY (ts, trade_id)
	)`, w.table("fills"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		pair TEXT NOT NULL,
		rate NUMERIC NOT NULL,
		payment NUMERIC NOT NULL,
		PRIMARY KEY (ts, pair)
	)`, w.table("funding_payments"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, name := range []string{"fills", "funding_payments"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *TimescaleWriter) writeFill(ctx context.Context, fill events.FillUpdate) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, trade_id, client_order_id, exchange_order_id, pair,
		price, base_amount, quote_amount, fee_amount, fee_asset
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (ts, trade_id) DO NOTHING`, w.table("fills"))
	if _, err := w.db.ExecContext(ctx, query,
		time.UnixMilli(fill.TimestampMS).UTC(),
		fill.TradeID,
		fill.ClientOrderID,
		fill.ExchangeOrderID,
		fill.TradingPair,
		fill.Price.String(),
		fill.BaseAmount.String(),
		fill.QuoteAmount.String(),
		fill.FeeAmount.String(),
		fill.FeeAsset,
	); err != nil && w.log != nil {
		w.log.Warn("timescale fill insert failed", zap.Error(err))
	}
}

func (w *TimescaleWriter) writeFunding(ctx context.Context, funding events.FundingUpdate) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, pair, rate, payment)
	VALUES ($1,$2,$3,$4)
	ON CONFLICT (ts, pair) DO NOTHING`, w.table("funding_payments"))
	if _, err := w.db.ExecContext(ctx, query,
		time.UnixMilli(funding.TimestampMS).UTC(),
		funding.TradingPair,
		funding.Rate.String(),
		funding.Payment.String(),
	); err != nil && w.log != nil {
		w.log.Warn("timescale funding insert failed", zap.Error(err))
	}
}

func (w *TimescaleWriter) exec(ctx context.Context, query string) error {
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *TimescaleWriter) table(name string) string {
	return w.schema + "." + name
}

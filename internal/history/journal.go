// Package history persists what the in-memory core cannot afford to lose
// across restarts: applied fills, funding payments, and the client-to-
// exchange order id mapping. The journal is a local sqlite file; rows are
// msgpack blobs keyed by their natural id so replays are idempotent at the
// storage layer too.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"perp-connector/internal/events"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// fillRow is the journal encoding of a fill. Amounts travel as strings so
// precision survives the round trip.
type fillRow struct {
	TradeID         string `msgpack:"trade_id"`
	ClientOrderID   string `msgpack:"client_order_id"`
	ExchangeOrderID string `msgpack:"exchange_order_id"`
	TradingPair     string `msgpack:"trading_pair"`
	Price           string `msgpack:"price"`
	BaseAmount      string `msgpack:"base_amount"`
	QuoteAmount     string `msgpack:"quote_amount"`
	FeeAmount       string `msgpack:"fee_amount"`
	FeeAsset        string `msgpack:"fee_asset"`
	TimestampMS     int64  `msgpack:"timestamp_ms"`
}

type fundingRow struct {
	TradingPair string `msgpack:"trading_pair"`
	TimestampMS int64  `msgpack:"timestamp_ms"`
	Rate        string `msgpack:"rate"`
	Payment     string `msgpack:"payment"`
}

type Journal struct {
	db *sql.DB
}

func OpenJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fills (trade_id TEXT PRIMARY KEY, pair TEXT NOT NULL, ts INTEGER NOT NULL, row BLOB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS funding (pair TEXT NOT NULL, ts INTEGER NOT NULL, row BLOB NOT NULL, PRIMARY KEY (pair, ts))`,
		`CREATE TABLE IF NOT EXISTS order_ids (client_order_id TEXT PRIMARY KEY, exchange_order_id TEXT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendFill journals an applied fill. Re-journaling the same trade id is a
// no-op.
func (j *Journal) AppendFill(ctx context.Context, fill events.FillUpdate) error {
	row := fillRow{
		TradeID:         fill.TradeID,
		ClientOrderID:   fill.ClientOrderID,
		ExchangeOrderID: fill.ExchangeOrderID,
		TradingPair:     fill.TradingPair,
		Price:           fill.Price.String(),
		BaseAmount:      fill.BaseAmount.String(),
		QuoteAmount:     fill.QuoteAmount.String(),
		FeeAmount:       fill.FeeAmount.String(),
		FeeAsset:        fill.FeeAsset,
		TimestampMS:     fill.TimestampMS,
	}
	blob, err := msgpack.Marshal(row)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fills (trade_id, pair, ts, row) VALUES (?, ?, ?, ?)`,
		fill.TradeID, fill.TradingPair, fill.TimestampMS, blob)
	return err
}

// Fills returns the journaled fills for a pair in timestamp order.
func (j *Journal) Fills(ctx context.Context, tradingPair string) ([]events.FillUpdate, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT row FROM fills WHERE pair = ? ORDER BY ts ASC`, tradingPair)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []events.FillUpdate
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		fill, err := decodeFillRow(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, fill)
	}
	return out, rows.Err()
}

func decodeFillRow(blob []byte) (events.FillUpdate, error) {
	var row fillRow
	if err := msgpack.Unmarshal(blob, &row); err != nil {
		return events.FillUpdate{}, err
	}
	fill := events.FillUpdate{
		TradeID:         row.TradeID,
		ClientOrderID:   row.ClientOrderID,
		ExchangeOrderID: row.ExchangeOrderID,
		TradingPair:     row.TradingPair,
		FeeAsset:        row.FeeAsset,
		TimestampMS:     row.TimestampMS,
	}
	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&fill.Price, row.Price},
		{&fill.BaseAmount, row.BaseAmount},
		{&fill.QuoteAmount, row.QuoteAmount},
		{&fill.FeeAmount, row.FeeAmount},
	} {
		d, err := decimal.NewFromString(field.src)
		if err != nil {
			return events.FillUpdate{}, fmt.Errorf("corrupt fill row %s: %w", row.TradeID, err)
		}
		*field.dst = d
	}
	return fill, nil
}

// AppendFunding journals a funding payment keyed by pair and timestamp.
func (j *Journal) AppendFunding(ctx context.Context, update events.FundingUpdate) error {
	row := fundingRow{
		TradingPair: update.TradingPair,
		TimestampMS: update.TimestampMS,
		Rate:        update.Rate.String(),
		Payment:     update.Payment.String(),
	}
	blob, err := msgpack.Marshal(row)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO funding (pair, ts, row) VALUES (?, ?, ?)`,
		update.TradingPair, update.TimestampMS, blob)
	return err
}

// LastFunding returns the newest journaled funding payment for a pair.
func (j *Journal) LastFunding(ctx context.Context, tradingPair string) (events.FundingUpdate, bool, error) {
	var blob []byte
	err := j.db.QueryRowContext(ctx,
		`SELECT row FROM funding WHERE pair = ? ORDER BY ts DESC LIMIT 1`, tradingPair).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return events.FundingUpdate{}, false, nil
	}
	if err != nil {
		return events.FundingUpdate{}, false, err
	}
	var row fundingRow
	if err := msgpack.Unmarshal(blob, &row); err != nil {
		return events.FundingUpdate{}, false, err
	}
	rate, err := decimal.NewFromString(row.Rate)
	if err != nil {
		return events.FundingUpdate{}, false, err
	}
	payment, err := decimal.NewFromString(row.Payment)
	if err != nil {
		return events.FundingUpdate{}, false, err
	}
	return events.FundingUpdate{
		TradingPair: row.TradingPair,
		TimestampMS: row.TimestampMS,
		Rate:        rate,
		Payment:     payment,
		Source:      events.SourcePoll,
	}, true, nil
}

// SetOrderID records a client-to-exchange order id mapping.
func (j *Journal) SetOrderID(ctx context.Context, clientOrderID, exchangeOrderID string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO order_ids (client_order_id, exchange_order_id) VALUES (?, ?)
		 ON CONFLICT(client_order_id) DO UPDATE SET exchange_order_id = excluded.exchange_order_id`,
		clientOrderID, exchangeOrderID)
	return err
}

// OrderID resolves a journaled exchange order id.
func (j *Journal) OrderID(ctx context.Context, clientOrderID string) (string, bool, error) {
	var exchangeOrderID string
	err := j.db.QueryRowContext(ctx,
		`SELECT exchange_order_id FROM order_ids WHERE client_order_id = ?`, clientOrderID).Scan(&exchangeOrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return exchangeOrderID, true, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

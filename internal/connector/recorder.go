package connector

import (
	"context"

	"perp-connector/internal/events"
	"perp-connector/internal/history"
	"perp-connector/internal/reconcile"

	"go.uber.org/zap"
)

// recorder fans applied fills and funding payments out to the local journal
// and the optional timescale mirror.
type recorder struct {
	journal  *history.Journal
	tsWriter *history.TimescaleWriter
	log      *zap.Logger
}

func newRecorder(journal *history.Journal, tsWriter *history.TimescaleWriter, log *zap.Logger) reconcile.Recorder {
	if journal == nil && tsWriter == nil {
		return nil
	}
	return &recorder{journal: journal, tsWriter: tsWriter, log: log}
}

func (r *recorder) RecordFill(ctx context.Context, fill events.FillUpdate) {
	if r.journal != nil {
		if err := r.journal.AppendFill(ctx, fill); err != nil {
			r.log.Warn("fill journal write failed", zap.String("trade_id", fill.TradeID), zap.Error(err))
		}
	}
	r.tsWriter.RecordFill(ctx, fill)
}

func (r *recorder) RecordFunding(ctx context.Context, funding events.FundingUpdate) {
	if r.journal != nil {
		if err := r.journal.AppendFunding(ctx, funding); err != nil {
			r.log.Warn("funding journal write failed", zap.String("pair", funding.TradingPair), zap.Error(err))
		}
	}
	r.tsWriter.RecordFunding(ctx, funding)
}

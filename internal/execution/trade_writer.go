package execution

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
)

// Execer is the subset of *pgxpool.Pool the trade writer uses.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TradeTableSchema is the reporting table the writer upserts into.
const TradeTableSchema = `
CREATE TABLE IF NOT EXISTS rfq_trades (
	trade_id       uuid PRIMARY KEY,
	rfq_id         uuid        NOT NULL,
	quote_id       uuid        NOT NULL,
	client_id      text        NOT NULL,
	venue_id       text        NOT NULL,
	symbol         text        NOT NULL,
	asset_class    text        NOT NULL,
	side           text        NOT NULL,
	price          numeric     NOT NULL,
	quantity       numeric     NOT NULL,
	status         text        NOT NULL,
	settlement_ref text,
	executed_at    timestamptz NOT NULL,
	source         text        NOT NULL
);`

// TradeWriter upserts executed trades into rfq_trades for reporting.
type TradeWriter struct {
	db     Execer
	logger *zap.Logger
	source string
}

// NewTradeWriter builds a writer. source identifies this service instance
// in the written rows.
func NewTradeWriter(db Execer, logger *zap.Logger, source string) *TradeWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TradeWriter{db: db, logger: logger, source: source}
}

func (w *TradeWriter) Migrate(ctx context.Context) error {
	_, err := w.db.Exec(ctx, TradeTableSchema)
	return err
}

func (w *TradeWriter) Record(ctx context.Context, t domain.Trade, clientID string) error {
	const query = `
		INSERT INTO rfq_trades (
			trade_id, rfq_id, quote_id, client_id, venue_id,
			symbol, asset_class, side, price, quantity,
			status, settlement_ref, executed_at, source
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (trade_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			settlement_ref = EXCLUDED.settlement_ref;
	`
	_, err := w.db.Exec(ctx, query,
		t.ID.UUID,
		t.RFQID.UUID,
		t.QuoteID.UUID,
		clientID,
		string(t.VenueID),
		t.Instrument.Symbol,
		string(t.Instrument.AssetClass),
		string(t.Side),
		t.Price.Decimal(),
		t.Quantity.Decimal(),
		string(t.Status),
		t.SettlementRef,
		t.ExecutedAt,
		w.source,
	)
	if err != nil {
		w.logger.Error("execution.trade_record_failed",
			zap.String("trade_id", t.ID.String()),
			zap.String("client_id", clientID),
			zap.Error(err))
		return err
	}
	w.logger.Info("execution.trade_recorded",
		zap.String("trade_id", t.ID.String()),
		zap.String("status", string(t.Status)),
		zap.String("venue", string(t.VenueID)),
		zap.Time("executed_at", t.ExecutedAt))
	return nil
}

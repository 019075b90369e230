package execution

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/metrics"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
)

// TradeRecorder persists executed trades for downstream reporting.
type TradeRecorder interface {
	Record(ctx context.Context, t domain.Trade, clientID string) error
}

// Handoff turns a selected quote into a trade and settles it exactly once.
type Handoff struct {
	ledger   *rfq.Ledger
	settler  Settler
	recorder TradeRecorder
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHandoff builds a handoff. recorder may be nil; timeout bounds the
// settlement call (0 leaves it to ctx).
func NewHandoff(ledger *rfq.Ledger, settler Settler, recorder TradeRecorder, timeout time.Duration, logger *zap.Logger) *Handoff {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settler == nil {
		settler = PaperSettler{}
	}
	return &Handoff{ledger: ledger, settler: settler, recorder: recorder, timeout: timeout, logger: logger}
}

// Execute settles the selected quote of an Executing RFQ. A settlement
// failure is not an error here: the RFQ ends Failed with the reason and is
// returned as such. Errors are rejections (wrong state, second attempt) or
// a failure to record the outcome.
func (h *Handoff) Execute(ctx context.Context, id domain.RFQID) (*rfq.RFQ, error) {
	r, q, err := h.ledger.BeginExecution(id)
	if err != nil {
		return nil, err
	}

	trade := domain.Trade{
		ID:            domain.NewTradeID(),
		RFQID:         r.ID,
		QuoteID:       q.ID,
		VenueID:       q.VenueID,
		VenueQuoteRef: q.VenueRef,
		Instrument:    r.Instrument,
		Side:          r.Side,
		Price:         q.Price,
		Quantity:      q.Quantity,
		ExecutedAt:    h.ledger.Now(),
		Status:        domain.TradePending,
	}

	settleCtx := ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		settleCtx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	start := time.Now()
	outcome, err := h.settler.Settle(settleCtx, trade)
	if err != nil {
		metrics.IncSettlement(h.settler.Name(), "failed")
		h.logger.Warn("execution.settlement_failed",
			zap.String("rfq_id", id.String()),
			zap.String("trade_id", trade.ID.String()),
			zap.String("venue", string(trade.VenueID)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return h.ledger.MarkFailed(id, failureReason(err))
	}

	trade.Status = outcome.Status
	if trade.Status == "" {
		trade.Status = domain.TradeSettled
	}
	trade.SettlementRef = outcome.Reference

	done, err := h.ledger.MarkExecuted(id, trade)
	if err != nil {
		return nil, err
	}
	metrics.IncSettlement(h.settler.Name(), string(trade.Status))
	h.logger.Info("execution.trade_executed",
		zap.String("rfq_id", id.String()),
		zap.String("trade_id", trade.ID.String()),
		zap.String("venue", string(trade.VenueID)),
		zap.String("price", trade.Price.String()),
		zap.String("status", string(trade.Status)),
		zap.Duration("elapsed", time.Since(start)))

	if h.recorder != nil {
		if err := h.recorder.Record(ctx, trade, r.ClientID); err != nil {
			metrics.IncError("trade_recorder", "write_failed")
		}
	}
	return done, nil
}

func failureReason(err error) string {
	var rej *RejectedError
	switch {
	case errors.As(err, &rej):
		return rej.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "settlement timed out"
	case errors.Is(err, context.Canceled):
		return "settlement aborted"
	default:
		return "settlement error: " + err.Error()
	}
}

package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/aggregation"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
)

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(_ context.Context, evs []rfq.Event) error {
	for _, ev := range evs {
		s.logger.Info("rfq.event",
			zap.String("rfq_id", ev.RFQID.String()),
			zap.String("kind", string(ev.Kind())),
			zap.Uint64("version", ev.Version),
			zap.Time("at", ev.At))
	}
	return nil
}

func (s *LogSink) PublishLateQuote(_ context.Context, lq aggregation.LateQuote) error {
	s.logger.Info("rfq.late_quote",
		zap.String("rfq_id", lq.Quote.RFQID.String()),
		zap.String("venue", string(lq.Quote.VenueID)),
		zap.String("price", lq.Quote.Price.String()),
		zap.String("rfq_state", string(lq.State)),
		zap.String("reason", lq.Reason))
	return nil
}

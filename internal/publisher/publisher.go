package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/aggregation"
	"github.com/Checker-Finance/rfq-engine/internal/metrics"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
)

// JetStream is the publishing half of nats.JetStreamContext.
type JetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

var subjects = map[rfq.Kind]string{
	rfq.KindRFQCreated:             "created",
	rfq.KindQuoteCollectionStarted: "collection_started",
	rfq.KindQuoteReceived:          "quote_received",
	rfq.KindQuoteSelected:          "quote_selected",
	rfq.KindTradeExecuted:          "trade_executed",
	rfq.KindRFQCancelled:           "cancelled",
	rfq.KindRFQExpired:             "expired",
	rfq.KindRFQFailed:              "failed",
}

// Publisher is the NATS JetStream event sink. Each event goes to
// {prefix}.{kind} with a Nats-Msg-Id of {rfq}:{version}, so redelivery of a
// batch after a partial failure is deduplicated by the stream.
type Publisher struct {
	nc      *nats.Conn
	js      JetStream
	prefix  string
	service string
	logger  *zap.Logger
}

// New creates a Publisher on nc's JetStream context.
func New(nc *nats.Conn, prefix, service string, logger *zap.Logger) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	p := NewWithJetStream(js, prefix, service, logger)
	p.nc = nc
	return p, nil
}

func NewWithJetStream(js JetStream, prefix, service string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{js: js, prefix: prefix, service: service, logger: logger}
}

// EnsureStream creates the stream capturing {prefix}.> if it does not exist.
func (p *Publisher) EnsureStream(name string) error {
	if p.nc == nil {
		return errors.New("publisher has no nats connection")
	}
	js, err := p.nc.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{p.prefix + ".>"},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	p.logger.Info("publisher.stream_created", zap.String("stream", name), zap.String("subjects", p.prefix+".>"))
	return nil
}

func (p *Publisher) Name() string { return "nats" }

// Subject returns where events of kind are published.
func (p *Publisher) Subject(kind rfq.Kind) string {
	if s, ok := subjects[kind]; ok {
		return p.prefix + "." + s
	}
	return p.prefix + ".unknown"
}

func (p *Publisher) Publish(ctx context.Context, evs []rfq.Event) error {
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			metrics.IncError("publisher", "marshal_failed")
			return fmt.Errorf("marshal %s v%d: %w", ev.RFQID, ev.Version, err)
		}
		subject := p.Subject(ev.Kind())
		msg := &nats.Msg{
			Subject: subject,
			Data:    data,
			Header: nats.Header{
				nats.MsgIdHdr:  []string{ev.RFQID.String() + ":" + strconv.FormatUint(ev.Version, 10)},
				"event_type":   []string{string(ev.Kind())},
				"rfq_id":       []string{ev.RFQID.String()},
				"version":      []string{strconv.FormatUint(ev.Version, 10)},
				"service":      []string{p.service},
				"content_type": []string{"application/json"},
			},
		}
		if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			p.logger.Error("publisher.publish_failed",
				zap.String("subject", subject),
				zap.String("rfq_id", ev.RFQID.String()),
				zap.Uint64("version", ev.Version),
				zap.Error(err))
			return err
		}
		p.logger.Debug("publisher.publish_success",
			zap.String("subject", subject),
			zap.String("rfq_id", ev.RFQID.String()),
			zap.Uint64("version", ev.Version))
	}
	return nil
}

// PublishLateQuote sends an audit record to {prefix}.late_quote.
func (p *Publisher) PublishLateQuote(ctx context.Context, lq aggregation.LateQuote) error {
	data, err := json.Marshal(lq)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}
	msg := &nats.Msg{
		Subject: p.prefix + ".late_quote",
		Data:    data,
		Header: nats.Header{
			nats.MsgIdHdr:  []string{"late:" + lq.Quote.ID.String()},
			"event_type":   []string{"LateQuote"},
			"rfq_id":       []string{lq.Quote.RFQID.String()},
			"service":      []string{p.service},
			"content_type": []string{"application/json"},
		},
	}
	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}

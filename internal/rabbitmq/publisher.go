package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/aggregation"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
)

const exchangeType = "topic"

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher is the RabbitMQ event sink. Events are published persistently
// to a durable topic exchange, routed by event kind.
type Publisher struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
	logger   *zap.Logger
}

// Dial connects, opens a channel and declares the exchange.
func Dial(url, exchange string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	p, err := NewPublisher(ch, exchange, logger)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher declares exchange on ch.
func NewPublisher(ch Channel, exchange string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ch.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("could not declare exchange %s: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange, logger: logger}, nil
}

func (p *Publisher) Name() string { return "amqp" }

// RoutingKey is rfq.<kind in lower case>, e.g. rfq.quotereceived.
func RoutingKey(kind rfq.Kind) string {
	return "rfq." + strings.ToLower(string(kind))
}

func (p *Publisher) Publish(ctx context.Context, evs []rfq.Event) error {
	for _, ev := range evs {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("could not marshal event: %w", err)
		}
		err = p.ch.PublishWithContext(ctx,
			p.exchange,
			RoutingKey(ev.Kind()),
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    fmt.Sprintf("%s:%d", ev.RFQID, ev.Version),
				Timestamp:    ev.At,
				Type:         string(ev.Kind()),
				Body:         body,
			},
		)
		if err != nil {
			p.logger.Error("rabbitmq.publish_failed",
				zap.String("rfq_id", ev.RFQID.String()),
				zap.Uint64("version", ev.Version),
				zap.Error(err))
			return err
		}
	}
	return nil
}

func (p *Publisher) PublishLateQuote(ctx context.Context, lq aggregation.LateQuote) error {
	body, err := json.Marshal(lq)
	if err != nil {
		return fmt.Errorf("could not marshal late quote: %w", err)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, "rfq.late_quote", false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   "late:" + lq.Quote.ID.String(),
		Timestamp:   lq.At,
		Type:        "LateQuote",
		Body:        body,
	})
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

package rfq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
)

// Kind tags a domain event.
type Kind string

const (
	KindRFQCreated             Kind = "RFQCreated"
	KindQuoteCollectionStarted Kind = "QuoteCollectionStarted"
	KindQuoteReceived          Kind = "QuoteReceived"
	KindQuoteSelected          Kind = "QuoteSelected"
	KindTradeExecuted          Kind = "TradeExecuted"
	KindRFQCancelled           Kind = "RFQCancelled"
	KindRFQExpired             Kind = "RFQExpired"
	KindRFQFailed              Kind = "RFQFailed"
)

// Event is one accepted transition of one RFQ. Version is the RFQ version
// after the transition, so the first event of every RFQ has Version 1.
type Event struct {
	ID      uuid.UUID
	RFQID   domain.RFQID
	Version uint64
	At      time.Time
	Payload Payload
}

// Kind returns the payload's tag.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Payload is implemented by every event body.
type Payload interface {
	Kind() Kind
}

type RFQCreated struct {
	ClientID   string            `json:"client_id"`
	Instrument domain.Instrument `json:"instrument"`
	Side       domain.Side       `json:"side"`
	Quantity   domain.Quantity   `json:"quantity"`
	Deadline   time.Time         `json:"deadline"`
	MinQuotes  int               `json:"min_quotes"`
}

type QuoteCollectionStarted struct {
	Venues []domain.VenueID `json:"venues"`
}

type QuoteReceived struct {
	Quote    domain.Quote    `json:"quote"`
	Replaces *domain.QuoteID `json:"replaces,omitempty"`
}

type QuoteSelected struct {
	QuoteID domain.QuoteID `json:"quote_id"`
}

type TradeExecuted struct {
	Trade domain.Trade `json:"trade"`
}

type RFQCancelled struct {
	From   State  `json:"from"`
	Reason string `json:"reason,omitempty"`
}

type RFQExpired struct {
	Quotes int `json:"quotes"`
}

type RFQFailed struct {
	Reason string `json:"reason"`
}

func (RFQCreated) Kind() Kind             { return KindRFQCreated }
func (QuoteCollectionStarted) Kind() Kind { return KindQuoteCollectionStarted }
func (QuoteReceived) Kind() Kind          { return KindQuoteReceived }
func (QuoteSelected) Kind() Kind          { return KindQuoteSelected }
func (TradeExecuted) Kind() Kind          { return KindTradeExecuted }
func (RFQCancelled) Kind() Kind           { return KindRFQCancelled }
func (RFQExpired) Kind() Kind             { return KindRFQExpired }
func (RFQFailed) Kind() Kind              { return KindRFQFailed }

type wireEvent struct {
	ID      uuid.UUID       `json:"id"`
	RFQID   domain.RFQID    `json:"rfq_id"`
	Version uint64          `json:"version"`
	Kind    Kind            `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s v%d has no payload", e.RFQID, e.Version)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		ID:      e.ID,
		RFQID:   e.RFQID,
		Version: e.Version,
		Kind:    e.Payload.Kind(),
		At:      e.At,
		Payload: body,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	*e = Event{ID: w.ID, RFQID: w.RFQID, Version: w.Version, At: w.At, Payload: p}
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindRFQCreated:
		var v RFQCreated
		err, p = json.Unmarshal(raw, &v), &v
	case KindQuoteCollectionStarted:
		var v QuoteCollectionStarted
		err, p = json.Unmarshal(raw, &v), &v
	case KindQuoteReceived:
		var v QuoteReceived
		err, p = json.Unmarshal(raw, &v), &v
	case KindQuoteSelected:
		var v QuoteSelected
		err, p = json.Unmarshal(raw, &v), &v
	case KindTradeExecuted:
		var v TradeExecuted
		err, p = json.Unmarshal(raw, &v), &v
	case KindRFQCancelled:
		var v RFQCancelled
		err, p = json.Unmarshal(raw, &v), &v
	case KindRFQExpired:
		var v RFQExpired
		err, p = json.Unmarshal(raw, &v), &v
	case KindRFQFailed:
		var v RFQFailed
		err, p = json.Unmarshal(raw, &v), &v
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return deref(p), nil
}

// deref stores payloads by value so decoded events compare equal to live ones.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *RFQCreated:
		return *v
	case *QuoteCollectionStarted:
		return *v
	case *QuoteReceived:
		return *v
	case *QuoteSelected:
		return *v
	case *TradeExecuted:
		return *v
	case *RFQCancelled:
		return *v
	case *RFQExpired:
		return *v
	case *RFQFailed:
		return *v
	}
	return p
}

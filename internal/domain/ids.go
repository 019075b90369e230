package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RFQID identifies a request for quote.
type RFQID struct{ uuid.UUID }

// QuoteID identifies a single venue quote.
type QuoteID struct{ uuid.UUID }

// TradeID identifies an executed trade.
type TradeID struct{ uuid.UUID }

// VenueID is the configuration-assigned identifier of a liquidity venue.
type VenueID string

func NewRFQID() RFQID     { return RFQID{uuid.New()} }
func NewQuoteID() QuoteID { return QuoteID{uuid.New()} }
func NewTradeID() TradeID { return TradeID{uuid.New()} }

// ParseRFQID parses the canonical textual form of an RFQ id.
func ParseRFQID(s string) (RFQID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return RFQID{}, invalidf("rfq id %q: %v", s, err)
	}
	return RFQID{u}, nil
}

// ParseQuoteID parses the canonical textual form of a quote id.
func ParseQuoteID(s string) (QuoteID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return QuoteID{}, invalidf("quote id %q: %v", s, err)
	}
	return QuoteID{u}, nil
}

// IsZero reports whether the id was never assigned.
func (id RFQID) IsZero() bool   { return id.UUID == uuid.Nil }
func (id QuoteID) IsZero() bool { return id.UUID == uuid.Nil }
func (id TradeID) IsZero() bool { return id.UUID == uuid.Nil }

func (v VenueID) String() string { return string(v) }

// Validate rejects blank venue ids.
func (v VenueID) Validate() error {
	if strings.TrimSpace(string(v)) == "" {
		return invalidf("venue id is required")
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

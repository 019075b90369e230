package domain

import "time"

// Quote is a venue's firm price for an RFQ. Quotes are immutable once built.
// ID is always minted by the engine; VenueRef is the venue's own quote
// identifier, kept only for reconciliation with the venue.
type Quote struct {
	ID         QuoteID   `json:"id"`
	RFQID      RFQID     `json:"rfq_id"`
	VenueID    VenueID   `json:"venue_id"`
	VenueRef   string    `json:"venue_ref,omitempty"`
	Price      Price     `json:"price"`
	Quantity   Quantity  `json:"quantity"`
	ReceivedAt time.Time `json:"received_at"`
	ValidUntil time.Time `json:"valid_until"`
}

// ExpiredAt reports whether the quote can no longer be acted on at now.
func (q Quote) ExpiredAt(now time.Time) bool {
	return now.After(q.ValidUntil)
}

// TradeStatus tracks settlement of an executed trade.
type TradeStatus string

const (
	TradeSettled TradeStatus = "settled"
	TradePending TradeStatus = "pending"
)

// Trade is the executable result of selecting a quote.
type Trade struct {
	ID            TradeID     `json:"id"`
	RFQID         RFQID       `json:"rfq_id"`
	QuoteID       QuoteID     `json:"quote_id"`
	VenueID       VenueID     `json:"venue_id"`
	VenueQuoteRef string      `json:"venue_quote_ref,omitempty"`
	Instrument    Instrument  `json:"instrument"`
	Side          Side        `json:"side"`
	Price         Price       `json:"price"`
	Quantity      Quantity    `json:"quantity"`
	ExecutedAt    time.Time   `json:"executed_at"`
	Status        TradeStatus `json:"status"`
	SettlementRef string      `json:"settlement_ref,omitempty"`
}

// VenueType is the venue's integration family.
type VenueType string

const (
	InternalMarketMaker VenueType = "internal_mm"
	FIX                 VenueType = "fix"
	DEXAggregator       VenueType = "dex_aggregator"
	RFQProtocol         VenueType = "rfq_protocol"
)

func (t VenueType) Valid() bool {
	switch t {
	case InternalMarketMaker, FIX, DEXAggregator, RFQProtocol:
		return true
	}
	return false
}

// Venue is the static description of a liquidity source.
type Venue struct {
	ID           VenueID      `json:"id"`
	Name         string       `json:"name"`
	Type         VenueType    `json:"type"`
	Priority     int          `json:"priority"`
	AssetClasses []AssetClass `json:"asset_classes"`
}

// Supports reports whether the venue quotes the given asset class.
func (v Venue) Supports(c AssetClass) bool {
	for _, a := range v.AssetClasses {
		if a == c {
			return true
		}
	}
	return false
}

// Validate checks the fields the registry relies on.
func (v Venue) Validate() error {
	if err := v.ID.Validate(); err != nil {
		return err
	}
	if !v.Type.Valid() {
		return invalidf("venue %s: unknown type %q", v.ID, v.Type)
	}
	if len(v.AssetClasses) == 0 {
		return invalidf("venue %s: at least one asset class is required", v.ID)
	}
	for _, a := range v.AssetClasses {
		if !a.Valid() {
			return invalidf("venue %s: unknown asset class %q", v.ID, a)
		}
	}
	return nil
}

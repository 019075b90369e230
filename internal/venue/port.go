package venue

import (
	"context"
	"time"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
)

// QuoteRequest is what every venue is asked, whatever its protocol.
type QuoteRequest struct {
	RFQID      domain.RFQID
	Instrument domain.Instrument
	Side       domain.Side
	Quantity   domain.Quantity
	Deadline   time.Time
}

// Port is the capability every liquidity source implements. Implementations
// must honour ctx cancellation and return *Error for venue-side failures.
type Port interface {
	ID() domain.VenueID
	RequestQuote(ctx context.Context, req QuoteRequest) (domain.Quote, error)
}

// PortFunc adapts a function to Port.
type PortFunc struct {
	VenueID domain.VenueID
	Fn      func(ctx context.Context, req QuoteRequest) (domain.Quote, error)
}

func (p PortFunc) ID() domain.VenueID { return p.VenueID }

func (p PortFunc) RequestQuote(ctx context.Context, req QuoteRequest) (domain.Quote, error) {
	return p.Fn(ctx, req)
}

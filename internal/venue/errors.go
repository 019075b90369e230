package venue

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
)

// ErrorKind classifies venue failures.
type ErrorKind string

const (
	KindTimeout               ErrorKind = "timeout"
	KindConnection            ErrorKind = "connection"
	KindAuthentication        ErrorKind = "authentication"
	KindRateLimited           ErrorKind = "rate_limited"
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindQuoteUnavailable      ErrorKind = "quote_unavailable"
	KindInsufficientLiquidity ErrorKind = "insufficient_liquidity"
	KindVenueUnavailable      ErrorKind = "venue_unavailable"
	KindProtocol              ErrorKind = "protocol_error"
	KindInternal              ErrorKind = "internal_error"
)

// Error is a failure reported by, or on the way to, a venue.
type Error struct {
	Kind    ErrorKind
	Venue   domain.VenueID
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("venue %s: %s", e.Venue, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnection, KindRateLimited, KindVenueUnavailable:
		return true
	}
	return false
}

// CountsAgainstHealth reports whether the failure says something about the
// venue's health. Rejections of the request itself (bad input, no price
// for this instrument) do not.
func (e *Error) CountsAgainstHealth() bool {
	switch e.Kind {
	case KindInvalidRequest, KindQuoteUnavailable, KindInsufficientLiquidity:
		return false
	}
	return true
}

func NewError(kind ErrorKind, venue domain.VenueID, format string, args ...any) *Error {
	return &Error{Kind: kind, Venue: venue, Message: fmt.Sprintf(format, args...)}
}

// Classify wraps any error returned by a Port into *Error.
func Classify(venue domain.VenueID, err error) *Error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		if ve.Venue == "" {
			ve.Venue = venue
		}
		return ve
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Venue: venue, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindTimeout, Venue: venue, Message: "cancelled", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Venue: venue, Err: err}
		}
		return &Error{Kind: KindConnection, Venue: venue, Err: err}
	}
	return &Error{Kind: KindInternal, Venue: venue, Err: err}
}

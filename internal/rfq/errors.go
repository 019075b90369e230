package rfq

import (
	"errors"
	"fmt"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
)

// Rejection reasons. Every rejected command returns a *RejectionError
// wrapping exactly one of these, and leaves the RFQ untouched.
var (
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
	ErrLateQuote           = errors.New("late_quote")
	ErrQuoteNotFound       = errors.New("quote_not_found")
	ErrQuoteExpired        = errors.New("quote_expired")
	ErrForeignQuote        = errors.New("foreign_quote")
	ErrDeadlinePassed      = errors.New("deadline_passed")
	ErrExecutionAttempted  = errors.New("execution_already_attempted")
	ErrUnknownRFQ          = errors.New("rfq_not_found")
)

// RejectionError describes why a command was refused.
type RejectionError struct {
	Op     string
	RFQID  domain.RFQID
	State  State
	Err    error
	Detail string
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("rfq %s: %s rejected in state %s: %v", e.RFQID, e.Op, e.State, e.Err)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *RejectionError) Unwrap() error { return e.Err }

func rejectf(r *RFQ, op string, err error, detail string, args ...any) error {
	re := &RejectionError{Op: op, Err: err}
	if r != nil {
		re.RFQID = r.ID
		re.State = r.State
	}
	if detail != "" {
		re.Detail = fmt.Sprintf(detail, args...)
	}
	return re
}

// IsRejection reports whether err is a typed command rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

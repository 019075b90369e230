package rfq

import "fmt"

// State is the lifecycle position of an RFQ.
type State string

const (
	Created         State = "CREATED"
	QuoteRequesting State = "QUOTE_REQUESTING"
	QuotesReceived  State = "QUOTES_RECEIVED"
	Executing       State = "EXECUTING"
	Executed        State = "EXECUTED"
	Failed          State = "FAILED"
	Cancelled       State = "CANCELLED"
	Expired         State = "EXPIRED"
)

// States lists every state in lifecycle order.
var States = []State{Created, QuoteRequesting, QuotesReceived, Executing, Executed, Failed, Cancelled, Expired}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case Executed, Failed, Cancelled, Expired:
		return true
	}
	return false
}

// Collecting reports whether quotes may still be recorded.
func (s State) Collecting() bool {
	return s == QuoteRequesting || s == QuotesReceived
}

// ParseState accepts the canonical upper-case names.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown rfq state %q", s)
}

package aggregation

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
)

// TieBreak selects how quotes at the same price are ordered.
type TieBreak string

const (
	// TieBreakTime orders equal prices by arrival, then venue priority.
	TieBreakTime TieBreak = "time"
	// TieBreakPriority orders equal prices by venue priority, then arrival.
	TieBreakPriority TieBreak = "priority"
)

func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(strings.ToLower(strings.TrimSpace(s))) {
	case "", TieBreakTime:
		return TieBreakTime, nil
	case TieBreakPriority:
		return TieBreakPriority, nil
	}
	return "", fmt.Errorf("unknown tie break %q", s)
}

// RankedQuote is a quote with its 1-based position.
type RankedQuote struct {
	Rank     int          `json:"rank"`
	Priority int          `json:"venue_priority"`
	Quote    domain.Quote `json:"quote"`
}

// Rank orders quotes best first for side. Price decides; equal prices fall
// back to tb, then venue id and quote id, so the result depends only on
// the set of quotes and never on the order they were passed in.
func Rank(quotes []domain.Quote, side domain.Side, priority func(domain.VenueID) int, tb TieBreak) []RankedQuote {
	if priority == nil {
		priority = func(domain.VenueID) int { return 0 }
	}
	out := make([]RankedQuote, len(quotes))
	for i, q := range quotes {
		out[i] = RankedQuote{Quote: q, Priority: priority(q.VenueID)}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j], side, tb) })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func less(a, b RankedQuote, side domain.Side, tb TieBreak) bool {
	if c := a.Quote.Price.Cmp(b.Quote.Price); c != 0 {
		if side == domain.Sell {
			return c > 0
		}
		return c < 0
	}

	byTime := func() (bool, bool) {
		if a.Quote.ReceivedAt.Equal(b.Quote.ReceivedAt) {
			return false, false
		}
		return a.Quote.ReceivedAt.Before(b.Quote.ReceivedAt), true
	}
	byPriority := func() (bool, bool) {
		if a.Priority == b.Priority {
			return false, false
		}
		return a.Priority > b.Priority, true
	}
	first, second := byTime, byPriority
	if tb == TieBreakPriority {
		first, second = byPriority, byTime
	}
	if r, ok := first(); ok {
		return r
	}
	if r, ok := second(); ok {
		return r
	}

	if a.Quote.VenueID != b.Quote.VenueID {
		return a.Quote.VenueID < b.Quote.VenueID
	}
	return bytes.Compare(a.Quote.ID.UUID[:], b.Quote.ID.UUID[:]) < 0
}

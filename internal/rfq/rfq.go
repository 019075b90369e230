package rfq

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
)

// RFQ is the aggregate root for one client request. Its fields are only
// ever changed by Apply; every command validates, builds one Event and
// applies it, so replaying the events through Fold rebuilds the same value.
type RFQ struct {
	ID         domain.RFQID      `json:"id"`
	ClientID   string            `json:"client_id"`
	Instrument domain.Instrument `json:"instrument"`
	Side       domain.Side       `json:"side"`
	Quantity   domain.Quantity   `json:"quantity"`
	Deadline   time.Time         `json:"deadline"`
	MinQuotes  int               `json:"min_quotes"`

	State     State            `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	StartedAt time.Time        `json:"started_at,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
	Venues    []domain.VenueID `json:"venues,omitempty"`
	Quotes    []domain.Quote   `json:"quotes"`
	Selected  *domain.QuoteID  `json:"selected_quote_id,omitempty"`
	Trade     *domain.Trade    `json:"trade,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Version   uint64           `json:"version"`
}

// CreateParams carries the client's request.
type CreateParams struct {
	ID         domain.RFQID
	ClientID   string
	Instrument domain.Instrument
	Side       domain.Side
	Quantity   domain.Quantity
	Deadline   time.Time
	MinQuotes  int
}

func (p CreateParams) validate(now time.Time) error {
	var problems []string
	if strings.TrimSpace(p.ClientID) == "" {
		problems = append(problems, "client id is required")
	}
	if p.Instrument.Symbol == "" || !p.Instrument.AssetClass.Valid() {
		problems = append(problems, "instrument is invalid")
	}
	if p.Side != domain.Buy && p.Side != domain.Sell {
		problems = append(problems, "side must be BUY or SELL")
	}
	if p.Quantity.IsZero() {
		problems = append(problems, "quantity is required")
	}
	if !p.Deadline.After(now) {
		problems = append(problems, "deadline must be in the future")
	}
	if p.MinQuotes < 1 {
		problems = append(problems, "min quotes must be at least 1")
	}
	if len(problems) > 0 {
		return &domain.ValidationError{Message: strings.Join(problems, "; ")}
	}
	return nil
}

// Disposition reports what ReceiveQuote did with a quote.
type Disposition string

const (
	QuoteAccepted Disposition = "accepted"
	QuoteReplaced Disposition = "replaced"
	QuoteIgnored  Disposition = "ignored"
	QuoteRejected Disposition = "rejected"
)

// Create validates the request and returns a new RFQ in Created together
// with its RFQCreated event.
func Create(p CreateParams, now time.Time) (*RFQ, Event, error) {
	if err := p.validate(now); err != nil {
		return nil, Event{}, err
	}
	if p.ID.IsZero() {
		p.ID = domain.NewRFQID()
	}
	r := &RFQ{ID: p.ID}
	ev := r.event(now, RFQCreated{
		ClientID:   p.ClientID,
		Instrument: p.Instrument,
		Side:       p.Side,
		Quantity:   p.Quantity,
		Deadline:   p.Deadline,
		MinQuotes:  p.MinQuotes,
	})
	if err := r.Apply(ev); err != nil {
		return nil, Event{}, err
	}
	return r, ev, nil
}

// StartQuoteCollection moves Created to QuoteRequesting for the venues about to be queried.
func (r *RFQ) StartQuoteCollection(venues []domain.VenueID, now time.Time) (Event, error) {
	const op = "start_quote_collection"
	if r.State != Created {
		return Event{}, rejectf(r, op, ErrInvalidTransition, "")
	}
	if !now.Before(r.Deadline) {
		return Event{}, rejectf(r, op, ErrDeadlinePassed, "deadline %s", r.Deadline.Format(time.RFC3339Nano))
	}
	ids := append([]domain.VenueID(nil), venues...)
	return r.commit(r.event(now, QuoteCollectionStarted{Venues: ids}))
}

// ReceiveQuote records a venue quote. A second quote from a venue that
// already quoted replaces the first only when strictly better for the
// client; otherwise it is ignored without an event or an error.
func (r *RFQ) ReceiveQuote(q domain.Quote, now time.Time) (Disposition, Event, error) {
	const op = "receive_quote"
	switch {
	case r.State == Created:
		return QuoteRejected, Event{}, rejectf(r, op, ErrInvalidTransition, "collection not started")
	case !r.State.Collecting():
		return QuoteRejected, Event{}, rejectf(r, op, ErrLateQuote, "venue %s", q.VenueID)
	case now.After(r.Deadline):
		return QuoteRejected, Event{}, rejectf(r, op, ErrLateQuote, "venue %s after deadline", q.VenueID)
	case q.RFQID != r.ID:
		return QuoteRejected, Event{}, rejectf(r, op, ErrForeignQuote, "quote %s belongs to %s", q.ID, q.RFQID)
	case q.ExpiredAt(now):
		return QuoteRejected, Event{}, rejectf(r, op, ErrQuoteExpired, "quote %s", q.ID)
	}

	payload := QuoteReceived{Quote: q}
	disp := QuoteAccepted
	for _, existing := range r.Quotes {
		if existing.ID == q.ID {
			return QuoteIgnored, Event{}, nil
		}
		if existing.VenueID != q.VenueID {
			continue
		}
		if !r.Side.Better(q.Price, existing.Price) {
			return QuoteIgnored, Event{}, nil
		}
		replaced := existing.ID
		payload.Replaces = &replaced
		disp = QuoteReplaced
		break
	}
	ev, err := r.commit(r.event(now, payload))
	if err != nil {
		return QuoteRejected, Event{}, err
	}
	return disp, ev, nil
}

// Expire closes an RFQ whose collection ended without reaching the minimum
// number of venue quotes. Once QuotesReceived the RFQ can no longer expire.
//
// The deadline is not checked: collection may end early, when every queried
// venue has answered or none was eligible, and the RFQ expires at that
// point. Quotes already held below MinQuotes do not prevent expiry; they
// are kept on the RFQ and counted in the RFQExpired payload.
func (r *RFQ) Expire(now time.Time) (Event, error) {
	if r.State != QuoteRequesting {
		return Event{}, rejectf(r, "expire", ErrInvalidTransition, "")
	}
	return r.commit(r.event(now, RFQExpired{Quotes: len(r.Quotes)}))
}

// Cancel is the client-initiated abort, allowed while quotes are being collected.
func (r *RFQ) Cancel(reason string, now time.Time) (Event, error) {
	if !r.State.Collecting() {
		return Event{}, rejectf(r, "cancel", ErrInvalidTransition, "")
	}
	return r.commit(r.event(now, RFQCancelled{From: r.State, Reason: reason}))
}

// SelectQuote commits the client's choice and moves the RFQ to Executing.
func (r *RFQ) SelectQuote(id domain.QuoteID, now time.Time) (Event, error) {
	const op = "select_quote"
	if r.State != QuotesReceived {
		return Event{}, rejectf(r, op, ErrInvalidTransition, "")
	}
	q, ok := r.Quote(id)
	if !ok {
		return Event{}, rejectf(r, op, ErrQuoteNotFound, "quote %s", id)
	}
	if q.ExpiredAt(now) {
		return Event{}, rejectf(r, op, ErrQuoteExpired, "quote %s valid until %s", id, q.ValidUntil.Format(time.RFC3339Nano))
	}
	return r.commit(r.event(now, QuoteSelected{QuoteID: id}))
}

// MarkExecuted records the settled trade.
func (r *RFQ) MarkExecuted(t domain.Trade, now time.Time) (Event, error) {
	const op = "mark_executed"
	if r.State != Executing {
		return Event{}, rejectf(r, op, ErrInvalidTransition, "")
	}
	if r.Selected == nil || t.QuoteID != *r.Selected {
		return Event{}, rejectf(r, op, ErrQuoteNotFound, "trade references quote %s", t.QuoteID)
	}
	if t.RFQID != r.ID {
		return Event{}, rejectf(r, op, ErrForeignQuote, "trade belongs to %s", t.RFQID)
	}
	return r.commit(r.event(now, TradeExecuted{Trade: t}))
}

// MarkFailed records a settlement failure.
func (r *RFQ) MarkFailed(reason string, now time.Time) (Event, error) {
	if r.State != Executing {
		return Event{}, rejectf(r, "mark_failed", ErrInvalidTransition, "")
	}
	return r.commit(r.event(now, RFQFailed{Reason: reason}))
}

// Quote looks up a recorded quote.
func (r *RFQ) Quote(id domain.QuoteID) (domain.Quote, bool) {
	for _, q := range r.Quotes {
		if q.ID == id {
			return q, true
		}
	}
	return domain.Quote{}, false
}

// SelectedQuote returns the quote chosen by the client, if any.
func (r *RFQ) SelectedQuote() (domain.Quote, bool) {
	if r.Selected == nil {
		return domain.Quote{}, false
	}
	return r.Quote(*r.Selected)
}

// DistinctVenues counts venues with a recorded quote.
func (r *RFQ) DistinctVenues() int {
	seen := make(map[domain.VenueID]struct{}, len(r.Quotes))
	for _, q := range r.Quotes {
		seen[q.VenueID] = struct{}{}
	}
	return len(seen)
}

// Clone returns a deep copy safe to hand out of the ledger.
func (r *RFQ) Clone() *RFQ {
	c := *r
	c.Venues = cloneSlice(r.Venues)
	c.Quotes = cloneSlice(r.Quotes)
	if r.Selected != nil {
		s := *r.Selected
		c.Selected = &s
	}
	if r.Trade != nil {
		t := *r.Trade
		c.Trade = &t
	}
	return &c
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

func (r *RFQ) event(now time.Time, p Payload) Event {
	return Event{
		ID:      uuid.New(),
		RFQID:   r.ID,
		Version: r.Version + 1,
		At:      now,
		Payload: p,
	}
}

func (r *RFQ) commit(ev Event) (Event, error) {
	if err := r.Apply(ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Apply folds one event into the aggregate. It is the only mutator and is
// shared by live commands and replay.
func (r *RFQ) Apply(ev Event) error {
	if ev.Version != r.Version+1 {
		return rejectf(r, "apply", ErrConcurrencyConflict, "event v%d on aggregate v%d", ev.Version, r.Version)
	}
	if r.Version > 0 && ev.RFQID != r.ID {
		return rejectf(r, "apply", ErrForeignQuote, "event for %s", ev.RFQID)
	}

	switch p := ev.Payload.(type) {
	case RFQCreated:
		if r.Version != 0 {
			return rejectf(r, "apply", ErrInvalidTransition, "duplicate creation")
		}
		r.ID = ev.RFQID
		r.ClientID = p.ClientID
		r.Instrument = p.Instrument
		r.Side = p.Side
		r.Quantity = p.Quantity
		r.Deadline = p.Deadline
		r.MinQuotes = p.MinQuotes
		r.CreatedAt = ev.At
		r.Quotes = []domain.Quote{}
		r.State = Created
	case QuoteCollectionStarted:
		r.Venues = append([]domain.VenueID(nil), p.Venues...)
		r.StartedAt = ev.At
		r.State = QuoteRequesting
	case QuoteReceived:
		if p.Replaces != nil {
			r.removeQuote(*p.Replaces)
		}
		r.Quotes = append(r.Quotes, p.Quote)
		if r.State == QuoteRequesting && r.DistinctVenues() >= r.MinQuotes {
			r.State = QuotesReceived
		}
	case QuoteSelected:
		id := p.QuoteID
		r.Selected = &id
		r.State = Executing
	case TradeExecuted:
		t := p.Trade
		r.Trade = &t
		r.State = Executed
	case RFQCancelled:
		r.Reason = p.Reason
		r.State = Cancelled
	case RFQExpired:
		r.State = Expired
	case RFQFailed:
		r.Reason = p.Reason
		r.State = Failed
	default:
		return fmt.Errorf("rfq %s: unsupported event payload %T", r.ID, ev.Payload)
	}
	r.Version = ev.Version
	r.UpdatedAt = ev.At
	return nil
}

func (r *RFQ) removeQuote(id domain.QuoteID) {
	for i, q := range r.Quotes {
		if q.ID == id {
			r.Quotes = append(r.Quotes[:i:i], r.Quotes[i+1:]...)
			return
		}
	}
}

// Fold rebuilds an RFQ from its complete event sequence.
func Fold(events []Event) (*RFQ, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("fold: empty event sequence")
	}
	if _, ok := events[0].Payload.(RFQCreated); !ok {
		return nil, fmt.Errorf("fold: first event is %s, want %s", events[0].Kind(), KindRFQCreated)
	}
	r := &RFQ{}
	for _, ev := range events {
		if err := r.Apply(ev); err != nil {
			return nil, fmt.Errorf("fold %s: %w", ev.RFQID, err)
		}
	}
	return r, nil
}

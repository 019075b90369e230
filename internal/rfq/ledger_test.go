package rfq

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *recordingEmitter) Emit(events ...Event) {
	e.mu.Lock()
	e.events = append(e.events, events...)
	e.mu.Unlock()
}

func (e *recordingEmitter) snapshot() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

type ledgerClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *ledgerClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *ledgerClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLedger() (*Ledger, *recordingEmitter, *ledgerClock) {
	em := &recordingEmitter{}
	clk := &ledgerClock{t: t0}
	return NewLedger(WithEmitter(em), WithClock(clk.now), WithLogger(zap.NewNop())), em, clk
}

func createIn(t *testing.T, l *Ledger, client string, minQuotes int) *RFQ {
	t.Helper()
	r, err := l.Create(CreateParams{
		ClientID:   client,
		Instrument: btcusd(),
		Side:       domain.Buy,
		Quantity:   domain.MustQuantity("10"),
		Deadline:   l.Now().Add(500 * time.Millisecond),
		MinQuotes:  minQuotes,
	})
	require.NoError(t, err)
	return r
}

// quotesReceivedIn drives a new RFQ to QuotesReceived with quotes from venues a and b.
func quotesReceivedIn(t *testing.T, l *Ledger) (*RFQ, domain.Quote, domain.Quote) {
	t.Helper()
	r := createIn(t, l, "client-1", 1)
	_, err := l.StartQuoteCollection(r.ID, []domain.VenueID{"a", "b"})
	require.NoError(t, err)
	qa := quoteFor(r, "a", "60000", l.Now())
	qb := quoteFor(r, "b", "60005", l.Now())
	_, err = l.ReceiveQuote(qa)
	require.NoError(t, err)
	_, err = l.ReceiveQuote(qb)
	require.NoError(t, err)
	r, err = l.Get(r.ID)
	require.NoError(t, err)
	require.Equal(t, QuotesReceived, r.State)
	return r, qa, qb
}

func TestLedger_EmitsOneEventPerAcceptedTransition(t *testing.T) {
	l, em, _ := newTestLedger()
	r, qa, _ := quotesReceivedIn(t, l)

	// rejected and ignored commands emit nothing
	_, err := l.Expire(r.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	disp, err := l.ReceiveQuote(quoteFor(r, "a", "60001", t0))
	require.NoError(t, err)
	assert.Equal(t, QuoteIgnored, disp)

	_, err = l.SelectQuote(r.ID, qa.ID, 0)
	require.NoError(t, err)

	events, err := l.Events(r.ID)
	require.NoError(t, err)
	assert.Equal(t, events, em.snapshot())
	for i, ev := range events {
		assert.EqualValues(t, i+1, ev.Version)
	}
	cur, _ := l.Get(r.ID)
	assert.EqualValues(t, len(events), cur.Version)

	folded, err := Fold(events)
	require.NoError(t, err)
	assert.Equal(t, cur, folded)
}

func TestLedger_UnknownRFQ(t *testing.T) {
	l, _, _ := newTestLedger()
	_, err := l.Get(domain.NewRFQID())
	assert.ErrorIs(t, err, ErrUnknownRFQ)
	_, err = l.ReceiveQuote(domain.Quote{RFQID: domain.NewRFQID()})
	assert.ErrorIs(t, err, ErrUnknownRFQ)
}

func TestLedger_ExpectedVersionMismatch(t *testing.T) {
	l, _, _ := newTestLedger()
	r, qa, _ := quotesReceivedIn(t, l)

	_, err := l.SelectQuote(r.ID, qa.ID, r.Version-1)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	_, err = l.Cancel(r.ID, "stale", 1)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	got, err := l.SelectQuote(r.ID, qa.ID, r.Version)
	require.NoError(t, err)
	assert.Equal(t, Executing, got.State)
}

func TestLedger_LateQuoteAfterDeadline(t *testing.T) {
	l, _, clk := newTestLedger()
	r := createIn(t, l, "c", 1)
	_, err := l.StartQuoteCollection(r.ID, []domain.VenueID{"a", "b"})
	require.NoError(t, err)

	clk.advance(50 * time.Millisecond)
	_, err = l.ReceiveQuote(quoteFor(r, "a", "60000", clk.now()))
	require.NoError(t, err)

	clk.advance(550 * time.Millisecond)
	disp, err := l.ReceiveQuote(quoteFor(r, "b", "59000", clk.now()))
	assert.ErrorIs(t, err, ErrLateQuote)
	assert.Equal(t, QuoteRejected, disp)

	got, _ := l.Get(r.ID)
	assert.Equal(t, QuotesReceived, got.State)
	require.Len(t, got.Quotes, 1)
	assert.Equal(t, "60000", got.Quotes[0].Price.String())
}

func TestLedger_ConcurrentSelectExactlyOneWins(t *testing.T) {
	l, em, _ := newTestLedger()
	r, qa, qb := quotesReceivedIn(t, l)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, q := range []domain.Quote{qa, qb} {
		wg.Add(1)
		go func(i int, id domain.QuoteID) {
			defer wg.Done()
			_, errs[i] = l.SelectQuote(r.ID, id, 0)
		}(i, q.ID)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrConcurrencyConflict), err)
	}
	assert.Equal(t, 1, wins)

	selected := 0
	for _, ev := range em.snapshot() {
		if ev.Kind() == KindQuoteSelected {
			selected++
		}
	}
	assert.Equal(t, 1, selected)
}

func TestLedger_ConcurrentQuotesAllCounted(t *testing.T) {
	l, _, _ := newTestLedger()
	r := createIn(t, l, "c", 50)
	_, err := l.StartQuoteCollection(r.ID, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			venue := domain.VenueID("v" + string(rune('A'+i)))
			_, _ = l.ReceiveQuote(quoteFor(r, venue, "100", t0))
		}(i)
	}
	wg.Wait()

	got, _ := l.Get(r.ID)
	assert.Len(t, got.Quotes, 40)
	assert.EqualValues(t, 42, got.Version)
	assert.Equal(t, QuoteRequesting, got.State)
}

func TestLedger_BeginExecutionAtMostOnce(t *testing.T) {
	l, _, _ := newTestLedger()
	r, qa, _ := quotesReceivedIn(t, l)

	_, _, err := l.BeginExecution(r.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = l.SelectQuote(r.ID, qa.ID, 0)
	require.NoError(t, err)

	_, q, err := l.BeginExecution(r.ID)
	require.NoError(t, err)
	assert.Equal(t, qa.ID, q.ID)

	_, _, err = l.BeginExecution(r.ID)
	assert.ErrorIs(t, err, ErrExecutionAttempted)
}

func TestLedger_RehydrateMarksExecutingHandedOff(t *testing.T) {
	src, _, _ := newTestLedger()
	r, qa, _ := quotesReceivedIn(t, src)
	_, err := src.SelectQuote(r.ID, qa.ID, 0)
	require.NoError(t, err)
	events, _ := src.Events(r.ID)

	dst, em, _ := newTestLedger()
	got, err := dst.Rehydrate(events)
	require.NoError(t, err)
	assert.Equal(t, Executing, got.State)
	assert.Empty(t, em.snapshot(), "rehydration must not re-emit")

	_, _, err = dst.BeginExecution(r.ID)
	assert.ErrorIs(t, err, ErrExecutionAttempted)

	_, err = dst.Rehydrate(events)
	assert.Error(t, err)
}

func TestLedger_OverdueAndEvict(t *testing.T) {
	l, _, clk := newTestLedger()
	open := createIn(t, l, "c", 1)
	_, err := l.StartQuoteCollection(open.ID, nil)
	require.NoError(t, err)

	done := createIn(t, l, "c", 1)
	_, err = l.StartQuoteCollection(done.ID, nil)
	require.NoError(t, err)
	_, err = l.Cancel(done.ID, "", 0)
	require.NoError(t, err)

	assert.Empty(t, l.Overdue(clk.now()))
	clk.advance(time.Second)
	assert.Equal(t, []domain.RFQID{open.ID}, l.Overdue(clk.now()))

	assert.Equal(t, 0, l.Evict(t0))
	assert.Equal(t, 1, l.Evict(clk.now()))
	assert.Equal(t, 1, l.Len())
	_, err = l.Get(done.ID)
	assert.ErrorIs(t, err, ErrUnknownRFQ)
}

func TestLedger_ListFiltersNewestFirst(t *testing.T) {
	l, _, clk := newTestLedger()
	first := createIn(t, l, "alice", 1)
	clk.advance(time.Millisecond)
	second := createIn(t, l, "bob", 1)
	clk.advance(time.Millisecond)
	third := createIn(t, l, "alice", 1)
	_, err := l.StartQuoteCollection(third.ID, nil)
	require.NoError(t, err)

	all := l.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, []domain.RFQID{third.ID, second.ID, first.ID}, []domain.RFQID{all[0].ID, all[1].ID, all[2].ID})

	alice := l.List(Filter{ClientID: "alice"})
	assert.Len(t, alice, 2)

	requesting := l.List(Filter{State: QuoteRequesting})
	require.Len(t, requesting, 1)
	assert.Equal(t, third.ID, requesting[0].ID)

	assert.Len(t, l.List(Filter{Limit: 1}), 1)
	assert.Len(t, l.List(Filter{Since: t0.Add(time.Millisecond)}), 2)
}

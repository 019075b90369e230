package rfq

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/metrics"
)

// Emitter receives every accepted event, in version order per RFQ.
// Emit is called while the RFQ is locked and must not block.
type Emitter interface {
	Emit(events ...Event)
}

// Option customises a Ledger.
type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithEmitter(e Emitter) Option {
	return func(l *Ledger) { l.emitter = e }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Ledger holds the live RFQs. Each RFQ has its own lock, so commands on
// one RFQ are serialized against its version while different RFQs never
// contend. The map and the creation-time index sit behind a separate
// RWMutex that is always taken before, never while holding, an RFQ lock.
type Ledger struct {
	now     func() time.Time
	emitter Emitter
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[domain.RFQID]*entry
	index   *btree.BTreeG[indexItem]
}

type entry struct {
	mu        sync.Mutex
	rfq       *RFQ
	events    []Event
	handedOff bool
}

type indexItem struct {
	created time.Time
	id      domain.RFQID
}

func indexLess(a, b indexItem) bool {
	if !a.created.Equal(b.created) {
		return a.created.Before(b.created)
	}
	return bytes.Compare(a.id.UUID[:], b.id.UUID[:]) < 0
}

// NewLedger builds an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		now:     time.Now,
		logger:  zap.NewNop(),
		entries: make(map[domain.RFQID]*entry),
		index:   btree.NewG[indexItem](32, indexLess),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Now is the ledger clock.
func (l *Ledger) Now() time.Time { return l.now() }

// Create registers a new RFQ and emits RFQCreated.
func (l *Ledger) Create(p CreateParams) (*RFQ, error) {
	r, ev, err := Create(p, l.now())
	if err != nil {
		return nil, err
	}
	e := &entry{rfq: r}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[r.ID]; exists {
		return nil, &domain.ValidationError{Message: "rfq " + r.ID.String() + " already exists"}
	}
	l.entries[r.ID] = e
	l.index.ReplaceOrInsert(indexItem{created: r.CreatedAt, id: r.ID})
	l.record(e, ev)

	l.logger.Info("rfq.created",
		zap.String("rfq_id", r.ID.String()),
		zap.String("client", r.ClientID),
		zap.String("instrument", r.Instrument.String()),
		zap.String("side", string(r.Side)),
		zap.Time("deadline", r.Deadline))
	return r.Clone(), nil
}

// Get returns a snapshot of the RFQ.
func (l *Ledger) Get(id domain.RFQID) (*RFQ, error) {
	e, err := l.lookup(id, "get")
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rfq.Clone(), nil
}

// Events returns a copy of the RFQ's event sequence.
func (l *Ledger) Events(id domain.RFQID) ([]Event, error) {
	e, err := l.lookup(id, "events")
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...), nil
}

// StartQuoteCollection records the venues being queried.
func (l *Ledger) StartQuoteCollection(id domain.RFQID, venues []domain.VenueID) (*RFQ, error) {
	return l.mutate(id, "start_quote_collection", 0, func(r *RFQ, now time.Time) (Event, error) {
		return r.StartQuoteCollection(venues, now)
	})
}

// ReceiveQuote delivers a venue quote to its RFQ. Late quotes are logged
// and returned as ErrLateQuote rejections.
func (l *Ledger) ReceiveQuote(q domain.Quote) (Disposition, error) {
	const op = "receive_quote"
	e, err := l.lookup(q.RFQID, op)
	if err != nil {
		return QuoteRejected, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	disp, ev, err := e.rfq.ReceiveQuote(q, l.now())
	if err != nil {
		if errors.Is(err, ErrLateQuote) {
			l.logger.Warn("rfq.quote_rejected_late",
				zap.String("rfq_id", q.RFQID.String()),
				zap.String("venue", string(q.VenueID)),
				zap.String("quote_id", q.ID.String()),
				zap.String("price", q.Price.String()),
				zap.String("state", string(e.rfq.State)))
		}
		l.rejected(op, err)
		return disp, err
	}
	if disp == QuoteIgnored {
		l.logger.Debug("rfq.quote_ignored",
			zap.String("rfq_id", q.RFQID.String()),
			zap.String("venue", string(q.VenueID)))
		return disp, nil
	}
	l.record(e, ev)
	return disp, nil
}

// Expire closes an RFQ that did not collect enough quotes. It may be called
// before the deadline and while holding quotes below the minimum; see RFQ.Expire.
func (l *Ledger) Expire(id domain.RFQID) (*RFQ, error) {
	return l.mutate(id, "expire", 0, func(r *RFQ, now time.Time) (Event, error) {
		return r.Expire(now)
	})
}

// Cancel aborts collection. A non-zero expected version must match the current one.
func (l *Ledger) Cancel(id domain.RFQID, reason string, expected uint64) (*RFQ, error) {
	return l.mutate(id, "cancel", expected, func(r *RFQ, now time.Time) (Event, error) {
		return r.Cancel(reason, now)
	})
}

// SelectQuote commits the client's choice. A non-zero expected version must match the current one.
func (l *Ledger) SelectQuote(id domain.RFQID, quoteID domain.QuoteID, expected uint64) (*RFQ, error) {
	return l.mutate(id, "select_quote", expected, func(r *RFQ, now time.Time) (Event, error) {
		return r.SelectQuote(quoteID, now)
	})
}

// BeginExecution claims the one execution attempt an Executing RFQ gets.
func (l *Ledger) BeginExecution(id domain.RFQID) (*RFQ, domain.Quote, error) {
	const op = "execute"
	e, err := l.lookup(id, op)
	if err != nil {
		return nil, domain.Quote{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rfq.State != Executing {
		err := rejectf(e.rfq, op, ErrInvalidTransition, "")
		l.rejected(op, err)
		return nil, domain.Quote{}, err
	}
	if e.handedOff {
		err := rejectf(e.rfq, op, ErrExecutionAttempted, "")
		l.rejected(op, err)
		return nil, domain.Quote{}, err
	}
	q, ok := e.rfq.SelectedQuote()
	if !ok {
		return nil, domain.Quote{}, rejectf(e.rfq, op, ErrQuoteNotFound, "no selected quote")
	}
	e.handedOff = true
	return e.rfq.Clone(), q, nil
}

// MarkExecuted records a successful settlement.
func (l *Ledger) MarkExecuted(id domain.RFQID, t domain.Trade) (*RFQ, error) {
	return l.mutate(id, "mark_executed", 0, func(r *RFQ, now time.Time) (Event, error) {
		return r.MarkExecuted(t, now)
	})
}

// MarkFailed records a settlement failure.
func (l *Ledger) MarkFailed(id domain.RFQID, reason string) (*RFQ, error) {
	return l.mutate(id, "mark_failed", 0, func(r *RFQ, now time.Time) (Event, error) {
		return r.MarkFailed(reason, now)
	})
}

// Rehydrate loads an RFQ from its stored events without re-emitting them.
// An RFQ found in Executing is treated as already handed off.
func (l *Ledger) Rehydrate(events []Event) (*RFQ, error) {
	r, err := Fold(events)
	if err != nil {
		return nil, err
	}
	e := &entry{
		rfq:       r,
		events:    append([]Event(nil), events...),
		handedOff: r.State == Executing,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[r.ID]; exists {
		return nil, &domain.ValidationError{Message: "rfq " + r.ID.String() + " already loaded"}
	}
	l.entries[r.ID] = e
	l.index.ReplaceOrInsert(indexItem{created: r.CreatedAt, id: r.ID})
	return r.Clone(), nil
}

// Overdue lists RFQs still requesting quotes after their deadline.
func (l *Ledger) Overdue(now time.Time) []domain.RFQID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var ids []domain.RFQID
	for id, e := range l.entries {
		e.mu.Lock()
		if e.rfq.State == QuoteRequesting && now.After(e.rfq.Deadline) {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	return ids
}

// Evict drops terminal RFQs last updated before cutoff and returns how many were removed.
func (l *Ledger) Evict(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.entries {
		e.mu.Lock()
		drop := e.rfq.State.IsTerminal() && e.rfq.UpdatedAt.Before(cutoff)
		created := e.rfq.CreatedAt
		e.mu.Unlock()
		if drop {
			delete(l.entries, id)
			l.index.Delete(indexItem{created: created, id: id})
			n++
		}
	}
	return n
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	State    State
	ClientID string
	Symbol   string
	Since    time.Time
	Limit    int
}

func (f Filter) match(r *RFQ) bool {
	if f.State != "" && r.State != f.State {
		return false
	}
	if f.ClientID != "" && r.ClientID != f.ClientID {
		return false
	}
	if f.Symbol != "" && r.Instrument.Symbol != f.Symbol {
		return false
	}
	return true
}

// List returns matching RFQs, newest first.
func (l *Ledger) List(f Filter) []*RFQ {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*RFQ
	l.index.Descend(func(it indexItem) bool {
		if !f.Since.IsZero() && it.created.Before(f.Since) {
			return false
		}
		e, ok := l.entries[it.id]
		if !ok {
			return true
		}
		e.mu.Lock()
		if f.match(e.rfq) {
			out = append(out, e.rfq.Clone())
		}
		e.mu.Unlock()
		return f.Limit <= 0 || len(out) < f.Limit
	})
	return out
}

// Len is the number of RFQs held in memory.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) lookup(id domain.RFQID, op string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.entries[id]
	l.mu.RUnlock()
	if !ok {
		return nil, &RejectionError{Op: op, RFQID: id, Err: ErrUnknownRFQ}
	}
	return e, nil
}

func (l *Ledger) mutate(id domain.RFQID, op string, expected uint64, fn func(*RFQ, time.Time) (Event, error)) (*RFQ, error) {
	e, err := l.lookup(id, op)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if expected != 0 && e.rfq.Version != expected {
		err := rejectf(e.rfq, op, ErrConcurrencyConflict, "expected v%d, current v%d", expected, e.rfq.Version)
		l.rejected(op, err)
		return nil, err
	}
	ev, err := fn(e.rfq, l.now())
	if err != nil {
		l.rejected(op, err)
		return nil, err
	}
	l.record(e, ev)
	return e.rfq.Clone(), nil
}

// record must be called with e.mu held (or e unpublished).
func (l *Ledger) record(e *entry, ev Event) {
	e.events = append(e.events, ev)
	metrics.IncTransition(string(ev.Kind()))
	if l.emitter != nil {
		l.emitter.Emit(ev)
	}
	l.logger.Debug("rfq.transition",
		zap.String("rfq_id", ev.RFQID.String()),
		zap.String("kind", string(ev.Kind())),
		zap.Uint64("version", ev.Version),
		zap.String("state", string(e.rfq.State)))
}

func (l *Ledger) rejected(op string, err error) {
	var re *RejectionError
	if errors.As(err, &re) {
		metrics.IncRejection(op, re.Err.Error())
		l.logger.Debug("rfq.command_rejected",
			zap.String("op", op),
			zap.String("rfq_id", re.RFQID.String()),
			zap.Error(err))
		return
	}
	metrics.IncRejection(op, "validation")
}

package aggregation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/metrics"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
	"github.com/Checker-Finance/rfq-engine/internal/venue"
)

// LatePolicy decides what happens to a quote that arrives once collection
// is over. Late quotes never change the RFQ either way.
type LatePolicy string

const (
	LateDiscard LatePolicy = "discard"
	LateAudit   LatePolicy = "audit"
)

func ParseLatePolicy(s string) (LatePolicy, error) {
	switch LatePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", LateDiscard:
		return LateDiscard, nil
	case LateAudit:
		return LateAudit, nil
	}
	return "", fmt.Errorf("unknown late quote policy %q", s)
}

// LateQuote is the audit record of a rejected late arrival.
type LateQuote struct {
	Quote  domain.Quote `json:"quote"`
	State  rfq.State    `json:"rfq_state"`
	Reason string       `json:"reason"`
	At     time.Time    `json:"at"`
}

// LateQuoteRecorder receives late quotes under the audit policy.
// It must not block.
type LateQuoteRecorder interface {
	RecordLateQuote(LateQuote)
}

// Config tunes the engine.
type Config struct {
	// PerVenueTimeout caps a single venue request inside the RFQ deadline.
	PerVenueTimeout time.Duration
	LatePolicy      LatePolicy
	TieBreak        TieBreak
}

// Result summarises one collection run.
type Result struct {
	RFQ       *rfq.RFQ
	Queried   int
	Responded int
	Failed    int
	Late      int
}

// Engine runs the fan-out for RFQs held in a ledger.
type Engine struct {
	ledger   *rfq.Ledger
	registry *venue.Registry
	cfg      Config
	audit    LateQuoteRecorder
	logger   *zap.Logger
}

func NewEngine(ledger *rfq.Ledger, registry *venue.Registry, cfg Config, audit LateQuoteRecorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PerVenueTimeout <= 0 {
		cfg.PerVenueTimeout = 5 * time.Second
	}
	if cfg.LatePolicy == "" {
		cfg.LatePolicy = LateDiscard
	}
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakTime
	}
	return &Engine{ledger: ledger, registry: registry, cfg: cfg, audit: audit, logger: logger}
}

// Rank orders the RFQ's recorded quotes using the registry's priorities.
func (e *Engine) Rank(r *rfq.RFQ) []RankedQuote {
	return Rank(r.Quotes, r.Side, e.registry.Priority, e.cfg.TieBreak)
}

type outcome struct {
	entry   venue.Admitted
	quote   domain.Quote
	err     error
	elapsed time.Duration
}

// Run collects quotes for an RFQ in Created. It returns once the deadline
// passes, every queried venue has answered, or ctx is done. Venue failures
// never fail the run; they only feed the venue breakers. Responses still
// outstanding when Run returns are settled in the background and any quote
// among them is handled as late.
func (e *Engine) Run(ctx context.Context, id domain.RFQID) (Result, error) {
	start := time.Now()
	r, err := e.ledger.Get(id)
	if err != nil {
		return Result{}, err
	}
	if r.State != rfq.Created {
		// let the ledger produce the typed rejection
		_, err := e.ledger.StartQuoteCollection(id, nil)
		return Result{}, err
	}

	entries := e.registry.Admit(r.Instrument)
	venueIDs := make([]domain.VenueID, len(entries))
	for i, en := range entries {
		venueIDs[i] = en.Venue.ID
	}
	r, err = e.ledger.StartQuoteCollection(id, venueIDs)
	if err != nil {
		for _, en := range entries {
			en.Ticket.Release()
		}
		return Result{}, err
	}

	log := e.logger.With(zap.String("rfq_id", id.String()))
	log.Info("engine.collect.start",
		zap.Int("venues", len(entries)),
		zap.Time("deadline", r.Deadline))

	res := Result{Queried: len(entries)}
	if len(entries) == 0 {
		log.Warn("engine.collect.no_eligible_venues", zap.String("instrument", r.Instrument.String()))
		return e.finish(log, id, res, start, true)
	}

	collectCtx, cancel := context.WithDeadline(ctx, r.Deadline)
	req := venue.QuoteRequest{
		RFQID:      id,
		Instrument: r.Instrument,
		Side:       r.Side,
		Quantity:   r.Quantity,
		Deadline:   r.Deadline,
	}
	results := make(chan outcome, len(entries))
	for _, en := range entries {
		go e.query(collectCtx, en, req, results)
	}

	pending := len(entries)
wait:
	for pending > 0 {
		select {
		case o := <-results:
			pending--
			e.settle(collectCtx, log, id, o, &res)
		case <-collectCtx.Done():
			break wait
		}
	}
	// a parent cancellation (client cancel, shutdown) leaves the RFQ to
	// whoever cancelled it; only a finished or timed-out run closes it out
	closeOut := pending == 0 || errors.Is(collectCtx.Err(), context.DeadlineExceeded)
	cancel()

	if pending > 0 {
		log.Info("engine.collect.outstanding", zap.Int("venues", pending))
		go e.drain(log, id, results, pending)
	}
	return e.finish(log, id, res, start, closeOut)
}

func (e *Engine) query(ctx context.Context, en venue.Admitted, req venue.QuoteRequest, out chan<- outcome) {
	vctx, cancel := context.WithTimeout(ctx, e.cfg.PerVenueTimeout)
	defer cancel()
	began := time.Now()
	q, err := en.Port.RequestQuote(vctx, req)
	out <- outcome{entry: en, quote: q, err: err, elapsed: time.Since(began)}
}

// settle applies one venue response that arrived while collection was open.
func (e *Engine) settle(collectCtx context.Context, log *zap.Logger, id domain.RFQID, o outcome, res *Result) {
	vid := o.entry.Venue.ID
	metrics.VenueLatency.WithLabelValues(string(vid)).Observe(o.elapsed.Seconds())

	if o.err != nil {
		ve := venue.Classify(vid, o.err)
		if collectCtx.Err() != nil && isContextErr(o.err) {
			// cut short by our own deadline or cancellation: no verdict on the venue
			o.entry.Ticket.Release()
			metrics.IncVenueRequest(string(vid), "cancelled")
			return
		}
		res.Failed++
		if ve.CountsAgainstHealth() {
			o.entry.Ticket.Failure()
		} else {
			o.entry.Ticket.Success()
		}
		result := "error"
		if ve.Kind == venue.KindTimeout {
			result = "timeout"
		}
		metrics.IncVenueRequest(string(vid), result)
		log.Warn("engine.venue_failed",
			zap.String("venue", string(vid)),
			zap.String("kind", string(ve.Kind)),
			zap.Duration("elapsed", o.elapsed),
			zap.Error(o.err))
		return
	}

	o.entry.Ticket.Success()
	metrics.IncVenueRequest(string(vid), "ok")
	res.Responded++
	if e.deliver(log, id, o) {
		res.Late++
	}
}

// deliver hands a quote to the ledger and reports whether it was late.
func (e *Engine) deliver(log *zap.Logger, id domain.RFQID, o outcome) bool {
	q := o.quote
	q.RFQID = id
	q.VenueID = o.entry.Venue.ID
	if q.ID.IsZero() {
		q.ID = domain.NewQuoteID()
	}
	q.ReceivedAt = e.ledger.Now()

	disp, err := e.ledger.ReceiveQuote(q)
	switch {
	case err == nil:
		log.Debug("engine.quote",
			zap.String("venue", string(q.VenueID)),
			zap.String("price", q.Price.String()),
			zap.String("disposition", string(disp)))
		return false
	case errors.Is(err, rfq.ErrLateQuote):
		e.late(q, err)
		return true
	default:
		log.Warn("engine.quote_rejected",
			zap.String("venue", string(q.VenueID)),
			zap.String("quote_id", q.ID.String()),
			zap.Error(err))
		return false
	}
}

func (e *Engine) late(q domain.Quote, err error) {
	metrics.IncLateQuote(string(q.VenueID), string(e.cfg.LatePolicy))
	if e.cfg.LatePolicy != LateAudit || e.audit == nil {
		return
	}
	rec := LateQuote{Quote: q, Reason: err.Error(), At: e.ledger.Now()}
	var re *rfq.RejectionError
	if errors.As(err, &re) {
		rec.State = re.State
	}
	e.audit.RecordLateQuote(rec)
}

// drain settles responses that outlived the collection window.
func (e *Engine) drain(log *zap.Logger, id domain.RFQID, results <-chan outcome, n int) {
	for i := 0; i < n; i++ {
		o := <-results
		vid := o.entry.Venue.ID
		if o.err != nil {
			o.entry.Ticket.Release()
			metrics.IncVenueRequest(string(vid), "cancelled")
			continue
		}
		// a valid answer past our deadline says nothing bad about the venue
		o.entry.Ticket.Release()
		metrics.IncVenueRequest(string(vid), "late")
		e.deliver(log, id, o)
	}
}

// finish expires the RFQ if collection ended below the quote minimum.
func (e *Engine) finish(log *zap.Logger, id domain.RFQID, res Result, start time.Time, closeOut bool) (Result, error) {
	r, err := e.ledger.Get(id)
	if err != nil {
		return res, err
	}
	if closeOut && r.State == rfq.QuoteRequesting {
		expired, err := e.ledger.Expire(id)
		switch {
		case err == nil:
			r = expired
		case rfq.IsRejection(err):
			// a concurrent cancel or sweep got there first
			if cur, gerr := e.ledger.Get(id); gerr == nil {
				r = cur
			}
		default:
			return res, err
		}
	}
	res.RFQ = r

	outcome := strings.ToLower(string(r.State))
	metrics.IncCollection(outcome)
	metrics.ObserveDuration(metrics.CollectionDuration, start, outcome)
	log.Info("engine.collect.done",
		zap.String("state", string(r.State)),
		zap.Int("queried", res.Queried),
		zap.Int("responded", res.Responded),
		zap.Int("failed", res.Failed),
		zap.Int("quotes", len(r.Quotes)),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Runner launches collection runs in the background and keeps their cancel
// functions, so a client cancel can stop one run and shutdown can await all.
type Runner struct {
	engine *Engine
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[domain.RFQID]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunner(engine *Engine, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{engine: engine, logger: logger, cancels: make(map[domain.RFQID]context.CancelFunc)}
}

// Start launches collection for id in the background, bound to ctx. It
// reports false, and starts nothing, while a run for id is still in flight.
func (rn *Runner) Start(ctx context.Context, id domain.RFQID) bool {
	rn.mu.Lock()
	if _, running := rn.cancels[id]; running {
		rn.mu.Unlock()
		rn.logger.Warn("engine.runner.already_running", zap.String("rfq_id", id.String()))
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	rn.cancels[id] = cancel
	rn.mu.Unlock()

	rn.wg.Add(1)
	go func() {
		defer rn.wg.Done()
		defer func() {
			rn.mu.Lock()
			delete(rn.cancels, id)
			rn.mu.Unlock()
			cancel()
		}()
		if _, err := rn.engine.Run(runCtx, id); err != nil {
			metrics.IncError("engine", "run")
			rn.logger.Warn("engine.run_failed", zap.String("rfq_id", id.String()), zap.Error(err))
		}
	}()
	return true
}

// Stop signals an in-flight collection to stop waiting for venues.
func (rn *Runner) Stop(id domain.RFQID) bool {
	rn.mu.Lock()
	cancel, ok := rn.cancels[id]
	rn.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every started run has returned.
func (rn *Runner) Wait() { rn.wg.Wait() }

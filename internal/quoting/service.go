package quoting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/aggregation"
	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/execution"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
	"github.com/Checker-Finance/rfq-engine/internal/store"
	"github.com/Checker-Finance/rfq-engine/internal/venue"
)

// Config bounds what clients may ask for.
type Config struct {
	DefaultDeadline time.Duration
	MinDeadline     time.Duration
	MaxDeadline     time.Duration
	MinQuotes       int
}

func (c Config) withDefaults() Config {
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 5 * time.Second
	}
	if c.MinDeadline <= 0 {
		c.MinDeadline = 100 * time.Millisecond
	}
	if c.MaxDeadline <= 0 {
		c.MaxDeadline = 30 * time.Second
	}
	if c.MinQuotes <= 0 {
		c.MinQuotes = 1
	}
	return c
}

// Deps are the collaborators the service drives. History may be nil.
type Deps struct {
	Ledger   *rfq.Ledger
	Engine   *aggregation.Engine
	Runner   *aggregation.Runner
	Handoff  *execution.Handoff
	Registry *venue.Registry
	History  store.EventReader
}

// OpenLoader returns the event streams of RFQs that were open at shutdown.
type OpenLoader interface {
	LoadOpen(ctx context.Context) ([][]rfq.Event, error)
}

// Service is the command and query surface over the ledger.
type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	// runs are bound to the service lifetime, never to the request that created them
	lifetime context.Context
}

func NewService(lifetime context.Context, deps Deps, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, cfg: cfg.withDefaults(), logger: logger, lifetime: lifetime}
}

// CreateRequest is a client RFQ. A zero Deadline means the default; a zero
// MinQuotes means the configured threshold.
type CreateRequest struct {
	ID         domain.RFQID
	ClientID   string
	Instrument domain.Instrument
	Side       domain.Side
	Quantity   domain.Quantity
	Deadline   time.Time
	MinQuotes  int
}

// View is an RFQ with its quotes in rank order.
type View struct {
	RFQ    *rfq.RFQ                  `json:"rfq"`
	Ranked []aggregation.RankedQuote `json:"ranked_quotes"`
}

// Create registers the RFQ and starts collecting quotes in the background.
func (s *Service) Create(req CreateRequest) (*rfq.RFQ, error) {
	now := s.deps.Ledger.Now()
	deadline, err := s.clampDeadline(req.Deadline, now)
	if err != nil {
		return nil, err
	}
	minQuotes := req.MinQuotes
	if minQuotes == 0 {
		minQuotes = s.cfg.MinQuotes
	}

	r, err := s.deps.Ledger.Create(rfq.CreateParams{
		ID:         req.ID,
		ClientID:   req.ClientID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Deadline:   deadline,
		MinQuotes:  minQuotes,
	})
	if err != nil {
		return nil, err
	}
	s.deps.Runner.Start(s.lifetime, r.ID)
	return r, nil
}

func (s *Service) clampDeadline(d, now time.Time) (time.Time, error) {
	if d.IsZero() {
		d = now.Add(s.cfg.DefaultDeadline)
	}
	if !d.After(now) {
		return time.Time{}, &domain.ValidationError{Message: "deadline must be in the future"}
	}
	if lo := now.Add(s.cfg.MinDeadline); d.Before(lo) {
		return lo, nil
	}
	if hi := now.Add(s.cfg.MaxDeadline); d.After(hi) {
		return hi, nil
	}
	return d, nil
}

// Get returns the RFQ and its ranked quotes. RFQs no longer held in
// memory are rebuilt from the event history.
func (s *Service) Get(ctx context.Context, id domain.RFQID) (View, error) {
	r, err := s.deps.Ledger.Get(id)
	if err != nil {
		evs, herr := s.history(ctx, id, err)
		if herr != nil {
			return View{}, herr
		}
		if r, err = rfq.Fold(evs); err != nil {
			return View{}, fmt.Errorf("replay %s: %w", id, err)
		}
	}
	return View{RFQ: r, Ranked: s.deps.Engine.Rank(r)}, nil
}

// Events returns the RFQ's full event sequence.
func (s *Service) Events(ctx context.Context, id domain.RFQID) ([]rfq.Event, error) {
	evs, err := s.deps.Ledger.Events(id)
	if err == nil {
		return evs, nil
	}
	return s.history(ctx, id, err)
}

// history falls back to the event store when the ledger has no such RFQ.
// The ledger's error is kept when the store has nothing either.
func (s *Service) history(ctx context.Context, id domain.RFQID, ledgerErr error) ([]rfq.Event, error) {
	if s.deps.History == nil || !errors.Is(ledgerErr, rfq.ErrUnknownRFQ) {
		return nil, ledgerErr
	}
	evs, err := s.deps.History.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ledgerErr
	}
	if err != nil {
		s.logger.Warn("quoting.history_unavailable", zap.String("rfq_id", id.String()), zap.Error(err))
		return nil, ledgerErr
	}
	return evs, nil
}

func (s *Service) List(f rfq.Filter) []*rfq.RFQ {
	return s.deps.Ledger.List(f)
}

// Cancel aborts an RFQ that is still collecting and stops its venue requests.
func (s *Service) Cancel(id domain.RFQID, reason string, expected uint64) (*rfq.RFQ, error) {
	r, err := s.deps.Ledger.Cancel(id, reason, expected)
	if err != nil {
		return nil, err
	}
	s.deps.Runner.Stop(id)
	s.logger.Info("rfq.cancelled", zap.String("rfq_id", id.String()), zap.String("reason", reason))
	return r, nil
}

// Select commits the client's choice of quote.
func (s *Service) Select(id domain.RFQID, quoteID domain.QuoteID, expected uint64) (*rfq.RFQ, error) {
	r, err := s.deps.Ledger.SelectQuote(id, quoteID, expected)
	if err != nil {
		return nil, err
	}
	s.deps.Runner.Stop(id)
	return r, nil
}

// Execute hands the selected quote to settlement.
func (s *Service) Execute(ctx context.Context, id domain.RFQID) (*rfq.RFQ, error) {
	return s.deps.Handoff.Execute(ctx, id)
}

func (s *Service) VenueHealth(id domain.VenueID) (venue.Health, error) {
	return s.deps.Registry.Health(id)
}

func (s *Service) VenuesHealth() []venue.Health {
	return s.deps.Registry.HealthAll()
}

// Rehydrate reloads open RFQs after a restart. An RFQ still in Created
// with time left gets its collection run; anything collecting is left to
// the deadline sweeper because its venue requests died with the process.
func (s *Service) Rehydrate(ctx context.Context, loader OpenLoader) (int, error) {
	streams, err := loader.LoadOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open rfqs: %w", err)
	}
	now := s.deps.Ledger.Now()
	n := 0
	for _, evs := range streams {
		r, err := s.deps.Ledger.Rehydrate(evs)
		if err != nil {
			s.logger.Warn("quoting.rehydrate_skipped", zap.Error(err))
			continue
		}
		n++
		if r.State == rfq.Created && r.Deadline.After(now) {
			s.deps.Runner.Start(s.lifetime, r.ID)
		}
	}
	s.logger.Info("quoting.rehydrated", zap.Int("rfqs", n), zap.Int("streams", len(streams)))
	return n, nil
}

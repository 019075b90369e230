package venue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/breaker"
	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/metrics"
)

// Entry binds a configured venue to its port and breaker. Entries are
// immutable; Update swaps in a new Entry sharing the same port and breaker.
type Entry struct {
	Venue   domain.Venue
	Port    Port
	Breaker *breaker.Breaker
}

type snapshot struct {
	byID        map[domain.VenueID]*Entry
	ordered     []*Entry // priority desc, then id
	eligibility map[domain.AssetClass]map[domain.VenueID]struct{}
}

// Registry holds the configured venues. Reads work on an immutable
// snapshot loaded atomically; writers copy, modify and publish a new one.
type Registry struct {
	logger      *zap.Logger
	breakerCfg  breaker.Config
	breakerOpts []breaker.Option

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewRegistry builds an empty registry whose breakers use cfg.
func NewRegistry(logger *zap.Logger, cfg breaker.Config, opts ...breaker.Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger, breakerCfg: cfg, breakerOpts: opts}
	r.snap.Store(&snapshot{byID: map[domain.VenueID]*Entry{}})
	return r
}

// Add registers a venue with a fresh, closed breaker.
func (r *Registry) Add(v domain.Venue, p Port) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("venue %s: port is required", v.ID)
	}
	opts := append([]breaker.Option{
		breaker.WithLogger(r.logger),
		breaker.WithStateHook(func(name string, _, to breaker.State) {
			metrics.SetBreakerState(name, int(to))
		}),
	}, r.breakerOpts...)
	e := &Entry{Venue: v, Port: p, Breaker: breaker.New(string(v.ID), r.breakerCfg, opts...)}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	if _, exists := cur.byID[v.ID]; exists {
		return fmt.Errorf("venue %s already registered", v.ID)
	}
	r.publish(cur, func(m map[domain.VenueID]*Entry) { m[v.ID] = e })
	metrics.SetBreakerState(string(v.ID), int(breaker.Closed))
	r.logger.Info("venue.registered",
		zap.String("venue", string(v.ID)),
		zap.String("type", string(v.Type)),
		zap.Int("priority", v.Priority))
	return nil
}

// Update replaces a venue's static description, keeping its port and breaker.
func (r *Registry) Update(v domain.Venue) error {
	if err := v.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	old, ok := cur.byID[v.ID]
	if !ok {
		return fmt.Errorf("venue %s not registered", v.ID)
	}
	r.publish(cur, func(m map[domain.VenueID]*Entry) {
		m[v.ID] = &Entry{Venue: v, Port: old.Port, Breaker: old.Breaker}
	})
	r.logger.Info("venue.updated", zap.String("venue", string(v.ID)), zap.Int("priority", v.Priority))
	return nil
}

// Remove drops a venue. In-flight requests to it finish normally.
func (r *Registry) Remove(id domain.VenueID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	if _, ok := cur.byID[id]; !ok {
		return fmt.Errorf("venue %s not registered", id)
	}
	r.publish(cur, func(m map[domain.VenueID]*Entry) { delete(m, id) })
	r.logger.Info("venue.removed", zap.String("venue", string(id)))
	return nil
}

// SetEligibility restricts each listed asset class to the given venues.
// Asset classes absent from the map are served by every capable venue.
func (r *Registry) SetEligibility(m map[domain.AssetClass][]domain.VenueID) {
	elig := make(map[domain.AssetClass]map[domain.VenueID]struct{}, len(m))
	for class, ids := range m {
		set := make(map[domain.VenueID]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		elig[class] = set
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	next := &snapshot{byID: cur.byID, ordered: cur.ordered, eligibility: elig}
	r.snap.Store(next)
}

func (r *Registry) publish(cur *snapshot, mutate func(map[domain.VenueID]*Entry)) {
	byID := make(map[domain.VenueID]*Entry, len(cur.byID)+1)
	for k, v := range cur.byID {
		byID[k] = v
	}
	mutate(byID)
	ordered := make([]*Entry, 0, len(byID))
	for _, e := range byID {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].Venue, ordered[j].Venue
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	r.snap.Store(&snapshot{byID: byID, ordered: ordered, eligibility: cur.eligibility})
}

// Get returns the entry for id.
func (r *Registry) Get(id domain.VenueID) (*Entry, bool) {
	e, ok := r.snap.Load().byID[id]
	return e, ok
}

// List returns every venue in priority order.
func (r *Registry) List() []*Entry {
	s := r.snap.Load()
	return append([]*Entry(nil), s.ordered...)
}

// Priority returns the venue's priority weight, or 0 for unknown venues.
func (r *Registry) Priority(id domain.VenueID) int {
	if e, ok := r.Get(id); ok {
		return e.Venue.Priority
	}
	return 0
}

func (s *snapshot) capable(e *Entry, inst domain.Instrument) bool {
	if !e.Venue.Supports(inst.AssetClass) {
		return false
	}
	if allowed, restricted := s.eligibility[inst.AssetClass]; restricted {
		_, ok := allowed[e.Venue.ID]
		return ok
	}
	return true
}

// Eligible lists venues that could quote inst right now: capable of the
// asset class and with a breaker that is not Open. It reserves nothing.
func (r *Registry) Eligible(inst domain.Instrument) []*Entry {
	s := r.snap.Load()
	var out []*Entry
	for _, e := range s.ordered {
		if s.capable(e, inst) && e.Breaker.State() != breaker.Open {
			out = append(out, e)
		}
	}
	return out
}

// Admitted is a venue cleared by its breaker for one request.
type Admitted struct {
	*Entry
	Ticket breaker.Ticket
}

// Admit is Eligible for callers about to send requests: each returned
// venue has been admitted by its breaker, which in HalfOpen consumes the
// single probe slot. Every ticket must later be settled with Success,
// Failure or Release.
func (r *Registry) Admit(inst domain.Instrument) []Admitted {
	s := r.snap.Load()
	var out []Admitted
	for _, e := range s.ordered {
		if !s.capable(e, inst) {
			continue
		}
		if t, ok := e.Breaker.Allow(); ok {
			out = append(out, Admitted{Entry: e, Ticket: t})
		}
	}
	return out
}

// HealthStatus summarises breaker state for API consumers.
type HealthStatus string

const (
	Healthy   HealthStatus = "HEALTHY"
	Degraded  HealthStatus = "DEGRADED"
	Unhealthy HealthStatus = "UNHEALTHY"
)

// Health describes one venue.
type Health struct {
	Venue   domain.Venue  `json:"venue"`
	Status  HealthStatus  `json:"status"`
	Breaker breaker.Stats `json:"breaker"`
}

// ErrUnknownVenue is returned by Health for unregistered ids.
var ErrUnknownVenue = errors.New("venue_not_found")

// Health reports the breaker view of a venue.
func (r *Registry) Health(id domain.VenueID) (Health, error) {
	e, ok := r.Get(id)
	if !ok {
		return Health{}, fmt.Errorf("%w: %s", ErrUnknownVenue, id)
	}
	return healthOf(e), nil
}

// HealthAll reports every venue in priority order.
func (r *Registry) HealthAll() []Health {
	entries := r.List()
	out := make([]Health, 0, len(entries))
	for _, e := range entries {
		out = append(out, healthOf(e))
	}
	return out
}

func healthOf(e *Entry) Health {
	st := e.Breaker.Snapshot()
	h := Health{Venue: e.Venue, Breaker: st, Status: Healthy}
	switch st.State {
	case breaker.Open.String():
		h.Status = Unhealthy
	case breaker.HalfOpen.String():
		h.Status = Degraded
	}
	return h
}

package venue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
)

var tenThousand = decimal.NewFromInt(10_000)

// MakerConfig prices requests from a reference mid plus a spread.
type MakerConfig struct {
	// Mids maps instrument symbols to reference mid prices.
	Mids      map[string]decimal.Decimal
	SpreadBps decimal.Decimal
	QuoteTTL  time.Duration
	// Latency simulates time to respond; requests still honour ctx.
	Latency time.Duration
}

// InternalMaker is the in-house market maker. It quotes any instrument it
// has a reference mid for, buying below and selling above the mid.
type InternalMaker struct {
	id  domain.VenueID
	now func() time.Time

	mu  sync.RWMutex
	cfg MakerConfig
}

func NewInternalMaker(id domain.VenueID, cfg MakerConfig) *InternalMaker {
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 10 * time.Second
	}
	mids := make(map[string]decimal.Decimal, len(cfg.Mids))
	for k, v := range cfg.Mids {
		mids[strings.ToUpper(k)] = v
	}
	cfg.Mids = mids
	return &InternalMaker{id: id, now: time.Now, cfg: cfg}
}

func (m *InternalMaker) ID() domain.VenueID { return m.id }

// SetMid updates the reference price for a symbol.
func (m *InternalMaker) SetMid(symbol string, mid decimal.Decimal) {
	m.mu.Lock()
	m.cfg.Mids[strings.ToUpper(symbol)] = mid
	m.mu.Unlock()
}

func (m *InternalMaker) RequestQuote(ctx context.Context, req QuoteRequest) (domain.Quote, error) {
	m.mu.RLock()
	cfg := m.cfg
	mid, ok := cfg.Mids[req.Instrument.Symbol]
	m.mu.RUnlock()

	if cfg.Latency > 0 {
		t := time.NewTimer(cfg.Latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return domain.Quote{}, Classify(m.id, ctx.Err())
		}
	}
	if !ok {
		return domain.Quote{}, NewError(KindQuoteUnavailable, m.id, "no reference price for %s", req.Instrument.Symbol)
	}

	adj := cfg.SpreadBps.Div(tenThousand)
	px := mid.Mul(decimal.NewFromInt(1).Add(adj))
	if req.Side == domain.Sell {
		px = mid.Mul(decimal.NewFromInt(1).Sub(adj))
	}
	price, err := domain.NewPrice(px.Round(8))
	if err != nil {
		return domain.Quote{}, NewError(KindInternal, m.id, "priced %s: %v", px.String(), err)
	}

	now := m.now()
	return domain.Quote{
		ID:         domain.NewQuoteID(),
		RFQID:      req.RFQID,
		VenueID:    m.id,
		Price:      price,
		Quantity:   req.Quantity,
		ReceivedAt: now,
		ValidUntil: now.Add(cfg.QuoteTTL),
	}, nil
}

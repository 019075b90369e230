package quoting

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/aggregation"
	"github.com/Checker-Finance/rfq-engine/internal/breaker"
	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/execution"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
	"github.com/Checker-Finance/rfq-engine/internal/store"
	"github.com/Checker-Finance/rfq-engine/internal/venue"
)

var btcusd = domain.Instrument{Symbol: "BTC/USD", AssetClass: domain.CryptoSpot}

type historyStub map[domain.RFQID][]rfq.Event

func (h historyStub) Load(_ context.Context, id domain.RFQID) ([]rfq.Event, error) {
	if evs, ok := h[id]; ok {
		return evs, nil
	}
	return nil, store.ErrNotFound
}

type openStub [][]rfq.Event

func (o openStub) LoadOpen(context.Context) ([][]rfq.Event, error) { return o, nil }

func newService(t *testing.T, history store.EventReader, latency time.Duration) (*Service, *rfq.Ledger) {
	t.Helper()
	ledger := rfq.NewLedger()
	reg := venue.NewRegistry(zap.NewNop(), breaker.DefaultConfig())
	for i, spread := range []int64{10, 25} {
		id := domain.VenueID([]string{"mm-a", "mm-b"}[i])
		maker := venue.NewInternalMaker(id, venue.MakerConfig{
			Mids:      map[string]decimal.Decimal{"BTC/USD": decimal.NewFromInt(60000)},
			SpreadBps: decimal.NewFromInt(spread),
			Latency:   latency,
		})
		require.NoError(t, reg.Add(domain.Venue{
			ID: id, Name: string(id), Type: domain.InternalMarketMaker, Priority: 5,
			AssetClasses: []domain.AssetClass{domain.CryptoSpot},
		}, maker))
	}
	engine := aggregation.NewEngine(ledger, reg, aggregation.Config{PerVenueTimeout: time.Second}, nil, zap.NewNop())
	runner := aggregation.NewRunner(engine, zap.NewNop())
	t.Cleanup(runner.Wait)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc := NewService(ctx, Deps{
		Ledger:   ledger,
		Engine:   engine,
		Runner:   runner,
		Handoff:  execution.NewHandoff(ledger, execution.PaperSettler{}, nil, time.Second, zap.NewNop()),
		Registry: reg,
		History:  history,
	}, Config{MinQuotes: 2, MaxDeadline: 2 * time.Second}, zap.NewNop())
	return svc, ledger
}

func waitState(t *testing.T, l *rfq.Ledger, id domain.RFQID, want rfq.State) *rfq.RFQ {
	t.Helper()
	var r *rfq.RFQ
	require.Eventually(t, func() bool {
		var err error
		r, err = l.Get(id)
		return err == nil && r.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return r
}

// ─── Lifecycle ───────────────────────────────────────────────────

func TestService_CreateCollectSelectExecute(t *testing.T) {
	svc, ledger := newService(t, nil, 0)

	r, err := svc.Create(CreateRequest{
		ClientID:   "desk-1",
		Instrument: btcusd,
		Side:       domain.Buy,
		Quantity:   domain.MustQuantity("2"),
		Deadline:   time.Now().Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.MinQuotes)

	waitState(t, ledger, r.ID, rfq.QuotesReceived)
	view, err := svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, view.Ranked, 2)
	best := view.Ranked[0]
	assert.Equal(t, 1, best.Rank)
	assert.Equal(t, domain.VenueID("mm-a"), best.Quote.VenueID)
	assert.Equal(t, "60060", best.Quote.Price.String())

	_, err = svc.Select(r.ID, best.Quote.ID, 0)
	require.NoError(t, err)
	done, err := svc.Execute(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, rfq.Executed, done.State)

	_, err = svc.Execute(context.Background(), r.ID)
	assert.ErrorIs(t, err, rfq.ErrInvalidTransition)

	evs, err := svc.Events(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(evs)), done.Version)
}

func TestService_DeadlineIsClamped(t *testing.T) {
	svc, _ := newService(t, nil, 0)
	before := time.Now()

	r, err := svc.Create(CreateRequest{
		ClientID: "desk-1", Instrument: btcusd, Side: domain.Sell,
		Quantity: domain.MustQuantity("1"), Deadline: before.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, r.Deadline.After(time.Now().Add(2*time.Second)))

	r, err = svc.Create(CreateRequest{
		ClientID: "desk-1", Instrument: btcusd, Side: domain.Sell,
		Quantity: domain.MustQuantity("1"), Deadline: time.Now().Add(time.Millisecond),
	})
	require.NoError(t, err)
	assert.False(t, r.Deadline.Before(before.Add(100*time.Millisecond)))
}

func TestService_PastDeadlineIsValidationError(t *testing.T) {
	svc, _ := newService(t, nil, 0)
	_, err := svc.Create(CreateRequest{
		ClientID: "desk-1", Instrument: btcusd, Side: domain.Sell,
		Quantity: domain.MustQuantity("1"), Deadline: time.Now().Add(-time.Second),
	})
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestService_CancelStopsCollection(t *testing.T) {
	svc, ledger := newService(t, nil, 500*time.Millisecond)
	r, err := svc.Create(CreateRequest{
		ClientID: "desk-1", Instrument: btcusd, Side: domain.Buy,
		Quantity: domain.MustQuantity("1"), MinQuotes: 5,
	})
	require.NoError(t, err)
	waitState(t, ledger, r.ID, rfq.QuoteRequesting)

	got, err := svc.Cancel(r.ID, "client abort", 0)
	require.NoError(t, err)
	assert.Equal(t, rfq.Cancelled, got.State)
	assert.Equal(t, "client abort", got.Reason)

	_, err = svc.Cancel(r.ID, "again", 0)
	assert.ErrorIs(t, err, rfq.ErrInvalidTransition)
}

// ─── History fallback ────────────────────────────────────────────

func TestService_GetFallsBackToHistory(t *testing.T) {
	now := time.Now()
	r, created, err := rfq.Create(rfq.CreateParams{
		ClientID: "desk-9", Instrument: btcusd, Side: domain.Buy,
		Quantity: domain.MustQuantity("1"), Deadline: now.Add(time.Second), MinQuotes: 1,
	}, now)
	require.NoError(t, err)
	started, err := r.StartQuoteCollection([]domain.VenueID{"mm-a"}, now)
	require.NoError(t, err)
	expired, err := r.Expire(now.Add(2 * time.Second))
	require.NoError(t, err)

	svc, _ := newService(t, historyStub{r.ID: {created, started, expired}}, 0)

	view, err := svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, rfq.Expired, view.RFQ.State)
	assert.Empty(t, view.Ranked)

	evs, err := svc.Events(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 3)
}

func TestService_UnknownEverywhere(t *testing.T) {
	svc, _ := newService(t, historyStub{}, 0)
	_, err := svc.Get(context.Background(), domain.NewRFQID())
	assert.ErrorIs(t, err, rfq.ErrUnknownRFQ)
}

// ─── Rehydration ─────────────────────────────────────────────────

func TestService_RehydrateRestartsCreated(t *testing.T) {
	now := time.Now()
	_, created, err := rfq.Create(rfq.CreateParams{
		ClientID: "desk-2", Instrument: btcusd, Side: domain.Sell,
		Quantity: domain.MustQuantity("3"), Deadline: now.Add(time.Second), MinQuotes: 1,
	}, now)
	require.NoError(t, err)

	svc, ledger := newService(t, nil, 0)
	n, err := svc.Rehydrate(context.Background(), openStub{{created}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r := waitState(t, ledger, created.RFQID, rfq.QuotesReceived)
	assert.NotEmpty(t, r.Quotes)
}

func TestService_VenuesHealth(t *testing.T) {
	svc, _ := newService(t, nil, 0)
	all := svc.VenuesHealth()
	require.Len(t, all, 2)
	assert.Equal(t, venue.Healthy, all[0].Status)

	_, err := svc.VenueHealth("nope")
	assert.ErrorIs(t, err, venue.ErrUnknownVenue)
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/aggregation"
	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// history builds Created -> QuoteRequesting -> Cancelled for one RFQ.
func history(t *testing.T) []rfq.Event {
	t.Helper()
	inst, err := domain.NewInstrument("BTC/USD", domain.CryptoSpot)
	require.NoError(t, err)
	r, created, err := rfq.Create(rfq.CreateParams{
		ClientID:   "client-1",
		Instrument: inst,
		Side:       domain.Buy,
		Quantity:   domain.MustQuantity("1.5"),
		Deadline:   t0.Add(5 * time.Second),
		MinQuotes:  1,
	}, t0)
	require.NoError(t, err)
	started, err := r.StartQuoteCollection([]domain.VenueID{"mm"}, t0.Add(time.Millisecond))
	require.NoError(t, err)
	cancelled, err := r.Cancel("client changed mind", t0.Add(2*time.Millisecond))
	require.NoError(t, err)
	return []rfq.Event{created, started, cancelled}
}

func kinds(evs []rfq.Event) []rfq.Kind {
	out := make([]rfq.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind()
	}
	return out
}

// ─── Redis event log ─────────────────────────────────────────────

func newTestStore(t *testing.T) (*RedisEventLog, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisEventLog(rdb, time.Hour, zap.NewNop()), mr
}

func TestRedisEventLog_PublishAndLoad(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	evs := history(t)

	require.NoError(t, s.Publish(ctx, evs[:2]))
	require.NoError(t, s.Publish(ctx, evs[2:]))

	got, err := s.Load(ctx, evs[0].RFQID)
	require.NoError(t, err)
	assert.Equal(t, kinds(evs), kinds(got))

	r, err := rfq.Fold(got)
	require.NoError(t, err)
	assert.Equal(t, rfq.Cancelled, r.State)
	assert.Equal(t, uint64(3), r.Version)

	ttl := mr.TTL(eventsKey(evs[0].RFQID))
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Hour)
}

func TestRedisEventLog_RedeliveredBatchIsDeduped(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	evs := history(t)

	require.NoError(t, s.Publish(ctx, evs[:2]))
	require.NoError(t, s.Publish(ctx, evs[:2]))
	require.NoError(t, s.Publish(ctx, evs[2:]))

	got, err := s.Load(ctx, evs[0].RFQID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Version)
	}
}

func TestRedisEventLog_UnknownRFQ(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Load(context.Background(), domain.NewRFQID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisEventLog_LateQuotes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id := domain.NewRFQID()
	lq := aggregation.LateQuote{
		Quote: domain.Quote{
			ID:         domain.NewQuoteID(),
			RFQID:      id,
			VenueID:    "slow",
			Price:      domain.MustPrice("101.5"),
			Quantity:   domain.MustQuantity("1"),
			ReceivedAt: t0,
			ValidUntil: t0.Add(time.Minute),
		},
		State:  rfq.Expired,
		Reason: "late_quote",
		At:     t0,
	}

	require.NoError(t, s.PublishLateQuote(ctx, lq))

	got, err := s.LateQuotes(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.VenueID("slow"), got[0].Quote.VenueID)
	assert.Equal(t, rfq.Expired, got[0].State)
	assert.True(t, got[0].Quote.Price.Equal(lq.Quote.Price))
}

func TestRedisEventLog_HealthCheck(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, s.HealthCheck(context.Background()))
	mr.Close()
	assert.Error(t, s.HealthCheck(context.Background()))
}

// ─── Postgres event store ────────────────────────────────────────

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs   []execCall
	execErr error
	rows    [][]byte
	queries []string
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, sql)
	return &fakeRows{bodies: f.rows, pos: -1}, nil
}

type fakeRows struct {
	bodies [][]byte
	pos    int
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return []any{r.bodies[r.pos]}, nil }
func (r *fakeRows) RawValues() [][]byte                          { return [][]byte{r.bodies[r.pos]} }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.bodies)
}

func (r *fakeRows) Scan(dest ...any) error {
	b, ok := dest[0].(*[]byte)
	if !ok {
		return errors.New("unexpected scan target")
	}
	*b = r.bodies[r.pos]
	return nil
}

func encode(t *testing.T, evs ...rfq.Event) [][]byte {
	t.Helper()
	out := make([][]byte, len(evs))
	for i, ev := range evs {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestPGEventStore_Migrate(t *testing.T) {
	db := &fakeDB{}
	s := NewPGEventStore(db, zap.NewNop())
	require.NoError(t, s.Migrate(context.Background()))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "CREATE TABLE IF NOT EXISTS rfq_events")
}

func TestPGEventStore_PublishAppendsInOrder(t *testing.T) {
	db := &fakeDB{}
	s := NewPGEventStore(db, zap.NewNop())
	evs := history(t)

	require.NoError(t, s.Publish(context.Background(), evs))

	require.Len(t, db.execs, 3)
	for i, call := range db.execs {
		assert.Contains(t, call.sql, "ON CONFLICT (event_id) DO NOTHING")
		assert.Equal(t, int64(i+1), call.args[1])
		assert.Equal(t, string(evs[i].Kind()), call.args[3])
	}
}

func TestPGEventStore_VersionClashIsConcurrencyConflict(t *testing.T) {
	db := &fakeDB{execErr: &pgconn.PgError{Code: "23505", ConstraintName: "rfq_events_pkey"}}
	s := NewPGEventStore(db, zap.NewNop())

	err := s.Append(context.Background(), history(t)[0])
	assert.ErrorIs(t, err, rfq.ErrConcurrencyConflict)
}

func TestPGEventStore_OtherErrorsAreWrapped(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection reset")}
	s := NewPGEventStore(db, zap.NewNop())

	err := s.Append(context.Background(), history(t)[0])
	require.Error(t, err)
	assert.NotErrorIs(t, err, rfq.ErrConcurrencyConflict)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPGEventStore_Load(t *testing.T) {
	evs := history(t)
	db := &fakeDB{rows: encode(t, evs...)}
	s := NewPGEventStore(db, zap.NewNop())

	got, err := s.Load(context.Background(), evs[0].RFQID)
	require.NoError(t, err)
	assert.Equal(t, kinds(evs), kinds(got))
}

func TestPGEventStore_LoadMissing(t *testing.T) {
	s := NewPGEventStore(&fakeDB{}, zap.NewNop())
	_, err := s.Load(context.Background(), domain.NewRFQID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPGEventStore_LoadOpenGroupsStreams(t *testing.T) {
	a := history(t)[:2]
	b := history(t)[:1]
	db := &fakeDB{rows: encode(t, append(append([]rfq.Event(nil), a...), b...)...)}
	s := NewPGEventStore(db, zap.NewNop())

	streams, err := s.LoadOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Len(t, streams[0], 2)
	assert.Len(t, streams[1], 1)
	assert.Equal(t, a[0].RFQID, streams[0][0].RFQID)
	assert.Equal(t, b[0].RFQID, streams[1][0].RFQID)
	assert.True(t, strings.Contains(db.queries[0], "RFQExpired"))
}

func TestPGEventStore_LateQuote(t *testing.T) {
	db := &fakeDB{}
	s := NewPGEventStore(db, zap.NewNop())
	lq := aggregation.LateQuote{
		Quote:  domain.Quote{ID: domain.NewQuoteID(), RFQID: domain.NewRFQID(), VenueID: "slow"},
		State:  rfq.Expired,
		Reason: "late_quote",
		At:     t0,
	}
	require.NoError(t, s.PublishLateQuote(context.Background(), lq))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "rfq_late_quotes")
	assert.Equal(t, "slow", db.execs[0].args[2])
}

// ─── Chain ───────────────────────────────────────────────────────

type staticReader struct {
	evs []rfq.Event
	err error
}

func (s staticReader) Load(context.Context, domain.RFQID) ([]rfq.Event, error) {
	return s.evs, s.err
}

func TestChain_FallsThroughOnNotFound(t *testing.T) {
	evs := history(t)
	c := Chain{staticReader{err: ErrNotFound}, nil, staticReader{evs: evs}}

	got, err := c.Load(context.Background(), evs[0].RFQID)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestChain_AllMiss(t *testing.T) {
	c := Chain{staticReader{err: ErrNotFound}}
	_, err := c.Load(context.Background(), domain.NewRFQID())
	assert.ErrorIs(t, err, ErrNotFound)
}

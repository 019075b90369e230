package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T) (*rfq.Ledger, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	return rfq.NewLedger(rfq.WithClock(c.Now)), c
}

func requesting(t *testing.T, l *rfq.Ledger, deadline time.Duration) domain.RFQID {
	t.Helper()
	r, err := l.Create(rfq.CreateParams{
		ClientID:   "desk-3",
		Instrument: domain.Instrument{Symbol: "EUR/USD", AssetClass: domain.Forex},
		Side:       domain.Buy,
		Quantity:   domain.MustQuantity("1000000"),
		Deadline:   l.Now().Add(deadline),
		MinQuotes:  1,
	})
	require.NoError(t, err)
	_, err = l.StartQuoteCollection(r.ID, []domain.VenueID{"fx"})
	require.NoError(t, err)
	return r.ID
}

func TestSweeper_ExpiresOverdueOnly(t *testing.T) {
	l, c := newLedger(t)
	stale := requesting(t, l, time.Second)
	fresh := requesting(t, l, time.Minute)
	c.Advance(2 * time.Second)

	s := NewDeadlineSweeper(zap.NewNop(), l, time.Second, 0)
	expired, evicted := s.RunOnce()
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, evicted)

	r, err := l.Get(stale)
	require.NoError(t, err)
	assert.Equal(t, rfq.Expired, r.State)
	r, err = l.Get(fresh)
	require.NoError(t, err)
	assert.Equal(t, rfq.QuoteRequesting, r.State)

	expired, _ = s.RunOnce()
	assert.Equal(t, 0, expired, "an expired rfq is never expired twice")
}

func TestSweeper_EvictsAfterRetention(t *testing.T) {
	l, c := newLedger(t)
	id := requesting(t, l, time.Second)
	_, err := l.Cancel(id, "", 0)
	require.NoError(t, err)

	s := NewDeadlineSweeper(zap.NewNop(), l, time.Second, 10*time.Minute)
	_, evicted := s.RunOnce()
	assert.Equal(t, 0, evicted)

	c.Advance(11 * time.Minute)
	_, evicted = s.RunOnce()
	assert.Equal(t, 1, evicted)
	_, err = l.Get(id)
	assert.ErrorIs(t, err, rfq.ErrUnknownRFQ)
}

func TestSweeper_StartStop(t *testing.T) {
	l, c := newLedger(t)
	id := requesting(t, l, time.Second)
	c.Advance(time.Hour)

	s := NewDeadlineSweeper(zap.NewNop(), l, 5*time.Millisecond, 0)
	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		r, err := l.Get(id)
		return err == nil && r.State == rfq.Expired
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_StopsOnContext(t *testing.T) {
	l, _ := newLedger(t)
	s := NewDeadlineSweeper(zap.NewNop(), l, time.Hour, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper ignored context")
	}
}

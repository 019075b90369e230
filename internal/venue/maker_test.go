package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
)

func newMaker(latency time.Duration) *InternalMaker {
	m := NewInternalMaker("mm", MakerConfig{
		Mids:      map[string]decimal.Decimal{"btc/usd": decimal.NewFromInt(60_000)},
		SpreadBps: decimal.NewFromInt(10),
		QuoteTTL:  5 * time.Second,
		Latency:   latency,
	})
	m.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return m
}

func makerRequest(side domain.Side, symbol string) QuoteRequest {
	return QuoteRequest{
		RFQID:      domain.NewRFQID(),
		Instrument: domain.Instrument{Symbol: symbol, AssetClass: domain.CryptoSpot},
		Side:       side,
		Quantity:   domain.MustQuantity("10"),
		Deadline:   time.Unix(1_700_000_001, 0),
	}
}

func TestInternalMaker_PricesAroundMid(t *testing.T) {
	m := newMaker(0)

	req := makerRequest(domain.Buy, "BTC/USD")
	q, err := m.RequestQuote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "60060", q.Price.String())
	assert.Equal(t, req.RFQID, q.RFQID)
	assert.Equal(t, domain.VenueID("mm"), q.VenueID)
	assert.Equal(t, "10", q.Quantity.String())
	assert.Equal(t, 5*time.Second, q.ValidUntil.Sub(q.ReceivedAt))

	q, err = m.RequestQuote(context.Background(), makerRequest(domain.Sell, "BTC/USD"))
	require.NoError(t, err)
	assert.Equal(t, "59940", q.Price.String())
}

func TestInternalMaker_UnknownSymbol(t *testing.T) {
	m := newMaker(0)
	_, err := m.RequestQuote(context.Background(), makerRequest(domain.Buy, "DOGE/USD"))
	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, KindQuoteUnavailable, ve.Kind)

	m.SetMid("doge/usd", decimal.RequireFromString("0.1"))
	_, err = m.RequestQuote(context.Background(), makerRequest(domain.Buy, "DOGE/USD"))
	assert.NoError(t, err)
}

func TestInternalMaker_LatencyHonoursContext(t *testing.T) {
	m := newMaker(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.RequestQuote(ctx, makerRequest(domain.Buy, "BTC/USD"))
	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, KindTimeout, ve.Kind)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

package venue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
)

func gatewayRequest() QuoteRequest {
	return QuoteRequest{
		RFQID:      domain.NewRFQID(),
		Instrument: domain.Instrument{Symbol: "BTC/USD", AssetClass: domain.CryptoSpot},
		Side:       domain.Buy,
		Quantity:   domain.MustQuantity("2.5"),
		Deadline:   time.Now().Add(time.Second),
	}
}

type countingCreds struct {
	calls atomic.Int32
	creds Credentials
	err   error
}

func (c *countingCreds) Credentials(context.Context, domain.VenueID) (Credentials, error) {
	c.calls.Add(1)
	return c.creds, c.err
}

func TestHTTPVenue_Success(t *testing.T) {
	validUntil := time.Now().Add(5 * time.Second).UnixMilli()
	const venueRef = "LP-7781-A"
	var got gatewayQuoteRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quotes", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quote_id":       venueRef,
			"price":          "60010.5",
			"quantity":       2.5,
			"valid_until_ms": validUntil,
		})
	}))
	defer srv.Close()

	v := NewHTTPVenue("dex", srv.URL, StaticCredentials{APIKey: "secret"}, nil, srv.Client(), zap.NewNop())
	req := gatewayRequest()
	q, err := v.RequestQuote(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, q.ID.IsZero())
	assert.Equal(t, venueRef, q.VenueRef, "the venue's id is kept as a reference only")
	assert.Equal(t, req.RFQID, q.RFQID)
	assert.Equal(t, domain.VenueID("dex"), q.VenueID)
	assert.Equal(t, "60010.5", q.Price.String())
	assert.Equal(t, "2.5", q.Quantity.String())
	assert.Equal(t, validUntil, q.ValidUntil.UnixMilli())

	assert.Equal(t, req.RFQID.String(), got.RequestID)
	assert.Equal(t, "BUY", got.Side)
	assert.Equal(t, "2.5", got.Quantity)
}

func TestHTTPVenue_ReusedVenueQuoteIDGetsFreshID(t *testing.T) {
	reused := domain.NewQuoteID().String()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quote_id":       reused,
			"price":          "100",
			"quantity":       "1",
			"valid_until_ms": time.Now().Add(time.Minute).UnixMilli(),
		})
	}))
	defer srv.Close()

	v := NewHTTPVenue("lp", srv.URL, StaticCredentials{}, nil, srv.Client(), zap.NewNop())
	first, err := v.RequestQuote(context.Background(), gatewayRequest())
	require.NoError(t, err)
	second, err := v.RequestQuote(context.Background(), gatewayRequest())
	require.NoError(t, err)

	assert.NotEqual(t, reused, first.ID.String())
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, reused, first.VenueRef)
	assert.Equal(t, reused, second.VenueRef)
}

func TestHTTPVenue_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   ErrorKind
	}{
		{http.StatusUnauthorized, `{}`, KindAuthentication},
		{http.StatusTooManyRequests, `{}`, KindRateLimited},
		{http.StatusNotFound, `{"message":"no market"}`, KindQuoteUnavailable},
		{http.StatusUnprocessableEntity, `{"code":"INSUFFICIENT_LIQUIDITY"}`, KindInsufficientLiquidity},
		{http.StatusBadRequest, `{}`, KindInvalidRequest},
		{http.StatusBadGateway, `{}`, KindVenueUnavailable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			v := NewHTTPVenue("dex", srv.URL, nil, nil, srv.Client(), zap.NewNop())
			_, err := v.RequestQuote(context.Background(), gatewayRequest())
			var ve *Error
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tc.want, ve.Kind)
			assert.Equal(t, domain.VenueID("dex"), ve.Venue)
		})
	}
}

func TestHTTPVenue_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"price": "abc"`))
	}))
	defer srv.Close()

	v := NewHTTPVenue("dex", srv.URL, nil, nil, srv.Client(), zap.NewNop())
	_, err := v.RequestQuote(context.Background(), gatewayRequest())
	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, KindProtocol, ve.Kind)
}

func TestHTTPVenue_IncompleteQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"price":"1"}`))
	}))
	defer srv.Close()

	v := NewHTTPVenue("dex", srv.URL, nil, nil, srv.Client(), zap.NewNop())
	_, err := v.RequestQuote(context.Background(), gatewayRequest())
	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, KindProtocol, ve.Kind)
}

func TestHTTPVenue_TimeoutFromContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	v := NewHTTPVenue("dex", srv.URL, nil, nil, srv.Client(), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := v.RequestQuote(ctx, gatewayRequest())
	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, KindTimeout, ve.Kind)
}

func TestHTTPVenue_Credentials(t *testing.T) {
	t.Run("base url from secret", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "k", r.Header.Get("X-API-Key"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"price": "1", "quantity": "1", "valid_until_ms": time.Now().Add(time.Second).UnixMilli(),
			})
		}))
		defer srv.Close()

		creds := &countingCreds{creds: Credentials{APIKey: "k", BaseURL: srv.URL + "/"}}
		v := NewHTTPVenue("rfqp", "", creds, nil, srv.Client(), zap.NewNop())
		_, err := v.RequestQuote(context.Background(), gatewayRequest())
		require.NoError(t, err)
		assert.EqualValues(t, 1, creds.calls.Load())
	})

	t.Run("lookup failure", func(t *testing.T) {
		v := NewHTTPVenue("rfqp", "http://127.0.0.1:1", &countingCreds{err: errors.New("denied")}, nil, nil, zap.NewNop())
		_, err := v.RequestQuote(context.Background(), gatewayRequest())
		var ve *Error
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, KindAuthentication, ve.Kind)
	})

	t.Run("no url", func(t *testing.T) {
		v := NewHTTPVenue("rfqp", "", nil, nil, nil, zap.NewNop())
		_, err := v.RequestQuote(context.Background(), gatewayRequest())
		var ve *Error
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, KindInvalidRequest, ve.Kind)
	})
}

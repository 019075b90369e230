package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/httpclient"
	"github.com/Checker-Finance/rfq-engine/internal/rate"
)

// Credentials authenticate against a venue gateway.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// CredentialSource resolves credentials for a venue, typically from a secrets store.
type CredentialSource interface {
	Credentials(ctx context.Context, venue domain.VenueID) (Credentials, error)
}

// StaticCredentials serves fixed credentials, used when no secrets store is configured.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(context.Context, domain.VenueID) (Credentials, error) {
	return Credentials(s), nil
}

// HTTPVenue speaks the JSON RFQ gateway shared by the FIX bridge, DEX
// aggregator and RFQ protocol integrations: POST {base}/v1/quotes.
type HTTPVenue struct {
	id      domain.VenueID
	baseURL string
	creds   CredentialSource
	exec    *httpclient.Executor
	logger  *zap.Logger
}

type gatewayQuoteRequest struct {
	RequestID  string `json:"request_id"`
	Symbol     string `json:"symbol"`
	AssetClass string `json:"asset_class"`
	Side       string `json:"side"`
	Quantity   string `json:"quantity"`
	Deadline   int64  `json:"deadline_ms"`
}

type gatewayQuoteResponse struct {
	QuoteID    string          `json:"quote_id"`
	Price      domain.Price    `json:"price"`
	Quantity   domain.Quantity `json:"quantity"`
	ValidUntil int64           `json:"valid_until_ms"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHTTPVenue builds a gateway-backed venue. baseURL may be empty when the
// credential source supplies it.
func NewHTTPVenue(id domain.VenueID, baseURL string, creds CredentialSource, rateMgr *rate.Manager, client *http.Client, logger *zap.Logger) *HTTPVenue {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &HTTPVenue{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		logger:  logger,
	}
	// one retry at most; the engine's per-venue timeout bounds the rest
	v.exec = httpclient.New(logger, rateMgr, client, 1, "venue."+string(id), v.mapStatus)
	return v
}

func (v *HTTPVenue) ID() domain.VenueID { return v.id }

func (v *HTTPVenue) RequestQuote(ctx context.Context, req QuoteRequest) (domain.Quote, error) {
	creds := Credentials{BaseURL: v.baseURL}
	if v.creds != nil {
		c, err := v.creds.Credentials(ctx, v.id)
		if err != nil {
			return domain.Quote{}, &Error{Kind: KindAuthentication, Venue: v.id, Message: "credentials unavailable", Err: err}
		}
		creds.APIKey = c.APIKey
		if c.BaseURL != "" {
			creds.BaseURL = strings.TrimRight(c.BaseURL, "/")
		}
	}
	if creds.BaseURL == "" {
		return domain.Quote{}, NewError(KindInvalidRequest, v.id, "no gateway url configured")
	}

	body, err := json.Marshal(gatewayQuoteRequest{
		RequestID:  req.RFQID.String(),
		Symbol:     req.Instrument.Symbol,
		AssetClass: string(req.Instrument.AssetClass),
		Side:       string(req.Side),
		Quantity:   req.Quantity.String(),
		Deadline:   req.Deadline.UnixMilli(),
	})
	if err != nil {
		return domain.Quote{}, &Error{Kind: KindInternal, Venue: v.id, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.BaseURL+"/v1/quotes", bytes.NewReader(body))
	if err != nil {
		return domain.Quote{}, &Error{Kind: KindInvalidRequest, Venue: v.id, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if creds.APIKey != "" {
		httpReq.Header.Set("X-API-Key", creds.APIKey)
	}

	var resp gatewayQuoteResponse
	if err := v.exec.DoJSON(ctx, httpReq, string(v.id), &resp); err != nil {
		return domain.Quote{}, v.classify(err)
	}
	if resp.Price.IsZero() || resp.Quantity.IsZero() || resp.ValidUntil == 0 {
		return domain.Quote{}, NewError(KindProtocol, v.id, "incomplete quote response")
	}

	return domain.Quote{
		ID:         domain.NewQuoteID(),
		RFQID:      req.RFQID,
		VenueID:    v.id,
		VenueRef:   resp.QuoteID,
		Price:      resp.Price,
		Quantity:   resp.Quantity,
		ReceivedAt: time.Now(),
		ValidUntil: time.UnixMilli(resp.ValidUntil).UTC(),
	}, nil
}

func (v *HTTPVenue) mapStatus(status int, body []byte) error {
	var ge gatewayError
	_ = json.Unmarshal(body, &ge)
	msg := fmt.Sprintf("status %d", status)
	if ge.Message != "" {
		msg += ": " + ge.Message
	}
	kind := KindInvalidRequest
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuthentication
	case http.StatusTooManyRequests:
		kind = KindRateLimited
	case http.StatusNotFound, http.StatusConflict:
		kind = KindQuoteUnavailable
	case http.StatusUnprocessableEntity:
		if ge.Code == "INSUFFICIENT_LIQUIDITY" {
			kind = KindInsufficientLiquidity
		} else {
			kind = KindQuoteUnavailable
		}
	}
	return &Error{Kind: kind, Venue: v.id, Message: msg}
}

func (v *HTTPVenue) classify(err error) *Error {
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		return &Error{Kind: KindVenueUnavailable, Venue: v.id, Err: err}
	}
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) || strings.Contains(err.Error(), "decode failed") {
		return &Error{Kind: KindProtocol, Venue: v.id, Err: err}
	}
	return Classify(v.id, err)
}

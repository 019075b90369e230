package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/httpclient"
	"github.com/Checker-Finance/rfq-engine/internal/rate"
)

// Outcome is what the settlement system reports for an accepted trade.
type Outcome struct {
	Status    domain.TradeStatus
	Reference string
}

// Settler hands a trade to settlement. An error means the trade was not
// accepted and the RFQ fails with the error as reason.
type Settler interface {
	Name() string
	Settle(ctx context.Context, t domain.Trade) (Outcome, error)
}

// PaperSettler accepts every trade immediately.
type PaperSettler struct{}

func (PaperSettler) Name() string { return "paper" }

func (PaperSettler) Settle(ctx context.Context, t domain.Trade) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: domain.TradeSettled, Reference: "paper-" + t.ID.String()}, nil
}

// RejectedError is a settlement service refusal.
type RejectedError struct {
	Status  int
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("settlement rejected (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("settlement rejected (%d): %s", e.Status, e.Message)
}

// HTTPSettler posts trades to a settlement service. Requests are sent once;
// the trade id doubles as the idempotency key on the receiving side.
type HTTPSettler struct {
	url    string
	exec   *httpclient.Executor
	logger *zap.Logger
}

type settlementRequest struct {
	TradeID    string `json:"trade_id"`
	RFQID      string `json:"rfq_id"`
	QuoteID    string `json:"quote_id"`
	Venue      string `json:"venue"`
	VenueRef   string `json:"venue_quote_ref,omitempty"`
	Symbol     string `json:"symbol"`
	AssetClass string `json:"asset_class"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	ExecutedAt int64  `json:"executed_at_ms"`
}

type settlementResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
}

func NewHTTPSettler(url string, rateMgr *rate.Manager, client *http.Client, logger *zap.Logger) *HTTPSettler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSettler{
		url:    strings.TrimRight(url, "/"),
		exec:   httpclient.New(logger, rateMgr, client, 0, "settlement", rejection),
		logger: logger,
	}
}

func (s *HTTPSettler) Name() string { return "http" }

func (s *HTTPSettler) Settle(ctx context.Context, t domain.Trade) (Outcome, error) {
	body, err := json.Marshal(settlementRequest{
		TradeID:    t.ID.String(),
		RFQID:      t.RFQID.String(),
		QuoteID:    t.QuoteID.String(),
		Venue:      string(t.VenueID),
		VenueRef:   t.VenueQuoteRef,
		Symbol:     t.Instrument.Symbol,
		AssetClass: string(t.Instrument.AssetClass),
		Side:       string(t.Side),
		Price:      t.Price.String(),
		Quantity:   t.Quantity.String(),
		ExecutedAt: t.ExecutedAt.UnixMilli(),
	})
	if err != nil {
		return Outcome{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/v1/settlements", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.ID.String())

	var resp settlementResponse
	if err := s.exec.DoJSON(ctx, req, "settlement", &resp); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Status: domain.TradeSettled, Reference: resp.Reference}
	switch strings.ToLower(resp.Status) {
	case "", "settled", "accepted":
	case "pending":
		out.Status = domain.TradePending
	default:
		return Outcome{}, &RejectedError{Status: http.StatusOK, Code: resp.Status, Message: "unexpected settlement status"}
	}
	return out, nil
}

func rejection(status int, body []byte) error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	if payload.Message == "" {
		payload.Message = http.StatusText(status)
	}
	return &RejectedError{Status: status, Code: payload.Code, Message: payload.Message}
}

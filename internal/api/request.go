package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/quoting"
)

// CreateRFQRequest is the payload to open an RFQ. Deadline is absolute
// (unix ms); TimeoutMs is an alternative relative to receipt.
type CreateRFQRequest struct {
	ID         string `json:"rfq_id,omitempty"`
	ClientID   string `json:"client_id" example:"desk-01"`
	Symbol     string `json:"symbol" example:"BTC/USD"`
	AssetClass string `json:"asset_class" example:"crypto_spot"`
	Side       string `json:"side" example:"BUY"`
	Quantity   string `json:"quantity" example:"1.25"`
	DeadlineMs int64  `json:"deadline_ms,omitempty"`
	TimeoutMs  int64  `json:"timeout_ms,omitempty"`
	MinQuotes  int    `json:"min_quotes,omitempty"`
}

// CancelRequest aborts collection. ExpectedVersion 0 skips the version check.
type CancelRequest struct {
	Reason          string `json:"reason"`
	ExpectedVersion uint64 `json:"expected_version"`
}

// SelectRequest picks a quote. ExpectedVersion 0 skips the version check.
type SelectRequest struct {
	QuoteID         string `json:"quote_id"`
	ExpectedVersion uint64 `json:"expected_version"`
	Execute         bool   `json:"execute"`
}

func (r CreateRFQRequest) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("client_id is required")
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	if strings.TrimSpace(r.Quantity) == "" {
		return fmt.Errorf("quantity is required")
	}
	if r.DeadlineMs != 0 && r.TimeoutMs != 0 {
		return fmt.Errorf("deadline_ms and timeout_ms are mutually exclusive")
	}
	if r.TimeoutMs < 0 || r.MinQuotes < 0 {
		return fmt.Errorf("timeout_ms and min_quotes must not be negative")
	}
	return nil
}

// toCreateRequest parses the wire values into domain values.
func (r CreateRFQRequest) toCreateRequest(now time.Time) (quoting.CreateRequest, error) {
	inst, err := domain.NewInstrument(r.Symbol, domain.AssetClass(strings.ToLower(strings.TrimSpace(r.AssetClass))))
	if err != nil {
		return quoting.CreateRequest{}, err
	}
	side, err := domain.ParseSide(r.Side)
	if err != nil {
		return quoting.CreateRequest{}, err
	}
	qty, err := domain.ParseQuantity(r.Quantity)
	if err != nil {
		return quoting.CreateRequest{}, err
	}
	out := quoting.CreateRequest{
		ClientID:   strings.TrimSpace(r.ClientID),
		Instrument: inst,
		Side:       side,
		Quantity:   qty,
		MinQuotes:  r.MinQuotes,
	}
	if r.ID != "" {
		if out.ID, err = domain.ParseRFQID(r.ID); err != nil {
			return quoting.CreateRequest{}, err
		}
	}
	switch {
	case r.DeadlineMs != 0:
		out.Deadline = time.UnixMilli(r.DeadlineMs)
	case r.TimeoutMs != 0:
		out.Deadline = now.Add(time.Duration(r.TimeoutMs) * time.Millisecond)
	}
	return out, nil
}

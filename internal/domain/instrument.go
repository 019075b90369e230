package domain

import (
	"strings"
)

// AssetClass groups instruments for venue eligibility.
type AssetClass string

const (
	CryptoSpot       AssetClass = "crypto_spot"
	CryptoDerivative AssetClass = "crypto_derivative"
	Forex            AssetClass = "forex"
	Equity           AssetClass = "equity"
	Commodity        AssetClass = "commodity"
)

// AssetClasses lists every supported asset class.
var AssetClasses = []AssetClass{CryptoSpot, CryptoDerivative, Forex, Equity, Commodity}

func (a AssetClass) Valid() bool {
	switch a {
	case CryptoSpot, CryptoDerivative, Forex, Equity, Commodity:
		return true
	}
	return false
}

// Instrument is the tradable the RFQ asks about, e.g. BTC/USD crypto_spot.
type Instrument struct {
	Symbol     string     `json:"symbol" yaml:"symbol"`
	AssetClass AssetClass `json:"asset_class" yaml:"asset_class"`
}

// NewInstrument normalises the symbol to upper case and validates both fields.
func NewInstrument(symbol string, class AssetClass) (Instrument, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Instrument{}, invalidf("instrument symbol is required")
	}
	if !class.Valid() {
		return Instrument{}, invalidf("unknown asset class %q", class)
	}
	return Instrument{Symbol: symbol, AssetClass: class}, nil
}

func (i Instrument) String() string {
	return i.Symbol + "[" + string(i.AssetClass) + "]"
}

// Side is the client's direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide accepts BUY/SELL in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", invalidf("side must be BUY or SELL, got %q", s)
}

// Better reports whether candidate is strictly more favourable to the
// client than incumbent: lower for a buyer, higher for a seller.
func (s Side) Better(candidate, incumbent Price) bool {
	c := candidate.Cmp(incumbent)
	if s == Sell {
		return c > 0
	}
	return c < 0
}

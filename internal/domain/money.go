package domain

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Price is a strictly positive decimal price.
type Price struct{ d decimal.Decimal }

// Quantity is a strictly positive decimal amount of the base asset.
type Quantity struct{ d decimal.Decimal }

// NewPrice validates d and wraps it as a Price.
func NewPrice(d decimal.Decimal) (Price, error) {
	if !d.IsPositive() {
		return Price{}, invalidf("price must be positive, got %s", d.String())
	}
	return Price{d: d}, nil
}

// ParsePrice parses a decimal string into a Price.
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Price{}, invalidf("price %q: %v", s, err)
	}
	return NewPrice(d)
}

// MustPrice is ParsePrice for literals known to be valid.
func MustPrice(s string) Price {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Price) Decimal() decimal.Decimal { return p.d }
func (p Price) String() string           { return p.d.String() }
func (p Price) IsZero() bool             { return p.d.IsZero() }
func (p Price) Cmp(o Price) int          { return p.d.Cmp(o.d) }
func (p Price) Equal(o Price) bool       { return p.d.Equal(o.d) }

func (p Price) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.d.String())
}

func (p *Price) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// accept bare numbers as well
		s = string(b)
	}
	v, err := ParsePrice(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// NewQuantity validates d and wraps it as a Quantity.
func NewQuantity(d decimal.Decimal) (Quantity, error) {
	if !d.IsPositive() {
		return Quantity{}, invalidf("quantity must be positive, got %s", d.String())
	}
	return Quantity{d: d}, nil
}

// ParseQuantity parses a decimal string into a Quantity.
func ParseQuantity(s string) (Quantity, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Quantity{}, invalidf("quantity %q: %v", s, err)
	}
	return NewQuantity(d)
}

// MustQuantity is ParseQuantity for literals known to be valid.
func MustQuantity(s string) Quantity {
	q, err := ParseQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

func (q Quantity) Decimal() decimal.Decimal { return q.d }
func (q Quantity) String() string           { return q.d.String() }
func (q Quantity) IsZero() bool             { return q.d.IsZero() }
func (q Quantity) Cmp(o Quantity) int       { return q.d.Cmp(o.d) }

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.d.String())
}

func (q *Quantity) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		s = string(b)
	}
	v, err := ParseQuantity(s)
	if err != nil {
		return err
	}
	*q = v
	return nil
}

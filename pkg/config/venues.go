package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VenueCatalog is the venue list and per-asset-class eligibility, kept in
// a YAML file because it is owned by configuration, not by the service.
type VenueCatalog struct {
	Venues      []VenueSpec         `yaml:"venues"`
	Eligibility map[string][]string `yaml:"eligibility"`
}

type VenueSpec struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Type         string         `yaml:"type"`
	Priority     int            `yaml:"priority"`
	AssetClasses []string       `yaml:"asset_classes"`
	Disabled     bool           `yaml:"disabled"`
	Maker        *MakerSpec     `yaml:"maker,omitempty"`
	HTTP         *HTTPSpec      `yaml:"http,omitempty"`
	RateLimit    *RateLimitSpec `yaml:"rate_limit,omitempty"`
}

// MakerSpec configures the internal market maker. Prices are decimal strings.
type MakerSpec struct {
	SpreadBps string            `yaml:"spread_bps"`
	QuoteTTL  time.Duration     `yaml:"quote_ttl"`
	Latency   time.Duration     `yaml:"latency"`
	Mids      map[string]string `yaml:"mids"`
}

// HTTPSpec configures a gateway venue. With UseSecrets the API key (and
// optionally the base URL) come from the secrets store.
type HTTPSpec struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	UseSecrets bool          `yaml:"use_secrets"`
	Timeout    time.Duration `yaml:"timeout"`
}

type RateLimitSpec struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// LoadVenues reads and validates the catalogue at path.
func LoadVenues(path string) (*VenueCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read venues file: %w", err)
	}
	return ParseVenues(raw)
}

func ParseVenues(raw []byte) (*VenueCatalog, error) {
	var cat VenueCatalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("parse venues file: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks structure only; value rules (asset classes, venue
// types, prices) are enforced when the venues are built.
func (c *VenueCatalog) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		id := strings.TrimSpace(v.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("venues[%d]: id is required", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("venue %s: duplicate id", id))
		}
		seen[id] = true
		switch {
		case v.Type == "internal_mm" && v.Maker == nil:
			errs = append(errs, fmt.Errorf("venue %s: internal_mm needs a maker section", id))
		case v.Type != "internal_mm" && v.HTTP == nil:
			errs = append(errs, fmt.Errorf("venue %s: %s needs an http section", id, v.Type))
		case v.HTTP != nil && v.HTTP.BaseURL == "" && !v.HTTP.UseSecrets:
			errs = append(errs, fmt.Errorf("venue %s: base_url is required unless use_secrets is set", id))
		}
	}
	for class, ids := range c.Eligibility {
		for _, id := range ids {
			if !seen[id] {
				errs = append(errs, fmt.Errorf("eligibility %s: unknown venue %s", class, id))
			}
		}
	}
	return errors.Join(errs...)
}

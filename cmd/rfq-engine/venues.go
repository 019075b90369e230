package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/breaker"
	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/rate"
	"github.com/Checker-Finance/rfq-engine/internal/venue"
	"github.com/Checker-Finance/rfq-engine/pkg/config"
)

// buildRegistry turns the venue catalogue into a registry of live ports.
// creds is used for gateway venues flagged use_secrets; it may be nil when
// no secrets store is configured.
func buildRegistry(
	cat *config.VenueCatalog,
	bcfg breaker.Config,
	rateMgr *rate.Manager,
	creds venue.CredentialSource,
	logger *zap.Logger,
) (*venue.Registry, error) {
	reg := venue.NewRegistry(logger.Named("venues"), bcfg)

	for _, spec := range cat.Venues {
		if spec.Disabled {
			logger.Info("venue.skipped_disabled", zap.String("venue", spec.ID))
			continue
		}
		v, err := toVenue(spec)
		if err != nil {
			return nil, err
		}
		if spec.RateLimit != nil {
			rateMgr.Configure(spec.ID, rate.Config{
				RequestsPerSecond: spec.RateLimit.RPS,
				Burst:             spec.RateLimit.Burst,
			})
		}
		port, err := toPort(v, spec, rateMgr, creds, logger)
		if err != nil {
			return nil, err
		}
		if err := reg.Add(v, port); err != nil {
			return nil, err
		}
	}

	elig := make(map[domain.AssetClass][]domain.VenueID, len(cat.Eligibility))
	for class, ids := range cat.Eligibility {
		ac := domain.AssetClass(strings.ToLower(class))
		if !ac.Valid() {
			return nil, fmt.Errorf("eligibility: unknown asset class %q", class)
		}
		for _, id := range ids {
			elig[ac] = append(elig[ac], domain.VenueID(id))
		}
	}
	if len(elig) > 0 {
		reg.SetEligibility(elig)
	}
	return reg, nil
}

func toVenue(spec config.VenueSpec) (domain.Venue, error) {
	v := domain.Venue{
		ID:       domain.VenueID(strings.TrimSpace(spec.ID)),
		Name:     spec.Name,
		Type:     domain.VenueType(spec.Type),
		Priority: spec.Priority,
	}
	for _, c := range spec.AssetClasses {
		ac := domain.AssetClass(strings.ToLower(c))
		if !ac.Valid() {
			return domain.Venue{}, fmt.Errorf("venue %s: unknown asset class %q", spec.ID, c)
		}
		v.AssetClasses = append(v.AssetClasses, ac)
	}
	return v, v.Validate()
}

func toPort(
	v domain.Venue,
	spec config.VenueSpec,
	rateMgr *rate.Manager,
	creds venue.CredentialSource,
	logger *zap.Logger,
) (venue.Port, error) {
	if v.Type == domain.InternalMarketMaker {
		mc, err := makerConfig(spec.Maker)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", v.ID, err)
		}
		return venue.NewInternalMaker(v.ID, mc), nil
	}

	h := spec.HTTP
	var src venue.CredentialSource = venue.StaticCredentials{APIKey: h.APIKey, BaseURL: h.BaseURL}
	if h.UseSecrets {
		if creds == nil {
			return nil, fmt.Errorf("venue %s: use_secrets set but VENUE_SECRETS_PREFIX is empty", v.ID)
		}
		src = creds
	}
	client := &http.Client{Timeout: h.Timeout}
	return venue.NewHTTPVenue(v.ID, h.BaseURL, src, rateMgr, client, logger.Named("venue."+string(v.ID))), nil
}

func makerConfig(m *config.MakerSpec) (venue.MakerConfig, error) {
	cfg := venue.MakerConfig{
		Mids:     make(map[string]decimal.Decimal, len(m.Mids)),
		QuoteTTL: m.QuoteTTL,
		Latency:  m.Latency,
	}
	if m.SpreadBps != "" {
		s, err := decimal.NewFromString(m.SpreadBps)
		if err != nil {
			return cfg, fmt.Errorf("spread_bps: %w", err)
		}
		if s.IsNegative() {
			return cfg, fmt.Errorf("spread_bps must not be negative")
		}
		cfg.SpreadBps = s
	}
	for sym, raw := range m.Mids {
		mid, err := decimal.NewFromString(raw)
		if err != nil {
			return cfg, fmt.Errorf("mid %s: %w", sym, err)
		}
		if !mid.IsPositive() {
			return cfg, fmt.Errorf("mid %s must be positive", sym)
		}
		cfg.Mids[sym] = mid
	}
	return cfg, nil
}

package secrets

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/venue"
	pkgsecrets "github.com/Checker-Finance/rfq-engine/pkg/secrets"
)

// VenueResolver serves venue gateway credentials from a secrets provider,
// caching them locally. Secrets are named {env}/{prefix}/{venue} and hold
// at least "api_key"; "base_url" optionally overrides the configured gateway.
type VenueResolver struct {
	logger   *zap.Logger
	env      string
	prefix   string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[venue.Credentials]
}

func NewVenueResolver(
	logger *zap.Logger,
	env, prefix string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[venue.Credentials],
) *VenueResolver {
	return &VenueResolver{
		logger:   logger,
		env:      env,
		prefix:   strings.Trim(prefix, "/"),
		provider: provider,
		cache:    cache,
	}
}

func (r *VenueResolver) secretName(id domain.VenueID) string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", r.env, r.prefix, id))
}

// Credentials implements venue.CredentialSource.
func (r *VenueResolver) Credentials(ctx context.Context, id domain.VenueID) (venue.Credentials, error) {
	name := r.secretName(id)
	if c, ok := r.cache.Get(name); ok {
		return c, nil
	}

	raw, err := r.provider.GetSecret(ctx, name)
	if err != nil {
		r.logger.Warn("secrets.venue_fetch_failed",
			zap.String("key", name),
			zap.Error(err))
		return venue.Credentials{}, fmt.Errorf("resolve credentials for venue %q: %w", id, err)
	}
	creds, err := parseCredentials(raw)
	if err != nil {
		return venue.Credentials{}, fmt.Errorf("parse secret %q: %w", name, err)
	}

	r.cache.Put(name, creds)
	r.logger.Info("secrets.venue_resolved", zap.String("venue", string(id)))
	return creds, nil
}

// Invalidate drops cached credentials, forcing the next call to refetch.
func (r *VenueResolver) Invalidate(id domain.VenueID) {
	r.cache.Bust(r.secretName(id))
}

// DiscoverVenues lists the venues that have credentials stored.
func (r *VenueResolver) DiscoverVenues(ctx context.Context) ([]domain.VenueID, error) {
	prefix := strings.ToLower(fmt.Sprintf("%s/%s/", r.env, r.prefix))
	names, err := r.provider.ListSecrets(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("discover venues: %w", err)
	}

	var ids []domain.VenueID
	for _, name := range names {
		rest := strings.TrimPrefix(strings.ToLower(name), prefix)
		if rest == "" || rest == strings.ToLower(name) || strings.Contains(rest, "/") {
			continue
		}
		ids = append(ids, domain.VenueID(rest))
	}
	r.logger.Info("secrets.venues_discovered", zap.Int("count", len(ids)))
	return ids, nil
}

func parseCredentials(m map[string]string) (venue.Credentials, error) {
	key := strings.TrimSpace(m["api_key"])
	if key == "" {
		return venue.Credentials{}, fmt.Errorf("api_key is missing")
	}
	return venue.Credentials{APIKey: key, BaseURL: strings.TrimSpace(m["base_url"])}, nil
}

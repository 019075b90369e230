package store

import (
	"context"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
)

// EventReader loads the stored event stream of one RFQ.
type EventReader interface {
	Load(ctx context.Context, id domain.RFQID) ([]rfq.Event, error)
}

// Chain reads from the first reader that has the stream, Redis before
// Postgres in production.
type Chain []EventReader

func (c Chain) Load(ctx context.Context, id domain.RFQID) ([]rfq.Event, error) {
	var lastErr error = ErrNotFound
	for _, r := range c {
		if r == nil {
			continue
		}
		evs, err := r.Load(ctx, id)
		if err == nil {
			return evs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

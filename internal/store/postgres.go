package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/aggregation"
	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
)

// ErrNotFound is returned when no events exist for an RFQ.
var ErrNotFound = errors.New("rfq_events_not_found")

const uniqueViolation = "23505"

// Schema creates the append-only event table. (rfq_id, version) is the
// optimistic concurrency key; event_id makes redelivery idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS rfq_events (
	rfq_id      uuid        NOT NULL,
	version     bigint      NOT NULL,
	event_id    uuid        NOT NULL UNIQUE,
	kind        text        NOT NULL,
	occurred_at timestamptz NOT NULL,
	body        jsonb       NOT NULL,
	PRIMARY KEY (rfq_id, version)
);
CREATE TABLE IF NOT EXISTS rfq_late_quotes (
	quote_id    uuid        PRIMARY KEY,
	rfq_id      uuid        NOT NULL,
	venue_id    text        NOT NULL,
	rfq_state   text        NOT NULL,
	reason      text        NOT NULL,
	recorded_at timestamptz NOT NULL,
	body        jsonb       NOT NULL
);`

// DB is the subset of *pgxpool.Pool the event store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, url string, pc PGPoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pc.MaxConnIdleTime
	}
	if pc.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = pc.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return pool, nil
}

// PGEventStore is the durable event sink and the source for rehydration.
type PGEventStore struct {
	db     DB
	logger *zap.Logger
}

func NewPGEventStore(db DB, logger *zap.Logger) *PGEventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGEventStore{db: db, logger: logger}
}

// Migrate creates the tables if needed.
func (s *PGEventStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate rfq_events: %w", err)
	}
	return nil
}

func (s *PGEventStore) Name() string { return "postgres" }

// Publish appends events. Re-appending an already stored event is a no-op;
// a different event at an existing (rfq_id, version) is a concurrency conflict.
func (s *PGEventStore) Publish(ctx context.Context, evs []rfq.Event) error {
	for _, ev := range evs {
		if err := s.Append(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGEventStore) Append(ctx context.Context, ev rfq.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO rfq_events (rfq_id, version, event_id, kind, occurred_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.RFQID.UUID, int64(ev.Version), ev.ID, string(ev.Kind()), ev.At, body)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			s.logger.Warn("store.append_conflict",
				zap.String("rfq_id", ev.RFQID.String()),
				zap.Uint64("version", ev.Version))
			return &rfq.RejectionError{Op: "append", RFQID: ev.RFQID, Err: rfq.ErrConcurrencyConflict,
				Detail: fmt.Sprintf("version %d already stored", ev.Version)}
		}
		return fmt.Errorf("append %s v%d: %w", ev.RFQID, ev.Version, err)
	}
	return nil
}

func (s *PGEventStore) PublishLateQuote(ctx context.Context, lq aggregation.LateQuote) error {
	body, err := json.Marshal(lq)
	if err != nil {
		return fmt.Errorf("marshal late quote: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO rfq_late_quotes (quote_id, rfq_id, venue_id, rfq_state, reason, recorded_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (quote_id) DO NOTHING`,
		lq.Quote.ID.UUID, lq.Quote.RFQID.UUID, string(lq.Quote.VenueID), string(lq.State), lq.Reason, lq.At, body)
	return err
}

// Load returns an RFQ's events in version order.
func (s *PGEventStore) Load(ctx context.Context, id domain.RFQID) ([]rfq.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT body FROM rfq_events
		WHERE rfq_id = $1
		ORDER BY version`, id.UUID)
	if err != nil {
		return nil, err
	}
	streams, err := scanStreams(rows)
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return streams[0], nil
}

// LoadOpen returns the event streams of every RFQ that has not reached a
// terminal event, for rehydration after a restart.
func (s *PGEventStore) LoadOpen(ctx context.Context) ([][]rfq.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT body FROM rfq_events
		WHERE rfq_id IN (
			SELECT rfq_id FROM rfq_events
			GROUP BY rfq_id
			HAVING bool_and(kind NOT IN ('TradeExecuted', 'RFQFailed', 'RFQCancelled', 'RFQExpired'))
		)
		ORDER BY rfq_id, version`)
	if err != nil {
		return nil, err
	}
	return scanStreams(rows)
}

// scanStreams groups consecutive rows by RFQ id.
func scanStreams(rows pgx.Rows) ([][]rfq.Event, error) {
	defer rows.Close()
	var (
		out [][]rfq.Event
		cur []rfq.Event
	)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev rfq.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("decode stored event: %w", err)
		}
		if len(cur) > 0 && cur[0].RFQID != ev.RFQID {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out, nil
}

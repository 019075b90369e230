package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/aggregation"
	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
)

// RedisEventLog keeps a short-lived copy of every RFQ's event stream so
// RFQs evicted from memory can still be served by folding their events.
type RedisEventLog struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// OpenRedis connects and pings.
func OpenRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func NewRedisEventLog(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisEventLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisEventLog{redis: rdb, ttl: ttl, logger: logger}
}

func eventsKey(id domain.RFQID) string { return "rfq:events:" + id.String() }
func lateKey(id domain.RFQID) string   { return "rfq:late:" + id.String() }

func (s *RedisEventLog) Name() string { return "redis" }

// Publish appends the batch to each RFQ's list and refreshes its TTL.
func (s *RedisEventLog) Publish(ctx context.Context, evs []rfq.Event) error {
	if len(evs) == 0 {
		return nil
	}
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		touched := make(map[domain.RFQID]struct{})
		for _, ev := range evs {
			body, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			p.RPush(ctx, eventsKey(ev.RFQID), body)
			touched[ev.RFQID] = struct{}{}
		}
		for id := range touched {
			p.Expire(ctx, eventsKey(id), s.ttl)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("store.redis.append_failed", zap.Error(err), zap.Int("events", len(evs)))
	}
	return err
}

func (s *RedisEventLog) PublishLateQuote(ctx context.Context, lq aggregation.LateQuote) error {
	body, err := json.Marshal(lq)
	if err != nil {
		return fmt.Errorf("marshal late quote: %w", err)
	}
	key := lateKey(lq.Quote.RFQID)
	_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, body)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

// Load returns the stored stream in version order. A batch redelivered
// after a failed attempt may have been pushed twice, so versions are deduped.
func (s *RedisEventLog) Load(ctx context.Context, id domain.RFQID) ([]rfq.Event, error) {
	raw, err := s.redis.LRange(ctx, eventsKey(id), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	byVersion := make(map[uint64]rfq.Event, len(raw))
	for _, r := range raw {
		var ev rfq.Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("decode cached event: %w", err)
		}
		if _, seen := byVersion[ev.Version]; !seen {
			byVersion[ev.Version] = ev
		}
	}
	out := make([]rfq.Event, 0, len(byVersion))
	for _, ev := range byVersion {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// LateQuotes returns the audited late quotes for an RFQ.
func (s *RedisEventLog) LateQuotes(ctx context.Context, id domain.RFQID) ([]aggregation.LateQuote, error) {
	raw, err := s.redis.LRange(ctx, lateKey(id), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]aggregation.LateQuote, 0, len(raw))
	for _, r := range raw {
		var lq aggregation.LateQuote
		if err := json.Unmarshal([]byte(r), &lq); err != nil {
			return nil, fmt.Errorf("decode late quote: %w", err)
		}
		out = append(out, lq)
	}
	return out, nil
}

func (s *RedisEventLog) HealthCheck(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func (s *RedisEventLog) Close() error { return s.redis.Close() }

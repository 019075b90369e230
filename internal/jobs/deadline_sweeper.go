package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/metrics"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
)

// Ledger is the subset of *rfq.Ledger the sweeper drives.
type Ledger interface {
	Now() time.Time
	Overdue(now time.Time) []domain.RFQID
	Expire(id domain.RFQID) (*rfq.RFQ, error)
	Evict(cutoff time.Time) int
}

// DeadlineSweeper expires RFQs left in QuoteRequesting past their deadline,
// which only happens when a collection run was lost, and evicts terminal
// RFQs from memory once they are older than the retention.
type DeadlineSweeper struct {
	logger    *zap.Logger
	ledger    Ledger
	interval  time.Duration
	retention time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewDeadlineSweeper constructs the job. A zero retention keeps terminal RFQs forever.
func NewDeadlineSweeper(logger *zap.Logger, ledger Ledger, interval, retention time.Duration) *DeadlineSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &DeadlineSweeper{
		logger:    logger,
		ledger:    ledger,
		interval:  interval,
		retention: retention,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is done or Stop is called.
func (s *DeadlineSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("deadline_sweeper.started",
		zap.Duration("interval", s.interval),
		zap.Duration("retention", s.retention))

	for {
		select {
		case <-ticker.C:
			s.RunOnce()
		case <-s.stopCh:
			s.logger.Info("deadline_sweeper.stopped", zap.String("cause", "manual stop"))
			return
		case <-ctx.Done():
			s.logger.Info("deadline_sweeper.stopped", zap.String("cause", "context canceled"))
			return
		}
	}
}

// Stop halts the loop. Safe to call more than once.
func (s *DeadlineSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce performs one sweep and returns how many RFQs were expired and evicted.
func (s *DeadlineSweeper) RunOnce() (expired, evicted int) {
	now := s.ledger.Now()
	for _, id := range s.ledger.Overdue(now) {
		// the collection run may close it out between Overdue and Expire
		if _, err := s.ledger.Expire(id); err != nil {
			s.logger.Debug("deadline_sweeper.expire_skipped", zap.String("rfq_id", id.String()), zap.Error(err))
			continue
		}
		expired++
		s.logger.Warn("deadline_sweeper.expired_stale_rfq", zap.String("rfq_id", id.String()))
	}
	if s.retention > 0 {
		evicted = s.ledger.Evict(now.Add(-s.retention))
	}
	metrics.SetLastSweep("deadline_sweeper", now)
	if expired > 0 || evicted > 0 {
		s.logger.Info("deadline_sweeper.swept", zap.Int("expired", expired), zap.Int("evicted", evicted))
	}
	return expired, evicted
}

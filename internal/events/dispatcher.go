package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/aggregation"
	"github.com/Checker-Finance/rfq-engine/internal/metrics"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
)

// Sink is an external consumer of domain events: a durable store or a
// transport. Publish receives events in version order per RFQ.
type Sink interface {
	Name() string
	Publish(ctx context.Context, events []rfq.Event) error
}

// LateQuoteSink is implemented by sinks that keep late-quote audit records.
type LateQuoteSink interface {
	PublishLateQuote(ctx context.Context, lq aggregation.LateQuote) error
}

type item struct {
	event rfq.Event
	late  *aggregation.LateQuote
}

// DispatcherConfig tunes delivery to sinks.
type DispatcherConfig struct {
	// BatchSize caps how many queued items are handed to a sink at once.
	BatchSize int
	// Backoff is the first retry delay after a failed publish. It doubles up
	// to MaxBackoff and a sink is retried until it accepts or shutdown ends.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// FlushTimeout bounds the final drain on shutdown.
	FlushTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = 5 * time.Second
		if c.MaxBackoff < c.Backoff {
			c.MaxBackoff = c.Backoff
		}
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

// lane is one sink's position in the shared log.
type lane struct {
	sink   Sink
	late   LateQuoteSink
	cursor uint64
	wake   chan struct{}
}

// Dispatcher is the ledger's Emitter. Emit only appends to an in-memory
// log, so it is safe under the ledger's per-RFQ lock. Each sink reads the
// log through its own cursor, which moves only past items the sink has
// accepted; a failing sink is retried while the others keep going.
// Items are dropped from memory once every sink has them.
type Dispatcher struct {
	logger *zap.Logger
	lanes  []*lane
	cfg    DispatcherConfig

	mu     sync.Mutex
	log    []item
	base   uint64 // absolute position of log[0]
	idle   *sync.Cond
	closed bool
}

func NewDispatcher(logger *zap.Logger, cfg DispatcherConfig, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
	for _, s := range sinks {
		l := &lane{sink: s, wake: make(chan struct{}, 1)}
		l.late, _ = s.(LateQuoteSink)
		d.lanes = append(d.lanes, l)
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Emit implements rfq.Emitter.
func (d *Dispatcher) Emit(evs ...rfq.Event) {
	items := make([]item, len(evs))
	for i, ev := range evs {
		items[i] = item{event: ev}
	}
	d.append(items)
}

// RecordLateQuote implements aggregation.LateQuoteRecorder.
func (d *Dispatcher) RecordLateQuote(lq aggregation.LateQuote) {
	d.append([]item{{late: &lq}})
}

func (d *Dispatcher) append(items []item) {
	if len(d.lanes) == 0 || len(items) == 0 {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Error("events.emit_after_stop", zap.Int("items", len(items)))
		for _, l := range d.lanes {
			metrics.AddDeadLettered(l.sink.Name(), len(items))
		}
		return
	}
	d.log = append(d.log, items...)
	n := len(d.log)
	d.mu.Unlock()
	metrics.EventQueueDepth.Set(float64(n))
	for _, l := range d.lanes {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

// Run delivers the log to every sink until ctx is done, then keeps
// draining for up to FlushTimeout. Whatever a sink has not accepted by
// then is logged as dead-lettered.
func (d *Dispatcher) Run(ctx context.Context) error {
	names := make([]string, len(d.lanes))
	for i, l := range d.lanes {
		names[i] = l.sink.Name()
	}
	d.logger.Info("events.dispatcher.started", zap.Strings("sinks", names))

	hard, abort := context.WithCancel(context.Background())
	defer abort()

	var wg sync.WaitGroup
	for _, l := range d.lanes {
		wg.Add(1)
		go func(l *lane) {
			defer wg.Done()
			d.runLane(ctx, hard, l)
		}(l)
	}

	<-ctx.Done()
	timer := time.AfterFunc(d.cfg.FlushTimeout, abort)
	wg.Wait()
	timer.Stop()

	d.mu.Lock()
	d.closed = true
	for _, l := range d.lanes {
		d.deadLetter(l)
	}
	d.log = nil
	d.idle.Broadcast()
	d.mu.Unlock()
	metrics.EventQueueDepth.Set(0)

	d.logger.Info("events.dispatcher.stopped")
	return nil
}

// Flush blocks until every sink has accepted everything queued so far, or
// the dispatcher has stopped.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.log) > 0 && !d.closed {
		d.idle.Wait()
	}
}

// Pending is the number of items not yet accepted by every sink.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.log)
}

// runLane feeds one sink. It returns once the sink has caught up after
// stop is done, or when hard is done.
func (d *Dispatcher) runLane(stop, hard context.Context, l *lane) {
	for {
		batch := d.next(l)
		if len(batch) == 0 {
			select {
			case <-l.wake:
				continue
			case <-stop.Done():
				return
			case <-hard.Done():
				return
			}
		}
		if !d.deliver(hard, l, batch) {
			return
		}
	}
}

// next copies up to BatchSize items past the lane's cursor.
func (d *Dispatcher) next(l *lane) []item {
	d.mu.Lock()
	defer d.mu.Unlock()
	from := l.cursor - d.base
	if from >= uint64(len(d.log)) {
		return nil
	}
	to := from + uint64(d.cfg.BatchSize)
	if to > uint64(len(d.log)) {
		to = uint64(len(d.log))
	}
	return append([]item(nil), d.log[from:to]...)
}

// deliver hands a batch to the sink, split at late-quote records so the
// sink sees events and audit records in queue order. The cursor advances
// after each accepted segment, so a retry never resends what was taken.
func (d *Dispatcher) deliver(ctx context.Context, l *lane, batch []item) bool {
	for i := 0; i < len(batch); {
		if it := batch[i]; it.late != nil {
			if l.late != nil {
				lq := *it.late
				if !d.retry(ctx, l, func(ctx context.Context) error { return l.late.PublishLateQuote(ctx, lq) }) {
					return false
				}
			}
			d.advance(l, 1)
			i++
			continue
		}
		j := i
		var run []rfq.Event
		for j < len(batch) && batch[j].late == nil {
			run = append(run, batch[j].event)
			j++
		}
		start := time.Now()
		ok := d.retry(ctx, l, func(ctx context.Context) error { return l.sink.Publish(ctx, run) })
		metrics.ObserveDuration(metrics.EventPublishLatency, start, l.sink.Name())
		if !ok {
			return false
		}
		d.advance(l, uint64(j-i))
		i = j
	}
	return true
}

// retry calls fn until it succeeds or ctx is done.
func (d *Dispatcher) retry(ctx context.Context, l *lane, fn func(context.Context) error) bool {
	wait := d.cfg.Backoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			metrics.IncEventPublish(l.sink.Name(), "ok")
			if attempt > 1 {
				d.logger.Info("events.sink_recovered",
					zap.String("sink", l.sink.Name()),
					zap.Int("attempts", attempt))
			}
			return true
		}
		metrics.IncEventPublish(l.sink.Name(), "error")
		d.logger.Warn("events.sink_failed",
			zap.String("sink", l.sink.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false
		}
		if wait *= 2; wait > d.cfg.MaxBackoff {
			wait = d.cfg.MaxBackoff
		}
	}
}

// advance moves the lane's cursor and trims what every lane has passed.
func (d *Dispatcher) advance(l *lane, n uint64) {
	d.mu.Lock()
	l.cursor += n
	low := l.cursor
	for _, o := range d.lanes {
		if o.cursor < low {
			low = o.cursor
		}
	}
	if drop := low - d.base; drop > 0 {
		clear(d.log[:drop])
		d.log = d.log[drop:]
		d.base = low
	}
	left := len(d.log)
	if left == 0 {
		d.idle.Broadcast()
	}
	d.mu.Unlock()
	metrics.EventQueueDepth.Set(float64(left))
}

// deadLetter records what l never accepted. Called with d.mu held.
func (d *Dispatcher) deadLetter(l *lane) {
	from := l.cursor - d.base
	if from >= uint64(len(d.log)) {
		return
	}
	var refs []string
	for _, it := range d.log[from:] {
		if it.late != nil {
			if l.late != nil {
				refs = append(refs, "late:"+it.late.Quote.ID.String())
			}
			continue
		}
		refs = append(refs, fmt.Sprintf("%s:%d", it.event.RFQID, it.event.Version))
	}
	if len(refs) == 0 {
		return
	}
	metrics.AddDeadLettered(l.sink.Name(), len(refs))
	d.logger.Error("events.dead_letter",
		zap.String("sink", l.sink.Name()),
		zap.Int("items", len(refs)),
		zap.Strings("refs", refs))
}

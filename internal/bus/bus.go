// Package bus implements the process-wide BroadcastBus: fan-out of event
// strings to every current subscriber, each with its own bounded queue, in
// the spirit of the teacher's subscription-indexed broadcast in
// internal/shared/broadcast.go — minus the subscription filtering, since
// every registry dashboard wants every event.
package bus

import (
	"sync"

	"github.com/csells/hyper-pi/internal/telemetry"
	"github.com/rs/zerolog"
)

// DefaultCapacity is the suggested per-subscriber queue depth from
// SPEC_FULL.md §3.
const DefaultCapacity = 256

// Bus is a single publisher endpoint with independent subscriber queues.
// publish is always non-blocking: a slow subscriber has messages dropped
// from the tail (oldest first) rather than stalling the publisher or any
// other subscriber.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	cap     int
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// Subscription is an independent delivery queue returned by Subscribe.
type Subscription struct {
	ch   chan string
	bus  *Bus
	once sync.Once
}

// New constructs a Bus with the given per-subscriber capacity. metrics may
// be nil, in which case drop counting is skipped.
func New(capacity int, logger zerolog.Logger, metrics *telemetry.Metrics) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		cap:     capacity,
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers a new delivery queue. Callers must call Close on the
// returned Subscription when done to avoid leaking it from the bus's
// subscriber set.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan string, b.cap)}
	sub.bus = b
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers msg to every current subscriber, in the order Publish
// is called (per-publisher FIFO). It never blocks: a subscriber whose
// queue is full has its oldest queued message dropped to make room, with a
// warning logged.
func (b *Bus) Publish(msg string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subs) == 0 {
		b.logger.Warn().Msg("broadcast published with no subscribers")
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			// Queue full: drop the oldest message to make room, then
			// retry once. Both operations are non-blocking so the
			// publisher is never stalled by a slow subscriber.
			select {
			case <-sub.ch:
				b.logger.Warn().Msg("subscriber queue full, dropped oldest message")
				if b.metrics != nil {
					b.metrics.BroadcastDrops.Inc()
				}
			default:
			}
			select {
			case sub.ch <- msg:
			default:
				b.logger.Warn().Msg("subscriber queue still full after drop, message lost")
				if b.metrics != nil {
					b.metrics.BroadcastDrops.Inc()
				}
			}
		}
	}
}

// Receive blocks until the next message arrives or the subscription is
// closed, in which case ok is false.
func (s *Subscription) Receive() (msg string, ok bool) {
	msg, ok = <-s.ch
	return msg, ok
}

// Close unregisters the subscription and releases its queue. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

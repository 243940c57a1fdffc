// Package bus provides the in-process event bus for the Hiveloop runtime.
//
// Delivery contract: events published by one stream are delivered to each
// matching subscription in publish order. Across streams no total order is
// guaranteed. Publish never blocks on a slow subscriber: each subscription
// has a bounded buffer, and on overflow the oldest buffered events are
// dropped and a SUBSCRIBER_LAGGED event is delivered once per burst.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hiveloop/hiveloop/internal/common/logger"
	"github.com/hiveloop/hiveloop/internal/events"
)

// DefaultBuffer is the subscription channel depth used when the caller
// passes a non-positive buffer size.
const DefaultBuffer = 256

// Filter selects which events a subscription receives. Zero-value fields
// match everything.
type Filter struct {
	// Types restricts delivery to the listed event types. Empty = all.
	Types []events.Type

	// GraphID, StreamID, NodeID match the corresponding event fields
	// exactly when non-empty.
	GraphID  string
	StreamID string
	NodeID   string

	// ExcludeGraph drops events originating from the named graph. Set by
	// secondary graphs subscribing to the shared bus to avoid feedback.
	ExcludeGraph string
}

func (f Filter) matches(ev *events.AgentEvent) bool {
	if f.ExcludeGraph != "" && ev.GraphID == f.ExcludeGraph {
		return false
	}
	if f.GraphID != "" && ev.GraphID != f.GraphID {
		return false
	}
	if f.StreamID != "" && ev.StreamID != f.StreamID {
		return false
	}
	if f.NodeID != "" && ev.NodeID != f.NodeID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// Sink receives every published event synchronously. Used to attach the
// sqlite journal. Sink errors are logged, never surfaced to publishers.
type Sink interface {
	Append(ev *events.AgentEvent) error
}

// Subscription is a live attachment to the bus. Events arrive on C until
// Close is called.
type Subscription struct {
	ID string
	C  <-chan *events.AgentEvent

	bus    *Bus
	ch     chan *events.AgentEvent
	filter Filter

	mu      sync.Mutex
	lagged  bool // inside an overflow burst
	dropped int  // events dropped in the current burst
}

// Close unsubscribes and closes the event channel.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.ID)
}

// Bus is the in-process event bus. One instance per runtime.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	sink   Sink
	logger *logger.Logger
	closed bool
}

// New creates a bus with the given per-subscription buffer depth.
func New(buffer int, log *logger.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = logger.Default()
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: log.WithFields(zap.String("component", "event_bus")),
	}
}

// AttachSink registers the journal sink. Call before the runtime starts
// publishing; the sink sees every event in publish order.
func (b *Bus) AttachSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = s
}

// Publish stamps the event's id and timestamp and fans it out to matching
// subscriptions. It never fails for the caller; delivery problems are
// internal and logged.
func (b *Bus) Publish(ev *events.AgentEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if b.sink != nil {
		if err := b.sink.Append(ev); err != nil {
			b.logger.Warn("Event journal append failed",
				zap.String("event_id", ev.ID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err))
		}
	}

	for _, sub := range b.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		b.deliver(sub, ev)
	}
}

// deliver places ev on the subscription channel, shedding oldest events
// when the buffer is full. A SUBSCRIBER_LAGGED event is injected once per
// overflow burst so the consumer knows it missed data.
func (b *Bus) deliver(sub *Subscription, ev *events.AgentEvent) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	select {
	case sub.ch <- ev:
		if sub.lagged {
			sub.lagged = false
			sub.dropped = 0
		}
		return
	default:
	}

	// Buffer full. Drop oldest to make room; on burst start, drop one more
	// so the lag notice fits ahead of the event.
	firstOverflow := !sub.lagged
	drops := 1
	if firstOverflow {
		drops = 2
	}
	for i := 0; i < drops; i++ {
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
	}

	if firstOverflow {
		sub.lagged = true
		lag := &events.AgentEvent{
			ID:        uuid.New().String(),
			Type:      events.TypeSubscriberLagged,
			Timestamp: time.Now().UTC(),
			Payload: map[string]any{
				"subscription_id": sub.ID,
				"dropped":         sub.dropped,
			},
		}
		select {
		case sub.ch <- lag:
		default:
		}
		b.logger.Warn("Subscriber lagged, dropping oldest events",
			zap.String("subscription_id", sub.ID),
			zap.Int("dropped", sub.dropped))
	}

	select {
	case sub.ch <- ev:
	default:
		sub.dropped++
	}
}

// Subscribe attaches a new subscription with the given filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *events.AgentEvent, b.buffer)
	sub := &Subscription{
		ID:     uuid.New().String(),
		C:      ch,
		bus:    b,
		ch:     ch,
		filter: filter,
	}
	b.subs[sub.ID] = sub

	b.logger.Debug("Subscription added",
		zap.String("subscription_id", sub.ID),
		zap.Int("filter_types", len(filter.Types)))
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Unknown ids
// are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)

	b.logger.Debug("Subscription removed", zap.String("subscription_id", id))
}

// Close shuts the bus down, closing all subscription channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.logger.Info("Event bus closed")
}

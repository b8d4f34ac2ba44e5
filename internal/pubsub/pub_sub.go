// Package pubsub is the in-process event bus a raft server uses to drive its background jobs and to report role
// changes to whoever embeds it.
package pubsub

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize is the number of published events queued ahead of delivery
const DefaultBufferSize = 100

// EventType identifies a kind of event. Packages declare their own constants of this type.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the bus blocks until this subscriber takes the event, stalling delivery to every other subscriber
	// meanwhile. Otherwise an event that does not fit in the channel is dropped for this subscriber.
	IsBlocking bool
}

// SubscriberID is returned by Subscribe and is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID atomic.Uint64

// Event is a typed event. Each instantiation is a distinct type, so a subscriber only ever sees the payload type
// it asked for.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// envelope is an event on its way through the bus, its payload type erased
type envelope struct {
	eventType EventType
	payload   any
}

// subscriber wraps a typed channel. Channels of different Event[T] types cannot share a map, so deliver and close
// are closures over the typed channel.
type subscriber struct {
	deliver  func(envelope) bool
	close    func()
	blocking bool
	dropped  atomic.Uint64
}

// PubSubClient fans published events out to the subscribers of their type. It is safe for concurrent use.
type PubSubClient struct {
	mu       sync.RWMutex
	registry map[EventType]map[SubscriberID]*subscriber

	// queue decouples Publish from delivery and holds what GracefulShutdown drains
	queue        chan envelope
	shuttingDown atomic.Bool
	done         chan struct{}

	logger *log.Entry
}

// Option customises a PubSubClient created by NewPubSub
type Option func(*PubSubClient)

// WithBufferSize sets how many events may be queued ahead of delivery
func WithBufferSize(n int) Option {
	return func(p *PubSubClient) {
		if n >= 0 {
			p.queue = make(chan envelope, n)
		}
	}
}

// WithLogger makes the bus log through logger instead of the standard logger
func WithLogger(logger *log.Entry) Option {
	return func(p *PubSubClient) { p.logger = logger }
}

// NewPubSub starts a bus. GracefulShutdown stops it.
func NewPubSub(opts ...Option) *PubSubClient {
	p := &PubSubClient{
		registry: make(map[EventType]map[SubscriberID]*subscriber),
		queue:    make(chan envelope, DefaultBufferSize),
		done:     make(chan struct{}),
		logger:   log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithField("component", "pubsub")
	go p.run()
	return p
}

// Subscribe registers ch to receive every event of eventType. The caller owns the channel and picks its buffer size.
// Unsubscribe closes it. Subscribe is a function rather than a method because methods cannot declare type
// parameters.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	sub := &subscriber{blocking: opts.IsBlocking, close: func() { close(ch) }}
	sub.deliver = func(env envelope) bool {
		payload, ok := env.payload.(T)
		if !ok {
			p.logger.Warnf("Type mismatch for event %v: expected %T, got %T", env.eventType, *new(T), env.payload)
			return false
		}
		event := &Event[T]{Type: env.eventType, Payload: payload}
		if sub.blocking {
			ch <- event
			return true
		}
		select {
		case ch <- event:
			return true
		default:
			return false
		}
	}

	id := SubscriberID(nextSubscriberID.Add(1))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registry[eventType] == nil {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are ignored.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers := p.registry[eventType]
	sub, ok := subscribers[id]
	if !ok {
		return
	}
	delete(subscribers, id)
	sub.close()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
	p.logger.Debugf("Unsubscribed %d from event type %v", id, eventType)
}

// Publish queues event for delivery to the subscribers of its type. Events published after a shutdown has begun
// are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// GracefulShutdown closes the queue under the write lock, so the check and the send below cannot race with it.
	// See: https://en.wikipedia.org/wiki/Time-of-check_to_time-of-use
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		p.logger.Debugf("Dropping event %v published during shutdown", event.Type)
		return
	}
	p.queue <- envelope{eventType: event.Type, payload: event.Payload}
}

// GracefulShutdown rejects new events, delivers the queued ones and waits for delivery to stop. It may be called
// more than once.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.CompareAndSwap(false, true) {
		close(p.queue)
	}
	// Unlock before waiting, delivery needs the read lock
	p.mu.Unlock()

	<-p.done
}

func (p *PubSubClient) run() {
	defer close(p.done)

	for env := range p.queue {
		p.mu.RLock()
		subscribers := p.registry[env.eventType]
		p.logger.Tracef("Broadcasting %v event to %d listeners", env.eventType, len(subscribers))
		for id, sub := range subscribers {
			if !sub.deliver(env) && !sub.blocking {
				dropped := sub.dropped.Add(1)
				p.logger.Debugf("Dropped event %v for subscriber %d, %d dropped so far", env.eventType, id, dropped)
			}
		}
		p.mu.RUnlock()
	}
}

// Dropped returns how many events of eventType the current non-blocking subscribers missed
func (p *PubSubClient) Dropped(eventType EventType) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total uint64
	for _, sub := range p.registry[eventType] {
		total += sub.dropped.Load()
	}
	return total
}

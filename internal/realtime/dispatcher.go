package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parkops/lotsync/internal/model"
)

// DefaultDedupWindow bounds how long an observed (entity, id, server
// timestamp) triple suppresses duplicates. The same logical change can
// arrive on both the row feed and a broadcast within this window.
const DefaultDedupWindow = 5 * time.Second

// TopicAll subscribes to every event regardless of entity.
const TopicAll = "*"

// Callback receives a normalized event on the dispatch goroutine.
// Callbacks must not block for long; they share one loop.
type Callback func(model.ChangeEvent)

// Filter optionally narrows a subscription. A nil filter accepts all.
type Filter func(model.ChangeEvent) bool

// SubscriptionHandle is a revocable registration token. The component
// that subscribed owns the handle and must unsubscribe it to avoid
// leaking callbacks.
type SubscriptionHandle struct {
	ID    string
	Topic string

	callback Callback
	filter   Filter
}

// Dispatcher normalizes inbound payloads into ChangeEvents, dedups
// duplicate deliveries, and fans out to subscribers on a dedicated
// goroutine so the network path never waits on a callback.
type Dispatcher struct {
	queue *eventQueue
	clock *Clock
	log   *slog.Logger

	mu     sync.Mutex
	subs   map[string][]*SubscriptionHandle // topic -> ordered handles
	seen   map[string]time.Time             // dedup key -> first seen
	window time.Duration

	loopDone chan struct{}
	started  bool
}

// NewDispatcher creates a dispatcher. window <= 0 uses DefaultDedupWindow.
func NewDispatcher(log *slog.Logger, window time.Duration) *Dispatcher {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		queue:    newEventQueue(),
		clock:    NewClock(),
		log:      log,
		subs:     make(map[string][]*SubscriptionHandle),
		seen:     make(map[string]time.Time),
		window:   window,
		loopDone: make(chan struct{}),
	}
}

// Start launches the dispatch loop. Must be called exactly once.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.run()
}

// Subscribe registers a callback for a topic (an entity name, a
// broadcast kind, or TopicAll). Handles fire in registration order.
func (d *Dispatcher) Subscribe(topic string, cb Callback, filter Filter) *SubscriptionHandle {
	h := &SubscriptionHandle{
		ID:       uuid.NewString(),
		Topic:    topic,
		callback: cb,
		filter:   filter,
	}

	d.mu.Lock()
	d.subs[topic] = append(d.subs[topic], h)
	d.mu.Unlock()

	return h
}

// Unsubscribe revokes a handle. Idempotent: revoking twice is a no-op.
// After Unsubscribe returns, the handle may still receive events already
// in flight on the dispatch loop, but nothing enqueued later.
func (d *Dispatcher) Unsubscribe(h *SubscriptionHandle) {
	if h == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	handles := d.subs[h.Topic]
	for i, other := range handles {
		if other.ID == h.ID {
			d.subs[h.Topic] = append(handles[:i:i], handles[i+1:]...)
			break
		}
	}
	if len(d.subs[h.Topic]) == 0 {
		delete(d.subs, h.Topic)
	}
}

// SubscriberCount returns how many handles are registered for a topic.
func (d *Dispatcher) SubscriberCount(topic string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[topic])
}

// Ingest stamps, dedups, and enqueues an event. Runs on the caller's
// goroutine (normally the connection read loop) and never blocks on
// subscribers. Returns false if the event was a duplicate or the
// dispatcher is closed.
func (d *Dispatcher) Ingest(ev model.ChangeEvent) bool {
	key := ev.DedupKey()
	now := ev.ReceivedTimestamp
	if now.IsZero() {
		now = time.Now()
		ev.ReceivedTimestamp = now
	}

	d.mu.Lock()
	if first, dup := d.seen[key]; dup && now.Sub(first) < d.window {
		d.mu.Unlock()
		return false
	}
	d.seen[key] = now
	d.pruneLocked(now)
	d.mu.Unlock()

	ev.Seq = d.clock.Next()
	return d.queue.Enqueue(ev)
}

// pruneLocked drops dedup records older than the window.
func (d *Dispatcher) pruneLocked(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) >= d.window {
			delete(d.seen, k)
		}
	}
}

// QueueLen returns the number of events waiting for dispatch.
func (d *Dispatcher) QueueLen() int {
	return d.queue.Len()
}

// Close stops the dispatcher. Undelivered events are discarded and no
// callback fires after Close returns: the queue is closed first, then
// the loop is joined.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()

	d.queue.Close()
	if started {
		<-d.loopDone
	}
}

// run is the single dispatch goroutine.
func (d *Dispatcher) run() {
	defer close(d.loopDone)

	for {
		ev, ok := d.queue.TryDequeue()
		if !ok {
			if d.queue.Closed() {
				return
			}
			if _, open := <-d.queue.Wait(); !open {
				// Queue closed while waiting; drop whatever remains.
				return
			}
			continue
		}
		d.fanout(ev)
	}
}

// fanout delivers one event to the entity topic and the wildcard topic.
func (d *Dispatcher) fanout(ev model.ChangeEvent) {
	d.mu.Lock()
	handles := make([]*SubscriptionHandle, 0, len(d.subs[ev.Entity])+len(d.subs[TopicAll]))
	handles = append(handles, d.subs[ev.Entity]...)
	handles = append(handles, d.subs[TopicAll]...)
	d.mu.Unlock()

	for _, h := range handles {
		if h.filter != nil && !h.filter(ev) {
			continue
		}
		d.deliver(h, ev)
	}
}

// deliver invokes one callback, containing panics so one subscriber
// cannot take down delivery to the rest.
func (d *Dispatcher) deliver(h *SubscriptionHandle, ev model.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("subscriber panicked",
				"subscription", h.ID,
				"topic", h.Topic,
				"entity", ev.Entity,
				"panic", r)
		}
	}()
	h.callback(ev)
}

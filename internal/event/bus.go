package event

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Callback is a subscriber's delivery function. It must not block; a
// misbehaving subscriber must never stall or drop events for the others,
// so Emit recovers a panicking callback and logs it.
type Callback func(Event)

type subscription struct {
	id       uint64
	kind     Kind
	callback Callback
}

// Bus is the core's Emitter implementation: an explicit value created at
// the composition root rather than a package-level global, so tests can
// construct an isolated one per case.
type Bus struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs map[uint64]subscription
	next uint64
}

// New constructs an empty Bus. log may be nil in tests that don't care
// about delivery diagnostics.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log, subs: make(map[uint64]subscription)}
}

// Subscribe registers callback for kind (or Wildcard for every kind) and
// returns an id usable with Unsubscribe.
func (b *Bus) Subscribe(kind Kind, callback Callback) uint64 {
	id := atomic.AddUint64(&b.next, 1)
	b.mu.Lock()
	b.subs[id] = subscription{id: id, kind: kind, callback: callback}
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Removing an unknown id is a no-op.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Emit validates payload against kind's schema, then invokes every
// matching subscriber (kind-specific and wildcard) synchronously on the
// caller's goroutine. Subscriptions are held in a map, so the order in
// which different subscribers are invoked is not defined. A panicking
// subscriber is caught and logged; it never prevents delivery to the
// remaining subscribers, and Emit never blocks on I/O performed by a
// subscriber's own callback beyond that callback's own runtime.
func (b *Bus) Emit(e Event) {
	if !Validate(e.Kind, e.Payload) {
		b.log.Error("dropping event with schema mismatch", zap.String("kind", string(e.Kind)))
		return
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == e.Kind || s.kind == Wildcard {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s, e)
	}
}

// Publish is the convenience form of Emit used by producers: it stamps
// the current time and builds the envelope for the caller.
func (b *Bus) Publish(kind Kind, payload any) {
	b.Emit(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (b *Bus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panicked",
				zap.Uint64("subscriptionId", s.id),
				zap.String("kind", string(e.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	s.callback(e)
}

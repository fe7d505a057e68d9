// Package eventbus is the main-thread notification mechanism described in
// spec.md §5: subsystems publish events synchronously from Tick, and
// subscribers run inline on the caller's goroutine. It also carries the
// "valueChanging" veto bus used by internal/config for hot-reload rollback.
package eventbus

import (
	"fmt"
	"sort"
	"sync"
)

// Event is any payload published on the bus. Publishers choose the concrete
// payload (the demo command publishes progress strings) and handlers type
// assert inside their body.
type Event interface{}

// Handler receives an Event published to the topic it subscribed under.
type Handler func(Event)

// Bus is a synchronous, single-threaded publish/subscribe dispatcher. All
// Publish calls run subscriber handlers inline, in subscription order, on
// the calling goroutine — there is no internal goroutine or channel, since
// hydracore does not own a scheduler loop (see SPEC_FULL.md §6).
type Bus struct {
	mu   sync.Mutex
	subs map[string][]subscription
	seq  uint64
}

type subscription struct {
	id      uint64
	handler Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscription is an opaque handle returned by Subscribe, used to Unsubscribe.
type Subscription struct {
	topic string
	id    uint64
}

// Subscribe registers handler to run, in registration order, whenever topic
// is published. Returns a handle for Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub := subscription{id: b.seq, handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)
	return Subscription{topic: topic, id: sub.id}
}

// Unsubscribe removes a previously registered handler. A no-op if it was
// already removed.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.topic]
	for i, sub := range list {
		if sub.id == s.id {
			b.subs[s.topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish invokes every handler subscribed to topic with ev, in
// subscription order. Handlers run synchronously on the caller's goroutine;
// a panicking handler is not recovered, matching the teacher's fail-fast
// style elsewhere in the engine.
func (b *Bus) Publish(topic string, ev Event) {
	b.mu.Lock()
	list := make([]subscription, len(b.subs[topic]))
	copy(list, b.subs[topic])
	b.mu.Unlock()

	for _, sub := range list {
		sub.handler(ev)
	}
}

// VetoError is returned by a VetoHandler that rejects a pending change.
// internal/config returns it unwrapped to the caller of Store.Apply.
type VetoError struct {
	Topic  string
	Reason string
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("eventbus: %s change vetoed: %s", e.Topic, e.Reason)
}

// VetoHandler inspects a proposed new value and returns an error to reject
// it. Used for the §5 "valueChanging" semantics: every subscriber gets a
// chance to object before a config value is committed.
type VetoHandler func(oldValue, newValue Event) error

// VetoBus is a second, narrower bus for values that must clear every
// subscriber before taking effect. Subscribers are invoked in registration
// order, as on Bus; unlike Bus, the first rejection aborts the rest, so a
// caller can always identify which subscriber objected.
type VetoBus struct {
	mu   sync.Mutex
	subs map[string][]vetoSubscription
	seq  uint64
}

type vetoSubscription struct {
	id      uint64
	handler VetoHandler
}

// NewVetoBus creates an empty VetoBus.
func NewVetoBus() *VetoBus {
	return &VetoBus{subs: make(map[string][]vetoSubscription)}
}

// SubscribeChanging registers handler to vote on proposed changes to topic.
func (b *VetoBus) SubscribeChanging(topic string, handler VetoHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub := vetoSubscription{id: b.seq, handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)
	return Subscription{topic: topic, id: sub.id}
}

// Unsubscribe removes a previously registered veto handler.
func (b *VetoBus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.topic]
	for i, sub := range list {
		if sub.id == s.id {
			b.subs[s.topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// TryChange runs every subscriber's veto handler against (oldValue,
// newValue) in registration order, stopping at the first rejection. On
// success, returns nil and the caller may commit newValue; on rejection,
// returns the *VetoError identifying which subscriber objected and the
// caller must roll back to oldValue (spec.md §5).
func (b *VetoBus) TryChange(topic string, oldValue, newValue Event) error {
	b.mu.Lock()
	list := make([]vetoSubscription, len(b.subs[topic]))
	copy(list, b.subs[topic])
	b.mu.Unlock()

	for _, sub := range list {
		if err := sub.handler(oldValue, newValue); err != nil {
			return &VetoError{Topic: topic, Reason: err.Error()}
		}
	}
	return nil
}

// Topics returns the currently subscribed topic names of b, sorted, mainly
// useful for diagnostics and tests.
func (b *Bus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for t := range b.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

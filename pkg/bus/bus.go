package bus

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
)

// DefaultHistoryCap is the event history capacity used when New is given a
// non-positive cap.
const DefaultHistoryCap = 100

// ErrWaitTimeout is returned by WaitFor when no event arrives on the channel
// within the timeout. Check with errors.Is.
var ErrWaitTimeout = errors.New("timed out waiting for event")

// Handler processes a single event. Handlers run synchronously during
// dispatch and must not block on the bus itself; a publish from inside a
// handler is queued, not recursed into.
type Handler func(Event)

// Subscription is a registered handler on one channel.
// Unsubscribe detaches it; safe to call multiple times.
type Subscription struct {
	id      int64
	channel string
	handler Handler
	once    bool
	bus     *Bus
}

// Unsubscribe removes the subscription from its bus.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.channel, s.id)
}

// Bus is a typed publish/subscribe channel with bounded history.
// The zero value is not usable; create instances with New.
type Bus struct {
	mu          sync.Mutex
	nextID      int64
	subscribers map[string][]*Subscription
	history     []Event
	historyCap  int
	queue       []Event
	dispatching bool
}

// New creates a bus whose event history retains at most historyCap entries,
// oldest evicted first. A non-positive cap selects DefaultHistoryCap.
func New(historyCap int) *Bus {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &Bus{
		subscribers: make(map[string][]*Subscription),
		historyCap:  historyCap,
	}
}

// Subscribe registers a handler for every event published on channel.
// Handlers for a channel are invoked in subscription order.
func (b *Bus) Subscribe(channel string, handler Handler) *Subscription {
	return b.subscribe(channel, handler, false)
}

// SubscribeOnce registers a handler that is removed after exactly one
// invocation, even if the channel fires multiple times within the same
// synchronous dispatch.
func (b *Bus) SubscribeOnce(channel string, handler Handler) *Subscription {
	return b.subscribe(channel, handler, true)
}

func (b *Bus) subscribe(channel string, handler Handler, once bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		channel: channel,
		handler: handler,
		once:    once,
		bus:     b,
	}
	b.subscribers[channel] = append(b.subscribers[channel], sub)
	return sub
}

func (b *Bus) remove(channel string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[channel]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish emits payload on channel with the current timestamp.
func (b *Bus) Publish(channel string, payload any) {
	b.PublishEvent(Event{Channel: channel, Payload: payload})
}

// PublishEvent emits a fully-formed event. A zero timestamp is stamped with
// the current time. The event is appended to history before dispatch, so
// history preserves emission order even for queued nested publishes.
//
// Dispatch is fire-and-forget: the publisher does not await subscriber
// completion semantics beyond the synchronous calls themselves, and a
// subscriber failure is logged without reaching the publisher.
func (b *Bus) PublishEvent(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.appendHistory(evt)
	b.queue = append(b.queue, evt)
	if b.dispatching {
		// A dispatch loop is already draining the queue; the event will be
		// processed after the current one completes.
		b.mu.Unlock()
		return
	}
	b.dispatching = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		subs := b.detachForDispatch(next.Channel)
		b.mu.Unlock()

		for _, sub := range subs {
			b.invoke(sub, next)
		}

		b.mu.Lock()
	}
	b.dispatching = false
	b.mu.Unlock()
}

// detachForDispatch snapshots the channel's subscriber list and removes
// once-subscriptions before any handler runs. Removing first guarantees a
// once-handler cannot be picked up again by a second publish queued in the
// same dispatch. Caller must hold b.mu.
func (b *Bus) detachForDispatch(channel string) []*Subscription {
	subs := b.subscribers[channel]
	if len(subs) == 0 {
		return nil
	}

	snapshot := make([]*Subscription, len(subs))
	copy(snapshot, subs)

	remaining := subs[:0]
	for _, s := range subs {
		if !s.once {
			remaining = append(remaining, s)
		}
	}
	b.subscribers[channel] = remaining

	return snapshot
}

// invoke runs a single handler, converting a panic into a logged event.
func (b *Bus) invoke(sub *Subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logEvent("subscriber_panic", map[string]interface{}{
				"channel": evt.Channel,
				"panic":   toString(r),
			})
		}
	}()
	sub.handler(evt)
}

func (b *Bus) appendHistory(evt Event) {
	b.history = append(b.history, evt)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
}

// Result is the outcome of a WaitFor call: the matched event, or an error
// wrapping ErrWaitTimeout.
type Result struct {
	Event Event
	Err   error
}

// WaitFor registers a temporary one-shot handler for channel and a timer for
// timeout. Whichever fires first cancels the other, so neither the handler
// nor the timer outlives the call. The returned channel receives exactly one
// Result and is buffered, so the caller may abandon it.
func (b *Bus) WaitFor(channel string, timeout time.Duration) <-chan Result {
	out := make(chan Result, 1)
	var once sync.Once
	var timerMu sync.Mutex
	var timer *time.Timer

	sub := b.SubscribeOnce(channel, func(evt Event) {
		once.Do(func() {
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timerMu.Unlock()
			out <- Result{Event: evt}
		})
	})

	t := time.AfterFunc(timeout, func() {
		once.Do(func() {
			sub.Unsubscribe()
			out <- Result{Err: &waitTimeoutError{channel: channel, timeout: timeout}}
		})
	})
	timerMu.Lock()
	timer = t
	timerMu.Unlock()

	return out
}

// waitTimeoutError carries the channel and timeout for error messages while
// matching ErrWaitTimeout via errors.Is.
type waitTimeoutError struct {
	channel string
	timeout time.Duration
}

func (e *waitTimeoutError) Error() string {
	return "timed out waiting for event on " + e.channel + " after " + e.timeout.String()
}

func (e *waitTimeoutError) Is(target error) bool {
	return target == ErrWaitTimeout
}

// History returns retained events in emission order. With no filter it
// returns the full retained history; with channel filters it returns only
// events on those channels. The returned slice is a copy.
func (b *Bus) History(channels ...string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(channels) == 0 {
		out := make([]Event, len(b.history))
		copy(out, b.history)
		return out
	}

	wanted := make(map[string]bool, len(channels))
	for _, ch := range channels {
		wanted[ch] = true
	}

	var out []Event
	for _, evt := range b.history {
		if wanted[evt.Channel] {
			out = append(out, evt)
		}
	}
	return out
}

// SubscriberCount reports the number of active subscriptions on a channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[channel])
}

// Reset removes every subscription on every channel. History is retained.
// Used at session shutdown.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]*Subscription)
}

// logEvent logs a structured event in JSON format.
func (b *Bus) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "error"
	data["component"] = "bus"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Bus] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "unprintable panic value"
	}
	return string(data)
}

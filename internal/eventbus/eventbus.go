// Package eventbus implements a glob-filterable publish/subscribe bus
// with deferred delivery.
//
// Casting is restricted to the bus owner: New hands the cast capability
// to a callback supplied at construction time and never exposes it
// again. Delivery happens on a dedicated dispatcher goroutine, never
// synchronously within cast, so listeners may freely mutate the
// subscriber set.
package eventbus

import (
	"reflect"
	"regexp"
	"strings"
	"sync"
)

// Callback receives the event name followed by the cast arguments.
type Callback func(event string, args ...any)

// Cast fires an event on the bus. Only the owner holds it.
type Cast func(event string, args ...any)

type subscription struct {
	owner  uintptr
	cb     Callback
	filter *regexp.Regexp
	once   bool
	active bool
}

type delivery struct {
	sub   *subscription
	event string
	args  []any
}

// Bus is a glob-filterable event bus with deferred delivery.
type Bus struct {
	mu     sync.Mutex
	subs   map[uintptr][]*subscription
	queue  []delivery
	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a bus and hands the cast capability to grab, once.
func New(grab func(Cast)) *Bus {
	b := &Bus{
		subs:   make(map[uintptr][]*subscription),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	if grab != nil {
		grab(b.cast)
	}
	return b
}

// Close stops the dispatcher. Queued deliveries are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	select {
	case <-b.stopCh:
		b.mu.Unlock()
		return
	default:
	}
	close(b.stopCh)
	b.mu.Unlock()
	b.wg.Wait()
}

// On subscribes cb under filter. A callback may be subscribed under any
// number of filters.
func (b *Bus) On(filter string, cb Callback) error {
	return b.subscribe(filter, cb, false)
}

// Once subscribes cb under filter for a single matching event.
func (b *Bus) Once(filter string, cb Callback) error {
	return b.subscribe(filter, cb, true)
}

// callbackID identifies a callback for Off: all subscriptions created
// from the same function value share one id.
func callbackID(cb Callback) uintptr {
	return reflect.ValueOf(cb).Pointer()
}

func (b *Bus) subscribe(filter string, cb Callback, once bool) error {
	re, err := CompileFilter(filter)
	if err != nil {
		return err
	}
	id := callbackID(cb)
	sub := &subscription{owner: id, cb: cb, filter: re, once: once, active: true}
	b.mu.Lock()
	b.subs[id] = append(b.subs[id], sub)
	b.mu.Unlock()
	return nil
}

// Off removes every subscription of cb, under all filters.
func (b *Bus) Off(cb Callback) {
	id := callbackID(cb)
	b.mu.Lock()
	for _, sub := range b.subs[id] {
		sub.active = false
	}
	delete(b.subs, id)
	b.mu.Unlock()
}

// cast samples the current subscriber set and schedules every matching
// callback for deferred invocation. It returns immediately.
func (b *Bus) cast(event string, args ...any) {
	b.mu.Lock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			if sub.filter.MatchString(event) {
				b.queue = append(b.queue, delivery{sub: sub, event: event, args: args})
			}
		}
	}
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		queue := b.queue
		b.queue = nil
		b.mu.Unlock()

		for _, d := range queue {
			b.deliver(d)
		}

		select {
		case <-b.stopCh:
			return
		case <-b.wake:
		}
	}
}

// deliver re-checks membership at delivery time: a callback removed
// between cast and delivery must not fire.
func (b *Bus) deliver(d delivery) {
	b.mu.Lock()
	if !d.sub.active {
		b.mu.Unlock()
		return
	}
	if d.sub.once {
		d.sub.active = false
		b.removeLocked(d.sub)
	}
	b.mu.Unlock()

	func() {
		defer func() {
			// Listener panics are isolated from cast and from other
			// listeners.
			_ = recover()
		}()
		d.sub.cb(d.event, d.args...)
	}()
}

func (b *Bus) removeLocked(sub *subscription) {
	subs := b.subs[sub.owner]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.owner] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.owner]) == 0 {
		delete(b.subs, sub.owner)
	}
}

// CompileFilter compiles an event filter to a matcher. "*" matches
// exactly one segment, "**" matches zero or more segments.
func CompileFilter(filter string) (*regexp.Regexp, error) {
	const segment = `[A-Za-z0-9_/.-]+`
	segs := strings.Split(filter, ":")
	var sb strings.Builder
	sb.WriteString(`^`)
	needSep := false
	for i, seg := range segs {
		switch seg {
		case "**":
			// The group carries its own separators so that matching zero
			// segments collapses the adjacent colons.
			switch {
			case i == 0 && i == len(segs)-1:
				sb.WriteString(`(?:` + segment + `(?::` + segment + `)*)?`)
			case i == 0:
				sb.WriteString(`(?:` + segment + `:)*`)
				needSep = false
			default:
				sb.WriteString(`(?::` + segment + `)*`)
				needSep = true
			}
		case "*":
			if needSep {
				sb.WriteString(`:`)
			}
			sb.WriteString(segment)
			needSep = true
		default:
			if needSep {
				sb.WriteString(`:`)
			}
			sb.WriteString(regexp.QuoteMeta(seg))
			needSep = true
		}
	}
	sb.WriteString(`$`)
	return regexp.Compile(sb.String())
}

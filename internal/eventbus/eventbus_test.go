package eventbus

import (
	"sync"
	"testing"
	"time"
)

func newTestBus(t *testing.T) (*Bus, Cast) {
	t.Helper()
	var cast Cast
	bus := New(func(c Cast) { cast = c })
	if cast == nil {
		t.Fatal("constructor should hand out the cast capability")
	}
	t.Cleanup(bus.Close)
	return bus, cast
}

func TestFilterMatching(t *testing.T) {
	cases := []struct {
		filter string
		event  string
		match  bool
	}{
		{"start", "start", true},
		{"start", "start:ok", false},
		{"*", "start", true},
		{"*", "start:ok", false},
		{"start:*", "start:ok", true},
		{"start:*", "start", false},
		{"**", "start", true},
		{"**", "start:ok:deep", true},
		{"start:**", "start", true},
		{"start:**", "start:ok", true},
		{"start:**", "stop:ok", false},
		{"**:error", "error", true},
		{"**:error", "a:b:error", true},
		{"**:error", "a:error:b", false},
		{"a:**:b", "a:b", true},
		{"a:**:b", "a:x:y:b", true},
		{"a:**:b", "a:b:c", false},
		{"a:*:**", "a:x", true},
		{"a:*:**", "a", false},
	}
	for _, c := range cases {
		re, err := CompileFilter(c.filter)
		if err != nil {
			t.Fatalf("CompileFilter(%q): %v", c.filter, err)
		}
		if got := re.MatchString(c.event); got != c.match {
			t.Errorf("filter %q on %q = %v, want %v", c.filter, c.event, got, c.match)
		}
	}
}

func TestCastDelivers(t *testing.T) {
	bus, cast := newTestBus(t)

	got := make(chan []any, 1)
	if err := bus.On("greet:*", func(event string, args ...any) {
		got <- append([]any{event}, args...)
	}); err != nil {
		t.Fatalf("On: %v", err)
	}

	cast("greet:world", 1, "two")
	select {
	case received := <-got:
		if received[0] != "greet:world" || received[1] != 1 || received[2] != "two" {
			t.Fatalf("unexpected delivery: %v", received)
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}

	cast("other:event")
	select {
	case received := <-got:
		t.Fatalf("non-matching event delivered: %v", received)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCastIsDeferred(t *testing.T) {
	bus, cast := newTestBus(t)

	var mu sync.Mutex
	delivered := false
	done := make(chan struct{})
	if err := bus.On("tick", func(event string, args ...any) {
		mu.Lock()
		delivered = true
		mu.Unlock()
		close(done)
	}); err != nil {
		t.Fatalf("On: %v", err)
	}

	cast("tick")
	// cast must return before the listener runs; the listener fires on
	// the dispatcher, never synchronously within cast.
	mu.Lock()
	if delivered {
		mu.Unlock()
		t.Fatal("delivery happened synchronously within cast")
	}
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected deferred delivery")
	}
}

func TestOffBetweenCastAndDelivery(t *testing.T) {
	bus, _ := newTestBus(t)

	fired := make(chan struct{}, 16)
	cb := func(event string, args ...any) { fired <- struct{}{} }
	if err := bus.On("x", cb); err != nil {
		t.Fatalf("On: %v", err)
	}

	// Queue a delivery while the dispatcher is parked, then remove the
	// callback before it can run.
	sub := bus.subsOf(cb)[0]
	bus.mu.Lock()
	bus.queue = append(bus.queue, delivery{sub: sub, event: "x"})
	bus.mu.Unlock()
	bus.Off(cb)
	select {
	case bus.wake <- struct{}{}:
	default:
	}

	select {
	case <-fired:
		t.Fatal("removed callback must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOffRemovesAllFilters(t *testing.T) {
	bus, cast := newTestBus(t)

	fired := make(chan string, 16)
	cb := func(event string, args ...any) { fired <- event }
	if err := bus.On("a", cb); err != nil {
		t.Fatalf("On: %v", err)
	}
	if err := bus.On("b:*", cb); err != nil {
		t.Fatalf("On: %v", err)
	}
	bus.Off(cb)

	cast("a")
	cast("b:c")
	select {
	case event := <-fired:
		t.Fatalf("callback fired for %q after Off", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnceFiresOnce(t *testing.T) {
	bus, cast := newTestBus(t)

	fired := make(chan string, 16)
	if err := bus.Once("ping", func(event string, args ...any) {
		fired <- event
	}); err != nil {
		t.Fatalf("Once: %v", err)
	}

	cast("ping")
	cast("ping")
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected one delivery")
	}
	select {
	case <-fired:
		t.Fatal("once listener fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSingleSubscriberOrdering(t *testing.T) {
	bus, cast := newTestBus(t)

	events := make(chan string, 64)
	if err := bus.On("seq:*", func(event string, args ...any) {
		events <- event
	}); err != nil {
		t.Fatalf("On: %v", err)
	}

	want := []string{"seq:a", "seq:b", "seq:c", "seq:d"}
	for _, event := range want {
		cast(event)
	}
	for _, expected := range want {
		select {
		case got := <-events:
			if got != expected {
				t.Fatalf("out of order: got %q, want %q", got, expected)
			}
		case <-time.After(time.Second):
			t.Fatal("missing delivery")
		}
	}
}

func TestListenerPanicIsolated(t *testing.T) {
	bus, cast := newTestBus(t)

	done := make(chan struct{})
	if err := bus.On("boom", func(event string, args ...any) {
		panic("listener failure")
	}); err != nil {
		t.Fatalf("On: %v", err)
	}
	if err := bus.On("after", func(event string, args ...any) {
		close(done)
	}); err != nil {
		t.Fatalf("On: %v", err)
	}

	cast("boom")
	cast("after")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher should survive a panicking listener")
	}
}

// subsOf exposes the subscription list for white-box tests.
func (b *Bus) subsOf(cb Callback) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[callbackID(cb)]
}

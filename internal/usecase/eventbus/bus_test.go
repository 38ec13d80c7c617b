package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"opsdeck/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(name string) domain.Event {
	return domain.Event{Name: name}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe("agent.status", func(e domain.Event) {
		if e.Name == "agent.status" {
			got.Add(1)
		}
	})

	bus.Publish(newEvent("agent.status"))
	bus.Publish(newEvent("cron.fired"))
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestWildcardSeesEveryName(t *testing.T) {
	bus := newTestBus()

	var names []string
	bus.Subscribe(domain.WildcardEvent, func(e domain.Event) {
		names = append(names, e.Name)
	})

	bus.Publish(newEvent("agent.status"))
	bus.Publish(newEvent("cron.fired"))

	if len(names) != 2 || names[0] != "agent.status" || names[1] != "cron.fired" {
		t.Fatalf("names = %v", names)
	}
}

func TestExactBeforeWildcardInRegistrationOrder(t *testing.T) {
	bus := newTestBus()

	var order []string
	bus.Subscribe(domain.WildcardEvent, func(domain.Event) { order = append(order, "wild-1") })
	bus.Subscribe("tick", func(domain.Event) { order = append(order, "exact-1") })
	bus.Subscribe(domain.WildcardEvent, func(domain.Event) { order = append(order, "wild-2") })
	bus.Subscribe("tick", func(domain.Event) { order = append(order, "exact-2") })

	bus.Publish(newEvent("tick"))

	want := []string{"exact-1", "exact-2", "wild-1", "wild-2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestUnsubscribeOnlyRemovesThatHandler(t *testing.T) {
	bus := newTestBus()

	var first, second atomic.Int32
	unsub := bus.Subscribe("tick", func(domain.Event) { first.Add(1) })
	bus.Subscribe("tick", func(domain.Event) { second.Add(1) })

	bus.Publish(newEvent("tick"))
	unsub()
	unsub() // idempotent
	bus.Publish(newEvent("tick"))

	if first.Load() != 1 {
		t.Fatalf("first = %d, want 1", first.Load())
	}
	if second.Load() != 2 {
		t.Fatalf("second = %d, want 2", second.Load())
	}
	if bus.Len("tick") != 1 {
		t.Fatalf("Len = %d, want 1", bus.Len("tick"))
	}
}

func TestSameFunctionRegisteredTwice(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	h := func(domain.Event) { got.Add(1) }
	unsub := bus.Subscribe("tick", h)
	bus.Subscribe("tick", h)

	unsub()
	bus.Publish(newEvent("tick"))
	if got.Load() != 1 {
		t.Fatalf("expected the second registration to survive, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe("tick", func(domain.Event) { panic("boom") })
	bus.Subscribe("tick", func(domain.Event) { got.Add(1) })
	bus.Subscribe(domain.WildcardEvent, func(domain.Event) { got.Add(1) })

	bus.Publish(newEvent("tick"))

	if got.Load() != 2 {
		t.Fatalf("expected 2 deliveries after panic, got %d", got.Load())
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	var unsub func()
	unsub = bus.Subscribe("tick", func(domain.Event) {
		got.Add(1)
		unsub()
	})
	bus.Subscribe("tick", func(domain.Event) { got.Add(1) })

	bus.Publish(newEvent("tick"))
	bus.Publish(newEvent("tick"))

	if got.Load() != 3 {
		t.Fatalf("got %d, want 3", got.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe("tick", func(domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(newEvent("tick"))
		}()
	}
	wg.Wait()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

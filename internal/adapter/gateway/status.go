package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Status is delivered to observers on every state change.
type Status struct {
	State State
	// Attempt is the reconnect counter after the change.
	Attempt int
	// Delay is set when a reconnect was just scheduled.
	Delay time.Duration
	// Hello is the handshake response payload, set on reaching Connected.
	Hello json.RawMessage
	// Err explains a drop, a rejected handshake or a terminal stop.
	Err error
	// Terminal is true when no further reconnect will happen on its own.
	Terminal bool
}

// StatusObserver receives status changes. It runs on the goroutine that
// caused the change and must not block.
type StatusObserver func(Status)

type observerEntry struct {
	id uint64
	fn StatusObserver
}

type observers struct {
	mu     sync.Mutex
	nextID uint64
	list   []observerEntry
	logger *slog.Logger
}

func (o *observers) add(fn StatusObserver) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.list = append(o.list, observerEntry{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, e := range o.list {
				if e.id == id {
					o.list = append(o.list[:i:i], o.list[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers) notify(s Status) {
	o.mu.Lock()
	snapshot := make([]observerEntry, len(o.list))
	copy(snapshot, o.list)
	o.mu.Unlock()

	for _, e := range snapshot {
		o.call(e.fn, s)
	}
}

// call runs one observer. A panic is recovered and logged so the remaining
// observers still run and the calling goroutine survives.
func (o *observers) call(fn StatusObserver, s Status) {
	defer func() {
		if r := recover(); r != nil && o.logger != nil {
			o.logger.Error("status observer panicked",
				"state", s.State.String(),
				"panic", r,
			)
		}
	}()
	fn(s)
}

package signaling

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

var ErrTransportClosed = errors.New("signaling transport closed")

// Handler receives the raw data of one incoming event.
type Handler func(data json.RawMessage)

// Transport is the bidirectional, event-oriented channel to the signaling relay.
// Handlers registered on one transport are called one at a time, in delivery order.
// Emit may be called from any goroutine.
type Transport interface {
	// ID is the relay assigned identifier of this participant.
	ID() string
	// Emit sends one event. It fails once the transport is closed.
	Emit(event string, payload any) error
	// On registers a handler for event and returns a func that removes it.
	On(event string, handler Handler) (off func())
	// Done is closed once the connection to the relay is gone.
	Done() <-chan struct{}
}

// Dispatcher keeps the handlers registered for each event name.
// It is shared by the transport implementations.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]map[uint64]Handler)}
}

func (d *Dispatcher) On(event string, handler Handler) (off func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[uint64]Handler)
	}
	d.handlers[event][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.handlers[event], id)
			if len(d.handlers[event]) == 0 {
				delete(d.handlers, event)
			}
		})
	}
}

// Dispatch calls every handler registered for event, oldest registration first.
// It returns false when nobody listens for the event.
func (d *Dispatcher) Dispatch(event string, data json.RawMessage) bool {
	d.mu.RLock()
	ids := make([]uint64, 0, len(d.handlers[event]))
	for id := range d.handlers[event] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, d.handlers[event][id])
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return len(handlers) > 0
}

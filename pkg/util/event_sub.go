package util

import (
	"sync"
)

// EventSub is a simple fan-out event subscription system using go channels.
// based on PubSub from https://eli.thegreenplace.net/2020/pubsub-using-channels-in-go/
// Pushes never block: a subscriber whose buffer is full misses that event.
type EventSub[Typ any] struct {
	mu        sync.RWMutex
	subs      []chan *Typ
	closed    bool
	bufferAmt uint
}

// NewEventSub creates a new EventSub struct of the passed type with the given buffer amount
// bufferAmt is the number of events a subscriber can fall behind before it starts missing events (1 or greater is recommended)
func NewEventSub[Typ any](bufferAmt uint) *EventSub[Typ] {
	return &EventSub[Typ]{
		subs:      make([]chan *Typ, 0),
		closed:    false,
		bufferAmt: bufferAmt,
	}
}

// Subscribe returns a new channel that receives every event pushed after this call.
// Subscribing to a closed EventSub returns an already closed channel.
func (es *EventSub[Typ]) Subscribe() <-chan *Typ {
	es.mu.Lock()
	defer es.mu.Unlock()

	ch := make(chan *Typ, es.bufferAmt)
	if es.closed {
		close(ch)
		return ch
	}
	es.subs = append(es.subs, ch)
	return ch
}

func (es *EventSub[Typ]) UnSubscribe(c <-chan *Typ) {
	es.mu.Lock()
	defer es.mu.Unlock()

	for i, ch := range es.subs {
		if ch == c {
			close(ch)
			// remove the channel from the list: https://stackoverflow.com/questions/37334119/how-to-delete-an-element-from-a-slice-in-golang
			es.subs[i] = es.subs[len(es.subs)-1]
			es.subs = es.subs[:len(es.subs)-1]
			return
		}
	}
}

// Push sends data to every subscriber and returns how many subscribers missed it.
func (es *EventSub[Typ]) Push(data *Typ) (dropped int) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	if es.closed {
		return 0
	}

	for _, ch := range es.subs {
		select {
		case ch <- data:
		default:
			dropped++
		}
	}
	return dropped
}

func (es *EventSub[Typ]) Close() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.closed {
		es.closed = true
		for _, ch := range es.subs {
			close(ch)
		}
		es.subs = nil
	}
}

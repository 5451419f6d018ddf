package relay

import (
	"errors"

	"github.com/google/uuid"
	"github.com/kw-m/webrtc-mesh/pkg/signaling"
	"github.com/kw-m/webrtc-mesh/pkg/util"
)

var errInboxFull = errors.New("inbox full")

// LocalTransport is a signaling.Transport wired straight into a Hub without any network in between.
// Incoming events are dispatched from a single goroutine in delivery order.
type LocalTransport struct {
	id    string
	hub   *Hub
	inbox chan *signaling.Envelope
	stop  *util.UnblockSignal
	*signaling.Dispatcher
}

// Connect attaches a new in-process participant with a random id.
func (h *Hub) Connect() (*LocalTransport, error) {
	return h.ConnectWithID(uuid.NewString())
}

// ConnectWithID attaches a new in-process participant with the given id.
func (h *Hub) ConnectWithID(id string) (*LocalTransport, error) {
	t := &LocalTransport{
		id:         id,
		hub:        h,
		inbox:      make(chan *signaling.Envelope, 1024),
		stop:       util.NewUnblockSignal(),
		Dispatcher: signaling.NewDispatcher(),
	}
	go t.dispatchLoop()
	if err := h.Register(t); err != nil {
		t.stop.Trigger()
		return nil, err
	}
	return t, nil
}

func (t *LocalTransport) ID() string {
	return t.id
}

func (t *LocalTransport) Done() <-chan struct{} {
	return t.stop.GetSignal()
}

func (t *LocalTransport) Emit(event string, payload any) error {
	if t.stop.HasTriggered() {
		return signaling.ErrTransportClosed
	}
	env, err := signaling.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	// the hub reports rejected events back through an error event, like it does for websocket sessions
	_ = t.hub.Handle(t.id, env.Event, env.Data)
	return nil
}

// Deliver is called by the hub.
func (t *LocalTransport) Deliver(env *signaling.Envelope) error {
	if t.stop.HasTriggered() {
		return signaling.ErrTransportClosed
	}
	select {
	case t.inbox <- env:
		return nil
	default:
		return errInboxFull
	}
}

// Close simulates the connection dropping: the hub announces the departure to the room.
func (t *LocalTransport) Close() {
	if t.stop.HasTriggered() {
		return
	}
	t.hub.Unregister(t.id)
	t.stop.Trigger()
}

/* dispatchLoop (blocking goroutine)
 * hands inbox events to the registered handlers until the transport is closed
 */
func (t *LocalTransport) dispatchLoop() {
	for {
		select {
		case env := <-t.inbox:
			t.Dispatch(env.Event, env.Data)
		case <-t.stop.GetSignal():
			return
		}
	}
}

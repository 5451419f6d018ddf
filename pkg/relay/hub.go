package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kw-m/webrtc-mesh/pkg/signaling"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUnknownEvent  = errors.New("unknown event")
	ErrNotInRoom     = errors.New("sender has not joined a room")
	ErrUnknownTarget = errors.New("target is not connected to this room")
)

// Peer is one connection attached to the hub.
// Deliver must not block: the hub calls it while holding its lock.
type Peer interface {
	ID() string
	Deliver(env *signaling.Envelope) error
}

type member struct {
	peer     Peer
	room     string
	producer bool
}

// Hub keeps the room roster and routes signaling events between the members of a room.
type Hub struct {
	mu      sync.Mutex
	members map[string]*member
	rooms   map[string]map[string]*member
	log     *log.Entry
}

func NewHub(logger *log.Entry) *Hub {
	return &Hub{
		members: make(map[string]*member),
		rooms:   make(map[string]map[string]*member),
		log:     logger.WithField("src", "hub"),
	}
}

// Register attaches a connection and greets it with its identifier.
func (h *Hub) Register(p Peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.members[p.ID()]; exists {
		return fmt.Errorf("peer %s is already registered", p.ID())
	}
	h.members[p.ID()] = &member{peer: p}
	h.log.Debug("Registered ", p.ID())
	return h.send(p, signaling.EventWelcome, signaling.WelcomePayload{ID: p.ID()})
}

// Unregister detaches a connection, telling the rest of its room that it is gone.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[id]
	if !ok {
		return
	}
	h.leaveRoom(m, signaling.EventUserDisconnected)
	delete(h.members, id)
	h.log.Debug("Unregistered ", id)
}

// RoomMembers returns the sorted ids of the connections currently in room.
func (h *Hub) RoomMembers(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handle applies one event sent by the connection with id from.
// Errors are also reported back to the sender as an error event.
func (h *Hub) Handle(from string, event string, data json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[from]
	if !ok {
		return fmt.Errorf("event %s from unregistered peer %s", event, from)
	}

	var err error
	switch event {
	case signaling.EventJoin:
		err = h.handleJoin(m, data)
	case signaling.EventNewProducer:
		err = h.handleNewProducer(m)
	case signaling.EventOffer, signaling.EventAnswer, signaling.EventICECandidate:
		err = h.forward(m, event, data)
	case signaling.EventLeave:
		if m.room == "" {
			err = ErrNotInRoom
		} else {
			h.leaveRoom(m, signaling.EventPeerLeft)
		}
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}

	if err != nil {
		h.log.WithField("from", from).Warn("Rejected ", event, ": ", err)
		_ = h.send(m.peer, signaling.EventError, signaling.ErrorPayload{Error: err.Error()})
	}
	return err
}

func (h *Hub) handleJoin(m *member, data json.RawMessage) error {
	var p signaling.RoomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		return errors.New("join requires a roomId")
	}
	if m.room == p.RoomID {
		return nil
	}
	if m.room != "" {
		h.leaveRoom(m, signaling.EventPeerLeft)
	}
	if h.rooms[p.RoomID] == nil {
		h.rooms[p.RoomID] = make(map[string]*member)
	}
	h.rooms[p.RoomID][m.peer.ID()] = m
	m.room = p.RoomID
	h.log.WithField("room", p.RoomID).Info(m.peer.ID(), " joined")
	return nil
}

// handleNewProducer answers the announcer with the producers already in the room
// and tells those producers about the announcer.
func (h *Hub) handleNewProducer(m *member) error {
	if m.room == "" {
		return ErrNotInRoom
	}
	m.producer = true

	existing := make([]signaling.ProducerInfo, 0)
	for _, id := range h.sortedRoomIDs(m.room) {
		other := h.rooms[m.room][id]
		if other == m || !other.producer {
			continue
		}
		existing = append(existing, signaling.ProducerInfo{ProducerID: id})
		_ = h.send(other.peer, signaling.EventNewProducerAvailable, signaling.ProducerInfo{ProducerID: m.peer.ID()})
	}
	return h.send(m.peer, signaling.EventExistingProducers, existing)
}

// forward relays offer / answer / ice-candidate payloads to their "to" target, stamping "from".
func (h *Hub) forward(m *member, event string, data json.RawMessage) error {
	if m.room == "" {
		return ErrNotInRoom
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("malformed %s payload: %w", event, err)
	}
	var to string
	if raw, ok := fields["to"]; !ok || json.Unmarshal(raw, &to) != nil || to == "" {
		return fmt.Errorf("%s requires a target", event)
	}
	target, ok := h.rooms[m.room][to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, to)
	}

	delete(fields, "to")
	fields["from"], _ = json.Marshal(m.peer.ID())
	if _, ok := fields["roomId"]; !ok {
		fields["roomId"], _ = json.Marshal(m.room)
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return h.send(target.peer, event, json.RawMessage(out))
}

func (h *Hub) leaveRoom(m *member, event string) {
	if m.room == "" {
		return
	}
	room := m.room
	delete(h.rooms[room], m.peer.ID())
	m.room = ""
	m.producer = false

	payload := signaling.PeerLeftPayload{PeerID: m.peer.ID(), ProducerID: m.peer.ID()}
	for _, id := range h.sortedRoomIDs(room) {
		_ = h.send(h.rooms[room][id].peer, event, payload)
	}
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	h.log.WithField("room", room).Info(m.peer.ID(), " left")
}

func (h *Hub) sortedRoomIDs(room string) []string {
	ids := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) send(p Peer, event string, payload any) error {
	env, err := signaling.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	if err := p.Deliver(env); err != nil {
		h.log.WithField("to", p.ID()).Warn("Dropped ", event, ": ", err)
		return err
	}
	return nil
}

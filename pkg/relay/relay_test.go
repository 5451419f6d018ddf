package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kw-m/webrtc-mesh/pkg/config"
	"github.com/kw-m/webrtc-mesh/pkg/signaling"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPeer stores everything the hub delivers to it.
type recordingPeer struct {
	id  string
	mu  sync.Mutex
	got []*signaling.Envelope
}

func (p *recordingPeer) ID() string { return p.id }

func (p *recordingPeer) Deliver(env *signaling.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, env)
	return nil
}

func (p *recordingPeer) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.got))
	for _, env := range p.got {
		names = append(names, env.Event)
	}
	return names
}

func (p *recordingPeer) last(event string) json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.got) - 1; i >= 0; i-- {
		if p.got[i].Event == event {
			return p.got[i].Data
		}
	}
	return nil
}

func testHub(t *testing.T) *Hub {
	return NewHub(log.WithField("test", t.Name()))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func joinAndProduce(t *testing.T, h *Hub, p *recordingPeer, room string) {
	require.NoError(t, h.Register(p))
	require.NoError(t, h.Handle(p.id, signaling.EventJoin, mustJSON(t, signaling.RoomPayload{RoomID: room})))
	require.NoError(t, h.Handle(p.id, signaling.EventNewProducer, mustJSON(t, signaling.NewProducerPayload{RoomID: room, ProducerID: p.id})))
}

func TestHubAnnouncesProducers(t *testing.T) {
	h := testHub(t)
	a := &recordingPeer{id: "A"}
	b := &recordingPeer{id: "B"}

	joinAndProduce(t, h, a, "R1")
	assert.Equal(t, []string{signaling.EventWelcome, signaling.EventExistingProducers}, a.events())
	assert.JSONEq(t, `[]`, string(a.last(signaling.EventExistingProducers)))

	joinAndProduce(t, h, b, "R1")
	assert.JSONEq(t, `[{"producerId":"A"}]`, string(b.last(signaling.EventExistingProducers)))
	assert.JSONEq(t, `{"producerId":"B"}`, string(a.last(signaling.EventNewProducerAvailable)))
	assert.Equal(t, []string{"A", "B"}, h.RoomMembers("R1"))
}

func TestHubForwardsWithSender(t *testing.T) {
	h := testHub(t)
	a := &recordingPeer{id: "A"}
	b := &recordingPeer{id: "B"}
	joinAndProduce(t, h, a, "R1")
	joinAndProduce(t, h, b, "R1")

	err := h.Handle("B", signaling.EventOffer, json.RawMessage(`{"roomId":"R1","to":"A","offer":{"type":"offer","sdp":"x"}}`))
	require.NoError(t, err)

	var offer signaling.OfferPayload
	require.NoError(t, json.Unmarshal(a.last(signaling.EventOffer), &offer))
	assert.Equal(t, "B", offer.From)
	assert.Empty(t, offer.To)
	assert.Equal(t, "R1", offer.RoomID)
	assert.Equal(t, "x", offer.Offer.SDP)

	err = h.Handle("B", signaling.EventICECandidate, json.RawMessage(`{"to":"nobody","candidate":{"candidate":"c"}}`))
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.NotNil(t, b.last(signaling.EventError))
}

func TestHubRejectsEventsOutsideRoom(t *testing.T) {
	h := testHub(t)
	a := &recordingPeer{id: "A"}
	require.NoError(t, h.Register(a))

	assert.ErrorIs(t, h.Handle("A", signaling.EventNewProducer, nil), ErrNotInRoom)
	assert.ErrorIs(t, h.Handle("A", signaling.EventOffer, json.RawMessage(`{"to":"B"}`)), ErrNotInRoom)
	assert.ErrorIs(t, h.Handle("A", "dance", nil), ErrUnknownEvent)
	assert.Error(t, h.Handle("A", signaling.EventJoin, json.RawMessage(`{}`)))
	assert.Error(t, h.Register(a), "duplicate ids are refused")
}

func TestHubDepartures(t *testing.T) {
	h := testHub(t)
	a := &recordingPeer{id: "A"}
	b := &recordingPeer{id: "B"}
	c := &recordingPeer{id: "C"}
	joinAndProduce(t, h, a, "R1")
	joinAndProduce(t, h, b, "R1")
	joinAndProduce(t, h, c, "R1")

	require.NoError(t, h.Handle("B", signaling.EventLeave, mustJSON(t, signaling.RoomPayload{RoomID: "R1"})))
	assert.JSONEq(t, `{"peerId":"B","producerId":"B"}`, string(a.last(signaling.EventPeerLeft)))
	assert.JSONEq(t, `{"peerId":"B","producerId":"B"}`, string(c.last(signaling.EventPeerLeft)))

	h.Unregister("C")
	assert.JSONEq(t, `{"peerId":"C","producerId":"C"}`, string(a.last(signaling.EventUserDisconnected)))
	assert.Equal(t, []string{"A"}, h.RoomMembers("R1"))

	h.Unregister("A")
	assert.Empty(t, h.RoomMembers("R1"))
}

func TestLocalTransportDeliversInOrder(t *testing.T) {
	h := testHub(t)
	a, err := h.ConnectWithID("A")
	require.NoError(t, err)
	b, err := h.ConnectWithID("B")
	require.NoError(t, err)

	got := make(chan string, 10)
	a.On(signaling.EventICECandidate, func(data json.RawMessage) {
		var c signaling.CandidatePayload
		if json.Unmarshal(data, &c) == nil {
			got <- c.Candidate.Candidate
		}
	})

	for _, tr := range []*LocalTransport{a, b} {
		require.NoError(t, tr.Emit(signaling.EventJoin, signaling.RoomPayload{RoomID: "R1"}))
	}
	for _, cand := range []string{"c1", "c2", "c3"} {
		require.NoError(t, b.Emit(signaling.EventICECandidate, map[string]any{"to": "A", "candidate": map[string]string{"candidate": cand}}))
	}
	for _, want := range []string{"c1", "c2", "c3"} {
		select {
		case cand := <-got:
			assert.Equal(t, want, cand)
		case <-time.After(2 * time.Second):
			t.Fatal("candidate not delivered")
		}
	}

	b.Close()
	<-b.Done()
	assert.ErrorIs(t, b.Emit(signaling.EventLeave, nil), signaling.ErrTransportClosed)
	assert.Equal(t, []string{"A"}, h.RoomMembers("R1"))
}

func TestWebsocketRelayEndToEnd(t *testing.T) {
	server := NewServer(config.GetDefaultMeshConfig().Relay, log.WithField("test", t.Name()))
	httpServer := httptest.NewServer(server.Router())
	defer httpServer.Close()

	res, err := http.Get(httpServer.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := signaling.NewClient(wsURL, log.WithField("peer", "a"))
	require.NoError(t, a.Connect(ctx))
	defer a.Close()
	b := signaling.NewClient(wsURL, log.WithField("peer", "b"))
	require.NoError(t, b.Connect(ctx))
	defer b.Close()
	assert.NotEqual(t, a.ID(), b.ID())

	available := make(chan string, 1)
	a.On(signaling.EventNewProducerAvailable, func(data json.RawMessage) {
		var p signaling.ProducerInfo
		if json.Unmarshal(data, &p) == nil {
			available <- p.ProducerID
		}
	})
	existing := make(chan []signaling.ProducerInfo, 2)
	b.On(signaling.EventExistingProducers, func(data json.RawMessage) {
		var list []signaling.ProducerInfo
		if json.Unmarshal(data, &list) == nil {
			existing <- list
		}
	})
	aAnnounced := make(chan struct{}, 1)
	a.On(signaling.EventExistingProducers, func(json.RawMessage) { aAnnounced <- struct{}{} })

	require.NoError(t, a.Emit(signaling.EventJoin, signaling.RoomPayload{RoomID: "R1"}))
	require.NoError(t, a.Emit(signaling.EventNewProducer, signaling.NewProducerPayload{RoomID: "R1", ProducerID: a.ID()}))
	select {
	case <-aAnnounced:
	case <-time.After(5 * time.Second):
		t.Fatal("first participant was never announced")
	}
	assert.Equal(t, []string{a.ID()}, server.Hub.RoomMembers("R1"))

	require.NoError(t, b.Emit(signaling.EventJoin, signaling.RoomPayload{RoomID: "R1"}))
	require.NoError(t, b.Emit(signaling.EventNewProducer, signaling.NewProducerPayload{RoomID: "R1", ProducerID: b.ID()}))

	select {
	case list := <-existing:
		require.Len(t, list, 1)
		assert.Equal(t, a.ID(), list[0].ProducerID)
	case <-time.After(5 * time.Second):
		t.Fatal("existing-producers not received")
	}
	select {
	case id := <-available:
		assert.Equal(t, b.ID(), id)
	case <-time.After(5 * time.Second):
		t.Fatal("new-producer-available not received")
	}
}

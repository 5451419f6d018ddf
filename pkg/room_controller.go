package webrtc_mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kw-m/webrtc-mesh/pkg/config"
	"github.com/kw-m/webrtc-mesh/pkg/media"
	"github.com/kw-m/webrtc-mesh/pkg/signaling"
	"github.com/kw-m/webrtc-mesh/pkg/util"
	log "github.com/sirupsen/logrus"
)

type RoomControllerOptions struct {
	// Transport to the signaling relay, already connected
	Transport signaling.Transport
	// Acquirer for the local camera & microphone, called on every join
	Acquirer media.Acquirer
	// NewFactory builds the peer connection factory for a session once its media is acquired
	NewFactory func(source media.Source) PeerConnectionFactory
	Policy     config.MediaPolicy
	// how often open links are sampled, zero disables the health monitor
	StatsInterval time.Duration
	Log           *log.Entry
}

// RoomController is the participant's entry point: it joins and leaves rooms and owns
// everything that lives for the duration of one room membership.
type RoomController struct {
	transport     signaling.Transport
	acquirer      media.Acquirer
	newFactory    func(source media.Source) PeerConnectionFactory
	policy        config.MediaPolicy
	statsInterval time.Duration
	events        *util.EventSub[MeshEvent]

	mu      sync.Mutex
	session *roomSession

	log *log.Entry
}

func NewRoomController(options RoomControllerOptions) *RoomController {
	logger := options.Log
	if logger == nil {
		logger = log.WithField("|", "webrtc-mesh")
	}
	return &RoomController{
		transport:     options.Transport,
		acquirer:      options.Acquirer,
		newFactory:    options.NewFactory,
		policy:        options.Policy,
		statsInterval: options.StatsInterval,
		events:        util.NewEventSub[MeshEvent](64),
		log:           logger.WithField("src", "room"),
	}
}

// JoinRoom acquires local media, subscribes to the room's signaling events and announces this
// participant as a producer. Links to the other participants are then opened as they are discovered.
func (c *RoomController) JoinRoom(ctx context.Context, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrInvalidRoomID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if c.session.roomID == roomID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, c.session.roomID)
	}

	selfID := c.transport.ID()
	if selfID == "" {
		return fmt.Errorf("%w: transport has no identifier", ErrTransport)
	}
	select {
	case <-c.transport.Done():
		return fmt.Errorf("%w: %w", ErrTransport, signaling.ErrTransportClosed)
	default:
	}

	source, err := c.acquirer.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMediaAccessDenied, err)
	}

	s := newRoomSession(c, roomID, selfID, source)
	go s.run()
	s.subscribe()

	if err := s.announce(); err != nil {
		s.unsubscribe()
		s.stopLoop()
		if stopErr := source.Stop(); stopErr != nil {
			s.log.Warn("Stopping local media: ", stopErr)
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if c.statsInterval > 0 {
		go s.monitor.Run(s.stop.GetSignal(), s.enqueue)
	}
	go s.watchTransport()

	c.session = s
	s.log.Info("Joined room")
	return nil
}

// LeaveRoom closes every link, stops local media and tells the room this participant left.
// Leaving when not in a room is a no-op.
func (c *RoomController) LeaveRoom() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.leave()
}

// Close leaves the current room and closes the event subscriptions.
func (c *RoomController) Close() error {
	err := c.LeaveRoom()
	c.events.Close()
	return err
}

func (c *RoomController) current() *roomSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// CurrentRoom returns the joined room id or "" when not in a room.
func (c *RoomController) CurrentRoom() string {
	if s := c.current(); s != nil {
		return s.roomID
	}
	return ""
}

// SelfID is this participant's identifier as assigned by the relay.
func (c *RoomController) SelfID() string {
	return c.transport.ID()
}

// Events subscribes to mesh events. Pass the channel to UnsubscribeEvents when done.
func (c *RoomController) Events() <-chan *MeshEvent {
	return c.events.Subscribe()
}

func (c *RoomController) UnsubscribeEvents(ch <-chan *MeshEvent) {
	c.events.UnSubscribe(ch)
}

// LocalMedia returns the media source of the current session, or nil.
func (c *RoomController) LocalMedia() media.Source {
	if s := c.current(); s != nil {
		return s.source
	}
	return nil
}

// RemoteStreams returns a snapshot of the streams received from the other participants.
func (c *RoomController) RemoteStreams() map[string]RemoteStream {
	if s := c.current(); s != nil {
		return s.streams.Snapshot()
	}
	return map[string]RemoteStream{}
}

// LinkStates returns the negotiation state of every open link.
func (c *RoomController) LinkStates() map[string]NegotiationState {
	out := map[string]NegotiationState{}
	if s := c.current(); s != nil {
		for _, link := range s.registry.Links() {
			out[link.PeerID] = link.State()
		}
	}
	return out
}

// LinkSamples returns the latest health sample of every open link.
func (c *RoomController) LinkSamples() map[string]LinkSample {
	if s := c.current(); s != nil {
		return s.monitor.Samples()
	}
	return map[string]LinkSample{}
}

// Link returns the open link to peerID.
func (c *RoomController) Link(peerID string) (*PeerLink, bool) {
	if s := c.current(); s != nil {
		return s.registry.Get(peerID)
	}
	return nil, false
}

func (s *roomSession) leave() error {
	s.unsubscribe()

	errCh := make(chan error, 1)
	if !s.enqueue(func() { errCh <- s.closeLinks() }) {
		errCh <- s.closeLinks()
	}
	linksErr := <-errCh
	s.stopLoop()

	var errs []error
	if linksErr != nil {
		errs = append(errs, linksErr)
	}
	if err := s.source.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping local media: %w", err))
	}
	if err := s.transport.Emit(signaling.EventLeave, signaling.RoomPayload{RoomID: s.roomID}); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrTransport, err))
	}
	s.log.Info("Left room")
	return errors.Join(errs...)
}

package webrtc_mesh

import (
	"encoding/json"
	"errors"

	"github.com/kw-m/webrtc-mesh/pkg/media"
	"github.com/kw-m/webrtc-mesh/pkg/signaling"
	"github.com/kw-m/webrtc-mesh/pkg/util"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

const (
	sessionTaskBuffer = 256
	// candidates held for one participant that has no link yet
	maxEarlyCandidates = 64
)

// roomSession is everything scoped to one room membership. Signaling handlers and peer connection
// callbacks only enqueue tasks, the tasks run one at a time on the session's event loop, so links,
// the registry and the stream registry are only ever mutated from that loop.
type roomSession struct {
	ctrl      *RoomController
	transport signaling.Transport
	roomID    string
	selfID    string
	source    media.Source

	registry *PeerRegistry
	streams  *RemoteStreamRegistry
	enforcer *MediaPolicyEnforcer
	monitor  *LinkHealthMonitor

	// candidates that arrived before the link they belong to, applied once it exists
	earlyCandidates map[string][]webrtc.ICECandidateInit

	tasks    chan func()
	stop     *util.UnblockSignal
	loopDone chan struct{}
	offs     []func()

	log *log.Entry
}

func newRoomSession(c *RoomController, roomID string, selfID string, source media.Source) *roomSession {
	logger := c.log.WithFields(log.Fields{"room": roomID, "self": selfID})
	s := &roomSession{
		ctrl:            c,
		transport:       c.transport,
		roomID:          roomID,
		selfID:          selfID,
		source:          source,
		streams:         NewRemoteStreamRegistry(),
		earlyCandidates: make(map[string][]webrtc.ICECandidateInit),
		enforcer:        NewMediaPolicyEnforcer(c.policy, logger),
		tasks:           make(chan func(), sessionTaskBuffer),
		stop:            util.NewUnblockSignal(),
		loopDone:        make(chan struct{}),
		log:             logger,
	}
	s.registry = NewPeerRegistry(c.newFactory(source), logger)
	s.monitor = NewLinkHealthMonitor(s.registry, c.statsInterval, s.broadcastLinkSample, logger)
	return s
}

/* run (blocking goroutine)
 * the session event loop, executes queued tasks in order until the session stops
 */
func (s *roomSession) run() {
	defer close(s.loopDone)
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.stop.GetSignal():
			return
		}
	}
}

// enqueue schedules task on the event loop. It returns false once the session has stopped.
func (s *roomSession) enqueue(task func()) bool {
	if s.stop.HasTriggered() {
		return false
	}
	select {
	case s.tasks <- task:
		return true
	case <-s.stop.GetSignal():
		return false
	}
}

func (s *roomSession) stopLoop() {
	s.stop.Trigger()
	<-s.loopDone
}

/* watchTransport (blocking goroutine)
 * tells the UI when the signaling transport goes away. Links that are already up keep working.
 */
func (s *roomSession) watchTransport() {
	select {
	case <-s.transport.Done():
		s.enqueue(func() {
			s.log.Warn("Signaling transport disconnected")
			s.broadcastDisconnected()
		})
	case <-s.stop.GetSignal():
	}
}

func (s *roomSession) subscribe() {
	handlers := map[string]func(json.RawMessage){
		signaling.EventExistingProducers:    s.handleExistingProducers,
		signaling.EventNewProducerAvailable: s.handleNewProducerAvailable,
		signaling.EventOffer:                s.handleOffer,
		signaling.EventAnswer:               s.handleAnswer,
		signaling.EventICECandidate:         s.handleICECandidate,
		signaling.EventPeerLeft:             s.handlePeerLeft(signaling.EventPeerLeft),
		signaling.EventUserDisconnected:     s.handlePeerLeft(signaling.EventUserDisconnected),
		signaling.EventError:                s.handleRelayError,
	}
	for event, handler := range handlers {
		handler := handler
		s.offs = append(s.offs, s.transport.On(event, func(data json.RawMessage) {
			s.enqueue(func() { handler(data) })
		}))
	}
}

func (s *roomSession) unsubscribe() {
	for _, off := range s.offs {
		off()
	}
	s.offs = nil
}

func (s *roomSession) announce() error {
	if err := s.transport.Emit(signaling.EventJoin, signaling.RoomPayload{RoomID: s.roomID}); err != nil {
		return err
	}
	return s.transport.Emit(signaling.EventNewProducer, signaling.NewProducerPayload{RoomID: s.roomID, ProducerID: s.selfID})
}

func (s *roomSession) closeLinks() error {
	s.earlyCandidates = make(map[string][]webrtc.ICECandidateInit)
	for _, peerID := range s.streams.Clear() {
		s.broadcastStreamRemoved(peerID)
	}
	return s.registry.CloseAll()
}

// ---- signaling handlers (run on the event loop) ----

func (s *roomSession) handleExistingProducers(data json.RawMessage) {
	var producers []signaling.ProducerInfo
	if err := json.Unmarshal(data, &producers); err != nil {
		s.log.Warn(protocolError(signaling.EventExistingProducers, "%v", err))
		return
	}
	for _, p := range producers {
		s.connectTo(p.ProducerID)
	}
}

func (s *roomSession) handleNewProducerAvailable(data json.RawMessage) {
	var p signaling.ProducerInfo
	if err := json.Unmarshal(data, &p); err != nil || p.ProducerID == "" {
		s.log.Warn(protocolError(signaling.EventNewProducerAvailable, "missing producerId"))
		return
	}
	s.connectTo(p.ProducerID)
}

func (s *roomSession) handleOffer(data json.RawMessage) {
	var p signaling.OfferPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.Warn(protocolError(signaling.EventOffer, "%v", err))
		return
	}
	if err := s.checkSender(signaling.EventOffer, p.From, p.RoomID); err != nil {
		s.log.Warn(err)
		return
	}
	if p.Offer.Type != webrtc.SDPTypeOffer || p.Offer.SDP == "" {
		s.log.Warn(protocolError(signaling.EventOffer, "from %s carries no offer", p.From))
		return
	}

	var carried []webrtc.ICECandidateInit
	link, exists := s.registry.Get(p.From)
	if exists && link.State() == NegotiationOfferSent {
		// both sides offered at once, the participant with the lower id yields
		if !s.politeTowards(p.From) {
			link.log.Debug("Ignoring colliding offer, waiting for the answer to ours")
			return
		}
		link.log.Info("Offer collision, replacing our offer with an answer")
		carried = link.takePendingCandidates()
		if _, err := s.registry.RemoveLink(link); err != nil {
			link.log.Warn(err)
		}
		exists = false
	}
	if !exists {
		var err error
		link, _, err = s.registry.Create(p.From, RoleResponder, s.callbacksFor)
		if err != nil {
			s.log.Error(err)
			s.broadcastLinkFailed(p.From, err)
			return
		}
		link.adoptCandidates(append(carried, s.takeEarlyCandidates(p.From)...))
	}

	if err := s.attachLocalTracks(link); err != nil {
		s.failLink(link, err)
		return
	}
	answer, err := link.AcceptOffer(p.Offer)
	if err != nil {
		s.failLink(link, err)
		return
	}
	if err := s.transport.Emit(signaling.EventAnswer, signaling.AnswerPayload{RoomID: s.roomID, To: p.From, Answer: answer}); err != nil {
		s.failLink(link, &LinkError{Op: "send answer", PeerID: p.From, Err: errors.Join(ErrTransport, err)})
		return
	}
	s.linkStable(link)
}

func (s *roomSession) handleAnswer(data json.RawMessage) {
	var p signaling.AnswerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.Warn(protocolError(signaling.EventAnswer, "%v", err))
		return
	}
	if err := s.checkSender(signaling.EventAnswer, p.From, p.RoomID); err != nil {
		s.log.Warn(err)
		return
	}
	if p.Answer.Type != webrtc.SDPTypeAnswer || p.Answer.SDP == "" {
		s.log.Warn(protocolError(signaling.EventAnswer, "from %s carries no answer", p.From))
		return
	}

	link, ok := s.registry.Get(p.From)
	if !ok {
		s.log.Debug("Ignoring answer from ", p.From, ": no link")
		return
	}
	if err := link.AcceptAnswer(p.Answer); err != nil {
		if errors.Is(err, ErrStaleAnswer) {
			link.log.Debug(err)
			return
		}
		s.failLink(link, err)
		return
	}
	s.linkStable(link)
}

func (s *roomSession) handleICECandidate(data json.RawMessage) {
	var p signaling.CandidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.Warn(protocolError(signaling.EventICECandidate, "%v", err))
		return
	}
	if err := s.checkSender(signaling.EventICECandidate, p.From, p.RoomID); err != nil {
		s.log.Warn(err)
		return
	}
	link, ok := s.registry.Get(p.From)
	if !ok {
		held := s.earlyCandidates[p.From]
		if len(held) >= maxEarlyCandidates {
			s.log.Debug("Ignoring ice candidate from ", p.From, ": no link and too many held")
			return
		}
		s.earlyCandidates[p.From] = append(held, p.Candidate)
		return
	}
	if err := link.AddCandidate(p.Candidate); err != nil {
		link.log.Warn(err)
	}
}

// handlePeerLeft returns the handler for one of the departure events.
func (s *roomSession) handlePeerLeft(event string) func(data json.RawMessage) {
	return func(data json.RawMessage) {
		var p signaling.PeerLeftPayload
		if err := json.Unmarshal(data, &p); err != nil || p.Departed() == "" {
			s.log.Warn(protocolError(event, "missing peer id"))
			return
		}
		s.dropPeer(p.Departed())
	}
}

func (s *roomSession) handleRelayError(data json.RawMessage) {
	var p signaling.ErrorPayload
	_ = json.Unmarshal(data, &p)
	s.log.Warn("Relay rejected a message: ", p.Error)
}

// checkSender rejects messages without a sender, from ourselves or about another room.
func (s *roomSession) checkSender(event string, from string, roomID string) error {
	if from == "" {
		return protocolError(event, "missing sender")
	}
	if from == s.selfID {
		return protocolError(event, "sender is this participant")
	}
	if roomID != "" && roomID != s.roomID {
		return protocolError(event, "from %s is for room %s", from, roomID)
	}
	return nil
}

// ---- link lifecycle ----

// connectTo opens an initiator link to peerID unless one exists already.
func (s *roomSession) connectTo(peerID string) {
	if peerID == "" || peerID == s.selfID {
		return
	}
	link, created, err := s.registry.Create(peerID, RoleInitiator, s.callbacksFor)
	if err != nil {
		s.log.Error(err)
		s.broadcastLinkFailed(peerID, err)
		return
	}
	if !created {
		link.log.Debug("Already linked")
		return
	}
	link.adoptCandidates(s.takeEarlyCandidates(peerID))

	if err := s.attachLocalTracks(link); err != nil {
		s.failLink(link, err)
		return
	}
	offer, err := link.CreateOffer()
	if err != nil {
		s.failLink(link, err)
		return
	}
	if err := s.transport.Emit(signaling.EventOffer, signaling.OfferPayload{RoomID: s.roomID, To: peerID, Offer: offer}); err != nil {
		s.failLink(link, &LinkError{Op: "send offer", PeerID: peerID, Err: errors.Join(ErrTransport, err)})
	}
}

func (s *roomSession) attachLocalTracks(link *PeerLink) error {
	senders, err := link.AttachTracks(s.source.Tracks())
	s.enforcer.PreferCodecs(senders)
	return err
}

func (s *roomSession) linkStable(link *PeerLink) {
	if link.State() != NegotiationStable {
		return
	}
	link.log.Info("Link stable")
	_ = s.enforcer.Apply(link)
	s.broadcastLinkStable(link.PeerID)
}

// failLink tears a link down after an unrecoverable error. A later announcement of the peer may open a new one.
func (s *roomSession) failLink(link *PeerLink, cause error) {
	link.log.Error("Closing link: ", cause)
	removed, err := s.registry.RemoveLink(link)
	if err != nil {
		link.log.Warn(err)
	}
	if !removed {
		return
	}
	if s.streams.Remove(link.PeerID) {
		s.broadcastStreamRemoved(link.PeerID)
	}
	s.broadcastLinkFailed(link.PeerID, cause)
}

// dropPeer removes everything held for a departed participant. Unknown peers are ignored.
func (s *roomSession) dropPeer(peerID string) {
	delete(s.earlyCandidates, peerID)
	removed, err := s.registry.Remove(peerID)
	if err != nil {
		s.log.Warn(err)
	}
	if s.streams.Remove(peerID) {
		s.broadcastStreamRemoved(peerID)
	}
	if removed {
		s.log.Info(peerID, " left the room")
	}
}

func (s *roomSession) takeEarlyCandidates(peerID string) []webrtc.ICECandidateInit {
	held := s.earlyCandidates[peerID]
	delete(s.earlyCandidates, peerID)
	return held
}

func (s *roomSession) politeTowards(peerID string) bool {
	return s.selfID < peerID
}

// callbacksFor routes a link's engine events onto the event loop. Events of a link that was
// closed or replaced in the meantime are dropped.
func (s *roomSession) callbacksFor(link *PeerLink) LinkCallbacks {
	return LinkCallbacks{
		OnICECandidate: func(candidate webrtc.ICECandidateInit) {
			s.enqueue(func() {
				if !s.registry.IsCurrent(link) {
					return
				}
				payload := signaling.CandidatePayload{RoomID: s.roomID, To: link.PeerID, Candidate: candidate}
				if err := s.transport.Emit(signaling.EventICECandidate, payload); err != nil {
					link.log.Warn("Could not send ice candidate: ", err)
				}
			})
		},
		OnTrack: func(track RemoteTrack) {
			s.enqueue(func() {
				if !s.registry.IsCurrent(link) {
					return
				}
				link.log.Info("Receiving ", track.Kind(), " track ", track.ID())
				s.broadcastStreamAdded(s.streams.AddTrack(link.PeerID, track))
			})
		},
		OnICEStateChange: func(state webrtc.ICEConnectionState) {
			s.enqueue(func() {
				if !s.registry.IsCurrent(link) {
					return
				}
				if link.SetICEState(state) == ICEFailed {
					s.failLink(link, &LinkError{Op: "ice", PeerID: link.PeerID, Err: ErrICEFailed})
				}
			})
		},
	}
}

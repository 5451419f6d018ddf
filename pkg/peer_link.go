package webrtc_mesh

import (
	"errors"
	"fmt"
	"sync"
	"time"

	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

// NegotiationState is the offer/answer progress of one link.
type NegotiationState int

const (
	NegotiationIdle NegotiationState = iota
	NegotiationOfferSent
	NegotiationOfferReceived
	NegotiationAnswerExchanged
	NegotiationStable
	NegotiationClosed
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationIdle:
		return "idle"
	case NegotiationOfferSent:
		return "offer-sent"
	case NegotiationOfferReceived:
		return "offer-received"
	case NegotiationAnswerExchanged:
		return "answer-exchanged"
	case NegotiationStable:
		return "stable"
	case NegotiationClosed:
		return "closed"
	default:
		return fmt.Sprintf("negotiation-state(%d)", int(s))
	}
}

// ICEState is the connectivity progress of one link.
type ICEState int

const (
	ICENew ICEState = iota
	ICEGathering
	ICEConnected
	ICEFailed
)

func (s ICEState) String() string {
	switch s {
	case ICENew:
		return "new"
	case ICEGathering:
		return "gathering"
	case ICEConnected:
		return "connected"
	case ICEFailed:
		return "failed"
	default:
		return fmt.Sprintf("ice-state(%d)", int(s))
	}
}

// Role is fixed when the link is created.
type Role int

const (
	// RoleInitiator sends the first offer.
	RoleInitiator Role = iota
	// RoleResponder answers a received offer.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// PeerLink is the negotiation state machine of the connection to one remote participant.
// Its transition methods are called from the room session's event loop only. The getters may
// be called from anywhere.
type PeerLink struct {
	PeerID    string
	Role      Role
	CreatedAt time.Time

	pc PeerConnection

	mu                   sync.RWMutex
	state                NegotiationState
	iceState             ICEState
	senders              map[string]Sender // attached local tracks, keyed by track id
	order                []string
	remoteDescriptionSet bool
	pendingCandidates    []webrtc.ICECandidateInit

	log *log.Entry
}

func newPeerLink(peerID string, role Role, createdAt time.Time, logger *log.Entry) *PeerLink {
	return &PeerLink{
		PeerID:    peerID,
		Role:      role,
		CreatedAt: createdAt,
		senders:   make(map[string]Sender),
		state:     NegotiationIdle,
		iceState:  ICENew,
		log:       logger.WithFields(log.Fields{"peer": peerID, "role": role.String()}),
	}
}

func (l *PeerLink) State() NegotiationState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *PeerLink) ICEState() ICEState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.iceState
}

func (l *PeerLink) setState(state NegotiationState) {
	l.mu.Lock()
	prev := l.state
	l.state = state
	l.mu.Unlock()
	if prev != state {
		l.log.Debugf("negotiation %s -> %s", prev, state)
	}
}

// PendingCandidates is the number of remote candidates waiting for the remote description.
func (l *PeerLink) PendingCandidates() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pendingCandidates)
}

// Senders returns the attached local tracks in attach order.
func (l *PeerLink) Senders() []Sender {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Sender, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.senders[id])
	}
	return out
}

// AttachTracks adds the tracks not attached yet and returns the new senders.
func (l *PeerLink) AttachTracks(tracks []webrtc.TrackLocal) ([]Sender, error) {
	if l.State() == NegotiationClosed {
		return nil, ErrLinkClosed
	}
	added := make([]Sender, 0, len(tracks))
	for _, track := range tracks {
		l.mu.RLock()
		_, attached := l.senders[track.ID()]
		l.mu.RUnlock()
		if attached {
			continue
		}
		sender, err := l.pc.AddTrack(track)
		if err != nil {
			return added, negotiationError("attach track "+track.ID(), l.PeerID, err)
		}
		l.mu.Lock()
		l.senders[track.ID()] = sender
		l.order = append(l.order, track.ID())
		l.mu.Unlock()
		added = append(added, sender)
	}
	return added, nil
}

// CreateOffer describes the local session and moves the link to OfferSent.
func (l *PeerLink) CreateOffer() (webrtc.SessionDescription, error) {
	if state := l.State(); state != NegotiationIdle && state != NegotiationStable {
		return webrtc.SessionDescription{}, negotiationError("create offer", l.PeerID, fmt.Errorf("link is %s", state))
	}
	offer, err := l.pc.CreateOffer()
	if err != nil {
		return offer, negotiationError("create offer", l.PeerID, err)
	}
	if err = l.pc.SetLocalDescription(offer); err != nil {
		return offer, negotiationError("set local offer", l.PeerID, err)
	}
	l.startGathering()
	l.setState(NegotiationOfferSent)
	return offer, nil
}

// AcceptOffer applies a remote offer and returns the answer to send back.
// The link ends in Stable.
func (l *PeerLink) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if state := l.State(); state != NegotiationIdle && state != NegotiationStable {
		return webrtc.SessionDescription{}, negotiationError("accept offer", l.PeerID, fmt.Errorf("link is %s", state))
	}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, negotiationError("set remote offer", l.PeerID, err)
	}
	l.mu.Lock()
	l.remoteDescriptionSet = true
	l.mu.Unlock()
	l.setState(NegotiationOfferReceived)
	l.flushCandidates()

	answer, err := l.pc.CreateAnswer()
	if err != nil {
		return answer, negotiationError("create answer", l.PeerID, err)
	}
	if err = l.pc.SetLocalDescription(answer); err != nil {
		return answer, negotiationError("set local answer", l.PeerID, err)
	}
	l.startGathering()
	l.setState(NegotiationAnswerExchanged)
	l.setState(NegotiationStable)
	return answer, nil
}

// AcceptAnswer applies the answer to the outstanding offer. The link ends in Stable.
// Answers arriving in any other state return ErrStaleAnswer and change nothing.
func (l *PeerLink) AcceptAnswer(answer webrtc.SessionDescription) error {
	if state := l.State(); state != NegotiationOfferSent {
		return &LinkError{Op: "accept answer", PeerID: l.PeerID, Err: fmt.Errorf("%w: link is %s", ErrStaleAnswer, state)}
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return negotiationError("set remote answer", l.PeerID, err)
	}
	l.mu.Lock()
	l.remoteDescriptionSet = true
	l.mu.Unlock()
	l.setState(NegotiationAnswerExchanged)
	l.flushCandidates()
	l.setState(NegotiationStable)
	return nil
}

// AddCandidate applies a remote candidate, or buffers it until the remote description is set.
func (l *PeerLink) AddCandidate(candidate webrtc.ICECandidateInit) error {
	if l.State() == NegotiationClosed {
		return ErrLinkClosed
	}
	l.mu.Lock()
	if !l.remoteDescriptionSet {
		l.pendingCandidates = append(l.pendingCandidates, candidate)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	if err := l.pc.AddICECandidate(candidate); err != nil {
		return &LinkError{Op: "add ice candidate", PeerID: l.PeerID, Err: err}
	}
	return nil
}

// adoptCandidates takes over candidates received before this link existed.
func (l *PeerLink) adoptCandidates(candidates []webrtc.ICECandidateInit) {
	for _, c := range candidates {
		_ = l.AddCandidate(c)
	}
}

// flushCandidates applies buffered candidates in arrival order.
// One bad candidate does not stop the others.
func (l *PeerLink) flushCandidates() {
	pending := l.takePendingCandidates()
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.log.Warn("Discarding buffered ice candidate: ", err)
		}
	}
}

// takePendingCandidates empties the buffer and returns what it held.
func (l *PeerLink) takePendingCandidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := l.pendingCandidates
	l.pendingCandidates = nil
	return pending
}

func (l *PeerLink) startGathering() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.iceState == ICENew {
		l.iceState = ICEGathering
	}
}

// SetICEState maps the engine's connection state onto the link and returns the resulting state.
// Failed is terminal.
func (l *PeerLink) SetICEState(state webrtc.ICEConnectionState) ICEState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.iceState == ICEFailed {
		return l.iceState
	}
	prev := l.iceState
	switch state {
	case webrtc.ICEConnectionStateChecking:
		l.iceState = ICEGathering
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		l.iceState = ICEConnected
	case webrtc.ICEConnectionStateFailed:
		l.iceState = ICEFailed
	case webrtc.ICEConnectionStateDisconnected:
		l.log.Warn("ICE disconnected, waiting for it to recover or fail")
	}
	if prev != l.iceState {
		l.log.Infof("ice %s -> %s", prev, l.iceState)
	}
	return l.iceState
}

// Close releases the connection. Closing twice is a no-op.
func (l *PeerLink) Close() error {
	l.mu.Lock()
	if l.state == NegotiationClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = NegotiationClosed
	l.pendingCandidates = nil
	l.mu.Unlock()

	if l.pc == nil {
		return nil
	}
	if err := l.pc.Close(); err != nil && !errors.Is(err, ErrLinkClosed) {
		return &LinkError{Op: "close", PeerID: l.PeerID, Err: err}
	}
	return nil
}

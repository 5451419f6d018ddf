package webrtc_mesh

// MeshEventType names what happened in a MeshEvent.
type MeshEventType string

const (
	// a remote participant's stream gained a track (Stream is set)
	EventRemoteStreamAdded MeshEventType = "remote-stream-added"
	// a remote participant's stream is gone
	EventRemoteStreamRemoved MeshEventType = "remote-stream-removed"
	// the link finished an offer/answer exchange
	EventLinkStable MeshEventType = "link-stable"
	// the link was torn down after a negotiation or ice failure (Err is set)
	EventLinkFailed MeshEventType = "link-failed"
	// the health monitor sampled the link (Sample is set)
	EventLinkSample MeshEventType = "link-sample"
	// the signaling transport went away, existing links stay up
	EventSignalingDisconnected MeshEventType = "signaling-disconnected"
)

// MeshEvent is pushed to every subscriber of RoomController.Events.
type MeshEvent struct {
	Type   MeshEventType
	RoomID string
	PeerID string
	Stream *RemoteStream
	Sample *LinkSample
	Err    error
}

func (s *roomSession) broadcastStreamAdded(stream RemoteStream) {
	s.push(&MeshEvent{Type: EventRemoteStreamAdded, PeerID: stream.PeerID, Stream: &stream})
}

func (s *roomSession) broadcastStreamRemoved(peerID string) {
	s.push(&MeshEvent{Type: EventRemoteStreamRemoved, PeerID: peerID})
}

func (s *roomSession) broadcastLinkStable(peerID string) {
	s.push(&MeshEvent{Type: EventLinkStable, PeerID: peerID})
}

func (s *roomSession) broadcastLinkFailed(peerID string, err error) {
	s.push(&MeshEvent{Type: EventLinkFailed, PeerID: peerID, Err: err})
}

func (s *roomSession) broadcastLinkSample(sample LinkSample) {
	s.push(&MeshEvent{Type: EventLinkSample, PeerID: sample.PeerID, Sample: &sample})
}

func (s *roomSession) broadcastDisconnected() {
	s.push(&MeshEvent{Type: EventSignalingDisconnected})
}

func (s *roomSession) push(event *MeshEvent) {
	event.RoomID = s.roomID
	if dropped := s.ctrl.events.Push(event); dropped > 0 {
		s.log.Debugf("%d event subscribers missed %s", dropped, event.Type)
	}
}

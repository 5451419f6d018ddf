package signaling

import (
	"encoding/json"

	webrtc "github.com/pion/webrtc/v3"
)

// Event names carried in the "event" field of every Envelope.
const (
	// participant -> relay
	EventJoin        = "join"
	EventLeave       = "leave"
	EventNewProducer = "new-producer"

	// relay -> participant
	EventWelcome              = "welcome"
	EventExistingProducers    = "existing-producers"
	EventNewProducerAvailable = "new-producer-available"
	EventPeerLeft             = "peer-left"
	EventUserDisconnected     = "user-disconnected"
	EventError                = "error"

	// participant -> relay -> participant (the relay replaces "to" with "from")
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
)

// Envelope is the json frame exchanged with the relay.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type WelcomePayload struct {
	ID string `json:"id"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type NewProducerPayload struct {
	RoomID     string `json:"roomId"`
	ProducerID string `json:"producerId"`
}

type ProducerInfo struct {
	ProducerID string `json:"producerId"`
}

type OfferPayload struct {
	RoomID string                    `json:"roomId,omitempty"`
	To     string                    `json:"to,omitempty"`
	From   string                    `json:"from,omitempty"`
	Offer  webrtc.SessionDescription `json:"offer"`
}

type AnswerPayload struct {
	RoomID string                    `json:"roomId,omitempty"`
	To     string                    `json:"to,omitempty"`
	From   string                    `json:"from,omitempty"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type CandidatePayload struct {
	RoomID    string                  `json:"roomId,omitempty"`
	To        string                  `json:"to,omitempty"`
	From      string                  `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// PeerLeftPayload is used for both peer-left and user-disconnected.
// Older relays only fill producerId.
type PeerLeftPayload struct {
	PeerID     string `json:"peerId,omitempty"`
	ProducerID string `json:"producerId,omitempty"`
}

// Departed returns the identifier of the participant that left.
func (p PeerLeftPayload) Departed() string {
	if p.PeerID != "" {
		return p.PeerID
	}
	return p.ProducerID
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// NewEnvelope marshals payload into the data field of a new envelope.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	env := &Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Data = data
	return env, nil
}

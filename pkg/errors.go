package webrtc_mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRoomID: the room id passed to JoinRoom was empty.
	ErrInvalidRoomID = errors.New("invalid room id")
	// ErrAlreadyJoined: the participant is already a member of a different room.
	ErrAlreadyJoined = errors.New("already a member of another room")
	// ErrMediaAccessDenied: the local camera / microphone could not be acquired.
	ErrMediaAccessDenied = errors.New("media access denied")
	// ErrSignalingProtocol: an incoming signaling message was malformed or referenced the wrong room.
	ErrSignalingProtocol = errors.New("signaling protocol error")
	// ErrNegotiationFailure: describing, applying or answering a session description failed.
	ErrNegotiationFailure = errors.New("negotiation failure")
	// ErrTransport: the signaling transport refused to send.
	ErrTransport = errors.New("signaling transport error")
	// ErrICEFailed: the link's ice connectivity checks failed.
	ErrICEFailed = errors.New("ice connectivity failed")
	// ErrLinkClosed: the operation was attempted on a link that has been closed.
	ErrLinkClosed = errors.New("peer link closed")
	// ErrStaleAnswer: an answer arrived for a link that is not waiting for one.
	ErrStaleAnswer = errors.New("answer does not match an outstanding offer")
)

// LinkError ties a failure to the remote participant and step it happened on.
type LinkError struct {
	Op     string
	PeerID string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s with %s: %v", e.Op, e.PeerID, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

func negotiationError(op string, peerID string, err error) error {
	return &LinkError{Op: op, PeerID: peerID, Err: fmt.Errorf("%w: %w", ErrNegotiationFailure, err)}
}

func protocolError(event string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrSignalingProtocol, event, fmt.Sprintf(format, args...))
}

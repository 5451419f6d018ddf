package webrtc_mesh

import (
	"errors"
	"testing"
	"time"

	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLink(t *testing.T, role Role) (*PeerLink, *fakePeerConnection) {
	link := newPeerLink("B", role, time.Now(), log.WithField("test", t.Name()))
	pc := &fakePeerConnection{peerID: "B"}
	link.pc = pc
	return link, pc
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestInitiatorReachesStable(t *testing.T) {
	link, pc := testLink(t, RoleInitiator)
	assert.Equal(t, NegotiationIdle, link.State())
	assert.Equal(t, ICENew, link.ICEState())

	offer, err := link.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Equal(t, NegotiationOfferSent, link.State())
	assert.Equal(t, ICEGathering, link.ICEState())
	assert.Len(t, pc.local, 1)

	require.NoError(t, link.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}))
	assert.Equal(t, NegotiationStable, link.State())
	assert.Len(t, pc.remote, 1)
}

func TestResponderReachesStable(t *testing.T) {
	link, pc := testLink(t, RoleResponder)

	answer, err := link.AcceptOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"})
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Equal(t, NegotiationStable, link.State())
	assert.Len(t, pc.remote, 1)
	assert.Len(t, pc.local, 1)

	// a later offer renegotiates on the same link
	_, err = link.AcceptOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o2"})
	require.NoError(t, err)
	assert.Equal(t, NegotiationStable, link.State())
	assert.Len(t, pc.remote, 2)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	link, pc := testLink(t, RoleInitiator)
	_, err := link.CreateOffer()
	require.NoError(t, err)

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, link.AddCandidate(candidate(c)))
	}
	assert.Equal(t, 3, link.PendingCandidates())
	assert.Empty(t, pc.candidatesSnapshot())

	require.NoError(t, link.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}))
	assert.Equal(t, NegotiationStable, link.State())
	assert.Equal(t, 0, link.PendingCandidates())
	assert.Equal(t, []webrtc.ICECandidateInit{candidate("c1"), candidate("c2"), candidate("c3")}, pc.candidatesSnapshot())

	require.NoError(t, link.AddCandidate(candidate("c4")))
	assert.Len(t, pc.candidatesSnapshot(), 4)
}

func TestResponderFlushesCandidatesBeforeAnswer(t *testing.T) {
	link, pc := testLink(t, RoleResponder)
	require.NoError(t, link.AddCandidate(candidate("early")))

	_, err := link.AcceptOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"})
	require.NoError(t, err)
	assert.Equal(t, 0, link.PendingCandidates())
	assert.Equal(t, []webrtc.ICECandidateInit{candidate("early")}, pc.candidatesSnapshot())
}

func TestStaleAnswerIsIgnored(t *testing.T) {
	link, pc := testLink(t, RoleInitiator)

	err := link.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"})
	assert.ErrorIs(t, err, ErrStaleAnswer)
	assert.Equal(t, NegotiationIdle, link.State())
	assert.Empty(t, pc.remote)

	_, err = link.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, link.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}))

	err = link.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a-again"})
	assert.ErrorIs(t, err, ErrStaleAnswer)
	assert.Equal(t, NegotiationStable, link.State())
	assert.Len(t, pc.remote, 1)
}

func TestNegotiationFailureIsReported(t *testing.T) {
	link, pc := testLink(t, RoleResponder)
	pc.remoteErr = errors.New("bad sdp")

	_, err := link.AcceptOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"})
	assert.ErrorIs(t, err, ErrNegotiationFailure)
	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, "B", linkErr.PeerID)

	_, err = link.CreateOffer()
	require.NoError(t, err)
	_, err = link.CreateOffer()
	assert.ErrorIs(t, err, ErrNegotiationFailure, "a second offer while one is outstanding")
}

func TestAttachTracksOnlyOnce(t *testing.T) {
	link, pc := testLink(t, RoleInitiator)
	src := newFakeSource("me")

	added, err := link.AttachTracks(src.Tracks())
	require.NoError(t, err)
	assert.Len(t, added, 2)

	added, err = link.AttachTracks(src.Tracks())
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Len(t, pc.sendersSnapshot(), 2)
	assert.Len(t, link.Senders(), 2)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, link.Senders()[0].Kind())
}

func TestICEStateMapping(t *testing.T) {
	link, _ := testLink(t, RoleInitiator)

	assert.Equal(t, ICEGathering, link.SetICEState(webrtc.ICEConnectionStateChecking))
	assert.Equal(t, ICEConnected, link.SetICEState(webrtc.ICEConnectionStateConnected))
	assert.Equal(t, ICEConnected, link.SetICEState(webrtc.ICEConnectionStateDisconnected))
	assert.Equal(t, ICEFailed, link.SetICEState(webrtc.ICEConnectionStateFailed))
	assert.Equal(t, ICEFailed, link.SetICEState(webrtc.ICEConnectionStateConnected), "failed is terminal")
}

func TestCloseIsTerminal(t *testing.T) {
	link, pc := testLink(t, RoleInitiator)
	require.NoError(t, link.AddCandidate(candidate("c1")))

	require.NoError(t, link.Close())
	require.NoError(t, link.Close())
	assert.True(t, pc.isClosed())
	assert.Equal(t, NegotiationClosed, link.State())
	assert.Equal(t, 0, link.PendingCandidates())

	assert.ErrorIs(t, link.AddCandidate(candidate("c2")), ErrLinkClosed)
	_, err := link.AttachTracks(newFakeSource("me").Tracks())
	assert.ErrorIs(t, err, ErrLinkClosed)
	_, err = link.CreateOffer()
	assert.Error(t, err)
}

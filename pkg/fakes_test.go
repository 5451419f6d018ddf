package webrtc_mesh

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kw-m/webrtc-mesh/pkg/media"
	webrtc "github.com/pion/webrtc/v3"
)

type fakeSender struct {
	kind webrtc.RTPCodecType
	err  error

	mu          sync.Mutex
	constraints []EncodingConstraints
	preferences [][]string
}

func (s *fakeSender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *fakeSender) SetEncodingConstraints(c EncodingConstraints) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.constraints = append(s.constraints, c)
	return nil
}

func (s *fakeSender) SetCodecPreferences(mimeTypes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.preferences = append(s.preferences, append([]string(nil), mimeTypes...))
	return nil
}

func (s *fakeSender) applied() ([]EncodingConstraints, [][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EncodingConstraints(nil), s.constraints...), append([][]string(nil), s.preferences...)
}

// fakePeerConnection records what the link does to it. Descriptions carry no real sdp.
type fakePeerConnection struct {
	peerID    string
	callbacks LinkCallbacks

	mu         sync.Mutex
	senders    []*fakeSender
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
	stats      webrtc.StatsReport
	statsErr   error
	statsPanic bool
	remoteErr  error
}

func (pc *fakePeerConnection) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return nil, ErrLinkClosed
	}
	s := &fakeSender{kind: track.Kind()}
	pc.senders = append(pc.senders, s)
	return s, nil
}

func (pc *fakePeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer for " + pc.peerID}, nil
}

func (pc *fakePeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if len(pc.remote) == 0 {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer for " + pc.peerID}, nil
}

func (pc *fakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.local = append(pc.local, desc)
	return nil
}

func (pc *fakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remoteErr != nil {
		return pc.remoteErr
	}
	pc.remote = append(pc.remote, desc)
	return nil
}

func (pc *fakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if len(pc.remote) == 0 {
		return errors.New("remote description not set")
	}
	pc.candidates = append(pc.candidates, candidate)
	return nil
}

func (pc *fakePeerConnection) GetStats() (webrtc.StatsReport, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.statsPanic {
		panic("stats exploded")
	}
	if pc.closed {
		return nil, ErrLinkClosed
	}
	return pc.stats, pc.statsErr
}

func (pc *fakePeerConnection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	return nil
}

func (pc *fakePeerConnection) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *fakePeerConnection) sendersSnapshot() []*fakeSender {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]*fakeSender(nil), pc.senders...)
}

func (pc *fakePeerConnection) candidatesSnapshot() []webrtc.ICECandidateInit {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), pc.candidates...)
}

func (pc *fakePeerConnection) setStats(report webrtc.StatsReport, err error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.stats = report
	pc.statsErr = err
}

type fakeFactory struct {
	err error

	mu  sync.Mutex
	pcs []*fakePeerConnection
}

func (f *fakeFactory) NewPeerConnection(peerID string, callbacks LinkCallbacks) (PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePeerConnection{peerID: peerID, callbacks: callbacks}
	f.mu.Lock()
	f.pcs = append(f.pcs, pc)
	f.mu.Unlock()
	return pc, nil
}

// latest returns the most recent connection created for peerID.
func (f *fakeFactory) latest(peerID string) *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.pcs) - 1; i >= 0; i-- {
		if f.pcs[i].peerID == peerID {
			return f.pcs[i]
		}
	}
	return nil
}

type fakeRemoteTrack struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
}

func (t fakeRemoteTrack) ID() string                { return t.id }
func (t fakeRemoteTrack) StreamID() string          { return t.streamID }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

type fakeSource struct {
	*media.SyntheticSource
	stopped atomic.Bool
}

func newFakeSource(streamID string) *fakeSource {
	src, err := media.NewSyntheticSource(streamID, true)
	if err != nil {
		panic(err)
	}
	return &fakeSource{SyntheticSource: src}
}

func (s *fakeSource) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (pc *fakePeerConnection) remoteCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.remote)
}

package webrtc_mesh

import (
	"errors"
	"fmt"

	"github.com/kw-m/webrtc-mesh/pkg/config"
	"github.com/kw-m/webrtc-mesh/pkg/media"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

// RemoteTrack is the part of an incoming track the mesh needs. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// LinkCallbacks are invoked from the peer connection's own goroutines.
type LinkCallbacks struct {
	OnICECandidate   func(candidate webrtc.ICECandidateInit)
	OnTrack          func(track RemoteTrack)
	OnICEStateChange func(state webrtc.ICEConnectionState)
}

// PeerConnection is the media/transport engine behind one peer link.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	GetStats() (webrtc.StatsReport, error)
	Close() error
}

// EncodingConstraints bound what one sender may put on the wire.
type EncodingConstraints struct {
	MaxBitrate   uint64
	MinBitrate   uint64
	MaxFramerate float64
}

func (c EncodingConstraints) validate() error {
	if c.MaxBitrate == 0 || c.MinBitrate > c.MaxBitrate {
		return fmt.Errorf("invalid bitrate bounds %d..%d", c.MinBitrate, c.MaxBitrate)
	}
	if c.MaxFramerate <= 0 {
		return fmt.Errorf("invalid max framerate %f", c.MaxFramerate)
	}
	return nil
}

// Sender is one attached local track.
type Sender interface {
	Kind() webrtc.RTPCodecType
	SetEncodingConstraints(constraints EncodingConstraints) error
	SetCodecPreferences(mimeTypes []string) error
}

// PeerConnectionFactory creates the engine for a new link to peerID.
type PeerConnectionFactory interface {
	NewPeerConnection(peerID string, callbacks LinkCallbacks) (PeerConnection, error)
}

// PionFactory builds pion peer connections. Every link gets its own media engine
// and its own send side bandwidth estimator bounded by the media policy.
type PionFactory struct {
	configuration webrtc.Configuration
	source        media.Source
	policy        config.MediaPolicy
	log           *log.Entry
}

func NewPionFactory(configuration webrtc.Configuration, source media.Source, policy config.MediaPolicy, logger *log.Entry) *PionFactory {
	return &PionFactory{
		configuration: configuration,
		source:        source,
		policy:        policy,
		log:           logger,
	}
}

func (f *PionFactory) NewPeerConnection(peerID string, callbacks LinkCallbacks) (PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := f.source.RegisterCodecs(m); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	congestionController, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
		return gcc.NewSendSideBWE(
			gcc.SendSideBWEInitialBitrate(int(f.policy.MaxBitrate)),
			gcc.SendSideBWEMinBitrate(int(f.policy.MinBitrate)),
			gcc.SendSideBWEMaxBitrate(int(f.policy.MaxBitrate)),
		)
	})
	if err != nil {
		return nil, err
	}
	i.Add(congestionController)

	if err = webrtc.ConfigureTWCCHeaderExtensionSender(m, i); err != nil {
		return nil, err
	}
	if err = webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))
	pc, err := api.NewPeerConnection(f.configuration)
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || callbacks.OnICECandidate == nil {
			return // gathering finished
		}
		callbacks.OnICECandidate(c.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if callbacks.OnTrack != nil {
			callbacks.OnTrack(track)
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if callbacks.OnICEStateChange != nil {
			callbacks.OnICEStateChange(state)
		}
	})

	return &pionPeerConnection{pc: pc, log: f.log.WithField("peer", peerID)}, nil
}

type pionPeerConnection struct {
	pc  *webrtc.PeerConnection
	log *log.Entry
}

func (p *pionPeerConnection) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	rtpSender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	var transceiver *webrtc.RTPTransceiver
	for _, t := range p.pc.GetTransceivers() {
		if t.Sender() == rtpSender {
			transceiver = t
			break
		}
	}
	if transceiver == nil {
		return nil, errors.New("no transceiver for added track")
	}

	// Read incoming RTCP packets, before these packets are returned they are processed by interceptors (nack, twcc, bandwidth estimation)
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := rtpSender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	return &pionSender{sender: rtpSender, transceiver: transceiver, kind: track.Kind(), log: p.log}, nil
}

func (p *pionPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeerConnection) GetStats() (webrtc.StatsReport, error) {
	if p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return nil, ErrLinkClosed
	}
	return p.pc.GetStats(), nil
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

// pionSender is one attached track. pion has no per-encoding bitrate or
// frame rate limits: the bitrate bounds are enforced by the link's gcc bandwidth estimator, which is
// created with the same media policy bounds, and the frame rate by the capture constraints of the
// local media source.
type pionSender struct {
	sender      *webrtc.RTPSender
	transceiver *webrtc.RTPTransceiver
	kind        webrtc.RTPCodecType
	log         *log.Entry
}

func (s *pionSender) Kind() webrtc.RTPCodecType {
	return s.kind
}

func (s *pionSender) SetEncodingConstraints(constraints EncodingConstraints) error {
	if err := constraints.validate(); err != nil {
		return err
	}
	s.log.Debugf("Encoding constraints %d..%d bps @ %.0f fps", constraints.MinBitrate, constraints.MaxBitrate, constraints.MaxFramerate)
	return nil
}

func (s *pionSender) SetCodecPreferences(mimeTypes []string) error {
	codecs := OrderCodecs(s.sender.GetParameters().Codecs, mimeTypes)
	if len(codecs) == 0 {
		return nil
	}
	return s.transceiver.SetCodecPreferences(codecs)
}

package media

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"

	"github.com/kw-m/webrtc-mesh/pkg/config"
	"github.com/kw-m/webrtc-mesh/pkg/util"
	"github.com/pion/rtp"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

const rtpReadBufferSize = 1600 // UDP MTU

// RtpMediaSource forwards rtp packets an external encoder sends to a udp port into a local webrtc track.
type RtpMediaSource struct {
	listener    *net.UDPConn
	exitSignal  *util.UnblockSignal
	webrtcTrack *webrtc.TrackLocalStaticRTP
	log         *log.Entry
}

// NewRtpMediaSource starts listening on rtpURL (eg: "rtp://127.0.0.1:5004") and relays every valid rtp packet to a new track.
func NewRtpMediaSource(rtpURL string, codec webrtc.RTPCodecCapability, trackID string, streamID string, logger *log.Entry) (*RtpMediaSource, error) {
	logger = logger.WithField("rtp_media_src", rtpURL)

	u, err := url.Parse(rtpURL)
	if err != nil || u.Scheme != "rtp" || u.Host == "" {
		return nil, fmt.Errorf("the media source rtp url must look like rtp://host:port, got %q", rtpURL)
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(codec, trackID, streamID)
	if err != nil {
		return nil, err
	}

	listener, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("opening media source rtp port: %w", err)
	}

	rtpSrc := &RtpMediaSource{
		listener:    listener,
		exitSignal:  util.NewUnblockSignal(),
		webrtcTrack: track,
		log:         logger,
	}
	rtpSrc.log.Info("Created RTP Media Source ", listener.LocalAddr().String())
	go rtpSrc.readLoop()
	return rtpSrc, nil
}

func (rtpSrc *RtpMediaSource) GetTrack() *webrtc.TrackLocalStaticRTP {
	return rtpSrc.webrtcTrack
}

// LocalAddr is the udp address packets must be sent to.
func (rtpSrc *RtpMediaSource) LocalAddr() net.Addr {
	return rtpSrc.listener.LocalAddr()
}

/* readLoop (blocking goroutine)
 * reads rtp packets from the udp listener and writes them to the webrtc track until Close is called
 */
func (rtpSrc *RtpMediaSource) readLoop() {
	inboundRTPPacket := make([]byte, rtpReadBufferSize)
	for {
		n, _, err := rtpSrc.listener.ReadFrom(inboundRTPPacket)
		if err != nil {
			if !rtpSrc.exitSignal.HasTriggered() {
				rtpSrc.log.Errorf("error during read: %s", err.Error())
			}
			return
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(inboundRTPPacket[:n]); err != nil {
			rtpSrc.log.Debug("Dropping invalid rtp packet: ", err)
			continue
		}

		if err = rtpSrc.webrtcTrack.WriteRTP(packet); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				// every peer connection bound to the track is gone
				continue
			}
			rtpSrc.log.Error(err.Error())
		}
	}
}

func (rtpSrc *RtpMediaSource) Close() error {
	rtpSrc.exitSignal.Trigger()
	return rtpSrc.listener.Close()
}

// rtpSource bundles the video and optional audio rtp inputs of one participant.
type rtpSource struct {
	sources []*RtpMediaSource
}

// NewRtpSource opens the rtp inputs named in the media options.
func NewRtpSource(options config.MediaOptions, streamID string, logger *log.Entry) (Source, error) {
	if options.VideoRtpURL == "" {
		return nil, errors.New("rtp media source needs a video_rtp_url")
	}
	mimeType := options.VideoRtpMimeType
	if mimeType == "" {
		mimeType = webrtc.MimeTypeVP8
	}
	video, err := NewRtpMediaSource(options.VideoRtpURL, webrtc.RTPCodecCapability{MimeType: mimeType, ClockRate: 90000}, "video", streamID, logger)
	if err != nil {
		return nil, err
	}
	src := &rtpSource{sources: []*RtpMediaSource{video}}

	if options.AudioRtpURL != "" {
		audio, err := NewRtpMediaSource(options.AudioRtpURL, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID, logger)
		if err != nil {
			video.Close()
			return nil, err
		}
		src.sources = append(src.sources, audio)
	}
	return src, nil
}

func (s *rtpSource) Tracks() []webrtc.TrackLocal {
	tracks := make([]webrtc.TrackLocal, 0, len(s.sources))
	for _, src := range s.sources {
		tracks = append(tracks, src.GetTrack())
	}
	return tracks
}

func (s *rtpSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (s *rtpSource) Stop() error {
	var errs []error
	for _, src := range s.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

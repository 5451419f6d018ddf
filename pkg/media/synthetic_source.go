package media

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// SyntheticSource provides sample based tracks that only carry what is explicitly written to them.
// Headless participants & tests use it in place of a camera.
type SyntheticSource struct {
	Video *webrtc.TrackLocalStaticSample
	Audio *webrtc.TrackLocalStaticSample
}

func NewSyntheticSource(streamID string, withAudio bool) (*SyntheticSource, error) {
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", streamID)
	if err != nil {
		return nil, err
	}
	src := &SyntheticSource{Video: video}
	if withAudio {
		src.Audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
		if err != nil {
			return nil, err
		}
	}
	return src, nil
}

func (s *SyntheticSource) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{s.Video}
	if s.Audio != nil {
		tracks = append(tracks, s.Audio)
	}
	return tracks
}

func (s *SyntheticSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// WriteVideoFrame sends one encoded frame to every link the video track is bound to.
func (s *SyntheticSource) WriteVideoFrame(frame []byte, duration time.Duration) error {
	return s.Video.WriteSample(pionmedia.Sample{Data: frame, Duration: duration})
}

func (s *SyntheticSource) WriteAudioFrame(frame []byte, duration time.Duration) error {
	if s.Audio == nil {
		return errors.New("synthetic source has no audio track")
	}
	return s.Audio.WriteSample(pionmedia.Sample{Data: frame, Duration: duration})
}

func (s *SyntheticSource) Stop() error {
	return nil
}

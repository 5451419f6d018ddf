package media

import (
	"context"
	"fmt"

	"github.com/kw-m/webrtc-mesh/pkg/config"
	"github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

// Source is the participant's own captured audio/video.
// It is acquired once per room session and shared by every peer link.
type Source interface {
	// Tracks returns the local tracks to attach to each link.
	Tracks() []webrtc.TrackLocal
	// RegisterCodecs adds the codecs the tracks can be encoded with to a link's media engine.
	RegisterCodecs(m *webrtc.MediaEngine) error
	// Stop ends capture and releases the devices.
	Stop() error
}

// Acquirer obtains a Source. Acquire may block on device permission prompts or startup.
type Acquirer interface {
	Acquire(ctx context.Context) (Source, error)
}

// AcquirerFunc adapts a func to the Acquirer interface.
type AcquirerFunc func(ctx context.Context) (Source, error)

func (f AcquirerFunc) Acquire(ctx context.Context) (Source, error) {
	return f(ctx)
}

// NewAcquirer returns the acquirer for the rtp, file and synthetic media sources.
// Camera & microphone capture lives in the devices package.
func NewAcquirer(options config.MediaOptions, streamID string, logger *log.Entry) (Acquirer, error) {
	switch options.Source {
	case "rtp":
		return AcquirerFunc(func(ctx context.Context) (Source, error) {
			return NewRtpSource(options, streamID, logger)
		}), nil
	case "file":
		return AcquirerFunc(func(ctx context.Context) (Source, error) {
			return NewFileSource(options, streamID, logger)
		}), nil
	case "synthetic":
		return AcquirerFunc(func(ctx context.Context) (Source, error) {
			return NewSyntheticSource(streamID, options.AudioEnabled)
		}), nil
	default:
		return nil, fmt.Errorf("media source %q is not available from this package", options.Source)
	}
}

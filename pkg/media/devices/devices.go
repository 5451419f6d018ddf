// Package devices captures the participant's camera and microphone through pion/mediadevices.
// Importers pick the capture drivers with blank imports (camera, microphone, videotest, audiotest).
package devices

import (
	"context"
	"errors"
	"fmt"

	"github.com/kw-m/webrtc-mesh/pkg/config"
	"github.com/kw-m/webrtc-mesh/pkg/media"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/codec/x264"
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/driver/cmdsource"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

const cmdSourceLabel = "webrtc-mesh-video-cmd"

var ErrNoVideoDevice = errors.New("no video capture device found")

// Acquirer opens the local camera (or a video command source) and microphone.
type Acquirer struct {
	options config.MediaOptions
	policy  config.MediaPolicy
	log     *log.Entry
}

func NewAcquirer(options config.MediaOptions, policy config.MediaPolicy, logger *log.Entry) *Acquirer {
	return &Acquirer{
		options: options,
		policy:  policy,
		log:     logger.WithField("src", "devices"),
	}
}

// NewCodecSelector builds the encoders local video and audio are compressed with.
// The video encoders target the policy's maximum bitrate.
func NewCodecSelector(policy config.MediaPolicy) (*mediadevices.CodecSelector, error) {
	vp9Params, err := vpx.NewVP9Params()
	if err != nil {
		return nil, err
	}
	vp9Params.BitRate = int(policy.MaxBitrate)

	// configure vp8 codec specific parameters
	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vp8Params.BitRate = int(policy.MaxBitrate)
	vp8Params.ErrorResilient = vpx.ErrorResilientPartitions
	vp8Params.LagInFrames = 1

	// configure h264 codec specific parameters
	x264Params, err := x264.NewParams()
	if err != nil {
		return nil, err
	}
	x264Params.Preset = x264.PresetMedium
	x264Params.BitRate = int(policy.MaxBitrate)

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp9Params, &vp8Params, &x264Params),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// Acquire implements media.Acquirer.
func (a *Acquirer) Acquire(ctx context.Context) (media.Source, error) {
	selector, err := NewCodecSelector(a.policy)
	if err != nil {
		return nil, err
	}

	videoDeviceID, err := a.videoDeviceID()
	if err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if videoDeviceID != "" {
				c.DeviceID = prop.String(videoDeviceID)
			}
			c.Width = prop.Int(a.options.Width)
			c.Height = prop.Int(a.options.Height)
			c.FrameRate = prop.Float(a.policy.MaxFramerate)
		},
		Codec: selector, // let GetUsermedia know available codecs
	}
	if a.options.AudioEnabled {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(constraints)
		done <- result{stream, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		a.log.Info("Acquired ", len(res.stream.GetTracks()), " local media tracks")
		return &deviceSource{stream: res.stream, selector: selector}, nil
	case <-ctx.Done():
		// release whatever GetUserMedia opens once it does return
		go func() {
			if res := <-done; res.err == nil {
				for _, track := range res.stream.GetTracks() {
					track.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

var ffmpegFrameFormatMap = map[frame.Format]string{
	frame.FormatI420: "yuv420p",
	frame.FormatNV21: "nv21",
	frame.FormatNV12: "nv12",
	frame.FormatYUY2: "yuyv422",
	frame.FormatUYVY: "uyvy422",
	frame.FormatZ16:  "gray",
}

// FfmpegTestPatternCmd returns a command that writes raw i420 test pattern frames to stdout,
// usable as MediaOptions.VideoSourceCmd on machines without a camera.
func FfmpegTestPatternCmd(width int, height int, frameRate float64) string {
	return fmt.Sprintf("ffmpeg -f lavfi -i testsrc=size=%dx%d:rate=%f -vf realtime -f rawvideo -pix_fmt %s -", width, height, frameRate, ffmpegFrameFormatMap[frame.FormatI420])
}

// videoDeviceID registers the video command source when one is configured and returns its driver id.
// An empty id lets mediadevices pick the first camera.
func (a *Acquirer) videoDeviceID() (string, error) {
	if a.options.VideoSourceCmd == "" {
		return "", nil
	}

	drivers := findCmdSource()
	if len(drivers) == 0 {
		mediaProps := prop.Media{
			Video: prop.Video{
				Width:       a.options.Width,
				Height:      a.options.Height,
				FrameFormat: frame.FormatI420,
				FrameRate:   float32(a.policy.MaxFramerate),
			},
		}
		if err := cmdsource.AddVideoCmdSource(cmdSourceLabel, a.options.VideoSourceCmd, []prop.Media{mediaProps}, 10); err != nil {
			return "", err
		}
		drivers = findCmdSource()
	}
	if len(drivers) == 0 {
		return "", ErrNoVideoDevice
	}
	return drivers[0].ID(), nil
}

func findCmdSource() []driver.Driver {
	return driver.GetManager().Query(func(d driver.Driver) bool {
		return d.Info().DeviceType == driver.CmdSource && d.Info().Label == cmdSourceLabel
	})
}

type deviceSource struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
}

func (s *deviceSource) Tracks() []webrtc.TrackLocal {
	tracks := s.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, track := range tracks {
		out = append(out, track)
	}
	return out
}

// RegisterCodecs populates the media engine with exactly the codecs the selector can encode.
func (s *deviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	s.selector.Populate(m)
	return nil
}

func (s *deviceSource) Stop() error {
	var errs []error
	for _, track := range s.stream.GetTracks() {
		if err := track.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kw-m/webrtc-mesh/pkg/config"
	"github.com/kw-m/webrtc-mesh/pkg/util"
	webrtc "github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/h264reader"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	log "github.com/sirupsen/logrus"
)

const (
	h264FrameDuration = time.Millisecond * 33
	oggPageDuration   = time.Millisecond * 20
	opusSampleRate    = 48000
)

// play sends the contents of one opened file to its track and returns io.EOF when the file is used up.
type play func(f *os.File) error

// FileSource loops recorded media files into local tracks, paced so they are sent at playback speed.
// Video comes from an .ivf (vp8 / vp9) or an annex-b .h264 file, audio from an opus .ogg file.
type FileSource struct {
	Video *webrtc.TrackLocalStaticSample
	Audio *webrtc.TrackLocalStaticSample

	exitSignal *util.UnblockSignal
	wg         sync.WaitGroup
	log        *log.Entry
}

func NewFileSource(options config.MediaOptions, streamID string, logger *log.Entry) (*FileSource, error) {
	if options.VideoFile == "" {
		return nil, errors.New("the file media source needs a video_file")
	}
	s := &FileSource{
		exitSignal: util.NewUnblockSignal(),
		log:        logger.WithField("src", "file_media_src"),
	}

	video, playVideo, err := s.openVideo(options.VideoFile, streamID)
	if err != nil {
		return nil, err
	}
	s.Video = video
	loops := map[string]play{options.VideoFile: playVideo}

	if options.AudioEnabled && options.AudioFile != "" {
		if ext := strings.ToLower(filepath.Ext(options.AudioFile)); ext != ".ogg" {
			return nil, fmt.Errorf("audio file %s: only opus in .ogg is supported", options.AudioFile)
		}
		s.Audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, err
		}
		loops[options.AudioFile] = s.playOgg
	}

	for path, p := range loops {
		s.wg.Add(1)
		go s.loop(path, p)
	}
	return s, nil
}

// openVideo picks the reader from the file extension (and for ivf the codec from its header).
func (s *FileSource) openVideo(path string, streamID string) (*webrtc.TrackLocalStaticSample, play, error) {
	var mimeType string
	var p play
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".ivf":
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		_, header, err := ivfreader.NewWith(f)
		f.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("reading ivf header of %s: %w", path, err)
		}
		switch header.FourCC {
		case "VP80":
			mimeType = webrtc.MimeTypeVP8
		case "VP90":
			mimeType = webrtc.MimeTypeVP9
		default:
			return nil, nil, fmt.Errorf("ivf file %s holds unsupported codec %q", path, header.FourCC)
		}
		p = s.playIvf
	case ".h264", ".264":
		if _, err := os.Stat(path); err != nil {
			return nil, nil, err
		}
		mimeType = webrtc.MimeTypeH264
		p = s.playH264
	default:
		return nil, nil, fmt.Errorf("video file %s: unsupported extension %q", path, ext)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, "video", streamID)
	if err != nil {
		return nil, nil, err
	}
	return track, p, nil
}

/* loop (blocking goroutine)
 * replays the file at path from the start every time it ends, until the source is stopped
 */
func (s *FileSource) loop(path string, p play) {
	defer s.wg.Done()
	for !s.exitSignal.HasTriggered() {
		f, err := os.Open(path)
		if err != nil {
			s.log.Error("Opening media file: ", err)
			return
		}
		err = p(f)
		f.Close()
		if err == nil {
			return
		} else if !errors.Is(err, io.EOF) {
			s.log.Error("Reading ", path, ": ", err)
			return
		}
		s.log.Debug("All frames of ", path, " sent, starting over")
	}
}

// It is important to use a time.Ticker instead of time.Sleep because it
// avoids accumulating skew, time.Sleep would not compensate for the time spent parsing the data
func (s *FileSource) playIvf(f *os.File) error {
	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}
	frameDuration := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	if frameDuration <= 0 {
		frameDuration = h264FrameDuration
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-s.exitSignal.GetSignal():
			return nil
		case <-ticker.C:
			frame, _, err := ivf.ParseNextFrame()
			if err != nil {
				return err
			}
			if err := s.Video.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
				s.log.Warn("Error writing video track sample: ", err)
			}
		}
	}
}

func (s *FileSource) playH264(f *os.File) error {
	h264, err := h264reader.NewReader(f)
	if err != nil {
		return err
	}

	spsAndPpsCache := []byte{}
	ticker := time.NewTicker(h264FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-s.exitSignal.GetSignal():
			return nil
		case <-ticker.C:
			nal, err := h264.NextNAL()
			if err != nil {
				return err
			}
			nal.Data = append([]byte{0x00, 0x00, 0x00, 0x01}, nal.Data...)

			// parameter sets ride along with the next keyframe
			if nal.UnitType == h264reader.NalUnitTypeSPS || nal.UnitType == h264reader.NalUnitTypePPS {
				spsAndPpsCache = append(spsAndPpsCache, nal.Data...)
				continue
			} else if nal.UnitType == h264reader.NalUnitTypeCodedSliceIdr {
				nal.Data = append(spsAndPpsCache, nal.Data...)
				spsAndPpsCache = []byte{}
			}

			if err := s.Video.WriteSample(pionmedia.Sample{Data: nal.Data, Duration: h264FrameDuration}); err != nil {
				s.log.Warn("Error writing h264 video track sample: ", err)
			}
		}
	}
}

// only works with the opus codec in the ogg container
func (s *FileSource) playOgg(f *os.File) error {
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		select {
		case <-s.exitSignal.GetSignal():
			return nil
		case <-ticker.C:
			pageData, pageHeader, err := ogg.ParseNextPage()
			if err != nil {
				return err
			}
			// the granule position counts samples, the difference to the last page is this page's length
			sampleCount := float64(pageHeader.GranulePosition - lastGranule)
			lastGranule = pageHeader.GranulePosition
			sampleDuration := time.Duration((sampleCount/opusSampleRate)*1000) * time.Millisecond

			if err := s.Audio.WriteSample(pionmedia.Sample{Data: pageData, Duration: sampleDuration}); err != nil {
				s.log.Warn("Error writing audio track sample: ", err)
			}
		}
	}
}

func (s *FileSource) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{s.Video}
	if s.Audio != nil {
		tracks = append(tracks, s.Audio)
	}
	return tracks
}

func (s *FileSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// Stop ends playback and waits for the read loops to exit.
func (s *FileSource) Stop() error {
	s.exitSignal.Trigger()
	s.wg.Wait()
	return nil
}

package config

import (
	"time"

	webrtc "github.com/pion/webrtc/v3"
)

// configuration for webrtc-mesh
type MeshConfig struct {

	// websocket url of the signaling relay that carries room membership and negotiation messages.
	// Default: "ws://localhost:8080/ws"
	SignalingURL string `mapstructure:"signaling_url" validate:"required,url"`

	// STUN/TURN servers handed to every peer connection. These are supplied by the deployment, nothing is discovered.
	// Default: [stun:stun.l.google.com:19302]
	ICEServers []ICEServerOptions `mapstructure:"ice_servers" validate:"dive"`

	// Restricts the ice candidates that get used. Must be one of: all, relay (relay forces every link through TURN).
	// Default: "all"
	ICETransportPolicy string `mapstructure:"ice_transport_policy" validate:"oneof=all relay"`

	// Where the local camera and microphone tracks come from (see MediaOptions type for details)
	Media MediaOptions `mapstructure:"media"`

	// Encoding constraints applied to every outgoing video track (see MediaPolicy type for details)
	Policy MediaPolicy `mapstructure:"policy"`

	// How often the link health monitor samples the stats of every open peer connection.
	// Default: 5s
	StatsInterval time.Duration `mapstructure:"stats_interval" validate:"gt=0"`

	// Options used by the `relay` command when running the signaling relay (see RelayServerOptions type for details)
	Relay RelayServerOptions `mapstructure:"relay"`

	// LogLevel: The log verbosity to use for the webrtc-mesh. Must be one of: critical, panic, fatal, error, warn, info, debug. (debug is most verbose)
	// Default: "info"
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error fatal panic critical"`

	// LogFile: When not empty, logs are also written to this file, rotated once it grows past 10MB.
	// Default: ""
	LogFile string `mapstructure:"log_file"`

	// Go Profiling Server Enabled: If true, a go pprof profiling server is started on port 6060, careful with using this in production.
	// see: https://go.dev/blog/pprof
	// Default: false
	GoProfilingServerEnabled bool `mapstructure:"go_profiling_server_enabled"`
}

type ICEServerOptions struct {
	// stun: or turn: urls of this ice server
	URLs []string `mapstructure:"urls" validate:"required,min=1"`

	// only used by turn servers
	Username string `mapstructure:"username"`

	// only used by turn servers
	Credential string `mapstructure:"credential"`
}

type MediaOptions struct {
	// Which local media source to use. Must be one of:
	//  devices   - capture from the camera & microphone (or the VideoSourceCmd) through mediadevices
	//  rtp       - an external encoder pushes rtp packets to VideoRtpURL / AudioRtpURL
	//  file      - loop the recordings in VideoFile / AudioFile
	//  synthetic - tracks that carry no media, useful for headless participants & testing
	// Default: "devices"
	Source string `mapstructure:"source" validate:"oneof=devices rtp file synthetic"`

	// (devices only) When not empty, video is read as raw frames from the stdout of this shell command (eg: an ffmpeg test pattern) instead of the camera.
	// Default: ""
	VideoSourceCmd string `mapstructure:"video_source_cmd"`

	// (devices only) Capture width & height in pixels
	// Default: 640x480
	Width  int `mapstructure:"width" validate:"gt=0"`
	Height int `mapstructure:"height" validate:"gt=0"`

	// Capture the microphone in addition to video.
	// Default: true
	AudioEnabled bool `mapstructure:"audio_enabled"`

	// (rtp only) udp address to listen for video rtp packets on, eg: "rtp://127.0.0.1:5004"
	VideoRtpURL string `mapstructure:"video_rtp_url"`

	// (rtp only) codec mime type of the incoming video rtp packets
	// Default: "video/VP8"
	VideoRtpMimeType string `mapstructure:"video_rtp_mime_type"`

	// (rtp only) udp address to listen for opus audio rtp packets on. Leave empty for no audio.
	AudioRtpURL string `mapstructure:"audio_rtp_url"`

	// (file only) an .ivf (vp8 or vp9) or annex-b .h264 recording to send as video
	VideoFile string `mapstructure:"video_file"`

	// (file only) an opus .ogg recording to send as audio. Leave empty for no audio.
	AudioFile string `mapstructure:"audio_file"`
}

// MediaPolicy is the single named record of encoding constraints the media policy enforcer applies
// to outgoing video. Every link uses the same values.
type MediaPolicy struct {
	// upper bound of the outgoing video bitrate in bits per second
	// Default: 500000
	MaxBitrate uint64 `mapstructure:"max_bitrate" validate:"gt=0"`

	// lower bound of the outgoing video bitrate in bits per second
	// Default: 300000
	MinBitrate uint64 `mapstructure:"min_bitrate" validate:"gt=0,ltefield=MaxBitrate"`

	// upper bound of the outgoing video frame rate
	// Default: 30
	MaxFramerate float64 `mapstructure:"max_framerate" validate:"gt=0"`

	// video codec mime types in order of preference. Codecs not listed keep their original relative order after these.
	// Default: ["video/VP9", "video/VP8", "video/H264"]
	VideoCodecPreference []string `mapstructure:"video_codec_preference" validate:"min=1"`
}

type RelayServerOptions struct {
	// http listen address of the relay (websocket endpoint is /ws, liveness is /healthz)
	// Default: ":8080"
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`

	// listen address of the grpc health service. Leave empty to disable.
	// Default: ":8081"
	GRPCHealthAddr string `mapstructure:"grpc_health_addr"`
}

func GetDefaultMediaPolicy() MediaPolicy {
	return MediaPolicy{
		MaxBitrate:           500_000,
		MinBitrate:           300_000,
		MaxFramerate:         30,
		VideoCodecPreference: []string{webrtc.MimeTypeVP9, webrtc.MimeTypeVP8, webrtc.MimeTypeH264},
	}
}

func GetDefaultMeshConfig() MeshConfig {
	return MeshConfig{
		SignalingURL: "ws://localhost:8080/ws",
		ICEServers: []ICEServerOptions{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		ICETransportPolicy: "all",
		Media: MediaOptions{
			Source:           "devices",
			Width:            640,
			Height:           480,
			AudioEnabled:     true,
			VideoRtpMimeType: webrtc.MimeTypeVP8,
		},
		Policy:        GetDefaultMediaPolicy(),
		StatsInterval: 5 * time.Second,
		Relay: RelayServerOptions{
			ListenAddr:     ":8080",
			GRPCHealthAddr: ":8081",
		},
		LogLevel:                 "info",
		LogFile:                  "",
		GoProfilingServerEnabled: false,
	}
}

// WebrtcConfiguration converts the ice options into the configuration passed to every pion peer connection.
func (c *MeshConfig) WebrtcConfiguration() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" || s.Credential != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	policy := webrtc.ICETransportPolicyAll
	if c.ICETransportPolicy == "relay" {
		policy = webrtc.ICETransportPolicyRelay
	}
	return webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
		SDPSemantics:       webrtc.SDPSemanticsUnifiedPlan,
	}
}

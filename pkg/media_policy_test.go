package webrtc_mesh

import (
	"errors"
	"testing"

	"github.com/kw-m/webrtc-mesh/pkg/config"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codec(mimeType string, payloadType webrtc.PayloadType) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mimeType}, PayloadType: payloadType}
}

func mimeTypes(codecs []webrtc.RTPCodecParameters) []string {
	out := make([]string, 0, len(codecs))
	for _, c := range codecs {
		out = append(out, c.MimeType)
	}
	return out
}

func TestOrderCodecs(t *testing.T) {
	codecs := []webrtc.RTPCodecParameters{
		codec("video/H264", 102),
		codec("video/rtx", 97),
		codec("video/VP8", 96),
		codec("video/AV1", 45),
		codec("video/h264", 125),
		codec("video/vp9", 98),
	}
	ordered := OrderCodecs(codecs, config.GetDefaultMediaPolicy().VideoCodecPreference)
	assert.Equal(t, []string{"video/vp9", "video/VP8", "video/H264", "video/h264", "video/rtx", "video/AV1"}, mimeTypes(ordered))
	assert.Equal(t, webrtc.PayloadType(102), ordered[2].PayloadType, "same mime type keeps its relative order")
	assert.Len(t, codecs, 6)
	assert.Empty(t, OrderCodecs(nil, []string{"video/VP9"}))
}

func TestEnforcerAppliesToVideoOnly(t *testing.T) {
	link, _ := testLink(t, RoleInitiator)
	_, err := link.AttachTracks(newFakeSource("me").Tracks())
	require.NoError(t, err)

	enforcer := NewMediaPolicyEnforcer(config.GetDefaultMediaPolicy(), log.WithField("test", t.Name()))
	require.NoError(t, enforcer.Apply(link))

	video := link.Senders()[0].(*fakeSender)
	audio := link.Senders()[1].(*fakeSender)

	constraints, prefs := video.applied()
	assert.Equal(t, []EncodingConstraints{{MaxBitrate: 500_000, MinBitrate: 300_000, MaxFramerate: 30}}, constraints)
	assert.Equal(t, [][]string{{"video/VP9", "video/VP8", "video/H264"}}, prefs)

	constraints, prefs = audio.applied()
	assert.Empty(t, constraints)
	assert.Empty(t, prefs)
}

func TestEnforcerIsolatesSenderFailures(t *testing.T) {
	link, _ := testLink(t, RoleInitiator)
	broken := &fakeSender{kind: webrtc.RTPCodecTypeVideo, err: errors.New("refused")}
	healthy := &fakeSender{kind: webrtc.RTPCodecTypeVideo}
	link.senders["broken"] = broken
	link.senders["healthy"] = healthy
	link.order = []string{"broken", "healthy"}

	enforcer := NewMediaPolicyEnforcer(config.GetDefaultMediaPolicy(), log.WithField("test", t.Name()))
	assert.Error(t, enforcer.Apply(link))

	constraints, _ := healthy.applied()
	assert.Len(t, constraints, 1)
}

func TestEncodingConstraintsValidation(t *testing.T) {
	assert.NoError(t, EncodingConstraints{MaxBitrate: 500_000, MinBitrate: 300_000, MaxFramerate: 30}.validate())
	assert.Error(t, EncodingConstraints{MaxBitrate: 100, MinBitrate: 300, MaxFramerate: 30}.validate())
	assert.Error(t, EncodingConstraints{MaxBitrate: 500_000, MinBitrate: 300_000}.validate())
}

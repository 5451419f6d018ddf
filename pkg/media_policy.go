package webrtc_mesh

import (
	"errors"
	"strings"

	"github.com/kw-m/webrtc-mesh/pkg/config"
	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

// MediaPolicyEnforcer applies the configured encoding constraints and codec order to outgoing video.
type MediaPolicyEnforcer struct {
	policy config.MediaPolicy
	log    *log.Entry
}

func NewMediaPolicyEnforcer(policy config.MediaPolicy, logger *log.Entry) *MediaPolicyEnforcer {
	return &MediaPolicyEnforcer{policy: policy, log: logger.WithField("src", "policy")}
}

func (e *MediaPolicyEnforcer) Constraints() EncodingConstraints {
	return EncodingConstraints{
		MaxBitrate:   e.policy.MaxBitrate,
		MinBitrate:   e.policy.MinBitrate,
		MaxFramerate: e.policy.MaxFramerate,
	}
}

// PreferCodecs sets the codec order on freshly attached video senders so the next offer or answer uses it.
func (e *MediaPolicyEnforcer) PreferCodecs(senders []Sender) {
	for _, sender := range senders {
		if sender.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := sender.SetCodecPreferences(e.policy.VideoCodecPreference); err != nil {
			e.log.Warn("Could not set codec preferences: ", err)
		}
	}
}

// Apply sets the constraints and codec order on every video sender of link.
// A sender that refuses is logged and skipped, the others are still configured.
func (e *MediaPolicyEnforcer) Apply(link *PeerLink) error {
	var errs []error
	constraints := e.Constraints()
	for _, sender := range link.Senders() {
		if sender.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := sender.SetEncodingConstraints(constraints); err != nil {
			errs = append(errs, err)
		}
		if err := sender.SetCodecPreferences(e.policy.VideoCodecPreference); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		link.log.Warn("Media policy partially applied: ", err)
	}
	return err
}

// OrderCodecs returns codecs with the preferred mime types first, in preference order.
// Codecs of the same mime type keep their relative order, unlisted codecs follow in their original order.
func OrderCodecs(codecs []webrtc.RTPCodecParameters, preference []string) []webrtc.RTPCodecParameters {
	ordered := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	used := make([]bool, len(codecs))
	for _, mimeType := range preference {
		for i, codec := range codecs {
			if !used[i] && strings.EqualFold(codec.MimeType, mimeType) {
				ordered = append(ordered, codec)
				used[i] = true
			}
		}
	}
	for i, codec := range codecs {
		if !used[i] {
			ordered = append(ordered, codec)
		}
	}
	return ordered
}

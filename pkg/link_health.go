package webrtc_mesh

import (
	"fmt"
	"sync"
	"time"

	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

// LinkSample is one measurement of a link's video throughput.
type LinkSample struct {
	PeerID string
	At     time.Time
	// bits per second since the previous sample (or since the link was opened)
	OutboundBitrate float64
	InboundBitrate  float64
	// cumulative video bytes
	BytesSent     uint64
	BytesReceived uint64
}

type linkCounters struct {
	at            time.Time
	bytesSent     uint64
	bytesReceived uint64
}

// LinkHealthMonitor periodically samples every open link. It only reads links, a failure
// sampling one link is logged and does not affect the others.
type LinkHealthMonitor struct {
	registry *PeerRegistry
	interval time.Duration
	onSample func(sample LinkSample)

	mu      sync.RWMutex
	last    map[*PeerLink]linkCounters
	samples map[string]LinkSample

	log *log.Entry
}

func NewLinkHealthMonitor(registry *PeerRegistry, interval time.Duration, onSample func(sample LinkSample), logger *log.Entry) *LinkHealthMonitor {
	return &LinkHealthMonitor{
		registry: registry,
		interval: interval,
		onSample: onSample,
		last:     make(map[*PeerLink]linkCounters),
		samples:  make(map[string]LinkSample),
		log:      logger.WithField("src", "monitor"),
	}
}

/* Run (blocking goroutine)
 * every interval hands a sampling pass to schedule (the session event loop) until stop is closed
 */
func (m *LinkHealthMonitor) Run(stop <-chan struct{}, schedule func(task func()) bool) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !schedule(func() { m.SampleAll(time.Now()) }) {
				return
			}
		case <-stop:
			return
		}
	}
}

// SampleAll samples every registered link and returns the successful samples.
func (m *LinkHealthMonitor) SampleAll(now time.Time) []LinkSample {
	links := m.registry.Links()
	samples := make([]LinkSample, 0, len(links))
	live := make(map[*PeerLink]bool, len(links))

	for _, link := range links {
		live[link] = true
		sample, err := m.sampleLink(link, now)
		if err != nil {
			link.log.Debug("Skipping stats sample: ", err)
			continue
		}
		samples = append(samples, sample)
		link.log.Debugf("video out %.0f bps, in %.0f bps", sample.OutboundBitrate, sample.InboundBitrate)
		if m.onSample != nil {
			m.onSample(sample)
		}
	}

	m.mu.Lock()
	for link := range m.last {
		if !live[link] {
			delete(m.last, link)
		}
	}
	for peerID := range m.samples {
		if current, ok := m.registry.Get(peerID); !ok || !live[current] {
			delete(m.samples, peerID)
		}
	}
	m.mu.Unlock()
	return samples
}

func (m *LinkHealthMonitor) sampleLink(link *PeerLink, now time.Time) (sample LinkSample, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while sampling: %v", r)
		}
	}()

	if link.State() == NegotiationClosed || link.pc == nil {
		return sample, ErrLinkClosed
	}
	report, err := link.pc.GetStats()
	if err != nil {
		return sample, err
	}
	sent, received := videoBytes(report)

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.last[link]
	if !ok {
		prev = linkCounters{at: link.CreatedAt}
	}
	elapsed := now.Sub(prev.at).Seconds()
	sample = LinkSample{PeerID: link.PeerID, At: now, BytesSent: sent, BytesReceived: received}
	if elapsed > 0 {
		sample.OutboundBitrate = bitrate(prev.bytesSent, sent, elapsed)
		sample.InboundBitrate = bitrate(prev.bytesReceived, received, elapsed)
	}
	m.last[link] = linkCounters{at: now, bytesSent: sent, bytesReceived: received}
	m.samples[link.PeerID] = sample
	return sample, nil
}

// Samples returns the latest sample of each link.
func (m *LinkHealthMonitor) Samples() map[string]LinkSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]LinkSample, len(m.samples))
	for id, s := range m.samples {
		out[id] = s
	}
	return out
}

func bitrate(before uint64, after uint64, seconds float64) float64 {
	if after < before {
		// counters restarted
		before = 0
	}
	return float64(after-before) * 8 / seconds
}

// videoBytes sums the video rtp byte counters of a stats report.
func videoBytes(report webrtc.StatsReport) (sent uint64, received uint64) {
	for _, stat := range report {
		switch s := stat.(type) {
		case webrtc.OutboundRTPStreamStats:
			if s.Kind == "video" {
				sent += s.BytesSent
			}
		case *webrtc.OutboundRTPStreamStats:
			if s.Kind == "video" {
				sent += s.BytesSent
			}
		case webrtc.InboundRTPStreamStats:
			if s.Kind == "video" {
				received += s.BytesReceived
			}
		case *webrtc.InboundRTPStreamStats:
			if s.Kind == "video" {
				received += s.BytesReceived
			}
		}
	}
	return sent, received
}

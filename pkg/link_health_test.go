package webrtc_mesh

import (
	"errors"
	"testing"
	"time"

	webrtc "github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func videoReport(sent uint64, received uint64) webrtc.StatsReport {
	return webrtc.StatsReport{
		"out-video": webrtc.OutboundRTPStreamStats{Kind: "video", BytesSent: sent},
		"out-audio": webrtc.OutboundRTPStreamStats{Kind: "audio", BytesSent: 99_999},
		"in-video":  webrtc.InboundRTPStreamStats{Kind: "video", BytesReceived: received},
	}
}

func TestMonitorComputesBitrates(t *testing.T) {
	factory := &fakeFactory{}
	registry := NewPeerRegistry(factory, log.WithField("test", t.Name()))
	link, _, err := registry.Create("B", RoleInitiator, noCallbacks)
	require.NoError(t, err)
	base := time.Unix(1000, 0)
	link.CreatedAt = base

	var published []LinkSample
	monitor := NewLinkHealthMonitor(registry, 5*time.Second, func(s LinkSample) { published = append(published, s) }, log.WithField("test", t.Name()))

	factory.latest("B").setStats(videoReport(312_500, 62_500), nil)
	samples := monitor.SampleAll(base.Add(5 * time.Second))
	require.Len(t, samples, 1)
	assert.Equal(t, "B", samples[0].PeerID)
	assert.InDelta(t, 500_000, samples[0].OutboundBitrate, 0.001)
	assert.InDelta(t, 100_000, samples[0].InboundBitrate, 0.001)

	factory.latest("B").setStats(videoReport(500_000, 62_500), nil)
	samples = monitor.SampleAll(base.Add(10 * time.Second))
	require.Len(t, samples, 1)
	assert.InDelta(t, 300_000, samples[0].OutboundBitrate, 0.001)
	assert.InDelta(t, 0, samples[0].InboundBitrate, 0.001)

	assert.Len(t, published, 2)
	assert.Equal(t, uint64(500_000), monitor.Samples()["B"].BytesSent)
	assert.Equal(t, NegotiationIdle, link.State(), "sampling never touches negotiation")
}

func TestMonitorIsolatesFailingLinks(t *testing.T) {
	factory := &fakeFactory{}
	registry := NewPeerRegistry(factory, log.WithField("test", t.Name()))
	for _, id := range []string{"A", "B", "C", "D"} {
		link, _, err := registry.Create(id, RoleInitiator, noCallbacks)
		require.NoError(t, err)
		link.CreatedAt = time.Unix(0, 0)
	}
	factory.latest("A").setStats(nil, errors.New("stats unavailable"))
	factory.latest("B").statsPanic = true
	factory.latest("C").setStats(videoReport(1000, 0), nil)
	factory.latest("D").setStats(videoReport(2000, 0), nil)

	monitor := NewLinkHealthMonitor(registry, time.Second, nil, log.WithField("test", t.Name()))
	samples := monitor.SampleAll(time.Unix(1, 0))

	got := map[string]float64{}
	for _, s := range samples {
		got[s.PeerID] = s.OutboundBitrate
	}
	assert.Equal(t, map[string]float64{"C": 8000, "D": 16000}, got)

	// removed links are forgotten
	_, err := registry.Remove("C")
	require.NoError(t, err)
	monitor.SampleAll(time.Unix(2, 0))
	_, ok := monitor.Samples()["C"]
	assert.False(t, ok)
}

func TestMonitorRunSchedulesSampling(t *testing.T) {
	registry := NewPeerRegistry(&fakeFactory{}, log.WithField("test", t.Name()))
	monitor := NewLinkHealthMonitor(registry, 10*time.Millisecond, nil, log.WithField("test", t.Name()))

	scheduled := make(chan struct{}, 10)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		monitor.Run(stop, func(task func()) bool {
			task()
			scheduled <- struct{}{}
			return true
		})
		close(done)
	}()

	select {
	case <-scheduled:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never sampled")
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

package mesh

import "meshvoice/client/internal/adapt"

// Metrics is the per-peer connection-quality snapshot surfaced as an
// additional observable beyond spec.md §6's core list (SPEC_FULL §4):
// round-trip time, packet loss, jitter, and the bitrate/jitter-depth the
// adaptive controller is currently driving.
type Metrics struct {
	RTTMs             float64
	PacketLoss        float64 // 0.0-1.0
	JitterMs          float64
	BitrateKbps       int
	JitterDepthFrames int
	QualityLevel      string
}

// qualityLevel classifies a connection as good/moderate/poor from its raw
// measurements, mirroring the thresholds a real-time voice client uses to
// decide when to surface a degraded-connection indicator to the user.
func qualityLevel(loss, rttMs, jitterMs float64) string {
	switch {
	case loss >= 0.10 || rttMs >= 300 || jitterMs >= 50:
		return "poor"
	case loss >= 0.02 || rttMs >= 100 || jitterMs >= 20:
		return "moderate"
	default:
		return "good"
	}
}

// UpdateMetrics records a fresh measurement for remoteID, classifies it, and
// feeds it through the adaptive-bitrate and jitter-buffer hooks spec.md §9
// names without committing to a specific algorithm (internal/adapt). Call
// periodically (e.g. once per VAD tick window) as RTT/loss/jitter samples
// become available from the peer connection's stats API.
func (c *Controller) UpdateMetrics(remoteID string, rttMs, lossRate, jitterMs float64) Metrics {
	c.mu.Lock()
	prevBitrate := adapt.DefaultKbps
	if prev, ok := c.metrics[remoteID]; ok && prev.BitrateKbps > 0 {
		prevBitrate = prev.BitrateKbps
	}
	c.mu.Unlock()

	m := Metrics{
		RTTMs:             rttMs,
		PacketLoss:        lossRate,
		JitterMs:          jitterMs,
		BitrateKbps:       adapt.NextBitrate(prevBitrate, lossRate, rttMs),
		JitterDepthFrames: adapt.TargetJitterDepth(jitterMs, lossRate),
	}
	m.QualityLevel = qualityLevel(lossRate, rttMs, jitterMs)

	c.mu.Lock()
	if c.metrics == nil {
		c.metrics = make(map[string]Metrics)
	}
	c.metrics[remoteID] = m
	c.mu.Unlock()
	return m
}

// MetricsFor returns the most recent Metrics recorded for remoteID.
func (c *Controller) MetricsFor(remoteID string) (Metrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metrics[remoteID]
	return m, ok
}

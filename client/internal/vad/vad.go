// Package vad classifies a mono float32 PCM audio source as speaking or
// silent from its short-term spectral magnitude, on a fixed 100 ms tick.
package vad

import "math"

const (
	// Bins is the width of the short-term spectrum the detector analyses.
	Bins = 256

	// TickMs is the fixed analysis interval. The tick itself provides
	// hysteresis: a decision holds for the whole interval rather than
	// flapping frame to frame.
	TickMs = 100

	// DefaultThreshold is the average bin magnitude (0-255 scale) above
	// which a tick is classified as speech.
	DefaultThreshold = 20
)

// Detector tracks the speaking state of one audio source across ticks.
// Zero value is not usable; use New().
type Detector struct {
	threshold float64
	muted     bool
	speaking  bool
}

// New returns a Detector using DefaultThreshold.
func New() *Detector {
	return &Detector{threshold: DefaultThreshold}
}

// SetThreshold overrides the default 20/255 magnitude threshold.
func (d *Detector) SetThreshold(t float64) {
	d.threshold = t
}

// SetMuted marks the source's track as disabled. A muted source is always
// reported as not speaking regardless of signal amplitude.
func (d *Detector) SetMuted(muted bool) {
	d.muted = muted
	if muted {
		d.speaking = false
	}
}

// Tick consumes the most recent Bins samples of a 100 ms analysis window and
// returns the updated speaking state. Callers normally feed the last Bins
// samples captured during each 100 ms tick interval.
func (d *Detector) Tick(samples []float32) bool {
	if d.muted {
		d.speaking = false
		return false
	}
	d.speaking = AverageMagnitude(samples) > d.threshold
	return d.speaking
}

// Speaking returns the state set by the most recent Tick, without consuming
// new samples.
func (d *Detector) Speaking() bool {
	return d.speaking
}

// AverageMagnitude computes a Bins-point discrete Fourier transform of the
// last Bins samples of frame (zero-padded if shorter), maps each bin's
// magnitude onto a 0-255 byte-like decibel range, and returns the mean over
// the bins, matching the scale the default threshold is expressed in.
func AverageMagnitude(frame []float32) float64 {
	// Bin levels at or below minDecibels map to 0, at or above maxDecibels
	// to 255, linearly in between.
	const minDecibels, maxDecibels = -100.0, -30.0

	window := make([]float64, Bins)
	if len(frame) >= Bins {
		start := len(frame) - Bins
		for i := 0; i < Bins; i++ {
			window[i] = float64(frame[start+i])
		}
	} else {
		for i, s := range frame {
			window[i] = float64(s)
		}
	}

	var sum float64
	for k := 0; k < Bins/2; k++ {
		var re, im float64
		for n := 0; n < Bins; n++ {
			angle := -2 * math.Pi * float64(k) * float64(n) / float64(Bins)
			re += window[n] * math.Cos(angle)
			im += window[n] * math.Sin(angle)
		}
		// Samples are normalized PCM in [-1, 1]; normalize the bin by Bins
		// and convert to decibels. A silent bin is -Inf dB and maps to 0.
		db := 20 * math.Log10(math.Hypot(re, im)/float64(Bins))
		level := (db - minDecibels) / (maxDecibels - minDecibels) * 255
		sum += math.Max(0, math.Min(255, level))
	}
	return sum / float64(Bins/2)
}

package vad

import (
	"math"
	"testing"
)

func sineFrame(amplitude float64, n int) []float32 {
	frame := make([]float32, n)
	for i := range frame {
		frame[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	return frame
}

func TestAverageMagnitudeSilence(t *testing.T) {
	got := AverageMagnitude(make([]float32, Bins))
	if got != 0 {
		t.Errorf("silence magnitude: got %f, want 0", got)
	}
}

func TestAverageMagnitudeLoudTone(t *testing.T) {
	got := AverageMagnitude(sineFrame(0.8, Bins))
	if got <= DefaultThreshold {
		t.Errorf("loud tone magnitude %f should exceed default threshold %d", got, DefaultThreshold)
	}
}

func TestAverageMagnitudeShortFrame(t *testing.T) {
	// Fewer than Bins samples must not panic and is zero-padded.
	got := AverageMagnitude(sineFrame(0.8, 10))
	if got < 0 {
		t.Errorf("unexpected negative magnitude: %f", got)
	}
}

func TestTickClassifiesSpeechAndSilence(t *testing.T) {
	d := New()
	if d.Tick(sineFrame(0.8, Bins)) != true {
		t.Error("loud tone should be classified as speech")
	}
	if d.Speaking() != true {
		t.Error("Speaking() should reflect last Tick result")
	}
	if d.Tick(make([]float32, Bins)) != false {
		t.Error("silence should be classified as not speaking")
	}
}

func TestTickMutedAlwaysNotSpeaking(t *testing.T) {
	d := New()
	d.SetMuted(true)
	if d.Tick(sineFrame(0.8, Bins)) {
		t.Error("muted detector must never report speaking")
	}
}

func TestSetThresholdChangesClassification(t *testing.T) {
	d := New()
	d.SetThreshold(1000) // unreachably high
	if d.Tick(sineFrame(0.8, Bins)) {
		t.Error("tone should not cross an unreachably high threshold")
	}
}

func TestUnmuteResumesDetection(t *testing.T) {
	d := New()
	d.SetMuted(true)
	d.Tick(sineFrame(0.8, Bins))
	d.SetMuted(false)
	if !d.Tick(sineFrame(0.8, Bins)) {
		t.Error("unmuted detector should resume reporting speech")
	}
}

// Package media implements the Media Pipeline: microphone capture and Opus
// encode, voice-activity detection, screen-share track acquisition, and
// codec preference ordering. Every track it produces is owned by the
// pipeline; the Mesh Controller only ever holds a non-owning reference.
package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Kind distinguishes audio from video tracks.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track wraps a pion local track with the lifecycle bits spec.md §3 assigns
// every Media Track: a source tag, live/ended/muted state, and an optional
// content hint. The producing subsystem (microphone or screen) is the sole
// owner; holders elsewhere only read it or listen for the end event.
type Track struct {
	Kind   Kind
	Source string // "microphone" or "screen-<uuid>"
	Local       *webrtc.TrackLocalStaticSample
	ContentHint ContentHint

	muted atomic.Bool
	ended atomic.Bool

	onEnded atomic.Pointer[func()]
}

func newTrack(kind Kind, source, mimeType string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, source, "meshvoice")
	if err != nil {
		return nil, err
	}
	return &Track{Kind: kind, Source: source, Local: local}, nil
}

// SetMuted flips the track's enabled bit without tearing down the
// underlying capture device.
func (t *Track) SetMuted(muted bool) {
	t.muted.Store(muted)
}

// Muted reports the current mute state.
func (t *Track) Muted() bool {
	return t.muted.Load()
}

// Ended reports whether the track has ended (device released, OS share
// cancelled).
func (t *Track) Ended() bool {
	return t.ended.Load()
}

// OnEnded registers the callback invoked exactly once when the track ends.
// Replaces any previously registered callback.
func (t *Track) OnEnded(fn func()) {
	f := fn
	t.onEnded.Store(&f)
}

// end marks the track ended and fires the registered callback, if any. Safe
// to call more than once; only the first call has effect.
func (t *Track) end() {
	if !t.ended.CompareAndSwap(false, true) {
		return
	}
	if p := t.onEnded.Load(); p != nil && *p != nil {
		(*p)()
	}
}

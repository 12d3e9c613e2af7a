package media

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Frame is one captured video frame, already encoded for the configured
// codec preference (encoding is the ScreenSource implementation's concern;
// the pipeline only packages it as an RTP sample).
type Frame struct {
	Data     []byte
	Duration time.Duration
}

// ScreenSource is the pluggable capture boundary between this package and
// the host OS's screen/window capture API. No Go package in the retrieval
// pack offers a portable cross-platform screen grabber, so acquisition is
// expressed as an interface: a concrete adapter (e.g. wrapping an OS-specific
// capture library or external process) supplies frames; this package only
// manages track lifecycle, stream ids, and renegotiation signalling.
type ScreenSource interface {
	// Start begins capture under the given constraints and returns a channel
	// of frames. The channel is closed when capture ends, whether by Stop or
	// by an OS-level cancellation (e.g. the user stops sharing).
	Start(constraints CaptureConstraints) (<-chan Frame, error)
	// Stop ends capture. Idempotent.
	Stop()
}

// ScreenShare manages zero or more concurrent screen-share tracks, each a
// first-class track owned by the pipeline and indexed by stream id.
// Stopping one track never affects another.
type ScreenShare struct {
	mu     sync.Mutex
	tracks map[string]*screenTrack
}

type screenTrack struct {
	track  *Track
	source ScreenSource
	stopCh chan struct{}
}

// NewScreenShare returns an empty screen-share registry.
func NewScreenShare() *ScreenShare {
	return &ScreenShare{tracks: make(map[string]*screenTrack)}
}

// Start begins a new screen-share track from source under the given
// profile. Returns the new Track, for attachment to Peer Sessions; its
// Source is the stream id (`screen-<uuid>`).
func (s *ScreenShare) Start(source ScreenSource, profile QualityProfile) (*Track, error) {
	streamID := "screen-" + uuid.NewString()

	tr, err := newTrack(KindVideo, streamID, codecMimeType(profile.Codec))
	if err != nil {
		return nil, fmt.Errorf("new screen track: %w", err)
	}
	tr.ContentHint = profile.ContentHint

	frames, err := source.Start(ResolveConstraints(profile))
	if err != nil {
		return nil, fmt.Errorf("start screen source: %w", err)
	}

	st := &screenTrack{track: tr, source: source, stopCh: make(chan struct{})}
	s.mu.Lock()
	s.tracks[streamID] = st
	s.mu.Unlock()

	go s.pump(streamID, st, frames)

	log.Printf("[media] screen share started: %s", streamID)
	return tr, nil
}

// pump relays frames from the source onto the track until the source
// closes its channel (OS-level cancellation) or Stop is called.
func (s *ScreenShare) pump(streamID string, st *screenTrack, frames <-chan Frame) {
	for {
		select {
		case <-st.stopCh:
			return
		case f, ok := <-frames:
			if !ok {
				// The source ended capture on its own (e.g. the user
				// cancelled OS-level sharing). Propagate as a track end.
				s.remove(streamID)
				return
			}
			sample := media.Sample{Data: f.Data, Duration: f.Duration}
			if err := st.track.Local.WriteSample(sample); err != nil {
				log.Printf("[media] screen write sample %s: %v", streamID, err)
			}
		}
	}
}

// Stop ends the named screen-share track. Stopping one track does not
// affect any other concurrent screen track.
func (s *ScreenShare) Stop(streamID string) {
	s.mu.Lock()
	st, ok := s.tracks[streamID]
	delete(s.tracks, streamID)
	s.mu.Unlock()
	if !ok {
		return
	}
	close(st.stopCh)
	st.source.Stop()
	st.track.end()
	log.Printf("[media] screen share stopped: %s", streamID)
}

// remove tears down a track whose source closed its frame channel on its
// own, without calling the source's Stop (it has already ended itself).
func (s *ScreenShare) remove(streamID string) {
	s.mu.Lock()
	st, ok := s.tracks[streamID]
	delete(s.tracks, streamID)
	s.mu.Unlock()
	if !ok {
		return
	}
	st.track.end()
	log.Printf("[media] screen share ended by source: %s", streamID)
}

// Tracks returns the currently live screen tracks, keyed by stream id.
func (s *ScreenShare) Tracks() map[string]*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Track, len(s.tracks))
	for id, st := range s.tracks {
		out[id] = st.track
	}
	return out
}

package media

import (
	"strings"
	"testing"
	"time"
)

// fakeScreenSource lets tests drive frame delivery and simulate an
// OS-level cancellation by closing its frame channel independently of Stop.
type fakeScreenSource struct {
	frames    chan Frame
	stopped   bool
	gotConstr CaptureConstraints
}

func newFakeScreenSource() *fakeScreenSource {
	return &fakeScreenSource{frames: make(chan Frame, 4)}
}

func (f *fakeScreenSource) Start(c CaptureConstraints) (<-chan Frame, error) {
	f.gotConstr = c
	return f.frames, nil
}

func (f *fakeScreenSource) Stop() {
	f.stopped = true
}

func TestScreenShareStartMintsUUIDStreamID(t *testing.T) {
	s := NewScreenShare()
	src := newFakeScreenSource()
	tr, err := s.Start(src, QualityProfile{Resolution: Resolution1080p, FrameRate: 60, Codec: CodecAV1, ContentHint: ContentMotion})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.HasPrefix(tr.Source, "screen-") {
		t.Fatalf("expected screen-<uuid> source tag, got %q", tr.Source)
	}
	if tr.ContentHint != ContentMotion {
		t.Errorf("content hint not applied: %+v", tr)
	}
	if src.gotConstr.IdealWidth != 1920 {
		t.Errorf("constraints not passed to source: %+v", src.gotConstr)
	}
}

func TestScreenShareMultipleIndependentTracks(t *testing.T) {
	s := NewScreenShare()
	src1 := newFakeScreenSource()
	src2 := newFakeScreenSource()

	tr1, err := s.Start(src1, QualityProfile{Resolution: ResolutionNative, FrameRate: 30})
	if err != nil {
		t.Fatal(err)
	}
	tr2, err := s.Start(src2, QualityProfile{Resolution: ResolutionNative, FrameRate: 30})
	if err != nil {
		t.Fatal(err)
	}

	if len(s.Tracks()) != 2 {
		t.Fatalf("expected 2 live tracks, got %d", len(s.Tracks()))
	}

	s.Stop(tr1.Source)
	if !src1.stopped {
		t.Error("expected source 1 Stop called")
	}
	if src2.stopped {
		t.Error("stopping track 1 must not affect track 2")
	}
	if len(s.Tracks()) != 1 {
		t.Fatalf("expected 1 live track after stopping one, got %d", len(s.Tracks()))
	}
	if _, ok := s.Tracks()[tr2.Source]; !ok {
		t.Error("remaining track should be track 2")
	}
}

func TestScreenShareSourceEndedClosesTrack(t *testing.T) {
	s := NewScreenShare()
	src := newFakeScreenSource()
	tr, err := s.Start(src, QualityProfile{Resolution: ResolutionNative, FrameRate: 30})
	if err != nil {
		t.Fatal(err)
	}

	close(src.frames) // simulate OS-level cancellation

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tr.Ended() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !tr.Ended() {
		t.Fatal("expected track to end when source closes its frame channel")
	}
	if len(s.Tracks()) != 0 {
		t.Fatal("expected registry to drop the ended track")
	}
}

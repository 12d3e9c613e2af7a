package media

import "testing"

func TestNegotiatePreferenceAutoResolvesToAV1First(t *testing.T) {
	caps := NegotiatePreference(CodecAuto)
	if len(caps) == 0 || caps[0].MimeType != "video/AV1" {
		t.Fatalf("expected AV1 first for auto, got %+v", caps)
	}
}

func TestNegotiatePreferencePutsRequestedCodecFirst(t *testing.T) {
	caps := NegotiatePreference(CodecH264)
	if caps[0].MimeType != "video/H264" {
		t.Fatalf("expected H264 first, got %+v", caps)
	}
}

func TestNegotiatePreferencePreservesTieOrder(t *testing.T) {
	caps := NegotiatePreference(CodecVP9)
	want := []string{"video/VP9", "video/AV1", "video/H264", "video/VP8"}
	if len(caps) != len(want) {
		t.Fatalf("got %d codecs, want %d", len(caps), len(want))
	}
	for i, w := range want {
		if caps[i].MimeType != w {
			t.Fatalf("position %d: got %s want %s", i, caps[i].MimeType, w)
		}
	}
}

func TestCodecMimeTypeUnknownFallsBackToAV1(t *testing.T) {
	if got := codecMimeType(CodecPreference("bogus")); got != "video/AV1" {
		t.Errorf("expected AV1 fallback, got %s", got)
	}
}

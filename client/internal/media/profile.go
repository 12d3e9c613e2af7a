package media

// Resolution is a Quality Profile's requested video resolution cap.
type Resolution string

const (
	ResolutionNative Resolution = "native"
	Resolution1080p  Resolution = "1080p"
	Resolution720p   Resolution = "720p"
)

// CodecPreference is a Quality Profile's requested video codec ordering
// anchor. `auto` resolves to AV1 first (spec.md §4.3).
type CodecPreference string

const (
	CodecAuto CodecPreference = "auto"
	CodecAV1  CodecPreference = "av1"
	CodecVP9  CodecPreference = "vp9"
	CodecH264 CodecPreference = "h264"
	CodecVP8  CodecPreference = "vp8"
)

// ContentHint distinguishes screen-share content types so downstream
// encoders can bias quality accordingly.
type ContentHint string

const (
	ContentMotion ContentHint = "motion"
	ContentDetail ContentHint = "detail"
	ContentText   ContentHint = "text"
)

// Bitrate is either adaptive (Auto) or an explicit fixed bits-per-second
// target. Nothing in the pipeline reads it: ResolveConstraints and
// ScreenShare ignore it, and Auto is not connected to internal/adapt.
type Bitrate struct {
	Auto        bool
	ExplicitBps int
}

// QualityProfile configures a screen-share (or, in principle, any video)
// track per spec.md §6.
type QualityProfile struct {
	Resolution  Resolution
	FrameRate   int
	Bitrate     Bitrate
	Codec       CodecPreference
	ContentHint ContentHint
}

// CaptureConstraints is the resolved numeric form of a QualityProfile that a
// ScreenSource implementation actually consumes.
type CaptureConstraints struct {
	// IdealWidth/IdealHeight are 0 for ResolutionNative (no downscale cap).
	IdealWidth  int
	IdealHeight int
	FrameRate   int // applied as both ideal and max, per spec.md §6
}

// ResolveConstraints translates a QualityProfile's resolution/frame-rate
// fields into concrete capture constraints.
func ResolveConstraints(p QualityProfile) CaptureConstraints {
	c := CaptureConstraints{FrameRate: p.FrameRate}
	switch p.Resolution {
	case Resolution1080p:
		c.IdealWidth, c.IdealHeight = 1920, 1080
	case Resolution720p:
		c.IdealWidth, c.IdealHeight = 1280, 720
	case ResolutionNative:
		// No downscale constraint.
	}
	return c
}

package cadence

import "github.com/zsiec/cadence/media"

// VideoRotation mirrors the handful of rotation values a capturer can
// stamp on a frame. It carries through repeats unchanged.
type VideoRotation int

const (
	Rotation0   VideoRotation = 0
	Rotation90  VideoRotation = 90
	Rotation180 VideoRotation = 180
	Rotation270 VideoRotation = 270
)

// Frame is the value the adapter forwards to the consumer. Payload is
// held by reference and is never mutated or copied by the adapter;
// repeats produce new Frame values that share the same Payload but
// carry new timestamp fields.
//
// TimestampUs and NtpTimeMs use zero as the "unset" sentinel, matching
// producers that do not stamp their frames.
type Frame struct {
	Payload     *media.VideoFrame
	TimestampUs int64
	NtpTimeMs   int64
	Rotation    VideoRotation
}

// timestamped reports whether the frame carries a capture timestamp.
// Per spec, both fields are treated as a pair: if both are unset the
// frame is untimestamped, and repeats must not synthesize timestamps
// for it.
func (f Frame) timestamped() bool {
	return f.TimestampUs != 0 || f.NtpTimeMs != 0
}

// Constraints is the pair of optional frame-rate bounds a producer can
// advertise. Each bound is independently optional.
type Constraints struct {
	MinFPS *float64
	MaxFPS *float64
}

// Mode is the adapter's current operating mode.
type Mode int

const (
	// Passthrough forwards every inbound frame once and tracks the
	// input rate over a sliding window.
	Passthrough Mode = iota
	// ZeroHertz re-emits the latest frame at a fixed refresh period
	// whenever the producer goes idle.
	ZeroHertz
)

func (m Mode) String() string {
	switch m {
	case Passthrough:
		return "passthrough"
	case ZeroHertz:
		return "zero-hertz"
	default:
		return "unknown"
	}
}

// Callback is the consumer interface the adapter delivers frames to.
type Callback interface {
	// OnFrame delivers frame, posted at postTimeUs, with
	// framesOutstanding reporting the number of producer-originated
	// frames posted but not yet fully delivered, inclusive of this one.
	OnFrame(postTimeUs int64, framesOutstanding int, frame Frame)
	// OnDiscardedFrame notifies the consumer that the producer dropped
	// a frame before it reached the adapter.
	OnDiscardedFrame()
}

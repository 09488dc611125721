package cadence

import "time"

// Clock is the time capability the adapter consumes. All three readings
// must be mutually consistent (derived from the same underlying sample)
// so that repeat scheduling and timestamp rewriting stay coherent.
type Clock interface {
	// NowUs returns monotonic microseconds, used for scheduling and
	// timestamp arithmetic.
	NowUs() int64
	// NowMs returns monotonic milliseconds, used by the rate window.
	NowMs() int64
	// NowNtpMs returns the current NTP time in milliseconds, used to
	// stamp repeated frames.
	NowNtpMs() int64
}

// ntpEpochOffset is the offset between the NTP epoch (1900-01-01) and
// the Unix epoch (1970-01-01), in seconds.
const ntpEpochOffset = 2208988800

// SystemClock is a Clock backed by the operating system's wall clock.
type SystemClock struct{}

var _ Clock = SystemClock{}

// NewSystemClock returns a Clock backed by time.Now.
func NewSystemClock() SystemClock { return SystemClock{} }

func (SystemClock) NowUs() int64 {
	return time.Now().UnixMicro()
}

func (SystemClock) NowMs() int64 {
	return time.Now().UnixMilli()
}

func (SystemClock) NowNtpMs() int64 {
	now := time.Now()
	return (now.Unix()+ntpEpochOffset)*1000 + int64(now.Nanosecond())/1_000_000
}

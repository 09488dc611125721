package cadence

// rewriteTimestamps derives the timestamps a repeated frame carries,
// given the original frame f, the repeat index n (0 for the first
// delivery, >=1 for subsequent repeats), and the zero-hertz repeat
// period in microseconds.
//
// If f carries no timestamps at all, the sentinel (zero) is preserved
// so producers that never stamp their frames don't have timestamps
// synthesized for them. Otherwise both timestamp fields march forward
// by n repeat periods so encoder rate control and RTP timestamp
// generation downstream stay coherent across repeats.
func rewriteTimestamps(f Frame, n int64, periodUs int64) Frame {
	if !f.timestamped() {
		return f
	}
	out := f
	out.TimestampUs = f.TimestampUs + n*periodUs
	out.NtpTimeMs = f.NtpTimeMs + n*(periodUs/1000)
	return out
}

package cadence

// RateWindow is a sliding-window frame-rate estimator. It buckets
// events by millisecond timestamp and reports the count within the
// trailing window, scaled to a per-unit rate.
//
// The bucket-and-trim shape follows distribution.DemuxStats's
// fpsWindow/bitrateWindow sliding windows (distribution/streamstats.go),
// generalized here to a ring of per-millisecond counters so that Rate
// is an O(windowMs) scan over buckets rather than an O(n) scan over
// raw samples, which matters because the adapter calls Rate on every
// delivery.
type RateWindow struct {
	windowMs int64
	unitMs   int64

	buckets []int32 // buckets[t % windowMs] holds the count recorded at ms t
	stamped []int64 // stamped[i] is the ms value last written into buckets[i], or -1
	hasData bool
}

// NewRateWindow returns a RateWindow averaging over windowMs
// milliseconds, reporting rates scaled to unitMs (1000 for
// per-second rates).
func NewRateWindow(windowMs, unitMs int64) *RateWindow {
	if windowMs <= 0 {
		windowMs = 1
	}
	if unitMs <= 0 {
		unitMs = 1000
	}
	buckets := make([]int32, windowMs)
	stamped := make([]int64, windowMs)
	for i := range stamped {
		stamped[i] = -1
	}
	return &RateWindow{
		windowMs: windowMs,
		unitMs:   unitMs,
		buckets:  buckets,
		stamped:  stamped,
	}
}

// Update records one event at nowMs. Non-monotone timestamps (a clock
// that jumps backward) are tolerated: the event is still recorded, but
// the window degrades to whatever the last valid reading covers rather
// than panicking or corrupting state.
func (w *RateWindow) Update(nowMs int64) {
	idx := w.index(nowMs)
	if w.stamped[idx] != nowMs {
		w.stamped[idx] = nowMs
		w.buckets[idx] = 0
	}
	w.buckets[idx]++
	w.hasData = true
}

// Rate returns the estimated rate at nowMs, scaled to unitMs, counting
// events in (nowMs-windowMs, nowMs]. It returns 0 if no events fall in
// that range.
func (w *RateWindow) Rate(nowMs int64) int {
	if !w.hasData {
		return 0
	}
	count := w.countInWindow(nowMs)
	if count == 0 {
		return 0
	}
	rate := int64(count) * w.unitMs / w.windowMs
	if rate == 0 {
		// At least one event was observed in the window; never round a
		// nonzero count down to a reported zero rate.
		rate = 1
	}
	return int(rate)
}

// index maps a millisecond timestamp onto its ring-buffer slot.
func (w *RateWindow) index(ms int64) int {
	m := ms % w.windowMs
	if m < 0 {
		m += w.windowMs
	}
	return int(m)
}

// countInWindow sums buckets whose recorded timestamp still falls
// within (nowMs-windowMs, nowMs].
func (w *RateWindow) countInWindow(nowMs int64) int64 {
	lowExclusive := nowMs - w.windowMs
	var sum int64
	for i, ts := range w.stamped {
		if ts == -1 {
			continue
		}
		if ts > lowExclusive && ts <= nowMs {
			sum += int64(w.buckets[i])
		}
	}
	return sum
}

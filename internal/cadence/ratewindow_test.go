package cadence

import "testing"

func TestRateWindowEmpty(t *testing.T) {
	t.Parallel()
	w := NewRateWindow(1000, 1000)
	if got := w.Rate(0); got != 0 {
		t.Errorf("Rate on empty window: got %d, want 0", got)
	}
}

func TestRateWindowMatchesOracle(t *testing.T) {
	t.Parallel()

	const windowMs = 1000
	w := NewRateWindow(windowMs, 1000)

	// 10 events spaced 10ms apart; after the window fills, rate should
	// read 100fps (1000ms / 10ms spacing), matching spec.md's contract
	// in §4.1: events_in_window * 1000 / W.
	var now int64
	for i := 0; i < 100; i++ {
		now += 10
		w.Update(now)
	}

	got := w.Rate(now)
	want := 100
	if got != want {
		t.Errorf("Rate() = %d, want %d", got, want)
	}
}

func TestRateWindowDropsStaleEvents(t *testing.T) {
	t.Parallel()

	w := NewRateWindow(1000, 1000)
	w.Update(0)
	w.Update(100)

	if got := w.Rate(2000); got != 0 {
		t.Errorf("Rate() after events aged out = %d, want 0", got)
	}
}

func TestRateWindowNonMonotoneClockDoesNotPanic(t *testing.T) {
	t.Parallel()

	w := NewRateWindow(1000, 1000)
	w.Update(5000)
	w.Update(1000) // clock jumped backward

	// Degraded but not corrupted: a reading at the earlier time still
	// sees the event recorded there.
	if got := w.Rate(1000); got == 0 {
		t.Errorf("Rate() after non-monotone update = %d, want > 0", got)
	}
}

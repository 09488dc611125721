package cadence

import (
	"testing"
	"time"

	"github.com/zsiec/cadence/internal/cadence/cadencetest"
)

func TestRepeatSchedulerFiresAfterDelay(t *testing.T) {
	t.Parallel()

	ctrl := cadencetest.NewController(0)
	sched := newRepeatScheduler(ctrl)

	fired := 0
	sched.schedule(100*time.Millisecond, func(gen uint64) {
		if sched.isCurrent(gen) {
			fired++
		}
	})

	ctrl.Advance(99 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired too early: %d", fired)
	}

	ctrl.Advance(1 * time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestRepeatSchedulerReschedulingCancelsPrior(t *testing.T) {
	t.Parallel()

	ctrl := cadencetest.NewController(0)
	sched := newRepeatScheduler(ctrl)

	fired := 0
	sched.schedule(100*time.Millisecond, func(gen uint64) {
		if sched.isCurrent(gen) {
			fired++
		}
	})
	sched.schedule(200*time.Millisecond, func(gen uint64) {
		if sched.isCurrent(gen) {
			fired++
		}
	})

	ctrl.Advance(300 * time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 (prior task should have been canceled)", fired)
	}
}

func TestRepeatSchedulerCancelPendingStopsFire(t *testing.T) {
	t.Parallel()

	ctrl := cadencetest.NewController(0)
	sched := newRepeatScheduler(ctrl)

	fired := 0
	sched.schedule(100*time.Millisecond, func(gen uint64) {
		if sched.isCurrent(gen) {
			fired++
		}
	})
	sched.cancelPending()

	ctrl.Advance(200 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired = %d, want 0 after cancelPending", fired)
	}
}

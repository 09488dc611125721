package cadence

import (
	"sync"
	"time"
)

// repeatScheduler owns the single in-flight repeat task described in
// spec.md §4.2 / §9: at most one delayed job is ever pending, and
// rescheduling implicitly cancels whatever was pending before.
//
// There is no teacher precedent for a self-rearming delayed task (the
// closest idiom in this codebase is ingest/srt/caller.go's one-shot
// dial timer), so this is generalized from that shape with a
// generation counter guarding against a canceled task's body running
// after cancellation raced with its own timer firing.
type repeatScheduler struct {
	queue WorkQueue

	mu         sync.Mutex
	generation uint64
	cancel     CancelFunc
}

func newRepeatScheduler(queue WorkQueue) *repeatScheduler {
	return &repeatScheduler{queue: queue}
}

// schedule cancels any pending task and arms a new one that invokes
// action(gen) after delay, where gen is the generation stamped at
// schedule time. action must check isCurrent(gen) before touching any
// adapter state, and again treat a false result as "do nothing" —
// the cancellation race spec.md §4.2 and §9 call out.
func (r *repeatScheduler) schedule(delay time.Duration, action func(gen uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.generation++
	gen := r.generation
	r.cancel = r.queue.PostDelayed(delay, func() {
		action(gen)
	})
}

// cancelPending cancels any in-flight repeat task without scheduling a
// replacement, and bumps the generation so a task already past
// cancellation (mid-flight between timer fire and queue dispatch)
// observes a mismatch and no-ops.
func (r *repeatScheduler) cancelPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.generation++
}

// isCurrent reports whether gen is still the scheduler's live
// generation. Called from inside a fired task, before any adapter
// state is read or mutated.
func (r *repeatScheduler) isCurrent(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen == r.generation
}

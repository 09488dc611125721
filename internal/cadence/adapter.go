package cadence

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// frameRateAveragingWindowMs is the sliding window C1 averages over,
// on the order of one second as spec.md §4.1 requires.
const frameRateAveragingWindowMs = 1000

// Adapter is the frame cadence adapter (C4): it owns the latest frame,
// the active mode, the constraints, and the outstanding-frame counter,
// and dispatches to the rate window (C1), repeat scheduler (C2),
// timestamp rewriter (C3), and constraints telemetry (C5).
//
// Adapter.OnFrame is the only method safe to call from an arbitrary
// producer context; every other method (Initialize,
// OnConstraintsChanged, SetZeroHertzModeEnabled, UpdateFrameRate,
// GetInputFrameRateFps) must be called from the adapter's owning work
// queue, matching spec.md §5's confinement of mode/constraints/
// latest_frame/repeat_task_handle to that single thread.
type Adapter struct {
	log     *slog.Logger
	clock   Clock
	queue   WorkQueue
	flags   FeatureFlags
	metrics MetricsSink

	framesScheduled atomic.Int32

	callback                          Callback
	mode                              Mode
	constraints                       Constraints
	latestFrame                       *Frame
	originalArrivalTimeUs             int64
	pendingTelemetry                  bool
	constraintsChangedSinceActivation bool

	rate   *RateWindow
	repeat *repeatScheduler
}

// New creates an Adapter bound to clock and queue. flags and metrics
// may be nil, in which case EnvFeatureFlags and a SlogMetricsSink built
// from log are used. If log is nil, slog.Default() is used.
func New(clock Clock, queue WorkQueue, flags FeatureFlags, metrics MetricsSink, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if flags == nil {
		flags = EnvFeatureFlags{}
	}
	if metrics == nil {
		metrics = NewSlogMetricsSink(log)
	}
	return &Adapter{
		log:     log.With("component", "cadence-adapter"),
		clock:   clock,
		queue:   queue,
		flags:   flags,
		metrics: metrics,
		rate:    NewRateWindow(frameRateAveragingWindowMs, 1000),
		repeat:  newRepeatScheduler(queue),
	}
}

// Initialize binds the consumer callback. Must be called at most once
// before OnFrame; passing the same value again is a no-op.
func (a *Adapter) Initialize(callback Callback) {
	a.callback = callback
}

// OnFrame is the producer-facing entry point. It may be called from any
// context: it only touches the atomic outstanding counter before
// handing the frame to the work queue, where all further processing
// happens.
func (a *Adapter) OnFrame(frame Frame) {
	a.framesScheduled.Add(1)
	a.queue.Post(func() {
		a.deliverFrame(frame)
	})
}

// deliverFrame runs on the work queue for every producer-originated
// frame: it updates the rate window, fires one-shot constraints
// telemetry if due, records the frame as latest, (re)arms the repeat
// task, and delivers to the consumer.
func (a *Adapter) deliverFrame(frame Frame) {
	nowMs := a.clock.NowMs()
	a.rate.Update(nowMs)

	if a.mode == ZeroHertz && a.pendingTelemetry && a.callback != nil {
		emitConstraintsTelemetry(a.metrics, a.constraints, a.constraintsChangedSinceActivation)
		a.pendingTelemetry = false
	}

	nowUs := a.clock.NowUs()
	a.originalArrivalTimeUs = nowUs
	a.latestFrame = &frame

	if a.mode == ZeroHertz && a.maxFPSKnown() {
		a.armAt(a.originalArrivalTimeUs+a.periodUs(), nowUs)
	} else {
		a.repeat.cancelPending()
	}

	count := int(a.framesScheduled.Load())
	if a.callback != nil {
		a.callback.OnFrame(nowUs, count, frame)
	}
	a.framesScheduled.Add(-1)
}

// OnDiscardedFrame forwards directly to the consumer callback; it does
// not go through the work queue, matching the producer-side,
// fire-and-forget nature of a drop notification.
func (a *Adapter) OnDiscardedFrame() {
	if a.callback != nil {
		a.callback.OnDiscardedFrame()
	}
}

// OnConstraintsChanged replaces the adapter's constraints. If zero-hertz
// mode is active, any in-flight repeat is rescheduled against the new
// period without resetting the schedule's origin (the last frame's
// arrival time).
func (a *Adapter) OnConstraintsChanged(c Constraints) {
	a.constraints = c
	a.constraintsChangedSinceActivation = true

	if a.mode != ZeroHertz {
		return
	}
	if a.latestFrame == nil || !a.maxFPSKnown() {
		a.repeat.cancelPending()
		return
	}
	now := a.clock.NowUs()
	target := nextRepeatTarget(a.originalArrivalTimeUs, now, a.periodUs())
	a.armAt(target, now)
}

// SetZeroHertzModeEnabled switches the adapter's mode. Enabling is a
// no-op (the adapter stays in PASSTHROUGH) when the feature flag is
// off. Enabling arms the one-shot telemetry gate for the next OnFrame,
// and if a frame has already been received and max_fps is known,
// arms the repeat task immediately. Disabling cancels any repeat task
// and reverts the reported rate to the rate window.
func (a *Adapter) SetZeroHertzModeEnabled(enabled bool) {
	if enabled {
		if !a.flags.ZeroHertzScreenshareEnabled() {
			return
		}
		a.mode = ZeroHertz
		a.pendingTelemetry = true
		a.constraintsChangedSinceActivation = false
		if a.latestFrame != nil && a.maxFPSKnown() {
			now := a.clock.NowUs()
			target := nextRepeatTarget(a.originalArrivalTimeUs, now, a.periodUs())
			a.armAt(target, now)
		}
		return
	}
	a.mode = Passthrough
	a.repeat.cancelPending()
}

// UpdateFrameRate is a tick hook the consumer calls to keep its own
// view of the input rate current. In PASSTHROUGH it is a no-op, since
// C1 is already updated on every OnFrame. In ZERO_HERTZ it records a
// synthetic tick into C1 so that if the mode is later disabled, the
// reported rate immediately reflects recent activity instead of
// whatever was last observed before zero-hertz activated.
func (a *Adapter) UpdateFrameRate() {
	if a.mode == ZeroHertz {
		a.rate.Update(a.clock.NowMs())
	}
}

// GetInputFrameRateFps reports the adapter's current view of the input
// rate: the pinned max_fps while in ZERO_HERTZ with a known bound, and
// the C1 sliding-window estimate otherwise.
func (a *Adapter) GetInputFrameRateFps() int {
	if a.mode == ZeroHertz && a.maxFPSKnown() {
		return int(math.Ceil(*a.constraints.MaxFPS))
	}
	return a.rate.Rate(a.clock.NowMs())
}

func (a *Adapter) maxFPSKnown() bool {
	return a.constraints.MaxFPS != nil && *a.constraints.MaxFPS > 0
}

func (a *Adapter) periodUs() int64 {
	return int64(1_000_000 / *a.constraints.MaxFPS)
}

// armAt (re)arms the repeat task to fire at targetUs, given the current
// time nowUs.
func (a *Adapter) armAt(targetUs, nowUs int64) {
	delay := targetUs - nowUs
	if delay < 0 {
		delay = 0
	}
	a.repeat.schedule(time.Duration(delay)*time.Microsecond, a.onRepeatFire)
}

// onRepeatFire is the repeat task's action body (C2's action, C4's
// repeat path): it validates the generation and current state before
// touching anything, computes the repeat index from elapsed real time,
// asks C3 for the rewritten frame, delivers it, and reschedules itself.
func (a *Adapter) onRepeatFire(gen uint64) {
	if !a.repeat.isCurrent(gen) {
		return
	}
	if a.mode != ZeroHertz || a.latestFrame == nil || !a.maxFPSKnown() {
		return
	}

	nowUs := a.clock.NowUs()
	period := a.periodUs()
	elapsed := nowUs - a.originalArrivalTimeUs
	n := elapsed / period
	if n < 1 {
		n = 1
	}

	frame := rewriteTimestamps(*a.latestFrame, n, period)
	count := int(a.framesScheduled.Load())
	if a.callback != nil {
		a.callback.OnFrame(nowUs, count, frame)
	}

	a.armAt(a.originalArrivalTimeUs+(n+1)*period, nowUs)
}

// nextRepeatTarget returns the smallest origin+k*period (k>=1) that is
// strictly greater than now. Used both when a fresh frame arrives
// (now == origin, so k == 1) and when constraints change mid-flight
// (now may be several periods past origin).
func nextRepeatTarget(origin, now, period int64) int64 {
	if period <= 0 {
		return now
	}
	k := (now-origin)/period + 1
	return origin + k*period
}

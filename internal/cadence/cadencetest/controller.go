// Package cadencetest provides a deterministic simulated clock and work
// queue for driving cadence.Adapter in tests without real wall-clock
// delay, the way spec.md §9 requires ("a deterministic 'advance time'
// scheduler reproduces all scenarios"). It plays the role the
// teacher's test/tools helpers play for the rest of this codebase's
// integration tests, generalized to the cadence package's own
// Clock/WorkQueue capabilities.
package cadencetest

import (
	"container/heap"
	"time"

	"github.com/zsiec/cadence/internal/cadence"
)

var (
	_ cadence.Clock     = (*Controller)(nil)
	_ cadence.WorkQueue = (*Controller)(nil)
)

// Controller is a single-threaded simulated time controller: it owns a
// monotonic clock and a FIFO-plus-delayed-task queue, and executes
// every due task synchronously inside Advance, in the order their
// delays expire (ties broken by post order). There is no goroutine
// involved, which makes cadence.Adapter's single-threaded state fully
// deterministic and inspectable between Advance calls.
type Controller struct {
	nowUs     int64
	immediate []func()
	delayed   delayedQueue
	seq       int64
}

// NewController returns a Controller starting at startUs microseconds.
func NewController(startUs int64) *Controller {
	return &Controller{nowUs: startUs}
}

// NowUs, NowMs, NowNtpMs implement cadence.Clock.
func (c *Controller) NowUs() int64 { return c.nowUs }
func (c *Controller) NowMs() int64 { return c.nowUs / 1000 }

// ntpEpochOffsetMs is the offset between the NTP epoch (1900-01-01) and
// the Unix epoch (1970-01-01), in milliseconds.
const ntpEpochOffsetMs = 2208988800 * 1000

func (c *Controller) NowNtpMs() int64 { return c.nowUs/1000 + ntpEpochOffsetMs }

// Post implements cadence.WorkQueue: job runs on the next Advance
// (including Advance(0)), after any already-queued immediate jobs.
func (c *Controller) Post(job func()) {
	c.immediate = append(c.immediate, job)
}

// PostDelayed implements cadence.WorkQueue: job runs on whichever
// Advance call crosses its due time. The returned cancel function is
// idempotent and safe to call after the job has already run.
func (c *Controller) PostDelayed(delay time.Duration, job func()) cadence.CancelFunc {
	c.seq++
	task := &delayedTask{dueUs: c.nowUs + delay.Microseconds(), seq: c.seq, job: job}
	heap.Push(&c.delayed, task)
	return func() { task.cancelled = true }
}

// Advance moves the simulated clock forward by d, running every
// immediate job already posted and every delayed job whose due time is
// now <= the new current time, including jobs newly posted by other
// jobs run during this same Advance call.
func (c *Controller) Advance(d time.Duration) {
	target := c.nowUs + d.Microseconds()
	c.drainImmediate()
	for c.delayed.Len() > 0 && c.delayed[0].dueUs <= target {
		task := heap.Pop(&c.delayed).(*delayedTask)
		if task.cancelled {
			continue
		}
		c.nowUs = task.dueUs
		task.job()
		c.drainImmediate()
	}
	if c.nowUs < target {
		c.nowUs = target
	}
}

// drainImmediate runs every job posted via Post, including ones posted
// by jobs that ran earlier in the same drain.
func (c *Controller) drainImmediate() {
	for len(c.immediate) > 0 {
		job := c.immediate[0]
		c.immediate = c.immediate[1:]
		job()
	}
}

// delayedTask is one entry in the delayed-task min-heap, ordered by
// (dueUs, seq) so that same-tick tasks fire in post order.
type delayedTask struct {
	dueUs     int64
	seq       int64
	job       func()
	cancelled bool
}

type delayedQueue []*delayedTask

func (q delayedQueue) Len() int { return len(q) }
func (q delayedQueue) Less(i, j int) bool {
	if q[i].dueUs != q[j].dueUs {
		return q[i].dueUs < q[j].dueUs
	}
	return q[i].seq < q[j].seq
}
func (q delayedQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *delayedQueue) Push(x any)   { *q = append(*q, x.(*delayedTask)) }
func (q *delayedQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

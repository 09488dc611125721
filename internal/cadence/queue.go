package cadence

import (
	"sync"
	"time"
)

// WorkQueue is a serial FIFO task queue: jobs posted to it run one at a
// time, in post order, on a single logical thread of execution. All
// adapter state mutation happens on this queue (see doc.go).
type WorkQueue interface {
	// Post enqueues job to run on the queue's single thread.
	Post(job func())
	// PostDelayed schedules job to run after delay on the queue's
	// single thread, and returns a function that cancels it. Canceling
	// guarantees the job has either already started or will never
	// start.
	PostDelayed(delay time.Duration, job func()) CancelFunc
}

// CancelFunc cancels a previously scheduled delayed job. Calling it more
// than once, or after the job has already run, is a no-op.
type CancelFunc func()

// goQueue is a WorkQueue backed by a goroutine draining a buffered
// channel of closures, the same single-consumer channel loop shape used
// throughout this repository's pipeline stages (see
// internal/pipeline.Pipeline.Run). Delayed jobs are scheduled with a
// plain time.Timer, matching ingest/srt/caller.go's use of time.Timer
// for its dial timeout; no third-party scheduler is used because none
// appears anywhere in this codebase's dependency stack.
type goQueue struct {
	jobs chan func()

	mu       sync.Mutex
	timers   map[*time.Timer]struct{}
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
}

var _ WorkQueue = (*goQueue)(nil)

// queueBacklog bounds how many pending jobs may queue up before Post
// blocks the caller; large enough to absorb producer bursts without
// unbounded growth.
const queueBacklog = 256

// NewGoQueue starts a serial work queue and returns it. Stop drains the
// queue and cancels any pending delayed jobs.
func NewGoQueue() *goQueue {
	q := &goQueue{
		jobs:   make(chan func(), queueBacklog),
		timers: make(map[*time.Timer]struct{}),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *goQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		job()
	}
}

func (q *goQueue) Post(job func()) {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return
	}
	q.jobs <- job
}

func (q *goQueue) PostDelayed(delay time.Duration, job func()) CancelFunc {
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		q.Post(job)
	})

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		timer.Stop()
		return func() {}
	}
	q.timers[timer] = struct{}{}
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		if _, ok := q.timers[timer]; ok {
			delete(q.timers, timer)
			timer.Stop()
		}
		q.mu.Unlock()
	}
}

// Stop cancels all pending delayed jobs, closes the queue to further
// posts, and waits for the goroutine to drain what has already been
// posted.
func (q *goQueue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		for timer := range q.timers {
			timer.Stop()
		}
		q.timers = nil
		q.mu.Unlock()
		close(q.jobs)
	})
	<-q.done
}

// Package cadence implements the frame cadence adapter: a single-input,
// single-output pipeline stage that regulates the rate at which frames
// reach a consumer, independent of the rate at which a producer supplies
// them.
//
// In PASSTHROUGH mode every inbound frame is forwarded once, and an
// input-rate estimate is tracked over a sliding window. In ZERO_HERTZ
// mode (used for screen-share sources that can go idle for long
// stretches) the most recently received frame is re-emitted at a fixed
// refresh period whenever the producer falls silent, with timestamps
// advanced to reflect the elapsed wall-clock time, so that downstream
// consumers keep making progress.
//
// All mutable adapter state is confined to a single work queue (see
// [WorkQueue]); the producer-facing [Adapter.OnFrame] only touches an
// atomic outstanding-frame counter before handing the frame to that
// queue.
package cadence

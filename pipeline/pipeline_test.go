package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/zsiec/cadence/distribution"
	"github.com/zsiec/cadence/internal/cadence"
	"github.com/zsiec/cadence/internal/cadence/cadencetest"
	"github.com/zsiec/cadence/media"
)

func TestNew(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay()
	p := New("test-stream", strings.NewReader(""), relay)
	if p == nil {
		t.Fatal("expected non-nil Pipeline")
	}
}

func TestStreamSnapshotBeforeRun(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay()
	p := New("test-stream", strings.NewReader(""), relay)

	// Should not panic before Run
	snap := p.StreamSnapshot()
	if snap.ViewerCount != 0 {
		t.Errorf("ViewerCount: got %d, want 0", snap.ViewerCount)
	}
}

func TestRunWithEOFReader(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay()
	p := New("test-stream", strings.NewReader(""), relay)

	p.SetProtocol("test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run with empty reader should return without error (EOF)
	if err := p.Run(ctx); err != nil {
		t.Errorf("Run with EOF reader: %v", err)
	}
}

func TestPipelineDebug(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay()
	p := New("test-stream", strings.NewReader(""), relay)

	debug := p.PipelineDebug()
	if debug.VideoForwarded != 0 {
		t.Errorf("VideoForwarded: got %d, want 0", debug.VideoForwarded)
	}
}

func TestDemuxStats(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay()
	p := New("test-stream", strings.NewReader(""), relay)

	ds := p.DemuxStats()
	if ds == nil {
		t.Fatal("expected non-nil DemuxStats")
	}
}

// TestWithCadenceAdapterRoutesVideoThroughAdapter verifies that attaching a
// cadence adapter changes forwardVideo's delivery path: frames reach the
// relay via the adapter's callback rather than directly, and the adapter's
// own outstanding-frame accounting observes them.
func TestWithCadenceAdapterRoutesVideoThroughAdapter(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay()
	ctrl := cadencetest.NewController(0)
	adapter := cadence.New(ctrl, ctrl, cadence.StaticFlags(false), nil, nil)

	p := New("test-stream", strings.NewReader(""), relay, WithCadenceAdapter(adapter))
	if p.cadenceAdapter == nil {
		t.Fatal("expected cadenceAdapter to be set")
	}

	// relay has no viewers; forwardVideo must not panic regardless
	frame := &media.VideoFrame{PTS: 1000, Codec: "h264"}
	p.forwardVideo(frame)
	ctrl.Advance(0)

	if got := p.PipelineDebug().VideoForwarded; got != 1 {
		t.Errorf("VideoForwarded after one adapted frame = %d, want 1", got)
	}
}

// TestCadenceCallbackMarksRepeatedFrames verifies that cadenceCallback marks
// a frame as Repeated when it is delivered again via the same *media.VideoFrame
// pointer (as the cadence adapter's zero-hertz repeats are), and leaves the
// original delivery and subsequent distinct captures unmarked.
func TestCadenceCallbackMarksRepeatedFrames(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay()
	p := New("test-stream", strings.NewReader(""), relay)
	cb := &cadenceCallback{p: p}

	original := &media.VideoFrame{PTS: 1000, Codec: "h264"}
	cb.OnFrame(1000, 0, cadence.Frame{Payload: original, TimestampUs: 1000})
	if original.Repeated {
		t.Error("first delivery of a frame must not be marked Repeated")
	}

	cb.OnFrame(1033, 1, cadence.Frame{Payload: original, TimestampUs: 1033})
	if !original.Repeated {
		t.Error("redelivery of the same *media.VideoFrame pointer must be marked Repeated")
	}

	next := &media.VideoFrame{PTS: 2000, Codec: "h264"}
	cb.OnFrame(2000, 0, cadence.Frame{Payload: next, TimestampUs: 2000})
	if next.Repeated {
		t.Error("a newly captured frame must not be marked Repeated")
	}
}

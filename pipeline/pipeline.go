// Package pipeline orchestrates the demux-to-distribution data flow for a
// single stream, forwarding video, audio, and caption frames from the
// Demuxer to the Relay while collecting telemetry. Video frames from
// screen-share sources may additionally pass through the cadence adapter
// before reaching the relay; see WithCadenceAdapter.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"
	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/distribution"
	"github.com/zsiec/cadence/internal/cadence"
	"github.com/zsiec/cadence/media"
	"github.com/zsiec/cadence/moq"
)

// Broadcaster is the subset of distribution.Relay that the pipeline uses
// to fan out parsed frames to viewers. Accepting an interface here decouples
// the pipeline from the concrete Relay type, making it testable with stubs.
type Broadcaster interface {
	BroadcastVideo(frame *media.VideoFrame)
	BroadcastAudio(frame *media.AudioFrame)
	BroadcastCaptions(frame *ccx.CaptionFrame)
	SetVideoInfo(info distribution.VideoInfo)
	SetAudioTrackCount(count int)
	AudioTrackCount() int
	SetAudioInfo(info distribution.AudioInfo)
	ViewerCount() int
	ViewerStatsAll() []distribution.ViewerStats
}

// Pipeline bridges a single stream's Demuxer and Relay. It reads parsed frames
// from the demuxer's output channels and broadcasts them to all viewers via the
// relay, while accumulating statistics for the control-stream stats overlay.
type Pipeline struct {
	log        *slog.Logger
	demuxer    *demux.Demuxer
	relay      Broadcaster
	streamKey  string
	demuxStats *distribution.DemuxStats
	startTime  time.Time
	protocol   string

	cadenceAdapter *cadence.Adapter

	videoForwarded  atomic.Int64
	audioForwarded  atomic.Int64
	videoInfoSent   bool
	audioInfoSent   bool
	captionFwd      atomic.Int64
	lastVideoFwdPTS atomic.Int64
	lastAudioFwdPTS atomic.Int64
	videoChanDepth  atomic.Int32
	audioChanDepth  atomic.Int32
}

// Option configures optional Pipeline behavior at construction time.
type Option func(*Pipeline)

// WithCadenceAdapter routes video frames through adapter before they reach
// the relay, instead of broadcasting them directly. This is intended for
// screen-share sources, where a producer that stalls (a static slide, an
// idle desktop) should still be represented as a live stream at a steady
// refresh rate; camera sources are typically left on the direct path.
//
// The caller owns adapter's work queue lifecycle (start it before Run,
// stop it after Run returns).
func WithCadenceAdapter(adapter *cadence.Adapter) Option {
	return func(p *Pipeline) {
		p.cadenceAdapter = adapter
		adapter.Initialize(&cadenceCallback{p: p})
	}
}

// cadenceCallback adapts Pipeline into a cadence.Callback, delivering
// adapter-scheduled frames (originals and zero-hertz repeats alike) to the
// relay exactly as forwardVideo would have without an adapter attached.
// A zero-hertz repeat carries the same *media.VideoFrame pointer as the
// original it repeats (the adapter only rewrites its own copy of the
// timestamp fields), so comparing against the last delivered pointer marks
// the frame as repeated before it reaches the relay and, downstream, the
// MoQ writer.
type cadenceCallback struct {
	p           *Pipeline
	lastPayload *media.VideoFrame
}

func (c *cadenceCallback) OnFrame(_ int64, _ int, frame cadence.Frame) {
	frame.Payload.Repeated = frame.Payload == c.lastPayload
	c.lastPayload = frame.Payload
	c.p.deliverVideo(frame.Payload)
}

func (c cadenceCallback) OnDiscardedFrame() {}

// New creates a Pipeline that reads demuxed frames from input and broadcasts
// them to all viewers via the relay.
func New(streamKey string, input io.Reader, relay Broadcaster, opts ...Option) *Pipeline {
	p := &Pipeline{
		log:       slog.With("stream", streamKey),
		relay:     relay,
		streamKey: streamKey,
	}

	p.demuxer = demux.NewDemuxer(input, slog.With("component", "demuxer", "stream", streamKey))
	p.demuxStats = distribution.NewDemuxStats()
	p.demuxer.SetStats(p.demuxStats)
	p.startTime = time.Now()

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// SetProtocol records the ingest protocol name (e.g. "SRT") for inclusion
// in the stats overlay sent to viewers.
func (p *Pipeline) SetProtocol(proto string) {
	p.protocol = proto
}

// StreamSnapshot returns a point-in-time snapshot of stream health metrics,
// suitable for JSON serialization and delivery to viewers via the control stream.
func (p *Pipeline) StreamSnapshot() distribution.StreamSnapshot {
	video, audio, captions := p.demuxStats.Snapshot()

	return distribution.StreamSnapshot{
		Timestamp:   time.Now().UnixMilli(),
		UptimeMs:    time.Since(p.startTime).Milliseconds(),
		Protocol:    p.protocol,
		Video:       video,
		Audio:       audio,
		Captions:    captions,
		ViewerCount: p.relay.ViewerCount(),
		Viewers:     p.relay.ViewerStatsAll(),
	}
}

// PipelineDebug returns low-level forwarding counters and channel depths
// for the /api/streams/{key}/debug endpoint.
func (p *Pipeline) PipelineDebug() distribution.PipelineDebugStats {
	return distribution.PipelineDebugStats{
		VideoForwarded:  p.videoForwarded.Load(),
		AudioForwarded:  p.audioForwarded.Load(),
		CaptionFwd:      p.captionFwd.Load(),
		LastVideoFwdPTS: p.lastVideoFwdPTS.Load(),
		LastAudioFwdPTS: p.lastAudioFwdPTS.Load(),
		VideoChanDepth:  int(p.videoChanDepth.Load()),
		AudioChanDepth:  int(p.audioChanDepth.Load()),
	}
}

// DemuxStats returns the underlying DemuxStats collector for PTS debug queries.
func (p *Pipeline) DemuxStats() *distribution.DemuxStats {
	return p.demuxStats
}

// Run starts the demuxer and frame-forwarding loop. It blocks until the
// context is cancelled, the demuxer finishes, or a channel closes.
func (p *Pipeline) Run(ctx context.Context) error {
	demuxErr := make(chan error, 1)
	go func() {
		err := p.demuxer.Run(ctx)
		p.log.Info("demuxer goroutine exited", "error", err)
		demuxErr <- err
	}()

	select {
	case <-p.demuxer.PMTReady():
		audioTracks := p.demuxer.AudioTrackChannels()
		p.relay.SetAudioTrackCount(len(audioTracks))
		p.log.Info("audio tracks", "count", len(audioTracks))
	case err := <-demuxErr:
		p.log.Info("demuxer finished before PMT", "error", err)
		return nil
	case <-ctx.Done():
		return nil
	}

	lastTrackCount := p.relay.AudioTrackCount()

	videoCh := p.demuxer.Video()
	audioCh := p.demuxer.Audio()
	captionCh := p.demuxer.Captions()

	for {
		p.videoChanDepth.Store(int32(len(videoCh)))
		p.audioChanDepth.Store(int32(len(audioCh)))

		// Priority drain: always forward video frames first to prevent
		// audio (which produces ~3x more frames) from starving video
		// delivery under Go's random select scheduling.
		select {
		case frame, ok := <-videoCh:
			if !ok {
				p.log.Info("video channel closed")
				return nil
			}
			p.forwardVideo(frame)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-videoCh:
			if !ok {
				p.log.Info("video channel closed")
				return nil
			}
			p.forwardVideo(frame)

		case frame, ok := <-audioCh:
			if !ok {
				p.log.Info("audio channel closed")
				return nil
			}
			newCount := len(p.demuxer.AudioTrackChannels())
			if newCount > lastTrackCount {
				p.relay.SetAudioTrackCount(newCount)
				p.log.Info("audio tracks updated", "count", newCount)
				lastTrackCount = newCount
			}
			if !p.audioInfoSent && frame.SampleRate > 0 {
				p.relay.SetAudioInfo(distribution.AudioInfo{
					Codec:      "mp4a.40.02",
					SampleRate: frame.SampleRate,
					Channels:   frame.Channels,
				})
				p.audioInfoSent = true
			}
			p.relay.BroadcastAudio(frame)
			p.audioForwarded.Add(1)
			p.lastAudioFwdPTS.Store(frame.PTS)

		case frame, ok := <-captionCh:
			if !ok {
				p.log.Info("caption channel closed")
				return nil
			}
			// Captions are a distinct elementary stream and never pass
			// through the cadence adapter, even when it is attached.
			p.relay.BroadcastCaptions(frame)
			p.captionFwd.Add(1)

		case err := <-demuxErr:
			p.log.Info("demuxer finished", "error", err)
			return nil
		}
	}
}

// forwardVideo extracts video codec info on the first keyframe, then hands
// the frame off for delivery: directly to the relay, or through the
// cadence adapter if one is attached.
func (p *Pipeline) forwardVideo(frame *media.VideoFrame) {
	if !p.videoInfoSent && frame.IsKeyframe && frame.SPS != nil {
		if vi, ok := p.buildVideoInfo(frame); ok {
			p.relay.SetVideoInfo(vi)
			p.videoInfoSent = true
		}
	}

	if p.cadenceAdapter != nil {
		p.cadenceAdapter.OnFrame(cadence.Frame{
			Payload:     frame,
			TimestampUs: frame.PTS,
		})
		return
	}

	p.deliverVideo(frame)
}

// deliverVideo broadcasts frame to the relay and updates forwarding
// counters. It is the single point of delivery for both the direct path
// and cadence-adapted repeats.
func (p *Pipeline) deliverVideo(frame *media.VideoFrame) {
	p.relay.BroadcastVideo(frame)
	p.videoForwarded.Add(1)
	p.lastVideoFwdPTS.Store(frame.PTS)
}

// buildVideoInfo parses the SPS from a keyframe and builds the VideoInfo
// including decoder configuration record for the catalog.
func (p *Pipeline) buildVideoInfo(frame *media.VideoFrame) (distribution.VideoInfo, bool) {
	var vi distribution.VideoInfo
	if frame.Codec == "h265" {
		info, err := demux.ParseHEVCSPS(frame.SPS)
		if err != nil {
			return vi, false
		}
		vi = distribution.VideoInfo{
			Codec:  info.CodecString(),
			Width:  info.Width,
			Height: info.Height,
		}
		if frame.VPS != nil {
			vi.DecoderConfig = moq.BuildHEVCDecoderConfig(frame.VPS, frame.SPS, frame.PPS)
		}
	} else {
		info, err := demux.ParseSPS(frame.SPS)
		if err != nil {
			return vi, false
		}
		vi = distribution.VideoInfo{
			Codec:  info.CodecString(),
			Width:  info.Width,
			Height: info.Height,
		}
		vi.DecoderConfig = moq.BuildAVCDecoderConfig(frame.SPS, frame.PPS)
	}
	return vi, vi.Width > 0
}

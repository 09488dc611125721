// cadence-demo runs the full prism distribution stack (SRT ingest,
// demux, pipeline, WebTransport/MoQ relay) alongside a synthetic
// screen-share producer, to exercise the frame cadence adapter end to
// end: a viewer connecting to the synthetic stream while it is idle
// still receives frames at a steady refresh rate.
//
// Usage:
//
//	go run ./cmd/cadence-demo
//	ffmpeg -re -i camera.ts -c copy -f mpegts 'srt://localhost:6000?streamid=live/camera1'
//	open https://localhost:4443
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/certs"
	"github.com/zsiec/cadence/distribution"
	"github.com/zsiec/cadence/ingest"
	srtingest "github.com/zsiec/cadence/ingest/srt"
	"github.com/zsiec/cadence/internal/cadence"
	"github.com/zsiec/cadence/media"
	"github.com/zsiec/cadence/pipeline"
	"github.com/zsiec/cadence/stream"
)

// syntheticStreamKey is the fixed stream key viewers use to watch the
// synthetic screen-share demo, distinct from whatever keys SRT
// publishers use.
const syntheticStreamKey = "screenshare-demo"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated", "fingerprint", cert.FingerprintBase64())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	wtAddr := envOr("WT_ADDR", ":4443")
	srtAddr := envOr("SRT_ADDR", ":6000")
	webDir := envOr("WEB_DIR", "web/dist")

	mgr := stream.NewManager(nil)

	distSrv, err := distribution.NewServer(distribution.ServerConfig{
		Addr:   wtAddr,
		WebDir: webDir,
		Cert:   cert,
	})
	if err != nil {
		slog.Error("failed to create distribution server", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)

	registry := ingest.NewRegistry(func(key string, input io.Reader, _ ingest.InputFormat, kind stream.SourceKind) {
		handleIngestStream(ctx, mgr, distSrv, key, input, kind)
	})
	srtSrv := srtingest.NewServer(srtAddr, registry, nil)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		return distSrv.Start(ctx)
	})

	g.Go(func() error {
		return runSyntheticScreenshare(ctx, distSrv)
	})

	slog.Info("cadence-demo starting", "srt", srtAddr, "webtransport", wtAddr,
		"synthetic_stream", syntheticStreamKey, "cert_hash", cert.FingerprintBase64())

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// handleIngestStream wires an SRT-published stream into the pipeline.
// Screen-share sources (streamid marked "screenshare/...") get a
// cadence adapter attached to their video path; camera sources are
// forwarded directly, matching cmd/prism's behavior.
func handleIngestStream(ctx context.Context, mgr *stream.Manager, distSrv *distribution.Server, key string, input io.Reader, kind stream.SourceKind) {
	log := slog.With("stream", key, "kind", kind)
	log.Info("new ingest stream")

	if _, created := mgr.Create(key, kind); !created {
		log.Warn("rejecting duplicate stream connection")
		return
	}
	defer func() {
		distSrv.UnregisterStream(key)
		mgr.Remove(key)
	}()

	relay := distSrv.RegisterStream(key)

	var opts []pipeline.Option
	var queue *cadenceQueueHandle
	if kind == stream.Screenshare {
		adapter, q := newScreenshareAdapter(log)
		queue = q
		opts = append(opts, pipeline.WithCadenceAdapter(adapter))
	}

	p := pipeline.New(key, input, relay, opts...)
	p.SetProtocol("SRT")
	distSrv.SetPipeline(key, p)

	if err := p.Run(ctx); err != nil {
		log.Error("pipeline error", "error", err)
	}
	if queue != nil {
		queue.Stop()
	}
	log.Info("ingest stream ended")
}

// cadenceQueueHandle is the subset of *cadence's unexported goQueue type
// this file needs: NewGoQueue's return value satisfies it without
// naming the unexported type.
type cadenceQueueHandle struct {
	stop func()
}

func (h *cadenceQueueHandle) Stop() { h.stop() }

// newScreenshareAdapter builds a cadence.Adapter configured from the
// environment (CADENCE_ZERO_HERTZ_SCREENSHARE, CADENCE_MAX_FPS,
// CADENCE_MIN_FPS), the same envOr convention cmd/prism uses for its
// own configuration.
func newScreenshareAdapter(log *slog.Logger) (*cadence.Adapter, *cadenceQueueHandle) {
	queue := cadence.NewGoQueue()
	clock := cadence.NewSystemClock()
	adapter := cadence.New(clock, queue, cadence.EnvFeatureFlags{}, cadence.NewSlogMetricsSink(log), log)

	maxFPS := envOrFloat("CADENCE_MAX_FPS", 1)
	constraints := cadence.Constraints{MaxFPS: &maxFPS}
	if minFPS, ok := envFloat("CADENCE_MIN_FPS"); ok {
		constraints.MinFPS = &minFPS
	}

	queue.Post(func() {
		adapter.OnConstraintsChanged(constraints)
		adapter.SetZeroHertzModeEnabled(true)
	})

	return adapter, &cadenceQueueHandle{stop: queue.Stop}
}

// runSyntheticScreenshare drives a purely in-process screen-share
// producer: no SRT, no MPEG-TS demux, just a cadence.Adapter feeding a
// Relay directly. It simulates a static slide by posting one frame
// every slideInterval and otherwise going idle, relying entirely on
// zero-hertz repeats to keep the stream alive for viewers.
func runSyntheticScreenshare(ctx context.Context, distSrv *distribution.Server) error {
	const (
		slideWidth    = 1280
		slideHeight   = 720
		slideInterval = 10 * time.Second
	)

	log := slog.With("component", "synthetic-screenshare")
	relay := distSrv.RegisterStream(syntheticStreamKey)
	defer distSrv.UnregisterStream(syntheticStreamKey)

	relay.SetVideoInfo(distribution.VideoInfo{
		Codec:  "avc1.42001e",
		Width:  slideWidth,
		Height: slideHeight,
	})

	adapter, queue := newScreenshareAdapter(log)
	defer queue.Stop()

	adapter.Initialize(relayCallback{relay: relay, log: log})

	ticker := time.NewTicker(slideInterval)
	defer ticker.Stop()

	var slideIndex int64
	clock := cadence.NewSystemClock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			slideIndex++
			frame := cadence.Frame{
				Payload: &media.VideoFrame{
					PTS:        clock.NowUs(),
					IsKeyframe: true,
					Codec:      "h264",
					GroupID:    uint32(slideIndex),
					// Synthetic payload: not a decodable frame, just a
					// placeholder that changes on every slide.
					NALUs: [][]byte{[]byte(fmt.Sprintf("slide-%d", slideIndex))},
				},
				TimestampUs: clock.NowUs(),
				NtpTimeMs:   clock.NowNtpMs(),
			}
			adapter.OnFrame(frame)
			log.Debug("posted synthetic slide", "index", slideIndex)
		}
	}
}

// relayCallback adapts a *distribution.Relay into a cadence.Callback,
// used by the synthetic producer which has no pipeline.Pipeline to
// route through.
type relayCallback struct {
	relay *distribution.Relay
	log   *slog.Logger
}

func (c relayCallback) OnFrame(_ int64, _ int, frame cadence.Frame) {
	c.relay.BroadcastVideo(frame.Payload)
}

func (c relayCallback) OnDiscardedFrame() {
	c.log.Debug("frame discarded upstream of cadence adapter")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if v, ok := envFloat(key); ok {
		return v
	}
	return fallback
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float env var, ignoring", "key", key, "value", raw)
		return 0, false
	}
	return v, true
}

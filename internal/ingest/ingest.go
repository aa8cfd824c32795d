// Package ingest supervises the decoder child process and feeds decoded frames to the frame
// buffer.
package ingest

import (
	"context"
	"log"
	"time"

	"github.com/benbaptist/rtsp-proxy/internal/config"
	"github.com/benbaptist/rtsp-proxy/internal/engine"
	"github.com/benbaptist/rtsp-proxy/internal/frame"
	"github.com/benbaptist/rtsp-proxy/internal/framebuffer"
	"github.com/benbaptist/rtsp-proxy/internal/scaling"
)

const (
	maxConsecutiveFailures = 3
	failureBackoff         = 100 * time.Millisecond
	restartBackoff         = 1 * time.Second
	probeRetrySleep        = 5 * time.Second
)

// Stage supervises the decoder process: it establishes the scaling plan, spawns the decoder,
// reads frames with failure counting, and restarts on stall or crash.
type Stage struct {
	cfg   config.StreamConfig
	buf   *framebuffer.Buffer
	spawn engine.SpawnFunc

	// plan is resolved once on the first successful iteration and reused across decoder restarts;
	// havePl guards it. A plain restart (stall, crash) never invalidates it.
	plan         scaling.Plan
	havePl       bool
	resolveCalls int // number of resolvePlan invocations; exercised by tests only
}

// New returns an ingest Stage for cfg, publishing decoded frames to buf.
func New(cfg config.StreamConfig, buf *framebuffer.Buffer) *Stage {
	return &Stage{cfg: cfg, buf: buf}
}

// WithSpawnFunc overrides the process-spawn function, for tests.
func (s *Stage) WithSpawnFunc(spawn engine.SpawnFunc) *Stage {
	s.spawn = spawn
	return s
}

// Run is the outer supervision loop. It returns when ctx is cancelled.
func (s *Stage) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !s.havePl {
			plan, err := s.resolvePlan(ctx)
			if err != nil {
				log.Printf("[ingest] scaling plan unavailable, retrying in %s: %v", probeRetrySleep, err)
				if !sleepCtx(ctx, probeRetrySleep) {
					return nil
				}
				continue
			}
			s.plan = plan
			s.havePl = true
		}

		args := engine.ArgsForDecoder(s.cfg.InputURL, s.plan.OutputWidth, s.plan.OutputHeight, s.plan.Filter())
		handle, err := engine.Spawn(ctx, s.spawn, "ffmpeg", "decode", args)
		if err != nil {
			log.Printf("[ingest] failed to start decoder: %v", err)
			if !sleepCtx(ctx, restartBackoff) {
				return nil
			}
			continue
		}

		s.runInner(ctx, handle)

		handle.Terminate()
		if ctx.Err() != nil {
			return nil
		}
		if !sleepCtx(ctx, restartBackoff) {
			return nil
		}
	}
}

// resolvePlan probes or derives the scaling plan. It is only called by Run while s.havePl is
// false, i.e. on each ingest attempt until one succeeds; once a plan has been resolved it is cached in
// s.plan for the lifetime of the stage, matching rtsp_proxy.py's scale_filter (set once by
// setup_scaling, never recomputed on a plain read-loop restart).
func (s *Stage) resolvePlan(ctx context.Context) (scaling.Plan, error) {
	s.resolveCalls++
	if s.cfg.HasPinnedInputResolution() {
		return scaling.Derive(s.cfg.InputWidth, s.cfg.InputHeight, s.cfg.Width, s.cfg.Height), nil
	}
	inW, inH, err := engine.ProbeResolution(ctx, s.cfg.InputURL)
	if err != nil {
		return scaling.Plan{}, err
	}
	return scaling.Derive(inW, inH, s.cfg.Width, s.cfg.Height), nil
}

// runInner is the steady-state read loop. It returns when the decoder should be restarted (either
// three consecutive failures, a closed channel, or shutdown).
func (s *Stage) runInner(ctx context.Context, handle *engine.Handle) {
	frameSize := frame.Size(s.cfg.Width, s.cfg.Height)
	buf := make([]byte, frameSize)
	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-handle.Exited():
			log.Printf("[ingest] %s: decoder exited, restarting", handle.ID)
			return
		default:
		}

		err := handle.ReadFrame(buf, s.cfg.ReadTimeout)
		if err != nil {
			consecutiveFailures++
			log.Printf("[ingest] %s: read stall (%d/%d): %v", handle.ID, consecutiveFailures, maxConsecutiveFailures, err)
			if consecutiveFailures >= maxConsecutiveFailures {
				log.Printf("[ingest] %s: too many consecutive failures, restarting decoder", handle.ID)
				return
			}
			if !sleepCtx(ctx, failureBackoff) {
				return
			}
			continue
		}

		consecutiveFailures = 0
		s.buf.Publish(frame.New(s.cfg.Width, s.cfg.Height, buf))
	}
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first. Returns false if ctx
// was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// Package relay supervises the encoder child process and emits exactly one frame per output tick
// at a fixed cadence, selecting between live, frozen, and error frames per freshness.
package relay

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

const restartBackoff = 1 * time.Second

// Stage supervises the encoder process and drives the output cadence.
type Stage struct {
	cfg   config.StreamConfig
	buf   *framebuffer.Buffer
	spawn engine.SpawnFunc
}

// New returns a relay Stage for cfg, reading frames from buf.
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

		args := engine.ArgsForEncoder(s.cfg, s.cfg.OutputURL)
		handle, err := engine.Spawn(ctx, s.spawn, "ffmpeg", "encode", args)
		if err != nil {
			log.Printf("[relay] failed to start encoder: %v", err)
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

// runInner drives the fixed-cadence emission loop against handle. It returns when the encoder
// should be restarted, or when ctx is cancelled.
func (s *Stage) runInner(ctx context.Context, handle *engine.Handle) {
	tickInterval := time.Duration(float64(time.Second) / s.cfg.FPS)
	nextTick := time.Now()

	for {
		now := time.Now()
		if sleep := nextTick.Sub(now); sleep > 0 {
			t := time.NewTimer(sleep)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			case <-handle.Exited():
				t.Stop()
				log.Printf("[relay] %s: encoder exited, restarting", handle.ID)
				return
			}
		}

		now = time.Now()
		nextTick = nextTick.Add(tickInterval)
		if now.After(nextTick.Add(tickInterval)) {
			// Drift guard: more than one frame behind, resync instead of bursting to catch up.
			nextTick = now.Add(tickInterval)
		}

		if ctx.Err() != nil {
			return
		}
		select {
		case <-handle.Exited():
			log.Printf("[relay] %s: encoder exited, restarting", handle.ID)
			return
		default:
		}

		f := s.selectFrame(now)
		if err := handle.WriteFrame(f.Pixels); err != nil {
			log.Printf("[relay] %s: write failed, restarting encoder: %v", handle.ID, err)
			return
		}
	}
}

// selectFrame implements the live/frozen/error presentation policy for the current tick.
func (s *Stage) selectFrame(now time.Time) frame.Frame {
	if f, ok := s.buf.TryTake(); ok {
		return f
	}

	lastReceivedAt, everReceived := s.buf.LastReceivedAt()
	if !everReceived {
		return scaling.ErrorFrame(s.cfg.Width, s.cfg.Height)
	}

	age := now.Sub(lastReceivedAt)
	if age > s.cfg.StaleTimeout {
		return scaling.ErrorFrame(s.cfg.Width, s.cfg.Height)
	}

	last, ok := s.buf.LastDelivered()
	if !ok {
		return scaling.ErrorFrame(s.cfg.Width, s.cfg.Height)
	}
	if age > time.Second {
		return scaling.StalenessOverlay(last, age.Seconds())
	}
	return last.Clone()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

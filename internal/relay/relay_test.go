package relay

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/benbaptist/rtsp-proxy/internal/config"
	"github.com/benbaptist/rtsp-proxy/internal/frame"
	"github.com/benbaptist/rtsp-proxy/internal/framebuffer"
	"github.com/benbaptist/rtsp-proxy/internal/scaling"
)

// fakeEncoderSpawn backs the encoder handle with a real short-lived process and an in-process
// pipe standing in for its stdin, recording every write for assertions.
func fakeEncoderSpawn(t *testing.T, spawnCount *int32) (spawn func(ctx context.Context, name string, args []string) (*exec.Cmd, io.ReadCloser, io.WriteCloser, error), writes *writeRecorder) {
	t.Helper()
	rec := &writeRecorder{}
	spawn = func(ctx context.Context, name string, args []string) (*exec.Cmd, io.ReadCloser, io.WriteCloser, error) {
		atomic.AddInt32(spawnCount, 1)
		cmd := exec.CommandContext(ctx, "sleep", "30")
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			return nil, nil, nil, err
		}
		stdoutR, _ := io.Pipe()
		return cmd, stdoutR, rec, nil
	}
	return spawn, rec
}

// writeRecorder implements io.WriteCloser, recording every frame written to the encoder's stdin.
type writeRecorder struct {
	mu    sync.Mutex
	count int
	last  []byte
}

func (w *writeRecorder) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count++
	w.last = append([]byte(nil), p...)
	return len(p), nil
}

func (w *writeRecorder) Close() error { return nil }

func (w *writeRecorder) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func testConfig() config.StreamConfig {
	return config.StreamConfig{
		InputURL:     "rtsp://upstream/cam",
		OutputURL:    "rtsp://downstream/out",
		Width:        2,
		Height:       2,
		FPS:          100,
		Codec:        config.CodecH264,
		Bitrate:      "2M",
		Preset:       "medium",
		GOP:          30,
		StaleTimeout: 200 * time.Millisecond,
		ReadTimeout:  5 * time.Second,
	}
}

func TestRelayEmitsErrorFrameBeforeAnyIngest(t *testing.T) {
	var spawnCount int32
	spawn, rec := fakeEncoderSpawn(t, &spawnCount)

	cfg := testConfig()
	buf := framebuffer.New()
	stage := New(cfg, buf).WithSpawnFunc(spawn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = stage.Run(ctx)
		close(done)
	}()

	waitForCondition(t, 2*time.Second, func() bool { return rec.Count() >= 1 })

	want := scaling.ErrorFrame(cfg.Width, cfg.Height)
	rec.mu.Lock()
	got := rec.last
	rec.mu.Unlock()
	if !bytes.Equal(got, want.Pixels) {
		t.Fatalf("expected the error frame before any ingest, got %v", got)
	}

	cancel()
	waitForDone(t, done)
}

func TestRelayEmitsLiveFrameWhenFresh(t *testing.T) {
	var spawnCount int32
	spawn, rec := fakeEncoderSpawn(t, &spawnCount)

	cfg := testConfig()
	buf := framebuffer.New()
	stage := New(cfg, buf).WithSpawnFunc(spawn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = stage.Run(ctx)
		close(done)
	}()

	live := frame.New(2, 2, []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9})
	buf.Publish(live)

	waitForCondition(t, 2*time.Second, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.last != nil && rec.last[0] == 9
	})

	cancel()
	waitForDone(t, done)
}

func TestRelayEmitsErrorFrameAfterStaleTimeout(t *testing.T) {
	var spawnCount int32
	spawn, rec := fakeEncoderSpawn(t, &spawnCount)

	cfg := testConfig()
	buf := framebuffer.New()
	stage := New(cfg, buf).WithSpawnFunc(spawn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = stage.Run(ctx)
		close(done)
	}()

	buf.Publish(frame.New(2, 2, []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}))
	time.Sleep(cfg.StaleTimeout + 100*time.Millisecond)

	waitForCondition(t, 2*time.Second, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		// The rendered error frame is black (0,0,0) everywhere except the centered text; the
		// top-left pixel is always black regardless of text placement.
		return rec.last != nil && rec.last[0] == 0 && rec.last[1] == 0 && rec.last[2] == 0
	})

	cancel()
	waitForDone(t, done)
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitForDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

// Package engine wraps the external media engine (ffmpeg) as a supervised child process: it
// spawns decode/encode pipelines, reads and writes raw RGB frames with deadlines, and derives
// codec argument sets from configuration.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/benbaptist/rtsp-proxy/internal/config"
)

// ErrStall is returned by ReadFrame when the read did not complete before its deadline, or
// returned a partial result. It is a sentinel distinct from a fatal process error.
var ErrStall = errors.New("engine: stall")

// SpawnFunc starts an *exec.Cmd and returns it already Start()ed, or an error. Production code
// uses DefaultSpawn; tests inject a fake to avoid needing a real ffmpeg binary.
type SpawnFunc func(ctx context.Context, name string, args []string) (*exec.Cmd, io.ReadCloser, io.WriteCloser, error)

// DefaultSpawn runs the named binary with args, wiring stdout/stdin pipes and a stderr-scanning
// goroutine that forwards log lines, and places the child in its own process group so a hard
// kill can reap grandchildren.
func DefaultSpawn(ctx context.Context, name string, args []string) (*exec.Cmd, io.ReadCloser, io.WriteCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("start %s: %w", name, err)
	}
	go forwardStderr(name, stderr)
	return cmd, stdout, stdin, nil
}

// Handle is an opaque reference to a spawned decoder or encoder process. Exactly one stage owns
// a Handle; Terminate is safe to call more than once and from a different goroutine than the
// owner (the main task's shutdown path races with the stage's own teardown).
type Handle struct {
	ID   string
	Name string

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stdin  io.WriteCloser

	terminateOnce sync.Once
	waitOnce      sync.Once
	exited        chan struct{}
	waitErr       error
}

// Spawn starts an external media engine process identified by name/args and begins a background
// goroutine that waits for the process to exit and closes Exited() when it does.
// label is a short human-readable tag ("decode", "encode") folded into the correlation ID logged
// with every message about this process instance.
func Spawn(ctx context.Context, spawn SpawnFunc, binary, label string, args []string) (*Handle, error) {
	if spawn == nil {
		spawn = DefaultSpawn
	}
	cmd, stdout, stdin, err := spawn(ctx, binary, args)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		ID:     fmt.Sprintf("%s-%s", label, uuid.NewString()[:8]),
		Name:   binary,
		cmd:    cmd,
		stdout: stdout,
		stdin:  stdin,
		exited: make(chan struct{}),
	}

	go h.monitor()
	log.Printf("[engine] %s: started pid=%d", h.ID, pidOf(cmd))
	return h, nil
}

func pidOf(cmd *exec.Cmd) int {
	if cmd == nil || cmd.Process == nil {
		return -1
	}
	return cmd.Process.Pid
}

func (h *Handle) monitor() {
	err := h.cmd.Wait()
	h.waitOnce.Do(func() {
		h.waitErr = err
		close(h.exited)
	})
	if err != nil {
		log.Printf("[engine] %s: exited: %v", h.ID, err)
	}
}

// Exited returns a channel closed once the underlying process has been reaped.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// HasExited reports, without blocking, whether the process has already been reaped.
func (h *Handle) HasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// ReadFrame reads exactly n bytes from the handle's stdout before deadline elapses. A short read,
// a read error, or a missed deadline are all reported as ErrStall; only an exact n-byte read is
// ever treated as a valid frame.
func (h *Handle) ReadFrame(buf []byte, deadline time.Duration) error {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := io.ReadFull(h.stdout, buf)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil || r.n != len(buf) {
			return ErrStall
		}
		return nil
	case <-time.After(deadline):
		return ErrStall
	}
}

// WriteFrame writes the frame's raw bytes to the handle's stdin. A short write or error is
// reported as a write failure.
func (h *Handle) WriteFrame(buf []byte) error {
	n, err := h.stdin.Write(buf)
	if err != nil {
		return fmt.Errorf("engine: write: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("engine: short write (%d of %d bytes)", n, len(buf))
	}
	return nil
}

// Terminate runs the graceful-then-hard shutdown sequence against the process group: SIGTERM,
// wait up to 2s, SIGKILL, wait up to 1s, and always closes the stdio pipes. Idempotent.
func (h *Handle) Terminate() {
	h.terminateOnce.Do(func() {
		defer func() {
			if h.stdin != nil {
				_ = h.stdin.Close()
			}
			if h.stdout != nil {
				_ = h.stdout.Close()
			}
		}()

		pgid := pidOf(h.cmd)
		if pgid <= 0 {
			return
		}

		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		if waitExited(h.exited, 2*time.Second) {
			return
		}

		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		waitExited(h.exited, 1*time.Second)
	})
}

func waitExited(exited <-chan struct{}, d time.Duration) bool {
	select {
	case <-exited:
		return true
	case <-time.After(d):
		return false
	}
}

// forwardStderr line-buffers r into log.Printf lines prefixed with tag, matching the teacher's
// child-process log-forwarding idiom. It returns once r is closed (the process exited and Wait
// closed its stderr pipe; Terminate does not close stderr itself).
func forwardStderr(tag string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		log.Printf("[%s] %s", tag, line)
	}
}

// ArgsForDecoder builds the ffmpeg argument set for the decoder child: RTSP input over TCP,
// optional scale+pad filter, packed RGB24 raw output on stdout.
func ArgsForDecoder(inputURL string, outW, outH int, filter string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-rtsp_transport", "tcp",
		"-i", inputURL,
	}
	if filter != "" {
		args = append(args, "-vf", filter)
	}
	args = append(args,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", outW, outH),
		"pipe:1",
	)
	return args
}

// ArgsForEncoder builds the ffmpeg argument set for the encoder child: raw RGB24 stdin at the
// given resolution/framerate, codec parameters from ArgsFor, RTSP output over TCP.
func ArgsForEncoder(cfg config.StreamConfig, outputURL string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", fmt.Sprintf("%.3f", cfg.FPS),
		"-i", "pipe:0",
	}
	args = append(args, ArgsFor(cfg)...)
	args = append(args,
		"-rtsp_transport", "tcp",
		"-f", "rtsp",
		outputURL,
	)
	return args
}

// ArgsFor is the pure mapping from codec configuration to ffmpeg codec-selection arguments
// described in spec.md §4.1.
func ArgsFor(cfg config.StreamConfig) []string {
	switch cfg.Codec {
	case config.CodecH264:
		return []string{
			"-c:v", "libx264",
			"-preset", cfg.Preset,
			"-tune", "zerolatency",
			"-profile:v", "main",
			"-pix_fmt", "yuv420p",
			"-g", fmt.Sprintf("%d", cfg.GOP),
			"-x264-params", fmt.Sprintf("keyint=%d:scenecut=0", cfg.GOP),
			"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d/%.3f)", cfg.GOP, cfg.FPS),
			"-b:v", cfg.Bitrate,
		}
	case config.CodecH265:
		return []string{
			"-c:v", "libx265",
			"-preset", cfg.Preset,
			"-x265-params", fmt.Sprintf("keyint=%d:min-keyint=%d:no-repeat-headers=1", cfg.GOP, cfg.GOP),
			"-b:v", cfg.Bitrate,
		}
	case config.CodecPassthrough:
		return []string{"-c:v", "copy"}
	default:
		return []string{"-c:v", "copy"}
	}
}

// ProbeResolution runs ffprobe against inputURL and returns its reported width/height. Retries up
// to 5 times at 2s spacing; returns an error if every attempt fails.
func ProbeResolution(ctx context.Context, inputURL string) (width, height int, err error) {
	const attempts = 5
	const spacing = 2 * time.Second

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			case <-time.After(spacing):
			}
		}
		w, h, probeErr := probeOnce(ctx, inputURL)
		if probeErr == nil {
			return w, h, nil
		}
		lastErr = probeErr
	}
	return 0, 0, fmt.Errorf("probe resolution: %d attempts failed, last error: %w", attempts, lastErr)
}

func probeOnce(ctx context.Context, inputURL string) (int, int, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-rtsp_transport", "tcp",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		inputURL,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, err
	}
	var w, h int
	line := strings.TrimSpace(string(out))
	if _, scanErr := fmt.Sscanf(line, "%dx%d", &w, &h); scanErr != nil {
		return 0, 0, fmt.Errorf("unexpected ffprobe output %q: %w", line, scanErr)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("ffprobe reported non-positive resolution %dx%d", w, h)
	}
	return w, h, nil
}

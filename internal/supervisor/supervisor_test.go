package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/benbaptist/rtsp-proxy/internal/config"
)

func TestRunReturnsPromptlyWhenAlreadyCancelled(t *testing.T) {
	cfg := config.StreamConfig{
		InputURL: "rtsp://upstream/cam", OutputURL: "rtsp://downstream/out",
		Width: 1920, Height: 1080, FPS: 30, Codec: config.CodecH264,
		Bitrate: "2M", Preset: "medium", GOP: 30,
		StaleTimeout: 15 * time.Second, ReadTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	select {
	case <-done:
	case <-time.After(joinBound + 2*time.Second):
		t.Fatal("Run did not return after its join bound for an already-cancelled context")
	}
}

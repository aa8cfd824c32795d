// Package supervisor wires the ingest and relay stages together under one cancellation signal and
// performs bounded teardown on shutdown.
package supervisor

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/benbaptist/rtsp-proxy/internal/config"
	"github.com/benbaptist/rtsp-proxy/internal/framebuffer"
	"github.com/benbaptist/rtsp-proxy/internal/ingest"
	"github.com/benbaptist/rtsp-proxy/internal/relay"
)

// joinBound is the maximum time Run waits for both stages to return after cancellation before
// giving up and returning anyway.
const joinBound = 2 * time.Second

// Run starts the ingest and relay stages and blocks until SIGINT/SIGTERM or ctx is cancelled,
// then tears both stages down within joinBound.
func Run(ctx context.Context, cfg config.StreamConfig) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buf := framebuffer.New()
	ingestStage := ingest.New(cfg, buf)
	relayStage := relay.New(cfg, buf)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingestStage.Run(gctx)
	})
	g.Go(func() error {
		return relayStage.Run(gctx)
	})

	<-ctx.Done()
	log.Printf("[supervisor] shutdown signal received, stopping stages")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		log.Printf("[supervisor] stages stopped cleanly")
		return err
	case <-time.After(joinBound):
		log.Printf("[supervisor] stages did not stop within %s, returning anyway", joinBound)
		return nil
	}
}

// Command rtsp-relay pulls an RTSP feed, decodes and re-encodes it through ffmpeg, and republishes
// it to a downstream RTSP endpoint, holding a frozen frame and then an error frame across upstream
// outages.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/benbaptist/rtsp-proxy/internal/config"
	"github.com/benbaptist/rtsp-proxy/internal/supervisor"
)

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	config.LoadDotEnv()
	cfg := config.Defaults()
	var codecFlag string
	staleTimeoutSeconds := cfg.StaleTimeout.Seconds()
	readTimeoutSeconds := cfg.ReadTimeout.Seconds()

	root := &cobra.Command{
		Use:   "rtsp-relay <input_url> <output_url>",
		Short: "Resilient RTSP-to-RTSP video relay",
		Long: "Ingests an upstream RTSP feed, decodes and re-encodes it through ffmpeg, and " +
			"republishes it downstream, holding the last good frame and then an error frame " +
			"across upstream outages.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.InputURL = args[0]
			cfg.OutputURL = args[1]

			codec, err := config.ParseCodec(codecFlag)
			if err != nil {
				return err
			}
			cfg.Codec = codec
			cfg.StaleTimeout = secondsToDuration(staleTimeoutSeconds)
			cfg.ReadTimeout = secondsToDuration(readTimeoutSeconds)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			return supervisor.Run(context.Background(), cfg)
		},
	}

	root.PersistentFlags().Float64Var(&staleTimeoutSeconds, "timeout", staleTimeoutSeconds,
		"grace period in seconds after the last received frame before emitting the error frame")
	root.PersistentFlags().Float64Var(&readTimeoutSeconds, "read-timeout", readTimeoutSeconds,
		"per-frame read deadline on the decoder, in seconds")
	root.PersistentFlags().StringVar(&codecFlag, "codec", cfg.Codec.String(),
		"output codec: libx264, libx265, or copy")
	root.PersistentFlags().StringVar(&cfg.Bitrate, "bitrate", cfg.Bitrate,
		"engine-native target bitrate, e.g. 2M")
	root.PersistentFlags().StringVar(&cfg.Preset, "preset", cfg.Preset,
		"encoder speed preset (ultrafast .. veryslow)")
	root.PersistentFlags().IntVar(&cfg.GOP, "gop", cfg.GOP,
		"keyframe interval in frames")
	root.PersistentFlags().Float64Var(&cfg.FPS, "fps", cfg.FPS,
		"output framerate")
	root.PersistentFlags().IntVar(&cfg.Width, "width", cfg.Width,
		"output width")
	root.PersistentFlags().IntVar(&cfg.Height, "height", cfg.Height,
		"output height")
	root.PersistentFlags().IntVar(&cfg.InputWidth, "input-width", cfg.InputWidth,
		"pinned input width, bypasses resolution probing when set with --input-height")
	root.PersistentFlags().IntVar(&cfg.InputHeight, "input-height", cfg.InputHeight,
		"pinned input height, bypasses resolution probing when set with --input-width")

	return root
}

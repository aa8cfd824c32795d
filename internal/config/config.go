// Package config defines the immutable stream configuration and its environment/flag layering.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Codec is a tagged variant over the supported output codecs.
type Codec int

const (
	CodecH264 Codec = iota
	CodecH265
	CodecPassthrough
)

// String renders the codec the way it is accepted on the CLI and passed to the media engine.
func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "libx264"
	case CodecH265:
		return "libx265"
	case CodecPassthrough:
		return "copy"
	default:
		return "unknown"
	}
}

// ParseCodec maps a CLI/env string onto a Codec. An invalid codec is a configuration error, never
// silently defaulted.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "libx264", "h264":
		return CodecH264, nil
	case "libx265", "h265", "hevc":
		return CodecH265, nil
	case "copy", "passthrough":
		return CodecPassthrough, nil
	default:
		return 0, fmt.Errorf("unknown codec %q (want libx264, libx265, or copy)", s)
	}
}

// StreamConfig is the fully resolved, immutable configuration for one relay run.
type StreamConfig struct {
	InputURL  string
	OutputURL string

	Width  int
	Height int
	FPS    float64

	Codec   Codec
	Bitrate string
	Preset  string
	GOP     int

	StaleTimeout time.Duration
	ReadTimeout  time.Duration

	// InputWidth/InputHeight pin the known input resolution and bypass runtime probing when both
	// are set (> 0).
	InputWidth  int
	InputHeight int
}

// Validate returns an error describing the first configuration problem found, or nil.
func (c StreamConfig) Validate() error {
	if c.InputURL == "" {
		return fmt.Errorf("input_url is required")
	}
	if c.OutputURL == "" {
		return fmt.Errorf("output_url is required")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("output dimensions must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %f", c.FPS)
	}
	if c.GOP <= 0 {
		return fmt.Errorf("gop must be positive, got %d", c.GOP)
	}
	if c.StaleTimeout <= 0 {
		return fmt.Errorf("stale timeout must be positive, got %s", c.StaleTimeout)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive, got %s", c.ReadTimeout)
	}
	switch c.Preset {
	case "ultrafast", "superfast", "veryfast", "faster", "fast", "medium", "slow", "slower", "veryslow":
	default:
		return fmt.Errorf("unknown preset %q", c.Preset)
	}
	return nil
}

// HasPinnedInputResolution reports whether both InputWidth and InputHeight were explicitly set,
// bypassing runtime probing.
func (c StreamConfig) HasPinnedInputResolution() bool {
	return c.InputWidth > 0 && c.InputHeight > 0
}

// LoadDotEnv overlays a .env file onto the process environment, if one is present. Absence of a
// .env file is not an error; it only matters for local development.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, using environment variables and flag defaults")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// Defaults returns the baseline StreamConfig, seeded from environment variables where set and
// falling back to the values from spec.md §6 otherwise. CLI flags overlay these at the cobra
// layer and take final precedence.
func Defaults() StreamConfig {
	codec, err := ParseCodec(getEnv("RELAY_CODEC", "libx264"))
	if err != nil {
		codec = CodecH264
	}
	return StreamConfig{
		Width:        getEnvAsInt("RELAY_WIDTH", 1920),
		Height:       getEnvAsInt("RELAY_HEIGHT", 1080),
		FPS:          getEnvAsFloat("RELAY_FPS", 30.0),
		Codec:        codec,
		Bitrate:      getEnv("RELAY_BITRATE", "2M"),
		Preset:       getEnv("RELAY_PRESET", "medium"),
		GOP:          getEnvAsInt("RELAY_GOP", 30),
		StaleTimeout: time.Duration(getEnvAsFloat("RELAY_TIMEOUT", 15.0) * float64(time.Second)),
		ReadTimeout:  time.Duration(getEnvAsFloat("RELAY_READ_TIMEOUT", 5.0) * float64(time.Second)),
	}
}

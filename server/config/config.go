package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/cyclopcam/framecap/pkg/framering"
	"github.com/cyclopcam/framecap/pkg/kibi"
)

// Limits on the sizes that can be configured
const (
	MinRingSize = 4 * 1024
	MaxRingSize = 16 * 1024 * 1024 * 1024
)

// DefaultMaxFrameSize is the largest frame we accept from the source when max_frame_size is not set
const DefaultMaxFrameSize = 16 * 1024 * 1024

// Config is the daemon configuration. It is fixed for the lifetime of the process.
// Session parameters (mode, frame count, etc) are not in here. They live in the parameters
// document, which is re-read on every Reconfigure.
type Config struct {
	RingSize      string `toml:"ring_size"`      // Capacity of the frame ring, eg "64 MB"
	MaxFrameSize  string `toml:"max_frame_size"` // Largest frame we accept from the source, eg "2 MB". Empty = DefaultMaxFrameSize.
	Output        string `toml:"output"`         // Output file, or "-" for stdout
	OutputFifo    bool   `toml:"output_fifo"`    // Create Output as a named pipe
	ParamsPath    string `toml:"params"`         // Path to the JSON session parameters document
	WatchParams   bool   `toml:"watch_params"`   // Treat every change to ParamsPath as a Reconfigure
	Source        string `toml:"source"`         // Unix socket, fifo or file that delivers frames
	WarmupFrames  int    `toml:"warmup_frames"`  // Re-emit this many leading frames on flush. 0 = disabled.
	HistorySize   int    `toml:"history_size"`   // Number of segment reports to keep
	NotifySystemd bool   `toml:"notify_systemd"` // Send sd_notify READY and STATUS messages
	NotifyPid     int    `toml:"notify_pid"`     // Default orchestrator pid, if the parameters don't specify one
}

func DefaultConfig() *Config {
	return &Config{
		RingSize:     "64 MB",
		Output:       "/tmp/framecap.out",
		ParamsPath:   "/tmp/framecap-params.json",
		Source:       "/tmp/framecap.sock",
		WarmupFrames: 0,
		HistorySize:  32,
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig, and then applies environment overrides.
// If the file doesn't exist, the defaults are used.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()
	if filename != "" {
		raw, err := os.ReadFile(filename)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("Error loading %v: %w", filename, err)
		}
		if err == nil {
			if _, err := toml.Decode(string(raw), cfg); err != nil {
				return nil, fmt.Errorf("Error decoding TOML %v: %w", filename, err)
			}
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides lets FRAMECAP_* environment variables override the file
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FRAMECAP_RING_SIZE"); v != "" {
		c.RingSize = v
	}
	if v := os.Getenv("FRAMECAP_MAX_FRAME_SIZE"); v != "" {
		c.MaxFrameSize = v
	}
	if v := os.Getenv("FRAMECAP_OUTPUT"); v != "" {
		c.Output = v
	}
	if v := os.Getenv("FRAMECAP_PARAMS"); v != "" {
		c.ParamsPath = v
	}
	if v := os.Getenv("FRAMECAP_SOURCE"); v != "" {
		c.Source = v
	}
	if v, err := strconv.Atoi(os.Getenv("FRAMECAP_WARMUP_FRAMES")); err == nil {
		c.WarmupFrames = v
	}
	if v, err := strconv.Atoi(os.Getenv("FRAMECAP_NOTIFY_PID")); err == nil {
		c.NotifyPid = v
	}
}

func (c *Config) Validate() error {
	ring, err := c.RingBytes()
	if err != nil {
		return fmt.Errorf("Invalid ring_size: %w", err)
	}
	maxFrame, err := c.MaxFrameBytes()
	if err != nil {
		return fmt.Errorf("Invalid max_frame_size: %w", err)
	}
	// Same rule as framering.Ring.CanHold. One byte of the ring is never used.
	if framering.RecordSize(maxFrame) > ring-1 {
		return fmt.Errorf("%w: ring_size %v can't hold a frame of %v (max_frame_size)", framering.ErrBufferTooSmall, kibi.FormatBytes(int64(ring)), kibi.FormatBytes(int64(maxFrame)))
	}
	if c.Output == "" {
		return fmt.Errorf("output may not be empty")
	}
	if c.OutputFifo && c.Output == "-" {
		return fmt.Errorf("output_fifo can't be used when writing to stdout")
	}
	if c.ParamsPath == "" {
		return fmt.Errorf("params may not be empty")
	}
	if c.WarmupFrames < 0 {
		return fmt.Errorf("warmup_frames may not be negative")
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("history_size must be at least 1")
	}
	return nil
}

// RingBytes returns the parsed ring capacity
func (c *Config) RingBytes() (int, error) {
	return kibi.ParseBytesInRange(c.RingSize, MinRingSize, MaxRingSize)
}

// MaxFrameBytes returns the parsed maximum frame size, or DefaultMaxFrameSize if none is configured
func (c *Config) MaxFrameBytes() (int, error) {
	if c.MaxFrameSize == "" {
		return DefaultMaxFrameSize, nil
	}
	return kibi.ParseBytesInRange(c.MaxFrameSize, 1, MaxRingSize)
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/helios/engine/core"
)

// PostProcess holds the four scalar parameters driving the bloom/tonemap
// chain. Deterministic for a fixed set of values.
type PostProcess struct {
	Exposure       float32 `toml:"exposure"`
	Gamma          float32 `toml:"gamma"`
	BloomIntensity float32 `toml:"bloom_intensity"`
	Threshold      float32 `toml:"threshold"`
	Knee           float32 `toml:"knee"`
}

type Config struct {
	AppName string `toml:"app_name"`
	Width   uint32 `toml:"width"`
	Height  uint32 `toml:"height"`

	// FramesInFlight bounds CPU run-ahead. The pacer allocates exactly this
	// many frame slots; slot resources recycle once their fence signals.
	FramesInFlight uint32 `toml:"frames_in_flight"`
	// FenceTimeout is the bounded wait on a slot's completion fence.
	// Exceeding it is treated as device loss, not retried.
	FenceTimeout time.Duration `toml:"fence_timeout"`
	// BindlessCapacity is the fixed size of the bindless texture table.
	BindlessCapacity uint32 `toml:"bindless_capacity"`

	// Headless disables swapchain acquire/present. HeadlessThrottle decides
	// whether the fence ring still bounds run-ahead in that mode; without it
	// frames run unthrottled.
	Headless         bool `toml:"headless"`
	HeadlessThrottle bool `toml:"headless_throttle"`

	// ParallelRecording fans per-feature command recording across workers.
	// All recorded work still lands in a single submission per frame.
	ParallelRecording bool `toml:"parallel_recording"`
	RecordWorkers     int  `toml:"record_workers"`

	// WatchShaders enables fsnotify-based change detection on SPIR-V files.
	WatchShaders bool `toml:"watch_shaders"`

	LogLevel core.LogLevel `toml:"log_level"`

	PostProcess PostProcess `toml:"post_process"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		AppName:           "Helios Engine",
		Width:             1280,
		Height:            720,
		FramesInFlight:    3,
		FenceTimeout:      2 * time.Second,
		BindlessCapacity:  4096,
		Headless:          false,
		HeadlessThrottle:  true,
		ParallelRecording: false,
		RecordWorkers:     4,
		WatchShaders:      false,
		LogLevel:          core.InfoLevel,
		PostProcess: PostProcess{
			Exposure:       1.0,
			Gamma:          2.2,
			BloomIntensity: 0.5,
			Threshold:      1.0,
			Knee:           0.5,
		},
	}
}

// Load reads a TOML configuration file, overlaying it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read '%s': %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse '%s': %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the renderer cannot operate with.
func (c *Config) Validate() error {
	if c.FramesInFlight == 0 {
		return fmt.Errorf("config: frames_in_flight must be > 0: %w", core.ErrConfiguration)
	}
	if c.BindlessCapacity == 0 {
		return fmt.Errorf("config: bindless_capacity must be > 0: %w", core.ErrConfiguration)
	}
	if c.FenceTimeout <= 0 {
		return fmt.Errorf("config: fence_timeout must be positive: %w", core.ErrConfiguration)
	}
	if c.ParallelRecording && c.RecordWorkers <= 0 {
		return fmt.Errorf("config: record_workers must be > 0 when parallel_recording is set: %w", core.ErrConfiguration)
	}
	if c.PostProcess.Gamma <= 0 {
		return fmt.Errorf("config: post_process.gamma must be > 0: %w", core.ErrConfiguration)
	}
	return nil
}

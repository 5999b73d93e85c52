package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/helios/engine/core"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint32(3), cfg.FramesInFlight)
	assert.Equal(t, uint32(4096), cfg.BindlessCapacity)
	assert.Equal(t, 2*time.Second, cfg.FenceTimeout)
	assert.True(t, cfg.HeadlessThrottle)
	assert.InDelta(t, 2.2, cfg.PostProcess.Gamma, 1e-6)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	content := `
app_name = "overlay"
width = 1920
height = 1080
frames_in_flight = 2
headless = true

[post_process]
exposure = 1.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "overlay", cfg.AppName)
	assert.Equal(t, uint32(1920), cfg.Width)
	assert.Equal(t, uint32(2), cfg.FramesInFlight)
	assert.True(t, cfg.Headless)
	assert.InDelta(t, 1.5, cfg.PostProcess.Exposure, 1e-6)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, uint32(4096), cfg.BindlessCapacity)
	assert.InDelta(t, 2.2, cfg.PostProcess.Gamma, 1e-6)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("frames_in_flight = ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero frames in flight", func(c *Config) { c.FramesInFlight = 0 }},
		{"zero bindless capacity", func(c *Config) { c.BindlessCapacity = 0 }},
		{"non-positive fence timeout", func(c *Config) { c.FenceTimeout = 0 }},
		{"parallel recording without workers", func(c *Config) {
			c.ParallelRecording = true
			c.RecordWorkers = 0
		}},
		{"non-positive gamma", func(c *Config) { c.PostProcess.Gamma = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfiguration)
		})
	}
}

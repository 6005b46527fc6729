package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rtx/engine/core"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "engine.toml", `
[application]
name = "demo"

[renderer]
ring_size = 3

[scene]
path = "scenes/triangle.toml"
watch = true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Application.Name)
	assert.Equal(t, uint32(1280), cfg.Application.StartWidth)
	assert.Equal(t, 3, cfg.Renderer.RingSize)
	assert.Equal(t, 2, cfg.Renderer.BackBuffers)
	assert.Equal(t, 5*time.Second, cfg.Renderer.FenceTimeout())
	assert.True(t, cfg.Scene.Watch)
	assert.Equal(t, float64(60), cfg.Run.TargetFPS)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, dir, "unknown.toml", "[renderer]\nframes_in_flight = 3\n"))
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "frames_in_flight")

	cfg, err := LoadConfig(writeFile(t, dir, "noscene.toml", "[run]\nmax_frames = 1\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cfg.Run.MaxFrames)
	assert.True(t, core.IsConfigurationError(cfg.Validate()))
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"zero width":     func(c *Config) { c.Application.StartWidth = 0 },
		"no back buffer": func(c *Config) { c.Renderer.BackBuffers = 0 },
		"empty ring":     func(c *Config) { c.Renderer.RingSize = 0 },
		"negative fps":   func(c *Config) { c.Run.TargetFPS = -1 },
		"no scene":       func(c *Config) { c.Scene.Path = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Scene.Path = "scene.toml"
			require.NoError(t, cfg.Validate())
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, core.IsConfigurationError(err))
		})
	}
}

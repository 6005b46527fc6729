package engine

import (
	"bytes"
	"errors"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/rtx"
)

type RendererConfig struct {
	BackBuffers int `toml:"back_buffers"`
	// Frames that may be in flight at once.
	RingSize int `toml:"ring_size"`
	// Zero waits on the fence forever.
	FenceTimeoutMS uint32 `toml:"fence_timeout_ms"`
	// Zero leaves GPU memory unbounded.
	BudgetBytes uint64 `toml:"budget_bytes"`
}

type SceneConfig struct {
	Path string `toml:"path"`
	// Watch recompiles the scene when it or its shader library changes.
	Watch bool `toml:"watch"`
	// Directory watched for changes, the directory of Path when empty.
	Directory string `toml:"directory"`
}

type RunConfig struct {
	// Zero renders until the engine is stopped.
	MaxFrames   uint64  `toml:"max_frames"`
	TargetFPS   float64 `toml:"target_fps"`
	LimitFrames bool    `toml:"limit_frames"`
}

type Config struct {
	Application ApplicationConfig `toml:"application"`
	Renderer    RendererConfig    `toml:"renderer"`
	Scene       SceneConfig       `toml:"scene"`
	Run         RunConfig         `toml:"run"`
}

func DefaultConfig() Config {
	return Config{
		Application: ApplicationConfig{
			Name:        "Anima RTX",
			StartWidth:  1280,
			StartHeight: 720,
			LogLevel:    "info",
		},
		Renderer: RendererConfig{
			BackBuffers:    2,
			RingSize:       rtx.DefaultRingSize,
			FenceTimeoutMS: 5000,
		},
		Run: RunConfig{
			TargetFPS: 60,
		},
	}
}

// LoadConfig reads an engine config. Keys missing from the file keep their
// default value. The result is validated by New, after command line overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return cfg, core.ConfigurationError("%s: unknown keys:\n%s", path, strict.String())
		}
		return cfg, core.ConfigurationError("%s: %s", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Application.StartWidth == 0 || c.Application.StartHeight == 0 {
		return core.ConfigurationError("application: empty back buffer %dx%d", c.Application.StartWidth, c.Application.StartHeight)
	}
	if c.Renderer.BackBuffers < 1 {
		return core.ConfigurationError("renderer: at least one back buffer is required")
	}
	if c.Renderer.RingSize < 1 {
		return core.ConfigurationError("renderer: ring size must be at least 1, got %d", c.Renderer.RingSize)
	}
	if c.Run.TargetFPS < 0 {
		return core.ConfigurationError("run: negative target fps")
	}
	if c.Scene.Path == "" {
		return core.ConfigurationError("scene: no scene path")
	}
	return nil
}

func (c RendererConfig) FenceTimeout() time.Duration {
	return time.Duration(c.FenceTimeoutMS) * time.Millisecond
}

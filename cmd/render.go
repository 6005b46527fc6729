package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/spaghettifunk/anima-rtx/engine"
	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/platform"
	"github.com/spaghettifunk/anima-rtx/testbed"
)

// renderConfig loads the engine config and applies the command line overrides.
func renderConfig(ctx *cli.Context) (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if path := ctx.String("config"); path != "" {
		loaded, err := engine.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if ctx.NArg() > 0 {
		cfg.Scene.Path = ctx.Args().First()
		cfg.Scene.Directory = ""
	}
	if ctx.IsSet("frames") {
		cfg.Run.MaxFrames = ctx.Uint64("frames")
	}
	if ctx.IsSet("width") {
		cfg.Application.StartWidth = uint32(ctx.Uint("width"))
	}
	if ctx.IsSet("height") {
		cfg.Application.StartHeight = uint32(ctx.Uint("height"))
	}
	if ctx.IsSet("watch") {
		cfg.Scene.Watch = ctx.Bool("watch")
	}
	if ctx.IsSet("ring") {
		cfg.Renderer.RingSize = ctx.Int("ring")
	}
	return cfg, nil
}

// Render a scene on the headless host until it is stopped or rendered the
// requested number of frames.
func Render(ctx *cli.Context) error {
	level := setupLogging(ctx)

	cfg, err := renderConfig(ctx)
	if err != nil {
		core.LogError(err.Error())
		return err
	}
	if level != "" {
		cfg.Application.LogLevel = level
	}

	tb := testbed.NewTestGame()
	host := platform.New()
	e, err := engine.New(tb.Game, host, cfg)
	if err != nil {
		return err
	}

	if err := e.Initialize(); err != nil {
		_ = e.Shutdown()
		return err
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()

	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		if !core.EventFire(core.EVENT_CODE_APPLICATION_QUIT, nil, core.EventContext{}) {
			e.Stop()
		}
	}()

	runErr := e.Run()
	presents := host.Presents()
	if err := e.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		core.LogError("render stopped: %s", runErr)
		return runErr
	}
	core.LogInfo("presented %d frames", presents)
	return nil
}

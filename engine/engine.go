package engine

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/anima-rtx/engine/assets"
	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/platform"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/rtx"
	"github.com/spaghettifunk/anima-rtx/engine/scene"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Engine released everything it owned
	EngineStageShutdown
)

func (s Stage) String() string {
	switch s {
	case EngineStageUninitialized:
		return "uninitialized"
	case EngineStageInitializing:
		return "initializing"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting down"
	case EngineStageShutdown:
		return "shut down"
	}
	return "unknown"
}

type resize struct {
	width  uint32
	height uint32
}

type Engine struct {
	currentStage Stage
	gameInstance *Game
	config       Config
	host         platform.Host
	isRunning    atomic.Bool
	isSuspended  bool

	ctx          *rtx.Context
	executor     *rtx.FrameExecutor
	assetManager *assets.AssetManager
	scene        *scene.Compiled
	scenePath    string

	reloads chan string
	resizes chan resize
	done    chan struct{}
	forward sync.WaitGroup

	width    uint32
	height   uint32
	clock    *core.Clock
	metrics  *core.Metrics
	lastTime float64
}

func New(g *Game, host platform.Host, config Config) (*Engine, error) {
	if g.ApplicationConfig != nil {
		config.Application = *g.ApplicationConfig
	}
	if err := config.Validate(); err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	am, err := assets.NewAssetManager()
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		config:       config,
		host:         host,
		assetManager: am,
		scenePath:    filepath.Clean(config.Scene.Path),
		reloads:      make(chan string, 8),
		resizes:      make(chan resize, 8),
		done:         make(chan struct{}),
		width:        config.Application.StartWidth,
		height:       config.Application.StartHeight,
		clock:        core.NewClock(),
		metrics:      core.NewMetrics(),
	}, nil
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing

	if e.config.Application.LogLevel != "" {
		if err := core.SetLogLevel(e.config.Application.LogLevel); err != nil {
			core.LogWarn("unknown log level %q, keeping the current one", e.config.Application.LogLevel)
		}
	}

	if !core.EventInitialize() {
		core.LogWarn("event system was already initialized")
	}
	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	core.EventRegister(core.EVENT_CODE_SCENE_CHANGED, e, e.onEvent)
	core.EventRegister(core.EVENT_CODE_DEVICE_LOST, e, e.onEvent)
	core.EventRegister(core.EVENT_CODE_RESIZED, e, e.onResized)

	app := e.config.Application
	if err := e.host.Startup(app.Name, app.StartWidth, app.StartHeight, e.config.Renderer.BackBuffers); err != nil {
		return err
	}

	ctx, err := rtx.NewContext(e.host.Device(), e.host.Queue(), rtx.AllocatorConfig{BudgetBytes: e.config.Renderer.BudgetBytes})
	if err != nil {
		return err
	}
	e.ctx = ctx
	if err := e.createExecutor(); err != nil {
		return err
	}

	if e.config.Scene.Watch {
		dir := e.config.Scene.Directory
		if dir == "" {
			dir = filepath.Dir(e.scenePath)
		}
		if err := e.assetManager.Initialize(dir); err != nil {
			core.LogError("cannot watch %s: %s", dir, err)
			return err
		}
		e.forward.Add(1)
		go e.forwardChanges()
	}

	if err := e.loadScene(); err != nil {
		return err
	}

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(); err != nil {
			return err
		}
	}
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(e.width, e.height); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	e.isRunning.Store(true)
	return nil
}

func (e *Engine) createExecutor() error {
	exec, err := rtx.NewFrameExecutor(e.ctx, e.host.SwapChain(), rtx.FrameExecutorConfig{
		RingSize:     e.config.Renderer.RingSize,
		FenceTimeout: e.config.Renderer.FenceTimeout(),
	})
	if err != nil {
		return err
	}
	e.executor = exec
	return nil
}

func (e *Engine) target() scene.Target {
	back := e.host.SwapChain().Buffer(0).Desc()
	return scene.Target{Width: uint32(back.Width), Height: back.Height, Format: back.Format}
}

// loadScene compiles the configured scene and binds it. It is only used when
// there is no scene to fall back to.
func (e *Engine) loadScene() error {
	desc, err := e.assetManager.LoadScene(e.scenePath)
	if err != nil {
		return err
	}
	compiled, err := scene.Compile(e.ctx, e.executor, desc, e.target())
	if err != nil {
		return err
	}
	if err := e.executor.Bind(compiled.Resources()); err != nil {
		compiled.Release()
		return err
	}
	e.scene = compiled
	return nil
}

// forwardChanges turns asset manager notifications into scene events.
func (e *Engine) forwardChanges() {
	defer e.forward.Done()
	for {
		select {
		case path := <-e.assetManager.Changes():
			data := core.EventContext{}
			data.Data.C[0] = path
			core.EventFire(core.EVENT_CODE_SCENE_CHANGED, e.assetManager, data)
		case <-e.done:
			return
		}
	}
}

// reloadScene compiles a changed scene next to the current one and swaps them
// once the new one is complete. Any failure other than a lost device keeps the
// current scene on screen.
func (e *Engine) reloadScene() error {
	desc, err := e.assetManager.LoadScene(e.scenePath)
	if err != nil {
		core.LogError("reloading %s: %s, keeping the current scene", e.scenePath, err)
		return nil
	}
	next, err := scene.Compile(e.ctx, e.executor, desc, e.target())
	if err != nil {
		if core.IsDeviceLost(err) {
			return err
		}
		core.LogError("compiling %s: %s, keeping the current scene", e.scenePath, err)
		return nil
	}
	if err := e.executor.Bind(next.Resources()); err != nil {
		next.Release()
		return err
	}
	if e.scene != nil {
		e.scene.Release()
	}
	e.scene = next
	core.LogInfo("scene %q reloaded", next.Name)
	return nil
}

func (e *Engine) drainReloads() error {
	reload := false
	for {
		select {
		case path := <-e.reloads:
			if filepath.Clean(path) == e.scenePath {
				reload = true
			}
			continue
		default:
		}
		break
	}
	if !reload {
		return nil
	}
	return e.reloadScene()
}

// applyResizes handles the latest pending resize. The scene and the frame ring
// both reference the swap chain, so they are rebuilt around the new one.
func (e *Engine) applyResizes() error {
	var latest *resize
	for {
		select {
		case r := <-e.resizes:
			latest = &r
			continue
		default:
		}
		break
	}
	if latest == nil || (latest.width == e.width && latest.height == e.height) {
		return nil
	}
	e.width, e.height = latest.width, latest.height
	core.LogDebug("Window resize: %d, %d", e.width, e.height)

	if e.width == 0 || e.height == 0 {
		core.LogInfo("Window minimized, suspending application.")
		e.isSuspended = true
		return nil
	}
	if e.isSuspended {
		core.LogInfo("Window restored, resuming application.")
		e.isSuspended = false
	}

	if err := e.executor.WaitIdle(); err != nil {
		return err
	}
	if e.scene != nil {
		e.scene.Release()
		e.scene = nil
	}
	if err := e.executor.Release(); err != nil {
		return err
	}
	e.executor = nil
	if err := e.host.Resize(e.width, e.height); err != nil {
		return err
	}
	if err := e.createExecutor(); err != nil {
		return err
	}
	if err := e.loadScene(); err != nil {
		return err
	}
	if e.gameInstance.FnOnResize != nil {
		return e.gameInstance.FnOnResize(e.width, e.height)
	}
	return nil
}

func (e *Engine) Run() error {
	e.currentStage = EngineStageRunning
	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	var targetFrameSeconds float64
	if e.config.Run.TargetFPS > 0 {
		targetFrameSeconds = 1.0 / e.config.Run.TargetFPS
	}

	for e.isRunning.Load() {
		if !e.host.PumpMessages() {
			e.isRunning.Store(false)
			break
		}
		if err := e.applyResizes(); err != nil {
			return e.failed(err)
		}
		if err := e.drainReloads(); err != nil {
			return e.failed(err)
		}
		if e.isSuspended {
			platform.Sleep(10)
			continue
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime
		frameStartTime := platform.GetAbsoluteTime()

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogError("Game update failed, shutting down.")
				return err
			}
		}

		if err := e.executor.RenderFrame(); err != nil {
			return e.failed(err)
		}

		if e.gameInstance.FnRender != nil {
			if err := e.gameInstance.FnRender(delta); err != nil {
				core.LogError("Game render failed, shutting down.")
				return err
			}
		}

		frameElapsedTime := platform.GetAbsoluteTime() - frameStartTime
		if e.config.Run.LimitFrames && targetFrameSeconds > 0 {
			if remainingSeconds := targetFrameSeconds - frameElapsedTime; remainingSeconds > 0 {
				platform.Sleep(remainingSeconds * 1000)
			}
		}
		e.metrics.Update(platform.GetAbsoluteTime() - frameStartTime)
		e.lastTime = currentTime

		if limit := e.config.Run.MaxFrames; limit > 0 && e.executor.FrameNumber() >= limit {
			core.LogInfo("rendered %d frames, stopping", limit)
			break
		}
	}
	e.isRunning.Store(false)
	return nil
}

func (e *Engine) failed(err error) error {
	e.isRunning.Store(false)
	if core.IsDeviceLost(err) {
		data := core.EventContext{}
		data.Data.C[0] = err.Error()
		core.EventFire(core.EVENT_CODE_DEVICE_LOST, e, data)
	}
	return err
}

// Stop asks the loop to return after the current frame. Safe from any goroutine.
func (e *Engine) Stop() {
	e.isRunning.Store(false)
}

// Shutdown drains the queue and releases everything in reverse creation
// order: scene, frame ring, leftover allocations, watcher, host.
func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShutdown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	e.isRunning.Store(false)

	close(e.done)
	e.forward.Wait()
	e.assetManager.Shutdown()

	var firstErr error
	if e.executor != nil {
		if err := e.executor.WaitIdle(); err != nil {
			core.LogWarn("shutting down without a drained queue: %s", err)
			firstErr = err
		}
	}
	if e.scene != nil {
		e.scene.Release()
		e.scene = nil
	}
	if e.executor != nil {
		if err := e.executor.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.executor = nil
	}
	if e.ctx != nil {
		if stats := e.ctx.Allocator.Stats(); stats.LiveAllocations > 0 || stats.LiveHeaps > 0 {
			core.LogWarn("releasing %d leftover allocations (%d bytes) and %d descriptor heaps", stats.LiveAllocations, stats.LiveBytes, stats.LiveHeaps)
		}
		e.ctx.Allocator.ReleaseAll()
	}
	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := core.EventShutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.host.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.currentStage = EngineStageShutdown
	return firstErr
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

func (e *Engine) Scene() *scene.Compiled {
	return e.scene
}

func (e *Engine) Executor() *rtx.FrameExecutor {
	return e.executor
}

func (e *Engine) Context() *rtx.Context {
	return e.ctx
}

func (e *Engine) Metrics() *core.Metrics {
	return e.metrics
}

func (e *Engine) Suspended() bool {
	return e.isSuspended
}

// Handlers may run on any goroutine; they only hand work to the loop.
func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listenerInst interface{}, context core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning.Store(false)
		return true
	case core.EVENT_CODE_SCENE_CHANGED:
		select {
		case e.reloads <- context.Data.C[0]:
		default:
			core.LogWarn("reload of %s already pending", context.Data.C[0])
		}
		return true
	case core.EVENT_CODE_DEVICE_LOST:
		core.LogError("device lost: %s", context.Data.C[0])
		return false
	}
	return false
}

func (e *Engine) onResized(code core.SystemEventCode, sender interface{}, listenerInst interface{}, context core.EventContext) bool {
	if code != core.EVENT_CODE_RESIZED {
		return false
	}
	r := resize{width: context.Data.U32[0], height: context.Data.U32[1]}
	select {
	case e.resizes <- r:
	default:
		core.LogWarn("dropping resize to %dx%d", r.width, r.height)
	}
	return false
}

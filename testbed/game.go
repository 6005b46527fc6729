package testbed

import (
	"github.com/spaghettifunk/anima-rtx/engine"
	"github.com/spaghettifunk/anima-rtx/engine/core"
)

// Seconds between two frame statistics lines.
const reportInterval = 1.0

type TestGame struct {
	*engine.Game
}

type gameState struct {
	width  uint32
	height uint32

	frames        uint64
	sinceReport   float64
	framesAtStart uint64
	elapsed       float64
}

// NewTestGame returns a game that only reports frame statistics. The window
// and scene come from the engine config.
func NewTestGame() *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			State: &gameState{},
		},
	}
	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown
	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Initialize() error {
	core.LogDebug("TestGame Initialize fn....")
	return nil
}

func (g *TestGame) Update(deltaTime float64) error {
	state := g.state()
	state.elapsed += deltaTime
	state.sinceReport += deltaTime
	return nil
}

func (g *TestGame) Render(deltaTime float64) error {
	state := g.state()
	state.frames++
	if state.sinceReport >= reportInterval {
		fps := float64(state.frames-state.framesAtStart) / state.sinceReport
		core.LogInfo("%.1f fps over the last %.1fs (%d frames)", fps, state.sinceReport, state.frames)
		state.framesAtStart = state.frames
		state.sinceReport = 0
	}
	return nil
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	state := g.state()
	state.width = width
	state.height = height
	core.LogDebug("TestGame resized to %dx%d", width, height)
	return nil
}

func (g *TestGame) Shutdown() error {
	state := g.state()
	core.LogInfo("TestGame rendered %d frames in %.2fs", state.frames, state.elapsed)
	return nil
}

// Frames returns the number of frames rendered so far.
func (g *TestGame) Frames() uint64 {
	return g.state().frames
}

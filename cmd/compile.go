package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/spaghettifunk/anima-rtx/engine/core"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu/headless"
	"github.com/spaghettifunk/anima-rtx/engine/renderer/rtx"
	"github.com/spaghettifunk/anima-rtx/engine/scene"
	"github.com/spaghettifunk/anima-rtx/engine/systems"
)

type compileResult struct {
	path      string
	name      string
	instances int
	layout    rtx.TableLayout
	table     []byte
	err       error
}

// compileScene compiles one scene file on its own headless device and
// releases everything again.
func compileScene(path string, target scene.Target) (compileResult, error) {
	res := compileResult{path: path}
	desc, err := scene.Load(path)
	if err != nil {
		return res, err
	}
	res.name = desc.Name

	device := headless.NewDevice()
	ctx, err := rtx.NewContext(device, device.NewQueue(), rtx.AllocatorConfig{})
	if err != nil {
		return res, err
	}
	swapChain, err := headless.NewSwapChain(device, 1, target.Width, target.Height, target.Format)
	if err != nil {
		return res, err
	}
	defer swapChain.Release()
	exec, err := rtx.NewFrameExecutor(ctx, swapChain, rtx.FrameExecutorConfig{RingSize: 1})
	if err != nil {
		return res, err
	}
	defer exec.Release()

	compiled, err := scene.Compile(ctx, exec, desc, target)
	if err != nil {
		return res, err
	}
	defer compiled.Release()

	res.instances = len(compiled.Instances())
	res.layout = compiled.Table().Layout()
	res.table = append([]byte(nil), compiled.Table().Bytes()...)
	return res, nil
}

func writeReport(w io.Writer, results []compileResult, dump bool) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Scene", "File", "Instances", "Stride", "Ray gen", "Miss", "Hit groups", "Size"})
	for _, r := range results {
		if r.err != nil {
			table.Append([]string{r.name, r.path, "-", "-", "-", "-", "-", r.err.Error()})
			continue
		}
		l := r.layout
		table.Append([]string{
			r.name,
			r.path,
			fmt.Sprintf("%d", r.instances),
			fmt.Sprintf("%d", l.Stride),
			fmt.Sprintf("[%d, %d)", l.RayGenOffset, l.RayGenOffset+l.RayGenSize),
			fmt.Sprintf("[%d, %d)", l.MissOffset, l.MissOffset+l.MissSize),
			fmt.Sprintf("[%d, %d)", l.HitOffset, l.HitOffset+l.HitSize),
			fmt.Sprintf("%d", l.Size()),
		})
	}
	table.Render()

	if !dump {
		return
	}
	for _, r := range results {
		if r.err != nil {
			continue
		}
		fmt.Fprintf(w, "\n%s shader table:\n%s", r.name, hex.Dump(r.table))
	}
}

// CompileScenes compiles every scene file given as argument concurrently and
// prints the shader table layout of each.
func CompileScenes(ctx *cli.Context) error {
	setupLogging(ctx)
	if ctx.NArg() == 0 {
		return errors.New("missing scene file arguments")
	}
	target := scene.Target{
		Width:  uint32(ctx.Uint("width")),
		Height: uint32(ctx.Uint("height")),
		Format: gpu.FormatR8G8B8A8Unorm,
	}

	workers := ctx.Int("workers")
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	js, err := systems.NewJobSystem(workers, ctx.NArg())
	if err != nil {
		return err
	}

	results := make([]compileResult, ctx.NArg())
	for idx := 0; idx < ctx.NArg(); idx++ {
		idx, path := idx, ctx.Args().Get(idx)
		err := js.Submit(systems.JobTask{
			Name: path,
			OnStart: func() error {
				res, err := compileScene(path, target)
				results[idx] = res
				return err
			},
			OnFailure: func(err error) {
				results[idx].err = err
			},
		})
		if err != nil {
			return err
		}
	}
	js.Wait()
	if err := js.Shutdown(); err != nil {
		return err
	}

	writeReport(ctx.App.Writer, results, ctx.Bool("dump"))

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
		}
	}
	if failed > 0 {
		err := fmt.Errorf("%d of %d scenes failed to compile", failed, len(results))
		core.LogError(err.Error())
		return err
	}
	return nil
}

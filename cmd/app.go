package cmd

import (
	"github.com/urfave/cli"
)

func NewApp() *cli.App {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "anima-rtx"
	app.Usage = "compile and render ray-traced scenes"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "compile",
			Usage: "compile scene descriptions and print their shader table layout",
			Description: `
Load each scene description and its shader library, build the acceleration
structures, the ray-tracing pipeline and the shader table on a headless device
and report the layout of the table. Scenes are compiled concurrently.`,
			ArgsUsage: "scene1.toml scene2.toml ...",
			Flags: []cli.Flag{
				cli.UintFlag{
					Name:  "width",
					Value: 1280,
					Usage: "render target width",
				},
				cli.UintFlag{
					Name:  "height",
					Value: 720,
					Usage: "render target height",
				},
				cli.IntFlag{
					Name:  "workers, w",
					Usage: "number of scenes compiled at once (default: number of CPUs)",
				},
				cli.BoolFlag{
					Name:  "dump, d",
					Usage: "print a hex dump of every shader table",
				},
			},
			Action: CompileScenes,
		},
		{
			Name:  "render",
			Usage: "render a scene",
			Description: `
Compile the scene and render frames until interrupted. The scene file argument
overrides the scene of the engine config.`,
			ArgsUsage: "[scene.toml]",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Usage: "engine config file",
				},
				cli.Uint64Flag{
					Name:  "frames, n",
					Usage: "stop after this many frames",
				},
				cli.UintFlag{
					Name:  "width",
					Usage: "back buffer width",
				},
				cli.UintFlag{
					Name:  "height",
					Usage: "back buffer height",
				},
				cli.IntFlag{
					Name:  "ring",
					Usage: "frames in flight",
				},
				cli.BoolFlag{
					Name:  "watch",
					Usage: "recompile the scene when it or its shader library changes",
				},
			},
			Action: Render,
		},
	}
	return app
}

package cmd

import (
	"github.com/urfave/cli"

	"github.com/spaghettifunk/anima-rtx/engine/core"
)

// setupLogging applies the global verbosity flags and returns the level they
// selected, or an empty string when neither is set.
func setupLogging(ctx *cli.Context) string {
	level := ""
	if ctx.GlobalBool("v") {
		level = "info"
	}
	if ctx.GlobalBool("vv") {
		level = "debug"
	}
	if level != "" {
		_ = core.SetLogLevel(level)
	}
	return level
}

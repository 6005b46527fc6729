/*
Command line entry point: compiles scene descriptions and renders them
*/
package main

import (
	"os"

	"github.com/spaghettifunk/anima-rtx/cmd"
)

func main() {
	if err := cmd.NewApp().Run(os.Args); err != nil {
		os.Exit(1)
	}
}

/*
xp is the Expedition CLI for driving filesystem-backed research runs.

An expedition decomposes a research question into independent
perspectives, researches them in parallel waves, validates citations,
and synthesizes a reviewed final document. All state lives on disk
under the run root; every command rehydrates from it and exits.

Usage:

	xp <command> [arguments]

Common commands:

	xp init            Initialize a new run root
	xp tick            Run one bounded unit of work
	xp status          Show run state
	xp triage          Diagnose why the run is not advancing
	xp ingest          Deposit an external agent's output
	xp version         Print version information

See 'xp help <command>' for more information on a specific command.
*/
package main

import (
	"os"

	"github.com/deeplook/expedition/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

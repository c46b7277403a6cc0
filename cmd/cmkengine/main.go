package main

import (
	"os"

	"github.com/consol-monitoring/cmkengine/pkg/cmkengine/commands"
)

func main() {
	os.Exit(commands.Execute())
}

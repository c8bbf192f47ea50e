package main

import (
	"os"

	"github.com/nshotdev/nshot/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}

package main

import (
	"os"

	"github.com/taskpulse/taskpulse/cmd/pulsectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

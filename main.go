package main

import (
	"os"

	"github.com/orbist/conductor/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

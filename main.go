package main

import (
	"os"

	"github.com/clearline-io/arbiter/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

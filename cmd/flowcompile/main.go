package main

import (
	"os"

	"github.com/ha1tch/flowcompile/cmd/flowcompile/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

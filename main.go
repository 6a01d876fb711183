package main

import (
	"os"

	"github.com/openfleet/carsim/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

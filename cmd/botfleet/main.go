package main

import (
	"os"

	"github.com/galadd/botfleet/cmd/botfleet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

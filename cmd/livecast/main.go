// Package main is the entry point for the livecast application.
package main

import (
	"os"

	"github.com/livecast-io/livecast/cmd/livecast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

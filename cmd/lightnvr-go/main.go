// Package main is the entry point for the lightnvr-go NVR daemon.
package main

import (
	"os"

	"github.com/opensensor/lightnvr-go/cmd/lightnvr-go/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main is the entry point for the mcpgate gateway.
package main

import (
	"os"

	"github.com/mcpgate/mcpgate/cmd/mcpgate/app"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/videodb/capture-agent/internal/cli"
	"github.com/videodb/capture-agent/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	return cli.NewRootCmd(&cli.Dependencies{Config: cfg}).Execute()
}

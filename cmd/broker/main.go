// Package main is the entrypoint for the number broker service.
// The broker resells SMS-verification numbers from upstream vendors against
// a per-user prepaid balance.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aelexs/numberbroker/internal/config"
	"github.com/aelexs/numberbroker/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "broker",
		PortFromConfig: func(cfg *config.Config) int { return cfg.Broker.HTTPPort },
		Setup:          setup,
	}, nil)
}

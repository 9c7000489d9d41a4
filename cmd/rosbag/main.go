// Command rosbag inspects, rewrites and migrates bag files.
//
// Logging:
//   - The base logger is created by the cli package with a
//     ComponentFilterHandler for per-component levels
//   - The logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"rosbag/cmd/rosbag/cli"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := cli.New(version, os.Stdout, os.Stderr).Run(ctx, os.Args[1:])
	stop()
	var xerr *cli.ExitError
	if errors.As(err, &xerr) {
		os.Exit(xerr.Code)
	}
	if err != nil {
		os.Exit(1)
	}
}

// Command fszero writes zero bytes to every block of DEVICE not
// covered by the loop-file extents recorded in SAVE-FILE, a
// persistence artifact written by fsremap.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/sycomix/fstransform/internal/config"
	"github.com/sycomix/fstransform/internal/persist"
	"github.com/sycomix/fstransform/internal/probe"
	"github.com/sycomix/fstransform/internal/remap"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		verbose    bool
		quiet      bool
		bwLimitStr string
	)

	rootCmd := &cobra.Command{
		Use:           "fszero DEVICE SAVE-FILE",
		Short:         "Zero every device block not covered by the loop-file extents in SAVE-FILE",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			} else if quiet {
				level = slog.LevelWarn
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			var limiter *rate.Limiter
			if bwLimitStr != "" {
				bw, err := config.ParseSize(bwLimitStr)
				if err != nil {
					return fmt.Errorf("invalid --bwlimit: %w", err)
				}
				if bw > 0 {
					limiter = remap.NewBWLimiter(bw)
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dev, err := os.OpenFile(args[0], os.O_RDWR, 0)
			if err != nil {
				return fmt.Errorf("open device %q: %w", args[0], err)
			}
			defer dev.Close()

			deviceLength, err := probe.DeviceSize(dev)
			if err != nil {
				return err
			}

			loopExtents, bitmask, err := persist.LoadFile(args[1])
			if err != nil {
				return fmt.Errorf("read persistence artifact %q: %w", args[1], err)
			}

			return remap.ZeroHoles(ctx, dev, deviceLength, loopExtents, bitmask, limiter)
		},
	}

	flags := rootCmd.Flags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "warnings and errors only")
	flags.StringVar(&bwLimitStr, "bwlimit", "", "cap device write throughput (e.g. 50M)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fszero: %v\n", err)
		fmt.Fprintln(os.Stderr, "Try 'fszero --help' for more information")
		return 1
	}
	return 0
}

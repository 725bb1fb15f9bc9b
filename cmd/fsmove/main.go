// Command fsmove migrates a whole directory tree from SOURCE-TREE to
// TARGET-TREE, preserving metadata, hard links, symlinks, devices and
// fifos.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sycomix/fstransform/internal/mover"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		verbose  bool
		quiet    bool
		simulate bool
		resume   bool
	)

	rootCmd := &cobra.Command{
		Use:           "fsmove SOURCE-TREE TARGET-TREE",
		Short:         "Move a directory tree across filesystems, preserving metadata and hard links",
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

			source, target := args[0], args[1]

			var cp *mover.Checkpoint
			if resume && !simulate {
				var err error
				if cp, err = mover.OpenCheckpoint(source, target); err != nil {
					return err
				}
				defer cp.Close()
			}

			if simulate {
				slog.Info("simulation mode, no changes will be made")
			}

			m := mover.New(simulate, cp)
			if err := m.Move(source, target); err != nil {
				return err
			}

			if cp != nil {
				if err := cp.Remove(); err != nil {
					slog.Warn("removing checkpoint db failed", "error", err)
				}
			}
			slog.Info("move complete", "source", source, "target", target)
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "warnings and errors only")
	flags.BoolVarP(&simulate, "simulate", "n", false, "walk the tree without changing anything")
	flags.BoolVar(&resume, "resume", false, "record progress and skip files already moved by an earlier run")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fsmove: %v\n", err)
		fmt.Fprintln(os.Stderr, "Try 'fsmove --help' for more information")
		return 1
	}
	return 0
}

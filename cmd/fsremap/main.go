// Command fsremap rearranges a block device's raw blocks in place so
// that the filesystem image held in LOOP-FILE comes to occupy the
// device directly.
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
	"github.com/sycomix/fstransform/internal/device"
	"github.com/sycomix/fstransform/internal/extent"
	"github.com/sycomix/fstransform/internal/job"
	"github.com/sycomix/fstransform/internal/persist"
	"github.com/sycomix/fstransform/internal/probe"
	"github.com/sycomix/fstransform/internal/remap"
	"github.com/sycomix/fstransform/internal/storage"
	"github.com/sycomix/fstransform/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		verbose        bool
		quiet          bool
		showVersion    bool
		root           string
		jobID          uint
		storageSizeStr string
		exact          bool
		bwLimitStr     string
	)

	rootCmd := &cobra.Command{
		Use:   "fsremap DEVICE LOOP-FILE ZERO-FILE",
		Short: "Remap a block device in place so the image in LOOP-FILE occupies it directly",
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.ExactArgs(3)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "fsremap %s\n", version)
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			if !cmd.Flags().Changed("storage-size") && cfg.Defaults.StorageSize != nil {
				storageSizeStr = *cfg.Defaults.StorageSize
			}
			if !cmd.Flags().Changed("bwlimit") && cfg.Defaults.BWLimit != nil {
				bwLimitStr = *cfg.Defaults.BWLimit
			}
			if !cmd.Flags().Changed("verbose") && cfg.Defaults.Verbose != nil {
				verbose = *cfg.Defaults.Verbose
			}

			var storageSize uint64
			if storageSizeStr != "" {
				if storageSize, err = config.ParseSize(storageSizeStr); err != nil {
					return fmt.Errorf("invalid --storage-size: %w", err)
				}
			}
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

			j, err := job.Init(root, jobID, storageSize, exact)
			if err != nil {
				return err
			}
			defer j.Quit()
			slog.Info("started job", "id", j.ID(), "dir", j.Dir())

			setupLogging(verbose, quiet, j)

			return remapDevice(ctx, j, args[0], args[1], args[2], limiter)
		},
	}

	flags := rootCmd.Flags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "warnings and errors only")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	flags.StringVar(&root, "root", ".", "directory holding the hidden .fstransform work dir")
	flags.UintVar(&jobID, "job-id", 0, "resume the given job instead of starting a new one")
	flags.StringVarP(&storageSizeStr, "storage-size", "s", "", "scratch storage budget (e.g. 256M)")
	flags.BoolVar(&exact, "storage-exact", false, "fail instead of creating secondary storage")
	flags.StringVar(&bwLimitStr, "bwlimit", "", "cap device write throughput (e.g. 50M)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fsremap: %v\n", err)
		fmt.Fprintln(os.Stderr, "Try 'fsremap --help' for more information")
		return 1
	}
	return 0
}

// setupLogging points the default logger at stderr plus the job's
// JSON log file.
func setupLogging(verbose, quiet bool, j *job.Job) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else if quiet {
		level = slog.LevelWarn
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	jsonHandler := slog.NewJSONHandler(j.LogWriter(), &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(ui.NewMultiHandler(textHandler, jsonHandler)))
}

// remapDevice is the whole job: read extents, persist them, plan and
// create storage, then run the shuffle.
func remapDevice(ctx context.Context, j *job.Job, devPath, loopPath, zeroPath string, limiter *rate.Limiter) error {
	set := &device.Set{}
	if err := set.Open(devPath, loopPath, zeroPath); err != nil {
		return err
	}
	defer set.Close()
	slog.Debug("device opened", "length", ui.FormatBytes(set.Length()))

	loopV, freeV, bitmask, err := set.ReadExtents(probe.FiemapProbe{})
	if err != nil {
		return err
	}
	set.CloseExtents()

	if err := persist.SaveFile(j.ExtentsPath(), loopV, bitmask); err != nil {
		return fmt.Errorf("write persistence artifact: %w", err)
	}

	blockSizeLog2 := extent.EffectiveBlockSizeLog2(bitmask)
	slog.Info("extents read",
		"loop_file", ui.FormatBytes(loopV.TotalCount()),
		"free_space", ui.FormatBytes(freeV.TotalCount()),
		"block_size", uint64(1)<<blockSizeLog2)

	loopMap, err := loopV.ToMap()
	if err != nil {
		return fmt.Errorf("loop-file extents: %w", err)
	}
	freeMap, err := freeV.ToMap()
	if err != nil {
		return fmt.Errorf("free-space extents: %w", err)
	}

	budget := j.StorageSize()
	if budget == 0 {
		budget = defaultStorageSize(set.Length(), blockSizeLog2)
		slog.Info("using default storage size", "size", ui.FormatBytes(budget))
	}

	plan, err := storage.New(loopMap, freeMap, set.Length(), budget, j.StorageSizeExact())
	if err != nil {
		return err
	}
	store, err := storage.Create(plan, set.Device(), j.SecondaryStoragePath())
	if err != nil {
		return err
	}

	err = remap.Run(ctx, remap.Params{
		Device:       set.Device(),
		Store:        store,
		StorePlan:    plan,
		LoopFile:     loopMap,
		FreeSpace:    freeMap,
		DeviceLength: set.Length(),
		Limiter:      limiter,
	})
	store.Close(err == nil)
	return err
}

// defaultStorageSize picks a scratch budget when none was requested:
// 1/64 of the device, clamped to [1 block, 256 MiB].
func defaultStorageSize(deviceLength uint64, blockSizeLog2 uint) uint64 {
	blockSize := uint64(1) << blockSizeLog2
	size := deviceLength / 64
	if size > 256<<20 {
		size = 256 << 20
	}
	size &^= blockSize - 1
	if size < blockSize {
		size = blockSize
	}
	return size
}

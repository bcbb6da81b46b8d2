// Command heapctl drives an in-process HeapSource + mark-sweep
// Collector pair from the command line, for manual exercise of the
// allocator and collector without a real managed runtime attached.
//
// Grounded on the teacher's own cmd/ tooling style (small, single-
// purpose binaries over the runtime's internals) and, for the CLI
// surface itself, on the spf13/cobra command-tree idiom.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oakvm/heapcore/config"
	"github.com/oakvm/heapcore/gcspec"
	"github.com/oakvm/heapcore/heapsource"
	"github.com/oakvm/heapcore/internal/demoheap"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "heapctl",
		Short: "Exercise the heap allocator and mark-sweep collector from the command line",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file (defaults built in if omitted)")
	root.AddCommand(newAllocCmd(), newGCCmd(), newStatsCmd(), newTrimCmd(), newDumpCmd())
	return root
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func buildLogger() *zap.Logger {
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func newAllocCmd() *cobra.Command {
	var size uint64
	var count int
	var keep bool
	cmd := &cobra.Command{
		Use:   "alloc",
		Short: "Allocate count objects of size bytes and report the resulting heap stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := buildLogger()
			defer log.Sync()

			h, err := demoheap.New(cfg.Heap.HeapSourceConfig(log))
			if err != nil {
				return err
			}
			defer h.Heap.Close()

			var allocated, failed int
			for i := 0; i < count; i++ {
				if _, ok := h.Alloc(uintptr(size), keep); ok {
					allocated++
				} else {
					failed++
				}
			}
			fmt.Printf("allocated=%d failed=%d\n", allocated, failed)
			printStats(h.Heap.Stats())
			return nil
		},
	}
	cmd.Flags().Uint64Var(&size, "size", 64, "bytes per allocation")
	cmd.Flags().IntVar(&count, "count", 1, "number of allocations to make")
	cmd.Flags().BoolVar(&keep, "keep", true, "keep the allocations rooted (survive a subsequent gc)")
	return cmd
}

func newGCCmd() *cobra.Command {
	var reason string
	var allocateGarbage uint64
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Allocate a batch of unrooted garbage, then run a collection and report reclaimed bytes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := buildLogger()
			defer log.Sync()

			h, err := demoheap.New(cfg.Heap.HeapSourceConfig(log))
			if err != nil {
				return err
			}
			defer h.Heap.Close()

			if allocateGarbage > 0 {
				h.Alloc(uintptr(allocateGarbage), false)
			}

			spec, err := specFor(reason)
			if err != nil {
				return err
			}
			before := h.Heap.Stats()
			if err := h.GC.Collect(spec); err != nil {
				return err
			}
			after := h.Heap.Stats()
			fmt.Printf("reclaimed=%d bytes\n", before.ActiveBytesAllocated-after.ActiveBytesAllocated)
			printStats(after)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "explicit", "one of: malloc, concurrent, explicit, before-oom")
	cmd.Flags().Uint64Var(&allocateGarbage, "garbage", 0, "bytes of unrooted garbage to allocate before collecting")
	return cmd
}

func specFor(reason string) (gcspec.Spec, error) {
	switch reason {
	case "malloc":
		return gcspec.ForMalloc, nil
	case "concurrent":
		return gcspec.Concurrent, nil
	case "explicit":
		return gcspec.Explicit, nil
	case "before-oom":
		return gcspec.BeforeOOM, nil
	default:
		return gcspec.Spec{}, fmt.Errorf("heapctl: unknown gc reason %q", reason)
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report an empty heap's starting stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := buildLogger()
			defer log.Sync()

			h, err := demoheap.New(cfg.Heap.HeapSourceConfig(log))
			if err != nil {
				return err
			}
			defer h.Heap.Close()
			printStats(h.Heap.Stats())
			return nil
		},
	}
}

func newTrimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Allocate a rooted batch, then show the ideal size before and after utilization-based growth",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := buildLogger()
			defer log.Sync()

			h, err := demoheap.New(cfg.Heap.HeapSourceConfig(log))
			if err != nil {
				return err
			}
			defer h.Heap.Close()

			for i := 0; i < 64; i++ {
				h.Alloc(4096, true)
			}
			before := h.Heap.Stats()
			h.Heap.GrowForUtilization(before.ActiveBytesAllocated)
			after := h.Heap.Stats()
			fmt.Printf("ideal_size: %d -> %d\n", before.IdealSize, after.IdealSize)
			printStats(after)
			return nil
		},
	}
	return cmd
}

func newDumpCmd() *cobra.Command {
	var size uint64
	var count int
	var out string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Allocate a batch of rooted objects and write an HPROF heap dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := buildLogger()
			defer log.Sync()

			h, err := demoheap.New(cfg.Heap.HeapSourceConfig(log))
			if err != nil {
				return err
			}
			defer h.Heap.Close()

			for i := 0; i < count; i++ {
				h.Alloc(uintptr(size), true)
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()

			dumper := h.Dumper(uint64(time.Now().UnixMilli()))
			if err := dumper.Dump(f); err != nil {
				return fmt.Errorf("heapctl: dump: %w", err)
			}
			fmt.Printf("wrote %s (%d objects rooted)\n", out, h.RootCount())
			return nil
		},
	}
	cmd.Flags().Uint64Var(&size, "size", 64, "bytes per allocation")
	cmd.Flags().IntVar(&count, "count", 8, "number of rooted allocations to dump")
	cmd.Flags().StringVar(&out, "out", "heap.hprof", "output HPROF file path")
	return cmd
}

func printStats(s heapsource.Stats) {
	fmt.Printf("%+v\n", s)
}

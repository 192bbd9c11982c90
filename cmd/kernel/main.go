// Command kernel is a host-side boot-simulation harness: it loads a
// YAML-authored boot configuration the way a real trampoline would
// hand off its memory map and image extents, boots the kernel core
// on top of it, optionally runs a small demo workload through the
// scheduler, and prints the resulting trace log. run() is a flat
// sequence of fallible setup steps, each returning early on error
// rather than panicking.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/kernelcore/internal/bootcfg"
	"github.com/tinyrange/kernelcore/internal/kernel"
	"github.com/tinyrange/kernelcore/internal/sched"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kernel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Boot configuration YAML file (required)")
	arenaSize := flag.Uint64("arena", 64<<20, "Physical memory arena size in bytes")
	splitAddr := flag.Uint64("split", 0xc0000000, "Kernel/user virtual address split")
	schedLevels := flag.Int("sched-levels", 8, "Number of scheduler priority levels")
	idleStack := flag.Uint64("idle-stack", 16384, "Idle thread stack size in bytes")
	demo := flag.Bool("demo", false, "Run a fork/waitpid demo workload after boot")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: kernel -config <boot.yaml> [flags]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}

	if *configPath == "" {
		flag.Usage()
		return errors.New("kernel: -config is required")
	}

	f, err := os.Open(*configPath)
	if err != nil {
		return fmt.Errorf("kernel: open config: %w", err)
	}
	defer f.Close()

	cfg, err := bootcfg.LoadYAML(f)
	if err != nil {
		return fmt.Errorf("kernel: load config: %w", err)
	}
	slog.Debug("boot config loaded", "regions", len(cfg.Regions), "config-version", cfg.Version)

	// firmware stays a nil io.ReaderAt (not a typed-nil *bootcfgReader)
	// when there's no fixture, so kernel.Boot's "Firmware != nil" check
	// sees a true nil rather than a non-nil interface wrapping a nil
	// pointer.
	var firmware io.ReaderAt
	if len(cfg.ACPIBlob) > 0 {
		firmware = &bootcfgReader{data: cfg.ACPIBlob}
	}

	bootCfg := kernel.Config{
		ArenaSize:     *arenaSize,
		SplitAddr:     *splitAddr,
		SchedLevels:   *schedLevels,
		IdleStackSize: *idleStack,
		MemoryMap:     cfg,
		Image:         cfg,
		Firmware:      firmware,
	}
	if len(cfg.Sections) > 0 {
		bootCfg.Sections = cfg
	}
	k, err := kernel.Boot(bootCfg)
	if err != nil {
		printLog(k)
		return fmt.Errorf("kernel: boot: %w", err)
	}
	slog.Info("boot sequence complete", "free-frames", k.Frames.FreeFrameCount())

	if *demo {
		runDemo(k)
	}

	printLog(k)
	return nil
}

// runDemo spawns a kernel thread that forks a child and waits for it,
// exercising C5's process tree end to end, then blocks on a host-side
// channel until the whole exchange completes — the same close(done)
// rendezvous internal/sched's own tests use to observe a scheduled
// thread finishing without calling Join from outside the scheduler.
func runDemo(k *kernel.Kernel) {
	done := make(chan struct{})

	child := func(any) (any, sched.Cause, sched.ReturnState) {
		return "child done", sched.Correctly, sched.Returned
	}

	parent := func(any) (any, sched.Cause, sched.ReturnState) {
		pid, err := k.Sched.Fork(k.Sched.Levels()-1, "demo-child", 8192, child, nil)
		if err != nil {
			k.Log().WithSource("demo").Warnf("fork failed: %v", err)
			close(done)
			return nil, sched.Correctly, sched.Returned
		}
		val, _, err := k.Sched.WaitPid(pid)
		if err != nil {
			k.Log().WithSource("demo").Warnf("waitpid failed: %v", err)
		} else {
			k.Log().WithSource("demo").Infof("waitpid(%d) returned %v", pid, val)
		}
		close(done)
		return nil, sched.Correctly, sched.Returned
	}

	if _, err := k.Sched.CreateKernelThread(k.Root, k.Sched.Levels()-1, "demo-parent", 8192, parent, nil); err != nil {
		k.Log().WithSource("demo").Warnf("create demo thread: %v", err)
		return
	}
	k.Sched.Start()
	<-done
}

func printLog(k *kernel.Kernel) {
	if k == nil {
		return
	}
	for _, rec := range k.Log().Records() {
		fmt.Printf("[%s] %s: %s\n", rec.Kind, rec.Source, rec.Message)
	}
}

// bootcfgReader adapts an in-memory ACPI fixture blob to io.ReaderAt
// for acpi.Discover, since a fixture has no backing file of its own.
type bootcfgReader struct {
	data []byte
}

func (r *bootcfgReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(r.data) {
		return 0, fmt.Errorf("kernel: acpi fixture read out of range at %#x", off)
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("kernel: acpi fixture short read at %#x", off)
	}
	return n, nil
}

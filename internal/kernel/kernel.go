// Package kernel assembles C1 through C7 into the single aggregate a
// boot entry point drives: it owns the frame allocator, the virtual
// memory manager, the interrupt fabric, the scheduler, the time
// source, and the syscall dispatcher, and it runs the staged bring-up
// order (C2, then C1, then C3, then C4, then C5, then C7, then C6).
// Boot's staging and top-level error handling are a flat sequence of
// fallible setup steps, each one returning early with a wrapped error
// instead of panicking, logging through a structured trace log.
package kernel

import (
	"errors"
	"io"

	"github.com/tinyrange/kernelcore/internal/acpi"
	"github.com/tinyrange/kernelcore/internal/errno"
	"github.com/tinyrange/kernelcore/internal/intr"
	"github.com/tinyrange/kernelcore/internal/ktrace"
	"github.com/tinyrange/kernelcore/internal/pmm"
	"github.com/tinyrange/kernelcore/internal/sched"
	"github.com/tinyrange/kernelcore/internal/syscall"
	"github.com/tinyrange/kernelcore/internal/timersrc"
	"github.com/tinyrange/kernelcore/internal/vmm"
)

// ioapicLines is the redirection-table size assumed for every
// discovered I/O controller; the real count is architecture- and
// chipset-specific and outside what platform discovery reports here.
const ioapicLines = 24

// HeapAllocator is the kernel heap the core calls into but does not
// implement itself.
type HeapAllocator interface {
	KAlloc(size uintptr) (uintptr, error)
	KFree(addr uintptr)
}

// MemoryMapProvider decodes the boot trampoline's memory map.
// internal/bootcfg.Config implements this.
type MemoryMapProvider interface {
	MemoryMap() ([]pmm.Range, error)
}

// BootImage reports the kernel image's physical extent so it can be
// reserved before the free-frame list is computed.
// internal/bootcfg.Config implements this too.
type BootImage interface {
	ImageExtents() (base, size uint64)
}

// SectionProvider reports the linker-delimited sections of the kernel
// image so the VM manager can map each one into the kernel window with
// its proper protection (text/rodata read-only, data/bss/stacks/heap
// writable). internal/bootcfg.Config implements this.
type SectionProvider interface {
	ImageSections() []pmm.ImageSection
}

// ErrPanicHalt is what Panic returns. Nothing in the kernel core stops
// on it: the fabric panic callback installed by Boot discards it, so
// execution continues after a panic is logged.
var ErrPanicHalt = errors.New("kernel: halted")

// Config is everything Boot needs from the outside world: the decoded
// trampoline data and the external collaborators the core never
// implements itself.
type Config struct {
	ArenaSize     uint64
	SplitAddr     uint64
	SchedLevels   int
	IdleStackSize uint64

	MemoryMap MemoryMapProvider
	Image     BootImage
	Sections  SectionProvider // optional
	Heap      HeapAllocator   // optional

	// Firmware, if non-nil, is scanned for ACPI tables (C1). A nil
	// Firmware boots with legacy-PIC-only interrupt routing: absence of
	// a discoverable platform degrades gracefully rather than failing
	// boot.
	Firmware io.ReaderAt
}

// Kernel is the booted aggregate: every component constructed and
// wired to every other, ready to create user work on top of.
type Kernel struct {
	trace ktrace.Source
	log   *ktrace.Log
	clock *timersrc.Source
	heap  HeapAllocator

	Platform *acpi.Platform
	Fabric   *intr.Fabric
	Tables   *intr.DescriptorTables
	LAPIC    *intr.LocalAPIC
	Frames   *pmm.Allocator
	Arena    *pmm.Arena
	VM       *vmm.Manager
	RootAS   *vmm.AddressSpace
	Sched    *sched.Scheduler
	Syscalls *syscall.Dispatcher
	Root     *sched.Process
}

// Offsets of the three descriptor tables within the single frame the
// boot sequence reserves for them: GDT at the base, the bootstrap TSS
// after it, and the 2 KiB IDT in the frame's upper half.
const (
	tablesGDTOffset = 0x000
	tablesTSSOffset = 0x040
	tablesIDTOffset = 0x800
)

// Log returns the boot/panic trace log, e.g. for cmd/kernel to drain
// and print after a run.
func (k *Kernel) Log() *ktrace.Log { return k.log }

// Boot constructs and wires every component in order: C2, C1, C3,
// C4, C5, C7, C6.
func Boot(cfg Config) (*Kernel, error) {
	clock := timersrc.New()
	log := ktrace.New(clock)
	k := &Kernel{clock: clock, log: log, trace: log.WithSource("kernel"), heap: cfg.Heap}

	// C2: the interrupt fabric must be live before anything else, so
	// faults raised during the rest of bring-up have somewhere to go.
	fabric := intr.New(log, func(location string, err error) { k.Panic(location, err) })
	k.Fabric = fabric

	pic := intr.NewLegacyPIC()
	fabric.AddIOController(pic, intr.VectorLegacyPICBase, 0, intr.VectorLegacyPICCount)

	// C1: platform discovery feeds C2 the remap/controller addresses.
	// Discovered I/O controllers come up fully masked with each
	// redirection entry's vector programmed to {0x40 + global IRQ};
	// the local controller gets its boot programming (task priority
	// cleared, logical destination, spurious vector).
	if cfg.Firmware != nil {
		platform, err := acpi.Discover(cfg.Firmware, log)
		if err != nil {
			k.trace.Warnf("platform discovery failed, staying legacy-PIC-only: %v", err)
		} else {
			k.Platform = platform
			for _, c := range platform.Controllers {
				ioapic := intr.NewIOAPIC(c.ID, int(c.GSIBase), ioapicLines)
				fabric.AddIOController(ioapic, intr.VectorIOControllerBase+intr.Vector(c.GSIBase), int(c.GSIBase), ioapicLines)
			}
			if platform.LocalAPICBase != 0 {
				k.LAPIC = intr.NewLocalAPIC(platform.LocalAPICBase)
				k.LAPIC.Init()
			}
		}
	}

	// C3: the frame allocator is seeded from the boot memory map and
	// the hardware ranges C1/C2 already know about.
	arena, err := pmm.NewArena(cfg.ArenaSize)
	if err != nil {
		return nil, err
	}
	frames := pmm.New()
	k.Arena, k.Frames = arena, frames

	ranges, err := cfg.MemoryMap.MemoryMap()
	if err != nil {
		return nil, err
	}
	for _, r := range ranges {
		if r.Kind != pmm.RangeAvailable {
			continue
		}
		if err := frames.DeclareAvailable(r.Base, r.Size); err != nil {
			return nil, err
		}
	}
	if imgBase, imgSize := cfg.Image.ImageExtents(); imgSize > 0 {
		if err := frames.DeclareHW(imgBase, imgSize); err != nil {
			return nil, err
		}
	}

	// The descriptor tables (GDT, bootstrap TSS, 256-gate IDT) are
	// committed to a frame of their own now that the allocator can hand
	// one out; the fabric has been dispatching since construction, so
	// this is C2's remaining boot obligation, not a prerequisite for it.
	imgBase, _ := cfg.Image.ImageExtents()
	tablesFrame, err := frames.AllocFrames(1)
	if err != nil {
		return nil, err
	}
	tables := intr.BuildDescriptorTables(
		tablesFrame+tablesGDTOffset,
		tablesFrame+tablesTSSOffset,
		tablesFrame+tablesIDTOffset,
		imgBase, 0)
	if err := tables.WriteTo(arena); err != nil {
		return nil, err
	}
	if err := fabric.LoadDescriptorTables(tables); err != nil {
		return nil, err
	}
	k.Tables = tables

	// C4: the virtual memory manager builds the kernel's address space
	// on top of the frame allocator. Any MMIO windows C1 discovered are
	// reserved here, now that DeclareHwWindow's caller exists.
	vm, err := vmm.NewManager(frames, arena, cfg.SplitAddr)
	if err != nil {
		return nil, err
	}
	k.VM = vm

	if k.Platform != nil {
		if k.Platform.LocalAPICBase != 0 {
			if err := vm.DeclareHwWindow(uint64(k.Platform.LocalAPICBase), pmm.FrameSize); err != nil {
				k.trace.Warnf("declare local controller window: %v", err)
			}
		}
		for _, c := range k.Platform.Controllers {
			if err := vm.DeclareHwWindow(uint64(c.Address), pmm.FrameSize); err != nil {
				k.trace.Warnf("declare I/O controller window: %v", err)
			}
		}
	}

	rootAS, err := vm.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	k.RootAS = rootAS

	// Each linker-delimited image section is mapped into the kernel
	// window with its proper protection: text/rodata read-only,
	// data/bss and the stack/heap pools writable.
	if cfg.Sections != nil {
		for _, sect := range cfg.Sections.ImageSections() {
			if sect.Size == 0 {
				continue
			}
			virt := cfg.SplitAddr + sect.Base
			if err := vm.MmapDirect(rootAS, virt, sect.Base, sect.Size, !sect.Writable, false, true, false); err != nil {
				return nil, err
			}
			k.trace.Infof("mapped image section %q [%#x,%#x) writable=%v", sect.Name, sect.Base, sect.Base+sect.Size, sect.Writable)
		}
	}

	if err := fabric.Register(intr.PageFaultVector, k.handlePageFault); err != nil {
		return nil, err
	}

	// C5: the scheduler creates the root process and idle thread once
	// C4 is live.
	scheduler := sched.New(cfg.SchedLevels, vm, fabric, clock, log)
	k.Sched = scheduler

	root, err := k.BootRootProcess(cfg.IdleStackSize)
	if err != nil {
		return nil, err
	}
	k.Root = root

	// The bootstrap TSS now gets its real ring-0 stack: the top of the
	// idle thread's kernel stack.
	if idle := scheduler.Idle(); idle != nil {
		if err := tables.SetKernelStack(arena, uint32(idle.KStackBase+idle.KStackSize)); err != nil {
			return nil, err
		}
	}

	// C7: Scheduler.Boot registered Tick with clock as its periodic
	// handler; the local-timer vector is additionally bound so a tick
	// delivered as an interrupt drives the same election path.
	if err := fabric.Register(intr.VectorLocalTimer, func(*intr.Context) intr.Resolution {
		scheduler.Tick(clock.Now())
		return intr.Handled
	}); err != nil {
		return nil, err
	}

	// C6: the syscall dispatcher routes to C5 and C4 services.
	disp := syscall.New(scheduler, vm, log)
	if err := disp.Register(fabric); err != nil {
		return nil, err
	}
	k.Syscalls = disp

	fabric.EnableInterrupts()
	k.trace.Infof("boot sequence complete")
	return k, nil
}

// BootRootProcess creates the minimal root process owning the idle
// thread: the reparenting target for orphaned grandchildren. It is a
// thin wrapper over sched.Scheduler.Boot, which already builds exactly
// that process; the wrapper gives the root process an explicit entry
// point rather than leaving it an implicit side effect of scheduler
// construction.
func (k *Kernel) BootRootProcess(idleStackSize uint64) (*sched.Process, error) {
	return k.Sched.Boot(k.RootAS, idleStackSize)
}

// handlePageFault bridges C2's page-fault vector to C4's COW
// promotion. A fault no promotion can resolve terminates the faulting
// thread with cause PANIC; its joiner observes return state KILLED.
// Only when there is no thread to blame (boot-time fault, or the idle
// thread itself) does the fault escalate to the fabric's panic path.
func (k *Kernel) handlePageFault(ctx *intr.Context) intr.Resolution {
	proc := k.Sched.ActiveProcess()
	if proc == nil {
		return intr.Unhandled
	}
	if err := k.VM.HandleWriteFault(proc.AddressSpace, uint64(ctx.Regs.CR2)); err != nil {
		cur := k.Sched.Active()
		if cur == nil || cur == k.Sched.Idle() {
			k.trace.Warnf("page fault at %#x unresolved: %v", ctx.Regs.CR2, err)
			return intr.Unhandled
		}
		k.trace.Warnf("thread %d killed by unresolved page fault at %#x: %v", cur.ID, ctx.Regs.CR2, err)
		k.Sched.Exit(sched.PanicCause, sched.Killed, nil)
		return intr.Handled
	}
	return intr.Handled
}

// Panic logs location and err through the trace log and returns
// ErrPanicHalt. It does not stop execution.
func (k *Kernel) Panic(location string, err error) error {
	k.trace.Panicf("%s: %v", location, err)
	return ErrPanicHalt
}

// Alloc delegates to the configured HeapAllocator; it is
// NOT_INITIALIZED if Boot was given none.
func (k *Kernel) Alloc(size uintptr) (uintptr, error) {
	if k.heap == nil {
		return 0, errno.Wrap("kernel.Alloc", errno.NotInitialized)
	}
	return k.heap.KAlloc(size)
}

// Free delegates to the configured HeapAllocator, a no-op if none was
// configured.
func (k *Kernel) Free(addr uintptr) {
	if k.heap != nil {
		k.heap.KFree(addr)
	}
}

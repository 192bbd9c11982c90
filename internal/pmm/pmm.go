package pmm

import (
	"sync"

	"github.com/tinyrange/kernelcore/internal/errno"
	"github.com/tinyrange/kernelcore/internal/rangeset"
)

// addr32Limit drops frames over the 32-bit addressable limit at boot.
const addr32Limit = uint64(1) << 32

// RangeKind tags one entry of the boot memory map internal/bootcfg
// decodes from its {base, len, type, pad} wire record. The numbering
// is the wire numbering: 1 means available RAM, everything else is
// some flavor of reserved.
type RangeKind uint32

const (
	RangeAvailable RangeKind = 1
	RangeReserved  RangeKind = 2
	RangeACPI      RangeKind = 3
	RangeNVS       RangeKind = 4
	RangeBadRAM    RangeKind = 5
)

// Range is a single physical region the boot memory map describes.
// kernel.MemoryMapProvider decodes the trampoline handoff blob into a
// sequence of these, which Kernel.Boot feeds to DeclareAvailable/
// DeclareHW before anything else runs.
type Range struct {
	Base uint64
	Size uint64
	Kind RangeKind
}

// ImageSection is one section of the loaded kernel image as the
// trampoline's linker symbols delimit it: text and rodata are mapped
// read-only, data/bss/stack/heap pools writable. Like Range, it lives
// here because it describes physical extents the memory subsystems
// interpret.
type ImageSection struct {
	Name     string
	Base     uint64
	Size     uint64
	Writable bool
}

// Allocator is C3's frame allocator and reference table: a free-frame
// list (mutable, AVAILABLE ranges not yet assigned), a hardware map
// (immutable after boot, every declared range regardless of type) and
// the two-level reference directory every frame's refcount lives in.
type Allocator struct {
	mu sync.Mutex

	free *rangeset.List
	hw   *rangeset.List
	dir  directory
}

// New returns an empty Allocator. Callers populate it with
// DeclareAvailable calls that describe the boot memory map before any
// Alloc/Free call.
func New() *Allocator {
	return &Allocator{
		free: rangeset.New(),
		hw:   rangeset.New(),
	}
}

// DeclareAvailable adds [base, base+size) to both the hardware map and
// the free-frame list, as an AVAILABLE range from the boot memory map.
// Any portion above the 32-bit limit is silently dropped.
func (a *Allocator) DeclareAvailable(base, size uint64) error {
	if base%FrameSize != 0 || size%FrameSize != 0 {
		return errno.Wrap("pmm.DeclareAvailable", errno.BadAlign)
	}
	limit := base + size
	if limit > addr32Limit {
		limit = addr32Limit
	}
	if limit <= base {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hw.Insert(base, limit)
	a.free.Insert(base, limit)
	return nil
}

// AllocFrames returns the base address of n contiguous frames taken
// first-fit from the head of the free list.
func (a *Allocator) AllocFrames(n uint64) (uint64, error) {
	if n == 0 {
		return 0, errno.Wrap("pmm.AllocFrames", errno.IncorrectValue)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	base, ok := a.free.AllocHead(n * FrameSize)
	if !ok {
		return 0, errno.Wrap("pmm.AllocFrames", errno.NoMoreFreeMem)
	}
	for f := uint64(0); f < n; f++ {
		a.dir.set(base+f*FrameSize, flagNone, 1)
	}
	return base, nil
}

// FreeFrames returns n contiguous frames starting at base to the free
// list, coalescing with adjacent free ranges. It fails with
// UNAUTHORIZED if any frame in the range is not within the hardware
// map's AVAILABLE coverage (approximated here as "declared at all,
// and not currently HARDWARE-flagged").
func (a *Allocator) FreeFrames(base, n uint64) error {
	if base%FrameSize != 0 {
		return errno.Wrap("pmm.FreeFrames", errno.BadAlign)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	limit := base + n*FrameSize
	if !a.hw.Contains(base, limit) {
		return errno.Wrap("pmm.FreeFrames", errno.Unauthorized)
	}
	for f := uint64(0); f < n; f++ {
		flags, _ := a.dir.get(base + f*FrameSize)
		if flags&flagHardware != 0 {
			return errno.Wrap("pmm.FreeFrames", errno.Unauthorized)
		}
	}
	for f := uint64(0); f < n; f++ {
		a.dir.set(base+f*FrameSize, flagNone, 0)
	}
	a.free.Insert(base, limit)
	return nil
}

// DeclareHW marks [base, base+size) as hardware-owned: every frame
// gets HARDWARE set and a refcount of 1. It fails with UNAUTHORIZED,
// rolling back every frame already touched by this call, if any frame
// in the range already has a non-zero refcount.
func (a *Allocator) DeclareHW(base, size uint64) error {
	if base%FrameSize != 0 || size%FrameSize != 0 {
		return errno.Wrap("pmm.DeclareHW", errno.BadAlign)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	n := size / FrameSize
	for f := uint64(0); f < n; f++ {
		_, refcount := a.dir.get(base + f*FrameSize)
		if refcount != 0 {
			return errno.Wrap("pmm.DeclareHW", errno.Unauthorized)
		}
	}
	for f := uint64(0); f < n; f++ {
		a.dir.set(base+f*FrameSize, flagHardware, 1)
	}
	a.hw.Insert(base, base+size)
	a.free.Remove(base, base+size)
	return nil
}

// AcquireRef increments addr's frame refcount. Saturation (overflowing
// the 30-bit counter) is treated as a fatal error, so it panics
// rather than returning one of the ordinary errno codes.
func (a *Allocator) AcquireRef(addr uint64) error {
	if addr%FrameSize != 0 {
		return errno.Wrap("pmm.AcquireRef", errno.BadAlign)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	flags, refcount := a.dir.get(addr)
	if refcount >= maxRefcount {
		panic("pmm: frame refcount saturated")
	}
	a.dir.set(addr, flags, refcount+1)
	return nil
}

// ReleaseRef decrements addr's frame refcount. On the 1->0 transition
// with HARDWARE unset, the frame is returned to the free list
// automatically.
func (a *Allocator) ReleaseRef(addr uint64) error {
	if addr%FrameSize != 0 {
		return errno.Wrap("pmm.ReleaseRef", errno.BadAlign)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	flags, refcount := a.dir.get(addr)
	if refcount == 0 {
		return errno.Wrap("pmm.ReleaseRef", errno.IncorrectValue)
	}
	refcount--
	a.dir.set(addr, flags, refcount)
	if refcount == 0 && flags&flagHardware == 0 {
		a.free.Insert(addr, addr+FrameSize)
	}
	return nil
}

// GetRefCount is a read-only accessor for a frame's current refcount.
func (a *Allocator) GetRefCount(addr uint64) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, refcount := a.dir.get(addr)
	return refcount
}

// FreeFrameCount reports the total number of frames currently on the
// free list, used by tests asserting frame-accounting invariants.
func (a *Allocator) FreeFrameCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.TotalLen() / FrameSize
}

// FreeRanges returns a snapshot of the free-frame list's intervals,
// for boot-time accounting checks and diagnostics.
func (a *Allocator) FreeRanges() []rangeset.Interval {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.Intervals()
}

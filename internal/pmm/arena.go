// Package pmm implements C3, the physical frame allocator and
// reference-counted frame table. Physical memory itself is modeled as
// an Arena: a byte-addressable io.ReaderAt/io.WriterAt, the same
// convention cc's hv.VirtualMachine used for guest RAM and
// internal/acpi's Install/Discover now use for firmware tables. A
// hosted Go process has no physical address space of its own to hand
// out frames from, so Arena's backing store stands in for it.
package pmm

import (
	"fmt"
	"io"
)

// FrameSize is the fixed frame size used throughout the kernel core,
// matching the 4 KiB page size of the i386 target.
const FrameSize = 4096

// Arena is a flat byte store addressed by physical address, backing
// both the frame allocator and every page table the VMM builds. On
// platforms with host mmap the backing store is an anonymous mapping
// (see arena_mmap.go), the same way a hypervisor backend backs guest
// RAM with host memory; elsewhere it falls back to ordinary heap
// allocation.
type Arena struct {
	mem     []byte
	release func() error
}

// NewArena allocates an Arena of size bytes, which must be a multiple
// of FrameSize.
func NewArena(size uint64) (*Arena, error) {
	if size%FrameSize != 0 {
		return nil, fmt.Errorf("pmm: arena size %d is not frame-aligned", size)
	}
	mem, release, err := allocArena(size)
	if err != nil {
		return nil, fmt.Errorf("pmm: allocate arena: %w", err)
	}
	return &Arena{mem: mem, release: release}, nil
}

// Size reports the arena's total byte size.
func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }

// Close returns the backing store to the host. The Arena must not be
// used afterward.
func (a *Arena) Close() error {
	if a.release == nil {
		return nil
	}
	release := a.release
	a.release = nil
	a.mem = nil
	return release()
}

func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(a.mem)) {
		return 0, fmt.Errorf("pmm: read [0x%x,0x%x) out of arena bounds", off, uint64(off)+uint64(len(p)))
	}
	return copy(p, a.mem[off:]), nil
}

func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(a.mem)) {
		return 0, fmt.Errorf("pmm: write [0x%x,0x%x) out of arena bounds", off, uint64(off)+uint64(len(p)))
	}
	return copy(a.mem[off:], p), nil
}

// Zero clears size bytes starting at off.
func (a *Arena) Zero(off int64, size int) error {
	if off < 0 || uint64(off)+uint64(size) > uint64(len(a.mem)) {
		return fmt.Errorf("pmm: zero [0x%x,0x%x) out of arena bounds", off, uint64(off)+uint64(size))
	}
	clear(a.mem[off : int(off)+size])
	return nil
}

var _ io.ReaderAt = (*Arena)(nil)
var _ io.WriterAt = (*Arena)(nil)

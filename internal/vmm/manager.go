// Package vmm implements C4, the virtual memory manager: per-process
// address spaces built from a shared kernel window and a recursive
// self-mapping page directory, mmap/munmap, stack allocation from the
// tail of the free virtual range, copy-on-write fork, and the
// write-fault promotion path. Page directories and page tables are
// packed records written through a pmm.Arena exactly the way
// internal/acpi's tables are, carrying forward the same
// byte-addressable-physical-memory convention used there for guest RAM.
//
// This is a hosted simulation, not a CPU with a real MMU: there is no
// hardware TLB to flush and no recursive virtual-address window to
// dereference through, so VirtToPhys walks the directory/table chain
// directly instead of reading back through a self-mapped window. The
// recursive entry is still installed and maintained even though
// nothing in this package reads through it, since a fork'd child's
// directory must carry one too.
package vmm

import (
	"encoding/binary"
	"sync"

	"github.com/tinyrange/kernelcore/internal/errno"
	"github.com/tinyrange/kernelcore/internal/pmm"
	"github.com/tinyrange/kernelcore/internal/rangeset"
)

const (
	entriesPerTable = 1024
	pageShift       = 12
	pdeShift        = 22
	recursiveSlot   = entriesPerTable - 1
)

// AddressSpace is one process's (or the kernel's) page directory, plus
// the free virtual-page range that mmap/alloc_stack draw from.
type AddressSpace struct {
	mu       sync.Mutex
	dirFrame uint64
	freeVirt *rangeset.List
}

// DirFrame returns the physical address of this address space's page
// directory frame.
func (as *AddressSpace) DirFrame() uint64 { return as.dirFrame }

// Manager owns the frame allocator, the backing arena, and the
// kernel-window page directory entries shared verbatim across every
// address space.
type Manager struct {
	mu       sync.Mutex
	frames   *pmm.Allocator
	arena    *pmm.Arena
	splitIdx int

	kernelPDE [entriesPerTable]pte
	spaces    []*AddressSpace
}

// NewManager returns a Manager whose kernel/user split sits at virtual
// address splitAddr (must be 4 MiB aligned, the size one PDE covers).
func NewManager(frames *pmm.Allocator, arena *pmm.Arena, splitAddr uint64) (*Manager, error) {
	if splitAddr%(1<<pdeShift) != 0 {
		return nil, errno.Wrap("vmm.NewManager", errno.BadAlign)
	}
	return &Manager{
		frames:   frames,
		arena:    arena,
		splitIdx: int(splitAddr >> pdeShift),
	}, nil
}

func pdeIndex(virt uint64) int { return int(virt>>pdeShift) & (entriesPerTable - 1) }
func pteIndex(virt uint64) int { return int(virt>>pageShift) & (entriesPerTable - 1) }

func (m *Manager) readEntry(tableFrame uint64, idx int) pte {
	var buf [4]byte
	if _, err := m.arena.ReadAt(buf[:], int64(tableFrame)+int64(idx)*4); err != nil {
		panic(err)
	}
	return pte(binary.LittleEndian.Uint32(buf[:]))
}

func (m *Manager) writeEntry(tableFrame uint64, idx int, e pte) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(e))
	if _, err := m.arena.WriteAt(buf[:], int64(tableFrame)+int64(idx)*4); err != nil {
		panic(err)
	}
}

// NewAddressSpace allocates a fresh page directory, populates its
// kernel-window entries from the canonical set, and installs the
// recursive self-map entry pointing at its own frame.
func (m *Manager) NewAddressSpace() (*AddressSpace, error) {
	dirFrame, err := m.frames.AllocFrames(1)
	if err != nil {
		return nil, err
	}
	if err := m.arena.Zero(int64(dirFrame), pmm.FrameSize); err != nil {
		return nil, err
	}

	m.mu.Lock()
	for i := m.splitIdx; i < entriesPerTable; i++ {
		if i == recursiveSlot {
			continue
		}
		m.writeEntry(dirFrame, i, m.kernelPDE[i])
	}
	m.mu.Unlock()

	m.writeEntry(dirFrame, recursiveSlot, packPTE(dirFrame, true, true, KindHardware, false, true))

	as := &AddressSpace{
		dirFrame: dirFrame,
		freeVirt: rangeset.NewWith(0, uint64(m.splitIdx)<<pdeShift),
	}
	m.mu.Lock()
	m.spaces = append(m.spaces, as)
	m.mu.Unlock()
	return as, nil
}

// mapKernelWindowLocked records a kernel-window PDE change in the
// canonical set and propagates it to every live address space, since
// the kernel window is globally shared across every address space.
func (m *Manager) mapKernelWindowLocked(idx int, e pte) {
	m.kernelPDE[idx] = e
	for _, as := range m.spaces {
		m.writeEntry(as.dirFrame, idx, e)
	}
}

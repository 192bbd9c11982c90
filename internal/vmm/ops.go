package vmm

import (
	"github.com/tinyrange/kernelcore/internal/errno"
	"github.com/tinyrange/kernelcore/internal/pmm"
)

func ceilPages(size uint64) uint64 {
	return (size + pmm.FrameSize - 1) / pmm.FrameSize
}

// ensurePT returns the physical frame of the page table covering virt
// in as, allocating and zeroing one if absent. Kernel-window PDEs are
// written through mapKernelWindowLocked so every live address space
// observes the new table.
func (m *Manager) ensurePT(as *AddressSpace, virt uint64) (uint64, error) {
	idx := pdeIndex(virt)
	kernel := idx >= m.splitIdx

	m.mu.Lock()
	var pde pte
	if kernel {
		pde = m.kernelPDE[idx]
	} else {
		pde = m.readEntry(as.dirFrame, idx)
	}
	m.mu.Unlock()

	if pde.present() {
		return pde.frame(), nil
	}

	ptFrame, err := m.frames.AllocFrames(1)
	if err != nil {
		return 0, err
	}
	if err := m.arena.Zero(int64(ptFrame), pmm.FrameSize); err != nil {
		return 0, err
	}
	newPDE := packPTE(ptFrame, true, true, KindRegular, false, true)

	m.mu.Lock()
	if kernel {
		m.mapKernelWindowLocked(idx, newPDE)
	} else {
		m.writeEntry(as.dirFrame, idx, newPDE)
	}
	m.mu.Unlock()
	return ptFrame, nil
}

// lookupPTE reads the leaf entry for virt, returning ok=false if no
// page table is installed for its PDE slot yet.
func (m *Manager) lookupPTE(as *AddressSpace, virt uint64) (e pte, ptFrame uint64, ok bool) {
	idx := pdeIndex(virt)
	var pde pte
	if idx >= m.splitIdx {
		m.mu.Lock()
		pde = m.kernelPDE[idx]
		m.mu.Unlock()
	} else {
		pde = m.readEntry(as.dirFrame, idx)
	}
	if !pde.present() {
		return 0, 0, false
	}
	ptFrame = pde.frame()
	return m.readEntry(ptFrame, pteIndex(virt)), ptFrame, true
}

// Mmap allocates ceil(size/FrameSize) fresh frames and maps them at
// virt as REGULAR pages. It fails with ALREADY_MAPPED, without
// touching anything, if any page in the range is already present.
func (m *Manager) Mmap(as *AddressSpace, virt, size uint64, readOnly, exec bool) error {
	_ = exec // no-execute enforcement has no meaning without a real MMU
	as.mu.Lock()
	defer as.mu.Unlock()

	n := ceilPages(size)
	for i := uint64(0); i < n; i++ {
		if e, _, ok := m.lookupPTE(as, virt+i*pmm.FrameSize); ok && e.present() {
			return errno.Wrap("vmm.Mmap", errno.AlreadyMapped)
		}
	}

	var mapped []uint64
	rollback := func() {
		for _, v := range mapped {
			if e, ptFrame, ok := m.lookupPTE(as, v); ok && e.present() {
				m.frames.ReleaseRef(e.frame())
				m.writeEntry(ptFrame, pteIndex(v), 0)
			}
		}
	}

	for i := uint64(0); i < n; i++ {
		virtPage := virt + i*pmm.FrameSize
		ptFrame, err := m.ensurePT(as, virtPage)
		if err != nil {
			rollback()
			return err
		}
		frame, err := m.frames.AllocFrames(1)
		if err != nil {
			rollback()
			return err
		}
		e := packPTE(frame, true, !readOnly, KindRegular, false, true)
		m.writeEntry(ptFrame, pteIndex(virtPage), e)
		mapped = append(mapped, virtPage)
	}

	as.freeVirt.Remove(virt, virt+n*pmm.FrameSize)
	return nil
}

// MmapDirect maps an already-known physical range at virt, e.g. for
// MMIO or for reaching into another address space transiently. When
// isHW is true the mapping is tagged HARDWARE.
func (m *Manager) MmapDirect(as *AddressSpace, virt, phys, size uint64, readOnly, exec, cached, isHW bool) error {
	_ = exec
	as.mu.Lock()
	defer as.mu.Unlock()

	n := ceilPages(size)
	for i := uint64(0); i < n; i++ {
		if e, _, ok := m.lookupPTE(as, virt+i*pmm.FrameSize); ok && e.present() {
			return errno.Wrap("vmm.MmapDirect", errno.AlreadyMapped)
		}
	}

	kind := KindRegular
	if isHW {
		kind = KindHardware
	}

	var mapped []uint64
	rollback := func() {
		for _, v := range mapped {
			if e, ptFrame, ok := m.lookupPTE(as, v); ok && e.present() {
				m.frames.ReleaseRef(e.frame())
				m.writeEntry(ptFrame, pteIndex(v), 0)
			}
		}
	}

	for i := uint64(0); i < n; i++ {
		virtPage := virt + i*pmm.FrameSize
		physPage := phys + i*pmm.FrameSize
		ptFrame, err := m.ensurePT(as, virtPage)
		if err != nil {
			rollback()
			return err
		}
		if err := m.frames.AcquireRef(physPage); err != nil {
			rollback()
			return err
		}
		e := packPTE(physPage, true, !readOnly, kind, false, cached)
		m.writeEntry(ptFrame, pteIndex(virtPage), e)
		mapped = append(mapped, virtPage)
	}

	as.freeVirt.Remove(virt, virt+n*pmm.FrameSize)
	return nil
}

// Munmap unmaps [virt, virt+size), releasing one frame reference per
// entry, freeing any page table left fully empty, and returning the
// range to the address space's free-virtual-page list.
func (m *Manager) Munmap(as *AddressSpace, virt, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	n := ceilPages(size)
	touchedPT := make(map[uint64]bool)
	for i := uint64(0); i < n; i++ {
		v := virt + i*pmm.FrameSize
		e, ptFrame, ok := m.lookupPTE(as, v)
		if !ok || !e.present() {
			return errno.Wrap("vmm.Munmap", errno.NotMapped)
		}
		if err := m.frames.ReleaseRef(e.frame()); err != nil {
			return err
		}
		m.writeEntry(ptFrame, pteIndex(v), 0)
		touchedPT[ptFrame] = true
	}

	for ptFrame := range touchedPT {
		if m.tableEmpty(ptFrame) {
			m.freeEmptyTable(as, ptFrame)
		}
	}

	as.freeVirt.Insert(virt, virt+n*pmm.FrameSize)
	return nil
}

func (m *Manager) tableEmpty(ptFrame uint64) bool {
	for i := 0; i < entriesPerTable; i++ {
		if m.readEntry(ptFrame, i).present() {
			return false
		}
	}
	return true
}

func (m *Manager) freeEmptyTable(as *AddressSpace, ptFrame uint64) {
	for idx := 0; idx < m.splitIdx; idx++ {
		if m.readEntry(as.dirFrame, idx).frame() == ptFrame {
			m.writeEntry(as.dirFrame, idx, 0)
			_ = m.frames.FreeFrames(ptFrame, 1)
			return
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx := m.splitIdx; idx < entriesPerTable; idx++ {
		if idx != recursiveSlot && m.kernelPDE[idx].frame() == ptFrame {
			m.mapKernelWindowLocked(idx, 0)
			_ = m.frames.FreeFrames(ptFrame, 1)
			return
		}
	}
}

// AllocStack allocates size bytes (rounded up to whole frames) from
// the tail of as's free virtual range and backs it with fresh frames,
// tagged PRIVATE for a kernel stack or REGULAR otherwise.
func (m *Manager) AllocStack(as *AddressSpace, size uint64, isKernel bool) (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	n := ceilPages(size)
	virt, ok := as.freeVirt.AllocTail(n * pmm.FrameSize)
	if !ok {
		return 0, errno.Wrap("vmm.AllocStack", errno.NoMemory)
	}

	kind := KindRegular
	if isKernel {
		kind = KindPrivate
	}

	var mapped []uint64
	rollback := func() {
		for _, v := range mapped {
			if e, ptFrame, ok := m.lookupPTE(as, v); ok && e.present() {
				m.frames.ReleaseRef(e.frame())
				m.writeEntry(ptFrame, pteIndex(v), 0)
			}
		}
		as.freeVirt.Insert(virt, virt+n*pmm.FrameSize)
	}

	for i := uint64(0); i < n; i++ {
		virtPage := virt + i*pmm.FrameSize
		ptFrame, err := m.ensurePT(as, virtPage)
		if err != nil {
			rollback()
			return 0, err
		}
		frame, err := m.frames.AllocFrames(1)
		if err != nil {
			rollback()
			return 0, err
		}
		e := packPTE(frame, true, true, kind, false, true)
		m.writeEntry(ptFrame, pteIndex(virtPage), e)
		mapped = append(mapped, virtPage)
	}
	return virt, nil
}

// DeclareHwWindow registers [phys, phys+size) with the frame table as
// HARDWARE, the precondition MmapDirect(isHW=true) relies on.
func (m *Manager) DeclareHwWindow(phys, size uint64) error {
	return m.frames.DeclareHW(phys, size)
}

// VirtToPhys walks the directory/table chain for virt and returns the
// physical address it currently resolves to.
func (m *Manager) VirtToPhys(as *AddressSpace, virt uint64) (uint64, bool) {
	e, _, ok := m.lookupPTE(as, virt)
	if !ok || !e.present() {
		return 0, false
	}
	return e.frame() | (virt & (pmm.FrameSize - 1)), true
}

// HandleWriteFault implements COW promotion for a write fault at
// faultAddr. It returns NOT_MAPPED if the entry isn't a COW entry, the
// signal to the caller (C2's page-fault handler) that the fault is not
// recoverable this way and should be treated as fatal.
func (m *Manager) HandleWriteFault(as *AddressSpace, faultAddr uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	e, ptFrame, ok := m.lookupPTE(as, faultAddr)
	if !ok || !e.present() || !e.cow() {
		return errno.Wrap("vmm.HandleWriteFault", errno.NotMapped)
	}

	frame := e.frame()
	if m.frames.GetRefCount(frame) == 1 {
		m.writeEntry(ptFrame, pteIndex(faultAddr), e.withWriteCOW(true, false))
		return nil
	}

	newFrame, err := m.frames.AllocFrames(1)
	if err != nil {
		return err
	}
	buf := make([]byte, pmm.FrameSize)
	if _, err := m.arena.ReadAt(buf, int64(frame)); err != nil {
		return err
	}
	if _, err := m.arena.WriteAt(buf, int64(newFrame)); err != nil {
		return err
	}

	newEntry := e.withFrame(newFrame).withWriteCOW(true, false)
	m.writeEntry(ptFrame, pteIndex(faultAddr), newEntry)
	return m.frames.ReleaseRef(frame)
}

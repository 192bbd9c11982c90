package vmm

import (
	"github.com/tinyrange/kernelcore/internal/errno"
	"github.com/tinyrange/kernelcore/internal/pmm"
)

// CloneAddressSpace implements the fork copy: a new directory sharing
// the kernel window, REGULAR pages demoted to COW on
// both sides, HARDWARE pages re-referenced, PRIVATE pages (the old
// thread's kernel stack) left absent and freshly allocated instead,
// and the free-virtual-page list deep-copied. On any failure every
// partially applied change is walked back in reverse so the caller
// sees all-or-nothing semantics.
func (m *Manager) CloneAddressSpace(src *AddressSpace, kstackVirt, kstackSize uint64) (dst *AddressSpace, err error) {
	src.mu.Lock()
	defer src.mu.Unlock()

	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
			dst = nil
		}
	}()

	dirFrame, err := m.frames.AllocFrames(1)
	if err != nil {
		return nil, err
	}
	undo = append(undo, func() { _ = m.frames.FreeFrames(dirFrame, 1) })
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

	dst = &AddressSpace{dirFrame: dirFrame}

	for idx := 0; idx < m.splitIdx; idx++ {
		srcPDE := m.readEntry(src.dirFrame, idx)
		if !srcPDE.present() {
			continue
		}
		srcPT := srcPDE.frame()

		newPT, err := m.frames.AllocFrames(1)
		if err != nil {
			return nil, err
		}
		undo = append(undo, func() { _ = m.frames.FreeFrames(newPT, 1) })
		if err := m.arena.Zero(int64(newPT), pmm.FrameSize); err != nil {
			return nil, err
		}
		m.writeEntry(dirFrame, idx, packPTE(newPT, true, true, KindRegular, false, true))

		for pteIdx := 0; pteIdx < entriesPerTable; pteIdx++ {
			entry := m.readEntry(srcPT, pteIdx)
			if !entry.present() {
				continue
			}

			switch entry.kind() {
			case KindRegular:
				if entry.write() {
					demoted := entry.withWriteCOW(false, true)
					origEntry := entry
					origSrcPT, origIdx := srcPT, pteIdx
					m.writeEntry(srcPT, pteIdx, demoted)
					undo = append(undo, func() { m.writeEntry(origSrcPT, origIdx, origEntry) })

					if err := m.frames.AcquireRef(entry.frame()); err != nil {
						return nil, err
					}
					frameAddr := entry.frame()
					undo = append(undo, func() { _ = m.frames.ReleaseRef(frameAddr) })

					m.writeEntry(newPT, pteIdx, demoted)
				} else {
					if err := m.frames.AcquireRef(entry.frame()); err != nil {
						return nil, err
					}
					frameAddr := entry.frame()
					undo = append(undo, func() { _ = m.frames.ReleaseRef(frameAddr) })
					m.writeEntry(newPT, pteIdx, entry)
				}
			case KindHardware:
				if err := m.frames.AcquireRef(entry.frame()); err != nil {
					return nil, err
				}
				frameAddr := entry.frame()
				undo = append(undo, func() { _ = m.frames.ReleaseRef(frameAddr) })
				m.writeEntry(newPT, pteIdx, entry)
			case KindPrivate:
				// left absent; the new thread gets its own stack below.
			}
		}
	}

	// Deep-copy the calling thread's kernel stack into fresh PRIVATE
	// frames in the new address space.
	n := ceilPages(kstackSize)
	for i := uint64(0); i < n; i++ {
		virtPage := kstackVirt + i*pmm.FrameSize
		srcPhys, ok := m.VirtToPhys(src, virtPage)
		if !ok {
			return nil, errno.Wrap("vmm.CloneAddressSpace", errno.NotMapped)
		}

		newFrame, err := m.frames.AllocFrames(1)
		if err != nil {
			return nil, err
		}
		undo = append(undo, func() { _ = m.frames.FreeFrames(newFrame, 1) })

		buf := make([]byte, pmm.FrameSize)
		if _, err := m.arena.ReadAt(buf, int64(srcPhys&^(pmm.FrameSize-1))); err != nil {
			return nil, err
		}
		if _, err := m.arena.WriteAt(buf, int64(newFrame)); err != nil {
			return nil, err
		}

		idx := pdeIndex(virtPage)
		newPDE := m.readEntry(dirFrame, idx)
		if !newPDE.present() {
			// The stack's own PDE was absent in src (entirely PRIVATE
			// range never touched by the loop above); allocate it now.
			ptFrame, err := m.frames.AllocFrames(1)
			if err != nil {
				return nil, err
			}
			undo = append(undo, func() { _ = m.frames.FreeFrames(ptFrame, 1) })
			if err := m.arena.Zero(int64(ptFrame), pmm.FrameSize); err != nil {
				return nil, err
			}
			newPDE = packPTE(ptFrame, true, true, KindRegular, false, true)
			m.writeEntry(dirFrame, idx, newPDE)
		}
		m.writeEntry(newPDE.frame(), pteIndex(virtPage), packPTE(newFrame, true, true, KindPrivate, false, true))
	}

	dst.freeVirt = src.freeVirt.Clone()

	m.mu.Lock()
	m.spaces = append(m.spaces, dst)
	m.mu.Unlock()

	return dst, nil
}

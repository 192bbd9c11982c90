package vmm

// DestroyAddressSpace tears down as entirely: every present low-half
// directory entry's referenced frames are released (refcount
// decremented, with backing frames returned to the free list on the
// 1->0 transition, per pmm.Allocator.ReleaseRef), each page-table
// frame is then freed, and finally the directory frame itself is
// freed. The kernel-window (high-half) entries are never touched since
// they are shared across every address space, not owned by this one.
// Used by the scheduler's process cleanup once a process's main
// thread has been reaped and its children reparented.
func (m *Manager) DestroyAddressSpace(as *AddressSpace) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for idx := 0; idx < m.splitIdx; idx++ {
		pde := m.readEntry(as.dirFrame, idx)
		if !pde.present() {
			continue
		}
		ptFrame := pde.frame()
		for pteIdx := 0; pteIdx < entriesPerTable; pteIdx++ {
			entry := m.readEntry(ptFrame, pteIdx)
			if !entry.present() {
				continue
			}
			if err := m.frames.ReleaseRef(entry.frame()); err != nil {
				return err
			}
		}
		if err := m.frames.FreeFrames(ptFrame, 1); err != nil {
			return err
		}
	}

	if err := m.frames.FreeFrames(as.dirFrame, 1); err != nil {
		return err
	}

	m.mu.Lock()
	for i, s := range m.spaces {
		if s == as {
			m.spaces = append(m.spaces[:i], m.spaces[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return nil
}

package vmm

import (
	"encoding/binary"

	"github.com/tinyrange/kernelcore/internal/errno"
)

// ReadUint32 reads the 32-bit word at virt in as. It is the primitive
// FUTEX_WAIT uses to compare a futex word under the scheduler lock
// before deciding whether to park the caller.
func (m *Manager) ReadUint32(as *AddressSpace, virt uint64) (uint32, error) {
	phys, ok := m.VirtToPhys(as, virt)
	if !ok {
		return 0, errno.Wrap("vmm.ReadUint32", errno.NotMapped)
	}
	var buf [4]byte
	if _, err := m.arena.ReadAt(buf[:], int64(phys)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteUint32 writes value to the 32-bit word at virt in as.
func (m *Manager) WriteUint32(as *AddressSpace, virt uint64, value uint32) error {
	phys, ok := m.VirtToPhys(as, virt)
	if !ok {
		return errno.Wrap("vmm.WriteUint32", errno.NotMapped)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	_, err := m.arena.WriteAt(buf[:], int64(phys))
	return err
}

//go:build linux || darwin

package pmm

import "golang.org/x/sys/unix"

// allocArena backs the arena with an anonymous host mmap region, so
// "physical memory" occupies address space but no committed pages until
// frames are actually touched.
func allocArena(size uint64) ([]byte, func() error, error) {
	if size == 0 {
		return nil, nil, nil
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}

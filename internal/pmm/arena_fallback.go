//go:build !linux && !darwin

package pmm

// allocArena falls back to ordinary heap allocation on hosts without
// anonymous mmap.
func allocArena(size uint64) ([]byte, func() error, error) {
	return make([]byte, size), nil, nil
}

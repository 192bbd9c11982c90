package errno

import (
	"errors"
	"testing"
)

func TestWrapNoneIsNil(t *testing.T) {
	if err := Wrap("pmm.AllocFrames", None); err != nil {
		t.Fatalf("Wrap(None) = %v, want nil", err)
	}
}

func TestWrapUnwrapsToErrno(t *testing.T) {
	err := Wrap("pmm.AllocFrames", NoMemory)
	if !errors.Is(err, NoMemory) {
		t.Fatalf("errors.Is(%v, NoMemory) = false, want true", err)
	}
	if errors.Is(err, Busy) {
		t.Fatalf("errors.Is(%v, Busy) = true, want false", err)
	}
}

func TestFaultMessageIncludesOp(t *testing.T) {
	err := Wrap("vmm.Mmap", AlreadyMapped)
	const want = "vmm.Mmap: ALREADY_MAPPED"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

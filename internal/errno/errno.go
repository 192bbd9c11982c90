// Package errno defines the fixed set of status codes returned by the
// kernel core's fallible operations, and a small wrapper that attaches
// call-site context the way fmt.Errorf("pkg: ...: %w", err) does
// elsewhere in this codebase.
package errno

import (
	"errors"
	"fmt"
)

// Errno is one of the kernel core's fixed status codes. The zero value,
// None, is not an error: callers that want to return "ok" from a
// function whose signature is (..., error) should return nil instead.
type Errno int

const (
	None Errno = iota
	NullPointer
	NoMemory
	NoMoreFreeMem
	AlreadyMapped
	NotMapped
	Unauthorized
	OutOfBound
	IncorrectValue
	BadPriority
	BadAlign
	NoSuchID
	NoSuchIRQ
	Checksum
	NotSupported
	NotInitialized
	Busy
	SyscallUnknown
)

var names = [...]string{
	None:           "NO_ERROR",
	NullPointer:    "NULL_POINTER",
	NoMemory:       "NO_MEMORY",
	NoMoreFreeMem:  "NO_MORE_FREE_MEM",
	AlreadyMapped:  "ALREADY_MAPPED",
	NotMapped:      "NOT_MAPPED",
	Unauthorized:   "UNAUTHORIZED",
	OutOfBound:     "OUT_OF_BOUND",
	IncorrectValue: "INCORRECT_VALUE",
	BadPriority:    "BAD_PRIORITY",
	BadAlign:       "BAD_ALIGN",
	NoSuchID:       "NO_SUCH_ID",
	NoSuchIRQ:      "NO_SUCH_IRQ",
	Checksum:       "CHECKSUM",
	NotSupported:   "NOT_SUPPORTED",
	NotInitialized: "NOT_INITIALIZED",
	Busy:           "BUSY",
	SyscallUnknown: "SYSCALL_UNKNOWN",
}

// Error implements the error interface so an Errno can be returned,
// compared and wrapped like any other Go error.
func (e Errno) Error() string {
	if int(e) < 0 || int(e) >= len(names) || names[e] == "" {
		return fmt.Sprintf("errno(%d)", int(e))
	}
	return names[e]
}

// Fault attaches the operation that failed to an Errno, the same
// "pkg: op: %w" shape used across the tree's fmt.Errorf call sites.
type Fault struct {
	Op  string
	Err Errno
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Op, f.Err.Error())
}

// Unwrap lets errors.Is(err, errno.NoMemory) and errors.As see through
// the wrapper.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Wrap returns a *Fault carrying op and code, or nil if code is None.
// Callers compare the result with errors.Is(err, errno.NoMemory), the
// same way cmd/cc/main.go uses errors.As against *initx.ExitError.
func Wrap(op string, code Errno) error {
	if code == None {
		return nil
	}
	return &Fault{Op: op, Err: code}
}

// FromError recovers the Errno code a Fault carries, for callers that
// need to put the code somewhere other than a Go error return — e.g.
// internal/syscall's dispatcher, which writes it into the trap
// caller's status register. An err that isn't a *Fault (or nil)
// reports NotSupported, since every fallible operation in this tree is
// expected to fail through Wrap.
func FromError(err error) Errno {
	if err == nil {
		return None
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Err
	}
	return NotSupported
}

// Package syscall implements C6: a single trap vector whose handler
// reads a call number and a parameter pointer out of the caller's
// saved registers, validates the number against a fixed table, and
// invokes the entry. The table is closed and numbered: an enumerated
// call number dispatches through a lookup table indexed by that
// number, eight entries in total.
package syscall

import (
	"fmt"

	"github.com/tinyrange/kernelcore/internal/errno"
	"github.com/tinyrange/kernelcore/internal/intr"
	"github.com/tinyrange/kernelcore/internal/ktrace"
	"github.com/tinyrange/kernelcore/internal/sched"
	"github.com/tinyrange/kernelcore/internal/vmm"
)

// Number is one of the eight defined call numbers.
type Number uint32

const (
	Fork Number = iota
	WaitPid
	Exit
	FutexWait
	FutexWake
	SchedGetParams
	SchedSetParams
	PageAlloc
	numSyscalls
)

func (n Number) String() string {
	switch n {
	case Fork:
		return "FORK"
	case WaitPid:
		return "WAITPID"
	case Exit:
		return "EXIT"
	case FutexWait:
		return "FUTEX_WAIT"
	case FutexWake:
		return "FUTEX_WAKE"
	case SchedGetParams:
		return "SCHED_GET_PARAMS"
	case SchedSetParams:
		return "SCHED_SET_PARAMS"
	case PageAlloc:
		return "PAGE_ALLOC"
	default:
		return "SYSCALL_UNKNOWN"
	}
}

type entry func(d *Dispatcher, cur *sched.Thread, as *vmm.AddressSpace, paramPtr uint64) error

// Dispatcher owns the trap vector and the eight registered entries.
// ABI: call number in EAX, parameter pointer in EBX, the returned
// status code written back into EAX.
type Dispatcher struct {
	sched *sched.Scheduler
	vm    *vmm.Manager
	trace ktrace.Source
	table [numSyscalls]entry
}

// New builds a Dispatcher over s and vm. Register must still be called
// to wire it to a Fabric's trap vector.
func New(s *sched.Scheduler, vm *vmm.Manager, log *ktrace.Log) *Dispatcher {
	d := &Dispatcher{sched: s, vm: vm, trace: log.WithSource("syscall")}
	d.table = [numSyscalls]entry{
		Fork:           (*Dispatcher).callFork,
		WaitPid:        (*Dispatcher).callWaitPid,
		Exit:           (*Dispatcher).callExit,
		FutexWait:      (*Dispatcher).callFutexWait,
		FutexWake:      (*Dispatcher).callFutexWake,
		SchedGetParams: (*Dispatcher).callGetParams,
		SchedSetParams: (*Dispatcher).callSetParams,
		PageAlloc:      (*Dispatcher).callPageAlloc,
	}
	return d
}

// Register installs the dispatcher at fabric's reserved syscall
// vector (0x80).
func (d *Dispatcher) Register(fabric *intr.Fabric) error {
	return fabric.Register(intr.VectorSyscall, d.handleTrap)
}

func (d *Dispatcher) handleTrap(ctx *intr.Context) intr.Resolution {
	cur := d.sched.Active()
	cur.SetSavedContext(ctx.Regs)

	num := Number(ctx.Regs.EAX)
	if num >= numSyscalls || d.table[num] == nil {
		d.trace.Warnf("thread %d: unknown syscall number %d", cur.ID, ctx.Regs.EAX)
		ctx.Regs.EAX = uint32(errno.SyscallUnknown)
		return intr.Handled
	}

	as := cur.Process.AddressSpace
	paramPtr := uint64(ctx.Regs.EBX)
	err := d.table[num](d, cur, as, paramPtr)
	ctx.Regs.EAX = uint32(errno.FromError(err))
	return intr.Handled
}

// callFork implements FORK. Parameter block: word0 = child priority,
// word1 = child kernel stack size in bytes, word2 = out child pid.
// The child's entry point is the caller's own fn/arg (sched.ForkCurrent
// — see its doc for why), the closest a hosted simulation can come to a real
// fork() returning into the same function on both sides.
func (d *Dispatcher) callFork(cur *sched.Thread, as *vmm.AddressSpace, ptr uint64) error {
	prio, err := d.vm.ReadUint32(as, ptr)
	if err != nil {
		return err
	}
	stackSize, err := d.vm.ReadUint32(as, ptr+4)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("pid%d-child", cur.Process.ID)
	pid, err := d.sched.ForkCurrent(int(prio), name, uint64(stackSize))
	if err != nil {
		return err
	}
	return d.vm.WriteUint32(as, ptr+8, uint32(pid))
}

// callWaitPid implements WAITPID. Parameter block: word0 = child pid,
// word1 = out return value, word2 = out termination cause. Only a
// numeric (uint32-convertible) child return value round-trips through
// the register ABI; anything else reports 0, the same way a real
// wait4() only ever hands back a narrow integer status.
func (d *Dispatcher) callWaitPid(cur *sched.Thread, as *vmm.AddressSpace, ptr uint64) error {
	pid, err := d.vm.ReadUint32(as, ptr)
	if err != nil {
		return err
	}

	retVal, cause, err := d.sched.WaitPid(uint64(pid))
	if err != nil {
		return err
	}

	var retWord uint32
	switch v := retVal.(type) {
	case uint32:
		retWord = v
	case int:
		retWord = uint32(v)
	case uint64:
		retWord = uint32(v)
	}
	if err := d.vm.WriteUint32(as, ptr+4, retWord); err != nil {
		return err
	}
	return d.vm.WriteUint32(as, ptr+8, uint32(cause))
}

// callExit implements EXIT. Parameter block: word0 = return value.
// A real exit() never returns control to its caller; this simulation
// cannot enforce that inside a plain Go call, so — exactly as a
// sched.ThreadFunc already does on a normal return — a thread body is
// expected to stop running as soon as it issues EXIT.
func (d *Dispatcher) callExit(cur *sched.Thread, as *vmm.AddressSpace, ptr uint64) error {
	retVal, err := d.vm.ReadUint32(as, ptr)
	if err != nil {
		return err
	}
	d.sched.Exit(sched.Correctly, sched.Returned, uint64(retVal))
	return nil
}

// callFutexWait implements FUTEX_WAIT. Parameter block: word0 =
// address, word1 = expected value, word2 = timeout in milliseconds (0
// waits indefinitely).
func (d *Dispatcher) callFutexWait(cur *sched.Thread, as *vmm.AddressSpace, ptr uint64) error {
	addr, err := d.vm.ReadUint32(as, ptr)
	if err != nil {
		return err
	}
	expected, err := d.vm.ReadUint32(as, ptr+4)
	if err != nil {
		return err
	}
	timeoutMS, err := d.vm.ReadUint32(as, ptr+8)
	if err != nil {
		return err
	}
	return d.sched.FutexWait(d.vm, as, uint64(addr), expected, uint64(timeoutMS))
}

// callFutexWake implements FUTEX_WAKE. Parameter block: word0 =
// address, word1 = max waiters to wake, word2 = out number actually
// woken.
func (d *Dispatcher) callFutexWake(cur *sched.Thread, as *vmm.AddressSpace, ptr uint64) error {
	addr, err := d.vm.ReadUint32(as, ptr)
	if err != nil {
		return err
	}
	count, err := d.vm.ReadUint32(as, ptr+4)
	if err != nil {
		return err
	}
	woken := d.sched.FutexWake(uint64(addr), int(count))
	return d.vm.WriteUint32(as, ptr+8, uint32(woken))
}

// callGetParams implements SCHED_GET_PARAMS. Parameter block: word0 =
// target thread id, word1 = out priority.
func (d *Dispatcher) callGetParams(cur *sched.Thread, as *vmm.AddressSpace, ptr uint64) error {
	tid, err := d.vm.ReadUint32(as, ptr)
	if err != nil {
		return err
	}
	prio, err := d.sched.GetParams(uint64(tid))
	if err != nil {
		return err
	}
	return d.vm.WriteUint32(as, ptr+4, uint32(prio))
}

// callSetParams implements SCHED_SET_PARAMS. Parameter block: word0 =
// target thread id, word1 = new priority.
func (d *Dispatcher) callSetParams(cur *sched.Thread, as *vmm.AddressSpace, ptr uint64) error {
	tid, err := d.vm.ReadUint32(as, ptr)
	if err != nil {
		return err
	}
	prio, err := d.vm.ReadUint32(as, ptr+4)
	if err != nil {
		return err
	}
	return d.sched.SetParams(uint64(tid), int(prio))
}

// callPageAlloc implements PAGE_ALLOC. Parameter block: word0 =
// virtual address, word1 = size in bytes, word2 = flags (bit 0 =
// read-only, bit 1 = executable).
func (d *Dispatcher) callPageAlloc(cur *sched.Thread, as *vmm.AddressSpace, ptr uint64) error {
	virt, err := d.vm.ReadUint32(as, ptr)
	if err != nil {
		return err
	}
	size, err := d.vm.ReadUint32(as, ptr+4)
	if err != nil {
		return err
	}
	flags, err := d.vm.ReadUint32(as, ptr+8)
	if err != nil {
		return err
	}
	readOnly := flags&1 != 0
	exec := flags&2 != 0
	return d.vm.Mmap(as, uint64(virt), uint64(size), readOnly, exec)
}

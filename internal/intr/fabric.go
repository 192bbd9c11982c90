// Package intr implements C2, the interrupt fabric: a descriptor-table
// model, dispatch to registered handlers, legacy-PIC/I/O-controller
// masking, and the paired enter/exit critical section. Registration
// follows a "register a handler for this address/line, error BUSY if
// one is already there" table, keyed by interrupt vector rather than
// I/O port or MMIO region.
package intr

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/kernelcore/internal/errno"
	"github.com/tinyrange/kernelcore/internal/ktrace"
)

// Resolution is a fault handler's verdict: an explicit return value
// the dispatcher acts on, so the panic path is chosen by the
// dispatcher rather than by the handler throwing.
type Resolution int

const (
	Unhandled Resolution = iota
	Handled
)

// Registers is a compact snapshot of the general-purpose registers an
// interrupt stub would have saved to the stack before calling the
// dispatcher. A context switch treats it as opaque data the scheduler
// swaps, not a field-by-field copy the rest of the kernel inspects.
type Registers struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP, EFLAGS        uint32
	CR2                uint32 // faulting linear address, valid for vector 14
}

// Context is passed to every handler invoked by Dispatch.
type Context struct {
	Vector    Vector
	ErrorCode uint32
	Regs      *Registers
}

// Handler processes one interrupt or exception.
type Handler func(ctx *Context) Resolution

// IOControllerDriver is the capability interface an I/O-controller
// backend (legacy PIC, I/O-APIC) implements: masking, EOI, spurious
// detection and vector-to-line lookup expressed as methods rather than
// a table of function pointers.
type IOControllerDriver interface {
	// SetMask enables or disables delivery for a local IRQ line
	// (0-based within this controller, not yet offset into a global
	// IRQ or a vector).
	SetMask(irq int, enabled bool) error
	// EOI acknowledges the interrupt at vector, if it belongs to this
	// controller.
	EOI(vector Vector)
	// HandleSpurious reports whether vector is this controller's
	// spurious interrupt; the dispatcher then acknowledges it with EOI.
	HandleSpurious(vector Vector) bool
	// IRQForVector maps a delivered vector back to the local IRQ line
	// it was raised for.
	IRQForVector(vector Vector) (irq int, ok bool)
}

type controllerBinding struct {
	driver     IOControllerDriver
	base       Vector
	count      int
	globalBase int
}

// Fabric is the kernel's single interrupt dispatch table.
type Fabric struct {
	mu sync.Mutex

	handlers   [256]Handler
	exceptions [VectorExceptionCount]Handler

	controllers []*controllerBinding
	tables      *DescriptorTables

	interruptsEnabled atomic.Bool

	trace ktrace.Source
	panic func(location string, err error)
}

// New returns a Fabric with interrupts initially disabled, matching a
// freshly booted CPU before the boot sequence installs the IDT/GDT
// and explicitly enables them.
func New(log *ktrace.Log, panicFn func(location string, err error)) *Fabric {
	f := &Fabric{
		trace: log.WithSource("intr"),
		panic: panicFn,
	}
	return f
}

// Register installs handler for vector. It fails with BUSY if a
// non-default handler is already installed, mirroring
// ChipsetBuilder.WithPioPort's "already registered" rule.
func (f *Fabric) Register(v Vector, h Handler) error {
	if h == nil {
		return errno.Wrap("intr.Register", errno.NullPointer)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if v < VectorExceptionCount {
		if f.exceptions[v] != nil {
			return errno.Wrap("intr.Register", errno.Busy)
		}
		f.exceptions[v] = h
		return nil
	}
	if f.handlers[v] != nil {
		return errno.Wrap("intr.Register", errno.Busy)
	}
	f.handlers[v] = h
	return nil
}

// Remove restores the default no-op handler for vector.
func (f *Fabric) Remove(v Vector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v < VectorExceptionCount {
		f.exceptions[v] = nil
		return
	}
	f.handlers[v] = nil
}

// AddIOController registers drv as the owner of count global IRQs
// starting at globalIRQBase, delivered on vectors [vectorBase,
// vectorBase+count). The legacy PIC sits at VectorLegacyPICBase; a
// discovered I/O controller sits at VectorIOControllerBase plus its
// first global IRQ.
func (f *Fabric) AddIOController(drv IOControllerDriver, vectorBase Vector, globalIRQBase, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controllers = append(f.controllers, &controllerBinding{
		driver:     drv,
		base:       vectorBase,
		count:      count,
		globalBase: globalIRQBase,
	})
}

func (f *Fabric) controllerForIRQ(irq int) *controllerBinding {
	for _, c := range f.controllers {
		if irq >= c.globalBase && irq < c.globalBase+c.count {
			return c
		}
	}
	return nil
}

func (f *Fabric) controllerForVector(v Vector) *controllerBinding {
	for _, c := range f.controllers {
		if v >= c.base && int(v) < int(c.base)+c.count {
			return c
		}
	}
	return nil
}

// SetMask enables or disables a global IRQ line. It fails with
// NO_SUCH_IRQ if no installed controller serves it.
func (f *Fabric) SetMask(globalIRQ int, enabled bool) error {
	f.mu.Lock()
	c := f.controllerForIRQ(globalIRQ)
	f.mu.Unlock()
	if c == nil {
		return errno.Wrap("intr.SetMask", errno.NoSuchIRQ)
	}
	return c.driver.SetMask(globalIRQ-c.globalBase, enabled)
}

// RaiseSW simulates `int imm8`: it calls Dispatch synchronously for
// vector, exactly as the scheduler uses it to invoke its own election
// after marking a context switch pending.
func (f *Fabric) RaiseSW(v Vector, regs *Registers) {
	f.Dispatch(&Context{Vector: v, Regs: regs})
}

// Dispatch looks up the handler for ctx.Vector and invokes it,
// falling back to the unhandled-exception/panic path when none is
// registered.
func (f *Fabric) Dispatch(ctx *Context) {
	if ctx.Vector < VectorExceptionCount {
		f.mu.Lock()
		h := f.exceptions[ctx.Vector]
		f.mu.Unlock()
		if h == nil {
			f.panic(fmt.Sprintf("intr: unhandled exception vector %d", ctx.Vector),
				errno.Wrap("intr.Dispatch", errno.NotSupported))
			return
		}
		if h(ctx) == Unhandled {
			f.panic(fmt.Sprintf("intr: exception vector %d unresolved", ctx.Vector),
				errno.Wrap("intr.Dispatch", errno.NotSupported))
		}
		return
	}

	f.mu.Lock()
	c := f.controllerForVector(ctx.Vector)
	f.mu.Unlock()
	if c != nil && c.driver.HandleSpurious(ctx.Vector) {
		c.driver.EOI(ctx.Vector)
		return
	}

	f.mu.Lock()
	h := f.handlers[ctx.Vector]
	f.mu.Unlock()
	if h == nil {
		f.panic(fmt.Sprintf("intr: no handler for vector 0x%x", ctx.Vector),
			errno.Wrap("intr.Dispatch", errno.NotSupported))
		return
	}
	h(ctx)
}

// EnterCritical disables interrupt delivery and returns whether they
// were enabled beforehand. Nested critical sections compose: an inner
// ExitCritical(false) leaves interrupts disabled if an outer section
// already had them off, because it restores exactly what its own
// EnterCritical observed, not a shared counter.
func (f *Fabric) EnterCritical() (wasEnabled bool) {
	return f.interruptsEnabled.Swap(false)
}

// ExitCritical restores the interrupt-enable flag captured by a
// matching EnterCritical.
func (f *Fabric) ExitCritical(wasEnabled bool) {
	if wasEnabled {
		f.interruptsEnabled.Store(true)
	}
}

// InterruptsEnabled reports the current flag state, for tests and the
// idle thread's "enable interrupts, hlt" loop.
func (f *Fabric) InterruptsEnabled() bool {
	return f.interruptsEnabled.Load()
}

// EnableInterrupts is used once, at the end of the boot sequence, to
// turn interrupt delivery on for the first time.
func (f *Fabric) EnableInterrupts() {
	f.interruptsEnabled.Store(true)
}

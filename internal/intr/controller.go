package intr

import (
	"sync"

	"github.com/tinyrange/kernelcore/internal/errno"
)

// LegacyPIC is the remapped 8259 pair: 16 lines, vectors
// {VectorLegacyPICBase..+16}, masked by default until set_mask enables
// them: boot starts with every legacy PIC IRQ masked.
type LegacyPIC struct {
	mu      sync.Mutex
	masked  [VectorLegacyPICCount]bool
	spurIRQ int
}

// NewLegacyPIC returns a PIC with every line masked, spurious IRQ 7.
func NewLegacyPIC() *LegacyPIC {
	p := &LegacyPIC{spurIRQ: 7}
	for i := range p.masked {
		p.masked[i] = true
	}
	return p
}

func (p *LegacyPIC) SetMask(irq int, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if irq < 0 || irq >= len(p.masked) {
		return errno.Wrap("intr.SetMask", errno.OutOfBound)
	}
	p.masked[irq] = !enabled
	return nil
}

func (p *LegacyPIC) Masked(irq int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if irq < 0 || irq >= len(p.masked) {
		return true
	}
	return p.masked[irq]
}

func (p *LegacyPIC) EOI(Vector) {}

func (p *LegacyPIC) HandleSpurious(v Vector) bool {
	return int(v-VectorLegacyPICBase) == p.spurIRQ
}

func (p *LegacyPIC) IRQForVector(v Vector) (int, bool) {
	irq := int(v - VectorLegacyPICBase)
	if irq < 0 || irq >= VectorLegacyPICCount {
		return 0, false
	}
	return irq, true
}

// LocalAPIC models the per-CPU local interrupt controller's three
// registers the boot sequence programs: task priority, logical
// destination, and the spurious-interrupt vector. The hosted simulation
// has no MMIO window to poke; the register values live here so the
// boot contract (clear TPR, set logical destination, set spurious
// vector) is still expressed and testable.
type LocalAPIC struct {
	base uint32

	mu     sync.Mutex
	inited bool
	tpr    uint32
	ldr    uint32
	svr    uint32
}

// NewLocalAPIC returns an uninitialized local controller at the MMIO
// base platform discovery reported.
func NewLocalAPIC(base uint32) *LocalAPIC {
	return &LocalAPIC{base: base}
}

// Base returns the controller's MMIO base physical address.
func (l *LocalAPIC) Base() uint32 { return l.base }

// Init performs the boot-sequence programming: task priority cleared
// so no interrupt class is blocked, logical destination set to the
// bootstrap CPU's bit, and the spurious vector register pointed at
// VectorSpurious with the software-enable bit set.
func (l *LocalAPIC) Init() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tpr = 0
	l.ldr = 1 << 24
	l.svr = 1<<8 | uint32(VectorSpurious)
	l.inited = true
}

// Initialized reports whether Init has run.
func (l *LocalAPIC) Initialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inited
}

// SpuriousVector returns the vector programmed into the spurious
// register, valid once Init has run.
func (l *LocalAPIC) SpuriousVector() Vector {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Vector(l.svr & 0xFF)
}

// EOI acknowledges the in-service interrupt. The model has no
// in-service register to clear.
func (l *LocalAPIC) EOI() {}

// IOAPIC models one I/O-controller discovered by C1: a redirection
// table of Lines entries, each independently maskable and assigned a
// vector offset of {0x40 + global IRQ}.
type IOAPIC struct {
	mu           sync.Mutex
	id           uint8
	lines        int
	gsiBase      int
	redirMasked  []bool
	redirVector  []Vector
	spuriousLine int
}

// NewIOAPIC returns a fully masked I/O-APIC with the given identifier,
// GSI base, and line count (taken from platform discovery). Every
// redirection entry starts masked with its vector programmed to
// {0x40 + global IRQ}, the boot-sequence state.
func NewIOAPIC(id uint8, gsiBase, lines int) *IOAPIC {
	a := &IOAPIC{id: id, lines: lines, gsiBase: gsiBase, spuriousLine: -1}
	a.redirMasked = make([]bool, lines)
	a.redirVector = make([]Vector, lines)
	for i := range a.redirMasked {
		a.redirMasked[i] = true
		a.redirVector[i] = VectorIOControllerBase + Vector(gsiBase+i)
	}
	return a
}

// VectorFor returns the vector programmed into line's redirection
// entry.
func (a *IOAPIC) VectorFor(line int) (Vector, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if line < 0 || line >= a.lines {
		return 0, false
	}
	return a.redirVector[line], true
}

func (a *IOAPIC) SetMask(irq int, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if irq < 0 || irq >= a.lines {
		return errno.Wrap("intr.SetMask", errno.OutOfBound)
	}
	a.redirMasked[irq] = !enabled
	return nil
}

func (a *IOAPIC) Masked(irq int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if irq < 0 || irq >= a.lines {
		return true
	}
	return a.redirMasked[irq]
}

func (a *IOAPIC) EOI(Vector) {}

func (a *IOAPIC) HandleSpurious(v Vector) bool {
	irq, ok := a.IRQForVector(v)
	return ok && irq == a.spuriousLine
}

func (a *IOAPIC) IRQForVector(v Vector) (int, bool) {
	irq := int(v-VectorIOControllerBase) - a.gsiBase
	if irq < 0 || irq >= a.lines {
		return 0, false
	}
	return irq, true
}

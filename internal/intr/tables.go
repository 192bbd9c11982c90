package intr

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/kernelcore/internal/errno"
)

// Segment selectors fixed by the GDT layout BuildDescriptorTables
// emits: null, kernel code, kernel data, then the bootstrap CPU's TSS.
const (
	SelectorNull       uint16 = 0x00
	SelectorKernelCode uint16 = 0x08
	SelectorKernelData uint16 = 0x10
	SelectorTSS        uint16 = 0x18
)

const (
	gdtEntrySize  = 8
	gdtEntryCount = 4
	idtGateSize   = 8
	idtGateCount  = 256
	tssSize       = 104

	// stubSize is the stride between consecutive interrupt stubs: each
	// stub pushes its vector (and a dummy error code where the CPU does
	// not supply one) and jumps to the common dispatcher.
	stubSize = 16
)

// TSS field offsets the boot path actually writes.
const (
	tssESP0Offset = 4
	tssSS0Offset  = 8
	tssIOPBOffset = 102
)

// DescriptorTables is the packed GDT, bootstrap TSS and IDT, ready to
// be written into physical memory at their assigned bases. The bytes
// are exactly what a real CPU would consume through lgdt/ltr/lidt; the
// hosted simulation never "loads" them into hardware, but building and
// asserting the encoding keeps the boot contract honest.
type DescriptorTables struct {
	GDTBase  uint64
	TSSBase  uint64
	IDTBase  uint64
	StubBase uint64

	gdt []byte
	tss []byte
	idt []byte
}

// packSegment encodes one 8-byte GDT descriptor from a 32-bit base, a
// 20-bit limit, an access byte and the high-nibble flags (granularity,
// operand size).
func packSegment(base, limit uint32, access, flags uint8) [gdtEntrySize]byte {
	var d [gdtEntrySize]byte
	binary.LittleEndian.PutUint16(d[0:2], uint16(limit))
	binary.LittleEndian.PutUint16(d[2:4], uint16(base))
	d[4] = uint8(base >> 16)
	d[5] = access
	d[6] = uint8(limit>>16)&0x0F | flags<<4
	d[7] = uint8(base >> 24)
	return d
}

// packGate encodes one 8-byte IDT interrupt gate pointing at offset in
// the kernel code segment.
func packGate(offset uint32, selector uint16, typeAttr uint8) [idtGateSize]byte {
	var g [idtGateSize]byte
	binary.LittleEndian.PutUint16(g[0:2], uint16(offset))
	binary.LittleEndian.PutUint16(g[2:4], selector)
	g[4] = 0
	g[5] = typeAttr
	binary.LittleEndian.PutUint16(g[6:8], uint16(offset>>16))
	return g
}

// BuildDescriptorTables packs the GDT (null, kernel code, kernel data,
// bootstrap TSS), the bootstrap TSS itself, and a 256-gate IDT whose
// every gate points at its vector's stub (stubBase + vector*stubSize).
// esp0 is the kernel stack the CPU switches to on a privilege
// transition; it can be rewritten later with SetKernelStack once the
// scheduler has allocated the real stack.
func BuildDescriptorTables(gdtBase, tssBase, idtBase, stubBase uint64, esp0 uint32) *DescriptorTables {
	dt := &DescriptorTables{
		GDTBase:  gdtBase,
		TSSBase:  tssBase,
		IDTBase:  idtBase,
		StubBase: stubBase,
	}

	gdt := make([]byte, gdtEntryCount*gdtEntrySize)
	put := func(sel uint16, d [gdtEntrySize]byte) { copy(gdt[sel:], d[:]) }
	put(SelectorNull, [gdtEntrySize]byte{})
	// Flat 4 GiB code/data: limit 0xFFFFF pages, 4K granularity, 32-bit.
	put(SelectorKernelCode, packSegment(0, 0xFFFFF, 0x9A, 0xC))
	put(SelectorKernelData, packSegment(0, 0xFFFFF, 0x92, 0xC))
	// TSS descriptors use byte granularity and the 32-bit available-TSS type.
	put(SelectorTSS, packSegment(uint32(tssBase), tssSize-1, 0x89, 0x0))
	dt.gdt = gdt

	tss := make([]byte, tssSize)
	binary.LittleEndian.PutUint32(tss[tssESP0Offset:], esp0)
	binary.LittleEndian.PutUint16(tss[tssSS0Offset:], SelectorKernelData)
	// IOPB past the segment limit: no I/O permission bitmap.
	binary.LittleEndian.PutUint16(tss[tssIOPBOffset:], tssSize)
	dt.tss = tss

	idt := make([]byte, idtGateCount*idtGateSize)
	for v := 0; v < idtGateCount; v++ {
		stub := uint32(stubBase) + uint32(v)*stubSize
		gate := packGate(stub, SelectorKernelCode, 0x8E)
		copy(idt[v*idtGateSize:], gate[:])
	}
	dt.idt = idt

	return dt
}

// WriteTo stores the three packed tables at their bases in mem.
func (dt *DescriptorTables) WriteTo(mem io.WriterAt) error {
	if _, err := mem.WriteAt(dt.gdt, int64(dt.GDTBase)); err != nil {
		return fmt.Errorf("intr: write GDT: %w", err)
	}
	if _, err := mem.WriteAt(dt.tss, int64(dt.TSSBase)); err != nil {
		return fmt.Errorf("intr: write TSS: %w", err)
	}
	if _, err := mem.WriteAt(dt.idt, int64(dt.IDTBase)); err != nil {
		return fmt.Errorf("intr: write IDT: %w", err)
	}
	return nil
}

// SetKernelStack rewrites the TSS's ESP0, both in the packed copy and
// in mem, once the real bootstrap kernel stack exists. On hardware this
// is the slot a context switch updates before returning toward a lower
// privilege level.
func (dt *DescriptorTables) SetKernelStack(mem io.WriterAt, esp0 uint32) error {
	binary.LittleEndian.PutUint32(dt.tss[tssESP0Offset:], esp0)
	if _, err := mem.WriteAt(dt.tss[tssESP0Offset:tssESP0Offset+4], int64(dt.TSSBase)+tssESP0Offset); err != nil {
		return fmt.Errorf("intr: rewrite TSS ESP0: %w", err)
	}
	return nil
}

// Gate returns the decoded (stub offset, selector, type byte) of one
// IDT gate, for tests and diagnostics.
func (dt *DescriptorTables) Gate(v Vector) (offset uint32, selector uint16, typeAttr uint8) {
	g := dt.idt[int(v)*idtGateSize:]
	offset = uint32(binary.LittleEndian.Uint16(g[0:2])) | uint32(binary.LittleEndian.Uint16(g[6:8]))<<16
	return offset, binary.LittleEndian.Uint16(g[2:4]), g[5]
}

// LoadDescriptorTables records dt as the fabric's loaded table set, the
// simulation's stand-in for lgdt/ltr/lidt. It fails with BUSY if a set
// is already loaded; the descriptor tables are built once at boot.
func (f *Fabric) LoadDescriptorTables(dt *DescriptorTables) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables != nil {
		return errno.Wrap("intr.LoadDescriptorTables", errno.Busy)
	}
	f.tables = dt
	return nil
}

// DescriptorTables returns the table set loaded at boot, or nil before
// the boot sequence has run.
func (f *Fabric) DescriptorTables() *DescriptorTables {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables
}

package acpi

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/kernelcore/internal/errno"
	"github.com/tinyrange/kernelcore/internal/ktrace"
)

// maxCPUs is the implementation-defined maximum CPU-list length the
// contract allows platform discovery to stop at.
const maxCPUs = 64

// rsdpScanBase and rsdpScanLimit bound the well-known low-memory window
// firmware places the root-pointer signature in.
const (
	rsdpScanBase  = 0xE0000
	rsdpScanLimit = 0x100000
)

// CPU is one LOCAL-CPU entry discovered in the interrupt-controller
// description table.
type CPU struct {
	ID      uint8
	APICID  uint8
	Enabled bool
}

// IOController is one IO-CONTROLLER entry: an identifier, its MMIO base
// address, and the first global IRQ it owns.
type IOController struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// Platform is what C1 exposes once discovery has run: CPU and
// I/O-controller inventories, the local controller's base address, and
// the legacy-PIC-to-global-IRQ remap table built from INTERRUPT-OVERRIDE
// entries.
type Platform struct {
	LocalAPICBase uint32
	CPUs          []CPU
	Controllers   []IOController

	remap map[uint8]uint32
}

// CPUCount returns the number of CPUs discovery found.
func (p *Platform) CPUCount() int { return len(p.CPUs) }

// ControllerCount returns the number of I/O interrupt controllers
// discovery found.
func (p *Platform) ControllerCount() int { return len(p.Controllers) }

// IsCPUPresent reports whether CPU id n was enumerated by discovery.
func (p *Platform) IsCPUPresent(n int) bool {
	for _, c := range p.CPUs {
		if int(c.ID) == n {
			return true
		}
	}
	return false
}

// RemapIRQ looks up the global interrupt number a legacy-PIC IRQ has
// been overridden to, if any.
func (p *Platform) RemapIRQ(legacyIRQ uint8) (gsi uint32, ok bool) {
	gsi, ok = p.remap[legacyIRQ]
	return gsi, ok
}

// Discover scans mem for the ACPI root pointer, walks the root
// descriptor table it names, and parses the interrupt-controller
// description table (MADT) it finds. Every checksum failure along the
// way fails the whole call with CHECKSUM: the caller is expected to
// fall back to legacy-PIC-only capability rather than trust a
// partially validated table.
//
// mem must present identity-mapped physical addresses: Discover never
// interprets the offsets it reads as anything but physical addresses,
// the same convention install.go writes under.
//
// If the root table names more than one interrupt-controller
// description table, only the first one that validates is parsed;
// later ones are noted on log (which may be nil) and otherwise
// ignored; the disagreement-resolution policy is left unspecified
// rather than inventing one.
func Discover(mem io.ReaderAt, log *ktrace.Log) (*Platform, error) {
	rsdp, err := scanForRSDP(mem)
	if err != nil {
		return nil, err
	}

	if checksum(rsdp[:20]) != 0 {
		return nil, errno.Wrap("acpi.Discover", errno.Checksum)
	}

	revision := rsdp[15]
	var rootAddr uint64
	entryWidth := 4
	if revision >= 2 {
		if checksum(rsdp) != 0 {
			return nil, errno.Wrap("acpi.Discover", errno.Checksum)
		}
		rootAddr = binary.LittleEndian.Uint64(rsdp[24:32])
		entryWidth = 8
	} else {
		rootAddr = uint64(binary.LittleEndian.Uint32(rsdp[16:20]))
	}

	rootHeader, rootBody, err := readTable(mem, rootAddr)
	if err != nil {
		return nil, err
	}
	if checksum(append(append([]byte{}, rootHeader...), rootBody...)) != 0 {
		return nil, errno.Wrap("acpi.Discover", errno.Checksum)
	}

	entryAddrs, err := splitRootEntries(rootBody, entryWidth)
	if err != nil {
		return nil, err
	}

	platform := &Platform{remap: make(map[uint8]uint32)}
	foundMADT := false
	for _, addr := range entryAddrs {
		header, body, err := readTable(mem, addr)
		if err != nil {
			return nil, err
		}
		full := append(append([]byte{}, header...), body...)
		if checksum(full) != 0 {
			return nil, errno.Wrap("acpi.Discover", errno.Checksum)
		}
		if string(header[:4]) != "APIC" {
			continue
		}
		if foundMADT {
			if log != nil {
				log.WithSource("acpi").Warnf("ignoring additional interrupt-controller description table at 0x%x", addr)
			}
			continue
		}
		foundMADT = true
		if err := parseMADTBody(platform, body); err != nil {
			return nil, err
		}
	}
	if !foundMADT {
		return nil, errno.Wrap("acpi.Discover", errno.NotSupported)
	}
	return platform, nil
}

func scanForRSDP(mem io.ReaderAt) ([]byte, error) {
	buf := make([]byte, 36)
	for off := int64(rsdpScanBase); off < rsdpScanLimit; off += 16 {
		if _, err := mem.ReadAt(buf[:8], off); err != nil {
			return nil, fmt.Errorf("acpi: scan RSDP: %w", err)
		}
		if string(buf[:8]) != "RSD PTR " {
			continue
		}
		if _, err := mem.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("acpi: read RSDP: %w", err)
		}
		out := make([]byte, 36)
		copy(out, buf)
		return out, nil
	}
	return nil, errno.Wrap("acpi.Discover", errno.NoSuchID)
}

// readTable reads a table's 36-byte header at addr, then reads the
// remaining (length-36) bytes it declares.
func readTable(mem io.ReaderAt, addr uint64) (header, body []byte, err error) {
	header = make([]byte, 36)
	if _, err := mem.ReadAt(header, int64(addr)); err != nil {
		return nil, nil, fmt.Errorf("acpi: read table header at 0x%x: %w", addr, err)
	}
	length := binary.LittleEndian.Uint32(header[4:8])
	if length < 36 {
		return nil, nil, errno.Wrap("acpi.Discover", errno.IncorrectValue)
	}
	body = make([]byte, length-36)
	if len(body) > 0 {
		if _, err := mem.ReadAt(body, int64(addr)+36); err != nil {
			return nil, nil, fmt.Errorf("acpi: read table body at 0x%x: %w", addr, err)
		}
	}
	return header, body, nil
}

func splitRootEntries(body []byte, width int) ([]uint64, error) {
	if len(body)%width != 0 {
		return nil, errno.Wrap("acpi.Discover", errno.IncorrectValue)
	}
	entries := make([]uint64, 0, len(body)/width)
	for pos := 0; pos < len(body); pos += width {
		if width == 8 {
			entries = append(entries, binary.LittleEndian.Uint64(body[pos:pos+8]))
		} else {
			entries = append(entries, uint64(binary.LittleEndian.Uint32(body[pos:pos+4])))
		}
	}
	return entries, nil
}

// parseMADTBody walks the MADT's variable-length entry stream, the
// exact inverse of buildMADTBody's byte layout.
func parseMADTBody(p *Platform, body []byte) error {
	if len(body) < 8 {
		return errno.Wrap("acpi.Discover", errno.IncorrectValue)
	}
	p.LocalAPICBase = binary.LittleEndian.Uint32(body[0:4])

	pos := 8
	for pos+2 <= len(body) {
		kind := body[pos]
		length := int(body[pos+1])
		if length < 2 || pos+length > len(body) {
			return errno.Wrap("acpi.Discover", errno.IncorrectValue)
		}
		entry := body[pos : pos+length]

		switch kind {
		case 0: // LOCAL-CPU
			if len(p.CPUs) < maxCPUs && len(entry) >= 8 {
				flags := binary.LittleEndian.Uint32(entry[4:8])
				p.CPUs = append(p.CPUs, CPU{
					ID:      entry[2],
					APICID:  entry[3],
					Enabled: flags&1 != 0,
				})
			}
		case 1: // IO-CONTROLLER
			if len(entry) >= 12 {
				p.Controllers = append(p.Controllers, IOController{
					ID:      entry[2],
					Address: binary.LittleEndian.Uint32(entry[4:8]),
					GSIBase: binary.LittleEndian.Uint32(entry[8:12]),
				})
			}
		case 2: // INTERRUPT-OVERRIDE
			if len(entry) >= 8 {
				legacyIRQ := entry[3]
				gsi := binary.LittleEndian.Uint32(entry[4:8])
				p.remap[legacyIRQ] = gsi
			}
		}

		pos += length
	}
	return nil
}

// Package bootcfg decodes the boot-time configuration the kernel core
// needs before anything else can run: the trampoline's physical memory
// map and kernel image extents, plus a host-side ACPI fixture blob
// used by tests and cmd/kernel's boot-simulation harness in place of
// real firmware. Its YAML shape follows a struct-with-yaml-tags plus a
// normalize() filling in defaults, loaded with a yaml.Decoder that
// rejects unknown fields; its wire format for the binary
// memory map record is a fixed-field encoding/binary layout.
package bootcfg

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/kernelcore/internal/errno"
	"github.com/tinyrange/kernelcore/internal/pmm"
	"gopkg.in/yaml.v3"
)

// memoryMapEntrySize is the on-the-wire record size: {base: u64,
// len: u64, type: u32, pad: u32}.
const memoryMapEntrySize = 24

// RangeType mirrors pmm.RangeKind for the YAML-authored form of the
// memory map, kept as a distinct type so a fixture file's `type: 3`
// doesn't silently compile against whatever pmm happens to export.
// The values are the wire values: type 1 is available RAM.
type RangeType uint32

const (
	TypeAvailable RangeType = 1
	TypeReserved  RangeType = 2
	TypeACPI      RangeType = 3
	TypeNVS       RangeType = 4
	TypeBadRAM    RangeType = 5
)

// MemoryMapEntry is one YAML-authored boot memory map region.
type MemoryMapEntry struct {
	Base uint64    `yaml:"base"`
	Size uint64    `yaml:"size"`
	Type RangeType `yaml:"type"`
}

// ImageExtent is the kernel image's physical location, reserved before
// the free-frame list is computed (kernel.BootImage).
type ImageExtent struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// ImageSectionEntry is one linker-delimited section of the kernel
// image (text, rodata, data, bss, stack pool, heap pool), mapped into
// the kernel window with its proper protection at boot.
type ImageSectionEntry struct {
	Name     string `yaml:"name"`
	Base     uint64 `yaml:"base"`
	Size     uint64 `yaml:"size"`
	Writable bool   `yaml:"writable"`
}

// Config is the trampoline handoff data, decoded either from its wire
// form with Decode or authored directly as YAML with LoadYAML — the
// same dual path internal/bundle.Metadata takes for a prebaked bundle
// versus a hand-edited one. It satisfies both kernel.MemoryMapProvider
// and kernel.BootImage: on real hardware both come from the same
// trampoline blob, so one decoded value naturally backs both
// collaborator interfaces.
type Config struct {
	Version  int                 `yaml:"version"`
	Regions  []MemoryMapEntry    `yaml:"memory_map"`
	Image    ImageExtent         `yaml:"kernel_image"`
	Sections []ImageSectionEntry `yaml:"image_sections,omitempty"`

	// ACPIBlob is a synthetic firmware image (RSDP + root table + MADT)
	// for acpi.Discover to parse. yaml.v3 encodes/decodes a []byte
	// field as base64, the same way a fixture can carry arbitrary
	// binary without a separate encoding step.
	ACPIBlob []byte `yaml:"acpi_blob,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
}

// LoadYAML decodes a Config authored as YAML, e.g. a test fixture or
// the file cmd/kernel's boot-simulation harness is pointed at.
func LoadYAML(r io.Reader) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("bootcfg: decode: %w", err)
	}
	c.normalize()
	return &c, nil
}

// Decode parses a little-endian memory-map wire blob into a Config
// with no image extent or ACPI fixture set — the shape a real
// trampoline hands the kernel, as opposed to LoadYAML's host-authored
// fixture shape.
func Decode(blob []byte) (*Config, error) {
	if len(blob)%memoryMapEntrySize != 0 {
		return nil, errno.Wrap("bootcfg.Decode", errno.BadAlign)
	}
	c := &Config{Version: 1}
	c.Regions = make([]MemoryMapEntry, 0, len(blob)/memoryMapEntrySize)
	for off := 0; off < len(blob); off += memoryMapEntrySize {
		rec := blob[off : off+memoryMapEntrySize]
		c.Regions = append(c.Regions, MemoryMapEntry{
			Base: binary.LittleEndian.Uint64(rec[0:8]),
			Size: binary.LittleEndian.Uint64(rec[8:16]),
			Type: RangeType(binary.LittleEndian.Uint32(rec[16:20])),
		})
	}
	return c, nil
}

// Encode is Decode's inverse, used by tests to build a synthetic
// trampoline blob.
func Encode(c *Config) []byte {
	buf := make([]byte, len(c.Regions)*memoryMapEntrySize)
	for i, e := range c.Regions {
		off := i * memoryMapEntrySize
		binary.LittleEndian.PutUint64(buf[off:off+8], e.Base)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.Size)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], uint32(e.Type))
	}
	return buf
}

// MemoryMap implements kernel.MemoryMapProvider.
func (c *Config) MemoryMap() ([]pmm.Range, error) {
	out := make([]pmm.Range, len(c.Regions))
	for i, e := range c.Regions {
		out[i] = pmm.Range{Base: e.Base, Size: e.Size, Kind: pmm.RangeKind(e.Type)}
	}
	return out, nil
}

// ImageExtents implements kernel.BootImage.
func (c *Config) ImageExtents() (base, size uint64) {
	return c.Image.Base, c.Image.Size
}

// ImageSections implements kernel.SectionProvider.
func (c *Config) ImageSections() []pmm.ImageSection {
	out := make([]pmm.ImageSection, len(c.Sections))
	for i, s := range c.Sections {
		out[i] = pmm.ImageSection{Name: s.Name, Base: s.Base, Size: s.Size, Writable: s.Writable}
	}
	return out
}

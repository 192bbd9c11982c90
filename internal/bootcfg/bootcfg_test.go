package bootcfg

import (
	"strings"
	"testing"

	"github.com/tinyrange/kernelcore/internal/pmm"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	want := &Config{Regions: []MemoryMapEntry{
		{Base: 0, Size: 0x9f000, Type: TypeAvailable},
		{Base: 0x9f000, Size: 0x1000, Type: TypeReserved},
		{Base: 0x100000, Size: 0x1000000, Type: TypeAvailable},
	}}

	blob := Encode(want)
	if len(blob)%memoryMapEntrySize != 0 {
		t.Fatalf("Encode produced %d bytes, not a multiple of %d", len(blob), memoryMapEntrySize)
	}

	got, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Regions) != len(want.Regions) {
		t.Fatalf("Regions = %d entries, want %d", len(got.Regions), len(want.Regions))
	}
	for i := range want.Regions {
		if got.Regions[i] != want.Regions[i] {
			t.Fatalf("Regions[%d] = %+v, want %+v", i, got.Regions[i], want.Regions[i])
		}
	}
}

func TestDecodeRejectsMisalignedBlob(t *testing.T) {
	if _, err := Decode(make([]byte, memoryMapEntrySize+1)); err == nil {
		t.Fatalf("Decode(misaligned) = nil error, want BAD_ALIGN")
	}
}

func TestMemoryMapConvertsToPmmRanges(t *testing.T) {
	c := &Config{Regions: []MemoryMapEntry{
		{Base: 0x100000, Size: 0x2000, Type: TypeNVS},
	}}
	ranges, err := c.MemoryMap()
	if err != nil {
		t.Fatalf("MemoryMap: %v", err)
	}
	if len(ranges) != 1 || ranges[0].Kind != pmm.RangeNVS {
		t.Fatalf("MemoryMap = %+v, want one RangeNVS entry", ranges)
	}
	if ranges[0].Base != 0x100000 || ranges[0].Size != 0x2000 {
		t.Fatalf("MemoryMap = %+v, want base/size preserved", ranges)
	}
}

func TestLoadYAML(t *testing.T) {
	const doc = `
version: 2
memory_map:
  - base: 0
    size: 0x9f000
    type: 1
  - base: 0x100000
    size: 0x1000000
    type: 1
kernel_image:
  base: 0x100000
  size: 0x40000
`
	c, err := LoadYAML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if c.Version != 2 {
		t.Fatalf("Version = %d, want 2", c.Version)
	}
	if len(c.Regions) != 2 {
		t.Fatalf("Regions = %d entries, want 2", len(c.Regions))
	}
	base, size := c.ImageExtents()
	if base != 0x100000 || size != 0x40000 {
		t.Fatalf("ImageExtents = (%#x, %#x), want (0x100000, 0x40000)", base, size)
	}
}

func TestLoadYAMLImageSections(t *testing.T) {
	const doc = `
memory_map: []
image_sections:
  - name: text
    base: 0x100000
    size: 0x8000
  - name: data
    base: 0x108000
    size: 0x2000
    writable: true
`
	c, err := LoadYAML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	sections := c.ImageSections()
	if len(sections) != 2 {
		t.Fatalf("ImageSections = %d entries, want 2", len(sections))
	}
	want := []pmm.ImageSection{
		{Name: "text", Base: 0x100000, Size: 0x8000, Writable: false},
		{Name: "data", Base: 0x108000, Size: 0x2000, Writable: true},
	}
	for i := range want {
		if sections[i] != want[i] {
			t.Fatalf("ImageSections[%d] = %+v, want %+v", i, sections[i], want[i])
		}
	}
}

func TestLoadYAMLDefaultsVersion(t *testing.T) {
	c, err := LoadYAML(strings.NewReader("memory_map: []\n"))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if c.Version != 1 {
		t.Fatalf("Version = %d, want default 1", c.Version)
	}
}

func TestLoadYAMLRejectsUnknownField(t *testing.T) {
	if _, err := LoadYAML(strings.NewReader("bogus_field: true\n")); err == nil {
		t.Fatalf("LoadYAML(unknown field) = nil error, want decode failure")
	}
}

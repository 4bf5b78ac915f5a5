package nrf

import "fmt"

// MemoryType classifies a memory region.
type MemoryType int

const (
	MemoryCode MemoryType = iota
	MemoryDataRAM
	MemoryCodeRAM
	MemoryFICR
	MemoryUICR
	MemoryXIP
)

var memoryTypeNames = map[MemoryType]string{
	MemoryCode:    "CODE",
	MemoryDataRAM: "DATA_RAM",
	MemoryCodeRAM: "CODE_RAM",
	MemoryFICR:    "FICR",
	MemoryUICR:    "UICR",
	MemoryXIP:     "XIP",
}

func (t MemoryType) String() string {
	if name, ok := memoryTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MemoryType(%d)", int(t))
}

// Access is a bit set of permitted operations on a region.
type Access uint32

const (
	AccessExecute Access = 1 << iota
	AccessWrite
	AccessRead
	AccessErase
	AccessSecure
)

func (a Access) Has(flag Access) bool {
	return a&flag == flag
}

// PageRepetition describes Repeat consecutive pages of Size bytes.
type PageRepetition struct {
	Size   uint32
	Repeat uint32
}

// MemoryDescriptor describes one region of the device memory map.
type MemoryDescriptor struct {
	Start  uint32
	Size   uint32
	Type   MemoryType
	Access Access
	Label  string
	Pages  []PageRepetition
}

func (m MemoryDescriptor) End() uint32 {
	return m.Start + m.Size
}

// Contains reports whether [addr, addr+n) lies entirely inside m.
func (m MemoryDescriptor) Contains(addr, n uint32) bool {
	return addr >= m.Start && uint64(addr)+uint64(n) <= uint64(m.End())
}

// Overlaps reports whether [addr, addr+n) touches m.
func (m MemoryDescriptor) Overlaps(addr, n uint32) bool {
	return uint64(addr) < uint64(m.End()) && uint64(addr)+uint64(n) > uint64(m.Start)
}

// NumPages sums the page repetitions.
func (m MemoryDescriptor) NumPages() uint32 {
	var n uint32
	for _, p := range m.Pages {
		n += p.Repeat
	}
	return n
}

// PageAt returns the start and size of the page holding addr.
func (m MemoryDescriptor) PageAt(addr uint32) (start, size uint32, ok bool) {
	if !m.Contains(addr, 1) {
		return 0, 0, false
	}
	base := m.Start
	for _, p := range m.Pages {
		span := p.Size * p.Repeat
		if addr < base+span {
			off := (addr - base) / p.Size * p.Size
			return base + off, p.Size, true
		}
		base += span
	}
	return 0, 0, false
}

// PagesIn lists the start address of every page overlapping [addr, addr+n).
func (m MemoryDescriptor) PagesIn(addr, n uint32) []uint32 {
	var out []uint32
	if n == 0 {
		return out
	}
	end := uint64(addr) + uint64(n)
	for cur := uint64(max(addr, m.Start)); cur < end && cur < uint64(m.End()); {
		start, size, ok := m.PageAt(uint32(cur))
		if !ok {
			break
		}
		out = append(out, start)
		cur = uint64(start) + uint64(size)
	}
	return out
}

// Descriptors returns the memory map of core c. xipSize is the configured
// external flash size; zero omits the XIP region.
func (c *CPU) Descriptors(xipSize uint32) []MemoryDescriptor {
	rw := AccessRead | AccessWrite | AccessErase
	out := []MemoryDescriptor{
		{
			Start: c.CodeStart, Size: c.CodeSize, Type: MemoryCode, Access: rw | AccessExecute, Label: "FLASH",
			Pages: []PageRepetition{{Size: c.CodePageSize, Repeat: c.CodeSize / c.CodePageSize}},
		},
		{
			Start: c.UICR, Size: UICRSize, Type: MemoryUICR, Access: rw, Label: "UICR",
			Pages: []PageRepetition{{Size: UICRSize, Repeat: 1}},
		},
		{
			Start: c.FICR, Size: FICRSize, Type: MemoryFICR, Access: AccessRead, Label: "FICR",
			Pages: []PageRepetition{{Size: FICRSize, Repeat: 1}},
		},
	}

	var ramPages []PageRepetition
	for _, b := range c.RAM {
		if n := len(ramPages); n > 0 && ramPages[n-1].Size == b.SectionSize {
			ramPages[n-1].Repeat += uint32(b.Sections)
			continue
		}
		ramPages = append(ramPages, PageRepetition{Size: b.SectionSize, Repeat: uint32(b.Sections)})
	}
	out = append(out, MemoryDescriptor{
		Start: c.RAMStart, Size: c.RAMSize(), Type: MemoryDataRAM, Access: AccessRead | AccessWrite | AccessExecute,
		Label: "RAM", Pages: ramPages,
	})
	if c.CodeRAMStart != 0 {
		out = append(out, MemoryDescriptor{
			Start: c.CodeRAMStart, Size: c.RAMSize(), Type: MemoryCodeRAM, Access: AccessRead | AccessWrite | AccessExecute,
			Label: "CODE_RAM", Pages: append([]PageRepetition(nil), ramPages...),
		})
	}
	if c.QSPI != 0 && xipSize > 0 {
		size := min(xipSize, c.XIPSize)
		out = append(out, MemoryDescriptor{
			Start: c.XIPStart, Size: size, Type: MemoryXIP, Access: rw | AccessExecute,
			Label: "XIP", Pages: []PageRepetition{{Size: 0x1000, Repeat: size / 0x1000}},
		})
	}
	return out
}

// Find returns the descriptor of the given type from descs.
func Find(descs []MemoryDescriptor, t MemoryType) (MemoryDescriptor, bool) {
	for _, d := range descs {
		if d.Type == t {
			return d, true
		}
	}
	return MemoryDescriptor{}, false
}

// Classify returns the descriptor holding [addr, addr+n).
func Classify(descs []MemoryDescriptor, addr, n uint32) (MemoryDescriptor, error) {
	for _, d := range descs {
		if d.Contains(addr, max(n, 1)) {
			return d, nil
		}
	}
	for _, d := range descs {
		if d.Overlaps(addr, n) {
			return MemoryDescriptor{}, fmt.Errorf("nrf: range 0x%08X+0x%X crosses the end of %s", addr, n, d.Label)
		}
	}
	return MemoryDescriptor{}, fmt.Errorf("nrf: range 0x%08X+0x%X is not in any known region", addr, n)
}

package nrf

import "fmt"

// RAMBlock is one POWER.RAM[n] or VMC.RAM[n] block; each section has its
// own power bit.
type RAMBlock struct {
	Sections    int
	SectionSize uint32
}

func (b RAMBlock) Size() uint32 {
	return uint32(b.Sections) * b.SectionSize
}

// RAMPower is the power state of a RAM section.
type RAMPower int

const (
	RAMOff RAMPower = 0
	RAMOn  RAMPower = 1
)

func (p RAMPower) String() string {
	if p == RAMOn {
		return "on"
	}
	return "off"
}

// RAMSection is one independently powered slice of RAM.
type RAMSection struct {
	Index int
	Start uint32
	Size  uint32
	Power RAMPower
}

// SectionLocation is where a section's power bit lives.
type SectionLocation struct {
	Block int
	Bit   int
}

// Mask returns the section's bit within its block's POWER register.
func (l SectionLocation) Mask() uint32 {
	return 1 << uint(l.Bit)
}

// RAMSectionCount returns the number of power sections on c.
func (c *CPU) RAMSectionCount() int {
	n := 0
	for _, b := range c.RAM {
		n += b.Sections
	}
	return n
}

// RAMSections lays out every section with its data-bus start address. Power
// is left RAMOn; callers fill it from the POWER registers.
func (c *CPU) RAMSections() []RAMSection {
	out := make([]RAMSection, 0, c.RAMSectionCount())
	addr := c.RAMStart
	for _, b := range c.RAM {
		for s := 0; s < b.Sections; s++ {
			out = append(out, RAMSection{Index: len(out), Start: addr, Size: b.SectionSize, Power: RAMOn})
			addr += b.SectionSize
		}
	}
	return out
}

// LocateSection maps a global section index to its block and bit.
func (c *CPU) LocateSection(index int) (SectionLocation, error) {
	if index < 0 {
		return SectionLocation{}, fmt.Errorf("nrf: RAM section %d out of range", index)
	}
	i := index
	for blk, b := range c.RAM {
		if i < b.Sections {
			return SectionLocation{Block: blk, Bit: i}, nil
		}
		i -= b.Sections
	}
	return SectionLocation{}, fmt.Errorf("nrf: RAM section %d out of range (core has %d)", index, c.RAMSectionCount())
}

// SectionsFor returns the indices of sections overlapping [addr, addr+n).
// Code-bus RAM alias addresses are accepted.
func (c *CPU) SectionsFor(addr, n uint32) []int {
	if c.CodeRAMStart != 0 && addr >= c.CodeRAMStart && addr < c.CodeRAMStart+c.RAMSize() {
		addr = addr - c.CodeRAMStart + c.RAMStart
	}
	var out []int
	for _, s := range c.RAMSections() {
		if addr < s.Start+s.Size && addr+n > s.Start {
			out = append(out, s.Index)
		}
	}
	return out
}

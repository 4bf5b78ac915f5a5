// Package qspi models the configuration of the nRF QSPI peripheral and the
// external serial flash behind it: interface parameters, the ini file format
// they are usually stored in and the alignment rules of the DMA engine.
package qspi

import (
	"fmt"
	"strings"
)

// EraseLen is the unit of an external flash erase.
type EraseLen int

const (
	Erase4KB  EraseLen = 0
	Erase64KB EraseLen = 1
	EraseAll  EraseLen = 2
	Erase32KB EraseLen = 3
)

// Bytes returns the erase unit size; zero for EraseAll.
func (e EraseLen) Bytes() uint32 {
	switch e {
	case Erase4KB:
		return 0x1000
	case Erase32KB:
		return 0x8000
	case Erase64KB:
		return 0x10000
	}
	return 0
}

// ReadMode is the instruction used for reads.
type ReadMode int

const (
	FastRead ReadMode = iota
	Read2O
	Read2IO
	Read4O
	Read4IO
)

// WriteMode is the page program instruction.
type WriteMode int

const (
	PP WriteMode = iota
	PP2O
	PP4O
	PP4IO
)

// AddressMode selects 24 or 32 bit addressing.
type AddressMode int

const (
	Bit24 AddressMode = iota
	Bit32
)

// Frequency is the SCK divider; the value is the PSPI register encoding.
type Frequency int

const (
	M2  Frequency = 15
	M4  Frequency = 7
	M8  Frequency = 3
	M16 Frequency = 1
	M32 Frequency = 0
	M64 Frequency = -1
	M96 Frequency = -2
)

// SPIMode is the clock polarity and phase.
type SPIMode int

const (
	Mode0 SPIMode = 0
	Mode3 SPIMode = 1
)

// Level is the idle level of IO2/IO3 during custom instructions.
type Level int

const (
	LevelLow  Level = 0
	LevelHigh Level = 1
)

// PPSize is the page program size.
type PPSize int

const (
	Page256 PPSize = 0
	Page512 PPSize = 1
)

var (
	eraseLenNames  = map[EraseLen]string{Erase4KB: "ERASE4KB", Erase32KB: "ERASE32KB", Erase64KB: "ERASE64KB", EraseAll: "ERASEALL"}
	readModeNames  = map[ReadMode]string{FastRead: "FASTREAD", Read2O: "READ2O", Read2IO: "READ2IO", Read4O: "READ4O", Read4IO: "READ4IO"}
	writeModeNames = map[WriteMode]string{PP: "PP", PP2O: "PP2O", PP4O: "PP4O", PP4IO: "PP4IO"}
	addrModeNames  = map[AddressMode]string{Bit24: "BIT24", Bit32: "BIT32"}
	freqNames      = map[Frequency]string{M2: "M2", M4: "M4", M8: "M8", M16: "M16", M32: "M32", M64: "M64", M96: "M96"}
	spiModeNames   = map[SPIMode]string{Mode0: "MODE0", Mode3: "MODE3"}
	levelNames     = map[Level]string{LevelLow: "LEVEL_LOW", LevelHigh: "LEVEL_HIGH"}
	ppSizeNames    = map[PPSize]string{Page256: "PAGE256", Page512: "PAGE512"}
)

func enumString[T ~int](names map[T]string, v T, kind string) string {
	if n, ok := names[v]; ok {
		return n
	}
	return fmt.Sprintf("%s(%d)", kind, int(v))
}

func parseEnum[T ~int](names map[T]string, s, kind string) (T, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for v, n := range names {
		if n == up {
			return v, nil
		}
	}
	return 0, fmt.Errorf("qspi: unknown %s %q", kind, s)
}

func (e EraseLen) String() string    { return enumString(eraseLenNames, e, "EraseLen") }
func (m ReadMode) String() string    { return enumString(readModeNames, m, "ReadMode") }
func (m WriteMode) String() string   { return enumString(writeModeNames, m, "WriteMode") }
func (m AddressMode) String() string { return enumString(addrModeNames, m, "AddressMode") }
func (f Frequency) String() string   { return enumString(freqNames, f, "Frequency") }
func (m SPIMode) String() string     { return enumString(spiModeNames, m, "SPIMode") }
func (l Level) String() string       { return enumString(levelNames, l, "Level") }
func (p PPSize) String() string      { return enumString(ppSizeNames, p, "PPSize") }

// ParseEraseLen accepts names such as "ERASE4KB".
func ParseEraseLen(s string) (EraseLen, error) { return parseEnum(eraseLenNames, s, "erase length") }

// Pin is a GPIO port and pin number.
type Pin struct {
	Port uint32
	Pin  uint32
}

// PSEL returns the PSEL register encoding of p.
func (p Pin) PSEL() uint32 {
	return p.Port<<5 | p.Pin
}

// Params configures the QSPI peripheral.
type Params struct {
	ReadMode    ReadMode
	WriteMode   WriteMode
	AddressMode AddressMode
	Frequency   Frequency
	SPIMode     SPIMode
	SCKDelay    uint32
	IO2Level    Level
	IO3Level    Level
	CSN         Pin
	SCK         Pin
	DIO         [4]Pin
	WIPIndex    uint32
	PPSize      PPSize
}

// DefaultParams matches the pinout of the nRF52840 development kit.
func DefaultParams() Params {
	return Params{
		ReadMode:    Read4IO,
		WriteMode:   PP4IO,
		AddressMode: Bit24,
		Frequency:   M16,
		SPIMode:     Mode0,
		SCKDelay:    0x80,
		IO2Level:    LevelLow,
		IO3Level:    LevelHigh,
		CSN:         Pin{Pin: 17},
		SCK:         Pin{Pin: 19},
		DIO:         [4]Pin{{Pin: 20}, {Pin: 21}, {Pin: 22}, {Pin: 23}},
		WIPIndex:    0,
		PPSize:      Page256,
	}
}

// DefaultRxDelay is used when no rx delay was configured.
const DefaultRxDelay = 2

// Validate checks every enumerated field and pin number.
func (p Params) Validate() error {
	checks := []struct {
		ok   bool
		name string
		val  any
	}{
		{readModeNames[p.ReadMode] != "", "read mode", p.ReadMode},
		{writeModeNames[p.WriteMode] != "", "write mode", p.WriteMode},
		{addrModeNames[p.AddressMode] != "", "address mode", p.AddressMode},
		{freqNames[p.Frequency] != "", "frequency", p.Frequency},
		{spiModeNames[p.SPIMode] != "", "spi mode", p.SPIMode},
		{levelNames[p.IO2Level] != "", "io2 level", p.IO2Level},
		{levelNames[p.IO3Level] != "", "io3 level", p.IO3Level},
		{ppSizeNames[p.PPSize] != "", "pp size", p.PPSize},
		{p.SCKDelay <= 0xFF, "sck delay", p.SCKDelay},
		{p.WIPIndex <= 7, "wip index", p.WIPIndex},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("qspi: invalid %s %v", c.name, c.val)
		}
	}
	pins := append([]Pin{p.CSN, p.SCK}, p.DIO[:]...)
	for _, pin := range pins {
		if pin.Port > 1 || pin.Pin > 31 {
			return fmt.Errorf("qspi: invalid pin P%d.%02d", pin.Port, pin.Pin)
		}
	}
	return nil
}

// MaxAddress is the highest addressable byte plus one.
func (p Params) MaxAddress() uint64 {
	if p.AddressMode == Bit32 {
		return 1 << 32
	}
	return 1 << 24
}

// IfConfig0 returns the IFCONFIG0 register value.
func (p Params) IfConfig0() uint32 {
	v := uint32(p.ReadMode) | uint32(p.WriteMode)<<3 | uint32(p.AddressMode)<<6
	if p.PPSize == Page512 {
		v |= 1 << 12
	}
	return v
}

// IfConfig1 returns the IFCONFIG1 register value. Frequencies above 32 MHz
// are only reachable on parts with a 192 MHz QSPI clock and encode as zero.
func (p Params) IfConfig1() uint32 {
	div := uint32(max(int(p.Frequency), 0))
	return p.SCKDelay&0xFF | uint32(p.SPIMode)<<25 | div<<28
}

// Instruction is a custom instruction run after initialization.
type Instruction struct {
	Opcode byte
	Data   []byte
}

// Length is the CINSTRCONF length field: opcode plus data bytes.
func (i Instruction) Length() int {
	return 1 + len(i.Data)
}

// Config is a parsed ini file.
type Config struct {
	Params       Params
	MemSize      uint32
	RxDelay      uint8
	Instructions []Instruction
}

package nrf

import "fmt"

// DeviceVersion identifies a silicon part, memory variant and revision.
type DeviceVersion uint32

const (
	VersionUnknown DeviceVersion = 0

	NRF51xxxAARev3 DeviceVersion = 3
	NRF51xxxABRev3 DeviceVersion = 4
	NRF51xxxACRev3 DeviceVersion = 5

	NRF52810AARev1   DeviceVersion = 13
	NRF52810AARev2   DeviceVersion = 0x05281001
	NRF52810AAFuture DeviceVersion = 14

	NRF52832AAEngA   DeviceVersion = 7
	NRF52832AAEngB   DeviceVersion = 8
	NRF52832AARev1   DeviceVersion = 9
	NRF52832AARev2   DeviceVersion = 19
	NRF52832AARev3   DeviceVersion = 0x05283201
	NRF52832AAFuture DeviceVersion = 11
	NRF52832ABRev1   DeviceVersion = 15
	NRF52832ABRev2   DeviceVersion = 20
	NRF52832ABFuture DeviceVersion = 16

	NRF52833AARev1   DeviceVersion = 0x05283300
	NRF52833AAFuture DeviceVersion = 0x052833FF

	NRF52840AAEngA   DeviceVersion = 10
	NRF52840AAEngB   DeviceVersion = 21
	NRF52840AARev1   DeviceVersion = 18
	NRF52840AARev2   DeviceVersion = 0x05284003
	NRF52840AARev3   DeviceVersion = 0x05284004
	NRF52840AAFuture DeviceVersion = 12

	NRF5340AAEngA   DeviceVersion = 0x05340000
	NRF5340AAEngB   DeviceVersion = 0x05340001
	NRF5340AAFuture DeviceVersion = 0x053400FF

	NRF9160AARev1   DeviceVersion = 0x09160000
	NRF9160AARev2   DeviceVersion = 0x09160001
	NRF9160AAFuture DeviceVersion = 0x091600FF
)

// DeviceName is the part number without memory variant or revision.
type DeviceName uint32

const (
	NameUnknown  DeviceName = 0
	NameNRF51xxx DeviceName = 0x05100000
	NameNRF52810 DeviceName = 0x05281000
	NameNRF52832 DeviceName = 0x05283200
	NameNRF52833 DeviceName = 0x05283300
	NameNRF52840 DeviceName = 0x05284000
	NameNRF5340  DeviceName = 0x05340000
	NameNRF9160  DeviceName = 0x09160000
)

var deviceNames = map[DeviceName]string{
	NameUnknown:  "UNKNOWN",
	NameNRF51xxx: "NRF51xxx",
	NameNRF52810: "NRF52810",
	NameNRF52832: "NRF52832",
	NameNRF52833: "NRF52833",
	NameNRF52840: "NRF52840",
	NameNRF5340:  "NRF5340",
	NameNRF9160:  "NRF9160",
}

func (n DeviceName) String() string {
	if name, ok := deviceNames[n]; ok {
		return name
	}
	return fmt.Sprintf("DeviceName(0x%08X)", uint32(n))
}

// DeviceMemory is the flash/RAM variant suffix.
type DeviceMemory int

const (
	MemoryUnknown DeviceMemory = iota
	MemoryAA
	MemoryAB
	MemoryAC
)

func (m DeviceMemory) String() string {
	switch m {
	case MemoryAA:
		return "AA"
	case MemoryAB:
		return "AB"
	case MemoryAC:
		return "AC"
	}
	return "UNKNOWN"
}

// DeviceRevision is the silicon revision.
type DeviceRevision int

const (
	RevisionUnknown DeviceRevision = 0
	RevisionEngA    DeviceRevision = 10
	RevisionEngB    DeviceRevision = 11
	RevisionRev1    DeviceRevision = 20
	RevisionRev2    DeviceRevision = 21
	RevisionRev3    DeviceRevision = 22
	RevisionFuture  DeviceRevision = 30
)

func (r DeviceRevision) String() string {
	switch r {
	case RevisionEngA:
		return "ENGA"
	case RevisionEngB:
		return "ENGB"
	case RevisionRev1:
		return "REV1"
	case RevisionRev2:
		return "REV2"
	case RevisionRev3:
		return "REV3"
	case RevisionFuture:
		return "FUTURE"
	}
	return "UNKNOWN"
}

// CPU is the memory model of one core.
type CPU struct {
	Layout
	CodeSize     uint32
	CodePageSize uint32
	RAM          []RAMBlock
}

// RAMSize is the sum of all RAM sections.
func (c *CPU) RAMSize() uint32 {
	var n uint32
	for _, b := range c.RAM {
		n += b.Size()
	}
	return n
}

// Device is the static model of one silicon version. The embedded CPU is
// the application core.
type Device struct {
	Version  DeviceVersion
	Name     DeviceName
	Memory   DeviceMemory
	Revision DeviceRevision
	Family   Family

	CPU
	Network *CPU // nRF53 network core

	HasBPROT     bool
	HasQSPI      bool
	LongFrame    bool // QSPI custom instructions longer than 9 bytes
	HasCtrlAP    bool
	EraseProtect bool
	Coprocessors []Coprocessor
}

// String renders e.g. "NRF52840_xxAA_REV2".
func (d *Device) String() string {
	return fmt.Sprintf("%s_xx%s_%s", d.Name, d.Memory, d.Revision)
}

// Core returns the memory model of core c. The nRF91 modem has no memory
// access port and shares the application core's.
func (d *Device) Core(c Coprocessor) *CPU {
	if c == CoprocessorNetwork && d.Network != nil {
		return d.Network
	}
	return &d.CPU
}

// CtrlAP returns the access port index of the CTRL-AP for c.
func (d *Device) CtrlAP(c Coprocessor) uint8 {
	switch {
	case d.Family == FamilyNRF53 && c == CoprocessorNetwork:
		return 3
	case d.Family == FamilyNRF53:
		return 2
	case d.Family == FamilyNRF91:
		return 4
	}
	return 1
}

// AHBAP returns the access port index of the memory access port for c.
func (d *Device) AHBAP(c Coprocessor) uint8 {
	if d.Family == FamilyNRF53 && c == CoprocessorNetwork {
		return 1
	}
	return 0
}

// SupportsCoprocessor reports whether c can be selected on d.
func (d *Device) SupportsCoprocessor(c Coprocessor) bool {
	for _, have := range d.Coprocessors {
		if have == c {
			return true
		}
	}
	return false
}

func nrf52Blocks(small, big int, bigSection uint32) []RAMBlock {
	blocks := make([]RAMBlock, 0, small+1)
	for i := 0; i < small; i++ {
		blocks = append(blocks, RAMBlock{Sections: 2, SectionSize: 0x1000})
	}
	if big > 0 {
		blocks = append(blocks, RAMBlock{Sections: big, SectionSize: bigSection})
	}
	return blocks
}

type variant struct {
	name     DeviceName
	family   Family
	memory   DeviceMemory
	code     uint32
	page     uint32
	ram      []RAMBlock
	bprot    bool
	qspi     bool
	ctrlAP   bool
	eraseP   bool
	coprocs  []Coprocessor
	net      *CPU
	versions map[DeviceVersion]DeviceRevision
}

func ramBlocks(n, sections int, size uint32) []RAMBlock {
	blocks := make([]RAMBlock, n)
	for i := range blocks {
		blocks[i] = RAMBlock{Sections: sections, SectionSize: size}
	}
	return blocks
}

var variants = []variant{
	{
		name: NameNRF51xxx, family: FamilyNRF51, memory: MemoryAA,
		code: 0x40000, page: 0x400, ram: []RAMBlock{{Sections: 2, SectionSize: 0x2000}},
		versions: map[DeviceVersion]DeviceRevision{NRF51xxxAARev3: RevisionRev3},
	},
	{
		name: NameNRF51xxx, family: FamilyNRF51, memory: MemoryAB,
		code: 0x20000, page: 0x400, ram: []RAMBlock{{Sections: 2, SectionSize: 0x2000}},
		versions: map[DeviceVersion]DeviceRevision{NRF51xxxABRev3: RevisionRev3},
	},
	{
		name: NameNRF51xxx, family: FamilyNRF51, memory: MemoryAC,
		code: 0x40000, page: 0x400, ram: []RAMBlock{{Sections: 2, SectionSize: 0x2000}, {Sections: 2, SectionSize: 0x2000}},
		versions: map[DeviceVersion]DeviceRevision{NRF51xxxACRev3: RevisionRev3},
	},
	{
		name: NameNRF52810, family: FamilyNRF52, memory: MemoryAA,
		code: 0x30000, page: 0x1000, ram: nrf52Blocks(6, 0, 0), bprot: true, ctrlAP: true,
		versions: map[DeviceVersion]DeviceRevision{
			NRF52810AARev1: RevisionRev1, NRF52810AARev2: RevisionRev2, NRF52810AAFuture: RevisionFuture,
		},
	},
	{
		name: NameNRF52832, family: FamilyNRF52, memory: MemoryAA,
		code: 0x80000, page: 0x1000, ram: nrf52Blocks(8, 0, 0), bprot: true, ctrlAP: true,
		versions: map[DeviceVersion]DeviceRevision{
			NRF52832AAEngA: RevisionEngA, NRF52832AAEngB: RevisionEngB, NRF52832AARev1: RevisionRev1,
			NRF52832AARev2: RevisionRev2, NRF52832AARev3: RevisionRev3, NRF52832AAFuture: RevisionFuture,
		},
	},
	{
		name: NameNRF52832, family: FamilyNRF52, memory: MemoryAB,
		code: 0x40000, page: 0x1000, ram: nrf52Blocks(4, 0, 0), bprot: true, ctrlAP: true,
		versions: map[DeviceVersion]DeviceRevision{
			NRF52832ABRev1: RevisionRev1, NRF52832ABRev2: RevisionRev2, NRF52832ABFuture: RevisionFuture,
		},
	},
	{
		name: NameNRF52833, family: FamilyNRF52, memory: MemoryAA,
		code: 0x80000, page: 0x1000, ram: nrf52Blocks(8, 2, 0x8000), ctrlAP: true,
		versions: map[DeviceVersion]DeviceRevision{
			NRF52833AARev1: RevisionRev1, NRF52833AAFuture: RevisionFuture,
		},
	},
	{
		name: NameNRF52840, family: FamilyNRF52, memory: MemoryAA,
		code: 0x100000, page: 0x1000, ram: nrf52Blocks(8, 6, 0x8000), qspi: true, ctrlAP: true,
		versions: map[DeviceVersion]DeviceRevision{
			NRF52840AAEngA: RevisionEngA, NRF52840AAEngB: RevisionEngB, NRF52840AARev1: RevisionRev1,
			NRF52840AARev2: RevisionRev2, NRF52840AARev3: RevisionRev3, NRF52840AAFuture: RevisionFuture,
		},
	},
	{
		name: NameNRF5340, family: FamilyNRF53, memory: MemoryAA,
		code: 0x100000, page: 0x1000, ram: ramBlocks(8, 16, 0x1000),
		qspi: true, ctrlAP: true, eraseP: true,
		coprocs: []Coprocessor{CoprocessorApplication, CoprocessorNetwork},
		net: &CPU{Layout: nrf53NetLayout, CodeSize: 0x40000, CodePageSize: 0x800, RAM: ramBlocks(4, 4, 0x1000)},
		versions: map[DeviceVersion]DeviceRevision{
			NRF5340AAEngA: RevisionEngA, NRF5340AAEngB: RevisionEngB, NRF5340AAFuture: RevisionFuture,
		},
	},
	{
		name: NameNRF9160, family: FamilyNRF91, memory: MemoryAA,
		code: 0x100000, page: 0x1000, ram: ramBlocks(8, 4, 0x2000),
		ctrlAP: true, eraseP: true,
		coprocs: []Coprocessor{CoprocessorApplication, CoprocessorModem},
		versions: map[DeviceVersion]DeviceRevision{
			NRF9160AARev1: RevisionRev1, NRF9160AARev2: RevisionRev2, NRF9160AAFuture: RevisionFuture,
		},
	},
}

// Lookup returns the device model for v.
func Lookup(v DeviceVersion) (*Device, error) {
	for _, vr := range variants {
		rev, ok := vr.versions[v]
		if !ok {
			continue
		}
		coprocs := vr.coprocs
		if coprocs == nil {
			coprocs = []Coprocessor{CoprocessorApplication}
		}
		layout, _ := FamilyLayout(vr.family, CoprocessorApplication)
		if !vr.qspi {
			layout.QSPI = 0
		}
		d := &Device{
			Version:  v,
			Name:     vr.name,
			Memory:   vr.memory,
			Revision: rev,
			Family:   vr.family,
			CPU: CPU{
				Layout:       layout,
				CodeSize:     vr.code,
				CodePageSize: vr.page,
				RAM:          append([]RAMBlock(nil), vr.ram...),
			},
			HasBPROT:     vr.bprot,
			HasQSPI:      vr.qspi,
			LongFrame:    vr.family == FamilyNRF53,
			HasCtrlAP:    vr.ctrlAP,
			EraseProtect: vr.eraseP,
			Coprocessors: coprocs,
		}
		if vr.net != nil {
			net := *vr.net
			net.RAM = append([]RAMBlock(nil), vr.net.RAM...)
			d.Network = &net
		}
		return d, nil
	}
	return nil, fmt.Errorf("nrf: unknown device version 0x%08X", uint32(v))
}

// revisionLetters maps the third INFO.VARIANT character to a revision for
// each part. Letters not listed resolve to the part's future revision.
var revisionLetters = map[DeviceName]map[byte]DeviceRevision{
	NameNRF52810: {'A': RevisionRev1, 'B': RevisionRev1, 'C': RevisionRev2},
	NameNRF52832: {'A': RevisionEngA, 'B': RevisionRev1, 'E': RevisionRev2, 'G': RevisionRev3},
	NameNRF52833: {'A': RevisionRev1},
	NameNRF52840: {'A': RevisionEngA, 'B': RevisionEngB, 'C': RevisionRev1, 'D': RevisionRev2, 'F': RevisionRev3},
}

// Detect resolves FICR INFO.PART and INFO.VARIANT into a device version.
// INFO.VARIANT holds four ASCII characters, most significant first, such as
// "AAD0".
func Detect(part, variantCode uint32) (DeviceVersion, error) {
	name := DeviceName(((part>>16)&0xF)<<24 | (part&0xFFFF)<<8)
	letters := [4]byte{byte(variantCode >> 24), byte(variantCode >> 16), byte(variantCode >> 8), byte(variantCode)}

	var memory DeviceMemory
	switch letters[1] {
	case 'A':
		memory = MemoryAA
	case 'B':
		memory = MemoryAB
	case 'C':
		memory = MemoryAC
	default:
		return VersionUnknown, fmt.Errorf("nrf: unknown memory variant %q", string(letters[:]))
	}

	revs, ok := revisionLetters[name]
	if !ok {
		return VersionUnknown, fmt.Errorf("nrf: unknown part 0x%X", part)
	}
	rev, ok := revs[letters[2]]
	if !ok {
		rev = RevisionFuture
	}

	for _, vr := range variants {
		if vr.name != name || vr.memory != memory {
			continue
		}
		for v, r := range vr.versions {
			if r == rev {
				return v, nil
			}
		}
	}
	return VersionUnknown, fmt.Errorf("nrf: no version for part 0x%X variant %q", part, string(letters[:]))
}

// InfoPartVariant returns the FICR INFO.PART and INFO.VARIANT values that
// Detect resolves back to d. Only nRF52 parts carry these registers.
func (d *Device) InfoPartVariant() (part, variantCode uint32, ok bool) {
	revs, known := revisionLetters[d.Name]
	if !known {
		return 0, 0, false
	}
	part = (uint32(d.Name)>>24&0xF)<<16 | uint32(d.Name)>>8&0xFFFF

	letter := byte('Z')
	for l, r := range revs {
		if r == d.Revision && l < letter {
			letter = l
		}
	}
	mem := byte('A' + d.Memory - MemoryAA)
	variantCode = uint32('A')<<24 | uint32(mem)<<16 | uint32(letter)<<8 | uint32('0')
	return part, variantCode, true
}

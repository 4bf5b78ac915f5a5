package idcode

// DPIDR represents a parsed Arm debug port identification register.
type DPIDR struct {
	Raw          uint32 // full DPIDR
	Revision     uint8  // [31:28]
	PartNumber   uint8  // [27:20]
	Minimal      bool   // [16] MINDP, no transaction counter or pushed ops
	Version      uint8  // [15:12] DP architecture version
	DesignerCode uint16 // [11:1] JEP106
	Valid        bool   // bit 0 reads as one
}

// APIDR represents a parsed Arm access port identification register.
type APIDR struct {
	Raw          uint32 // full IDR
	Revision     uint8  // [31:28]
	DesignerCode uint16 // [27:17] JEP106
	Class        APClass
	Variant      uint8 // [7:4]
	Type         uint8 // [3:0]
}

// APClass is the [16:13] class field of an access port IDR.
type APClass uint8

const (
	APClassNone   APClass = 0x0 // vendor access port, e.g. Nordic CTRL-AP
	APClassCOM    APClass = 0x1
	APClassMemory APClass = 0x8
)

func (c APClass) String() string {
	switch c {
	case APClassNone:
		return "none"
	case APClassCOM:
		return "COM-AP"
	case APClassMemory:
		return "MEM-AP"
	}
	return "reserved"
}

// Manufacturer represents a JEP106 manufacturer entry
type Manufacturer struct {
	Code         uint16 // continuation count in [10:7], identity in [6:0]
	Name         string
	Abbreviation string
}

// FlashID is a JEDEC serial-flash identification triple as returned by
// the RDID (0x9F) command.
type FlashID struct {
	Manufacturer Manufacturer
	MemoryType   uint8
	Capacity     uint8
}

// Size returns the flash density in bytes encoded by the capacity byte, or 0
// when the encoding is not the common power-of-two form.
func (f FlashID) Size() uint32 {
	if f.Capacity < 0x10 || f.Capacity > 0x20 {
		return 0
	}
	return 1 << f.Capacity
}

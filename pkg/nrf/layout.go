package nrf

// Layout places the memories and peripherals one core reaches through its
// memory access port.
type Layout struct {
	CodeStart    uint32
	RAMStart     uint32
	CodeRAMStart uint32 // code bus alias of RAM, zero when there is none
	FICR         uint32
	UICR         uint32
	NVMC         uint32
	RAMPower     uint32 // POWER.RAM[0] or VMC.RAM[0]
	QSPI         uint32 // zero without a QSPI peripheral
	XIPStart     uint32
	XIPSize      uint32

	// APProtect is the UICR word holding access port protection and
	// APProtectOn the value ReadbackProtect writes to it.
	APProtect   uint32
	APProtectOn uint32

	// ErasePage is set when the NVMC has ERASEPAGE. Without it a page is
	// erased by writing 0xFFFFFFFF into it with CONFIG set to EEN.
	ErasePage bool
	// EraseUICR is set when the NVMC has ERASEUICR.
	EraseUICR bool

	FICRInfo     uint32 // INFO.PART
	FICRDeviceID uint32 // DEVICEID[0]
	FICRCodePage uint32 // CODEPAGESIZE, followed by CODESIZE
}

// NVMCReg returns the address of the NVMC register at off.
func (l *Layout) NVMCReg(off uint32) uint32 {
	return l.NVMC + off
}

// QSPIReg returns the address of the QSPI register at off.
func (l *Layout) QSPIReg(off uint32) uint32 {
	return l.QSPI + off
}

// RAMPowerReg returns register off of RAM power block n.
func (l *Layout) RAMPowerReg(block int, off uint32) uint32 {
	return l.RAMPower + uint32(block)*RAMPowerStride + off
}

// InUICR reports whether addr falls in the UICR block.
func (l *Layout) InUICR(addr uint32) bool {
	return addr >= l.UICR && addr < l.UICR+UICRSize
}

// InXIP reports whether addr falls in the XIP window. Cores without QSPI
// have none.
func (l *Layout) InXIP(addr uint32) bool {
	return l.QSPI != 0 && addr >= l.XIPStart && addr-l.XIPStart < l.XIPSize
}

var nrf52Layout = Layout{
	RAMStart:     0x20000000,
	CodeRAMStart: 0x00800000,
	FICR:         0x10000000,
	UICR:         0x10001000,
	NVMC:         0x4001E000,
	RAMPower:     0x40000900,
	QSPI:         0x40029000,
	XIPStart:     0x12000000,
	XIPSize:      0x08000000,
	APProtect:    0x10001208,
	APProtectOn:  0xFFFFFF00,
	ErasePage:    true,
	EraseUICR:    true,
	FICRInfo:     0x10000100,
	FICRDeviceID: 0x10000060,
	FICRCodePage: 0x10000010,
}

// nRF51 shares the nRF52 bus addresses but has no code bus RAM alias and
// no QSPI.
var nrf51Layout = func() Layout {
	l := nrf52Layout
	l.CodeRAMStart = 0
	l.QSPI = 0
	return l
}()

var nrf53AppLayout = Layout{
	RAMStart:     0x20000000,
	FICR:         0x00FF0000,
	UICR:         0x00FF8000,
	NVMC:         0x50039000,
	RAMPower:     0x50081600,
	QSPI:         0x5002B000,
	XIPStart:     0x10000000,
	XIPSize:      0x10000000,
	APProtect:    0x00FF8000,
	APProtectOn:  0x00000000,
	FICRInfo:     0x00FF020C,
	FICRDeviceID: 0x00FF0204,
	FICRCodePage: 0x00FF0220,
}

var nrf53NetLayout = Layout{
	CodeStart:    0x01000000,
	RAMStart:     0x21000000,
	FICR:         0x01FF0000,
	UICR:         0x01FF8000,
	NVMC:         0x41080000,
	RAMPower:     0x41081600,
	APProtect:    0x01FF8000,
	APProtectOn:  0x00000000,
	FICRInfo:     0x01FF020C,
	FICRDeviceID: 0x01FF0204,
	FICRCodePage: 0x01FF0220,
}

var nrf91Layout = Layout{
	RAMStart:     0x20000000,
	FICR:         0x00FF0000,
	UICR:         0x00FF8000,
	NVMC:         0x50039000,
	RAMPower:     0x5003A600,
	APProtect:    0x00FF8000,
	APProtectOn:  0x00000000,
	FICRInfo:     0x00FF020C,
	FICRDeviceID: 0x00FF0204,
	FICRCodePage: 0x00FF0220,
}

// FamilyLayout returns the layout of core c on family f. It is what the
// session reads FICR through before the exact device is known. The modem
// core of nRF91 has no memory access port of its own and maps to the
// application layout.
func FamilyLayout(f Family, c Coprocessor) (Layout, bool) {
	switch f {
	case FamilyNRF51:
		return nrf51Layout, true
	case FamilyNRF52:
		return nrf52Layout, true
	case FamilyNRF53:
		if c == CoprocessorNetwork {
			return nrf53NetLayout, true
		}
		return nrf53AppLayout, true
	case FamilyNRF91:
		return nrf91Layout, true
	}
	return Layout{}, false
}

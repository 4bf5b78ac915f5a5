package nrf

// Non-volatile memory controller register offsets. nRF53 and nRF91 have
// no ERASEPAGE or ERASEUICR; see Layout.
const (
	NVMCReady     uint32 = 0x400
	NVMCConfig    uint32 = 0x504
	NVMCErasePage uint32 = 0x508
	NVMCEraseAll  uint32 = 0x50C
	NVMCEraseUICR uint32 = 0x514

	NVMCConfigREN uint32 = 0
	NVMCConfigWEN uint32 = 1
	NVMCConfigEEN uint32 = 2
)

// FICR INFO register offsets from Layout.FICRInfo.
const (
	InfoPart    uint32 = 0x00
	InfoVariant uint32 = 0x04
	InfoPackage uint32 = 0x08
	InfoRAM     uint32 = 0x0C
	InfoFlash   uint32 = 0x10
)

// nRF51 region 0 and readback protection registers
const (
	FICRCLENR0  uint32 = 0x10000028
	UICRCLENR0  uint32 = 0x10001000
	UICRRBPCONF uint32 = 0x10001004
)

// UICRSize and FICRSize are the spans the memory map gives the information
// blocks on every family.
const (
	UICRSize uint32 = 0x1000
	FICRSize uint32 = 0x1000
)

// RAM block power register offsets. Block n sits at Layout.RAMPower+n*0x10.
const (
	RAMPowerStride uint32 = 0x10
	RAMPowerOffset uint32 = 0x0
	RAMPowerSet    uint32 = 0x4
	RAMPowerClr    uint32 = 0x8
)

// Block write protection
const (
	BPROTConfig0        uint32 = 0x40000600
	BPROTConfig1        uint32 = 0x40000604
	BPROTDisableInDebug uint32 = 0x40000608
	BPROTConfig2        uint32 = 0x40000610
	BPROTConfig3        uint32 = 0x40000614
	BPROTBlockSize      uint32 = 0x1000
)

// BPROTConfigReg returns the CONFIGn register covering flash block n.
func BPROTConfigReg(block uint32) uint32 {
	switch block / 32 {
	case 0:
		return BPROTConfig0
	case 1:
		return BPROTConfig1
	case 2:
		return BPROTConfig2
	}
	return BPROTConfig3
}

// QSPI peripheral register offsets from Layout.QSPI
const (
	QSPIActivate    uint32 = 0x000
	QSPIReadStart   uint32 = 0x004
	QSPIWriteStart  uint32 = 0x008
	QSPIEraseStart  uint32 = 0x00C
	QSPIDeactivate  uint32 = 0x010
	QSPIEventsReady uint32 = 0x100
	QSPIEnable      uint32 = 0x500
	QSPIReadSrc     uint32 = 0x504
	QSPIReadDst     uint32 = 0x508
	QSPIReadCnt     uint32 = 0x50C
	QSPIWriteDst    uint32 = 0x510
	QSPIWriteSrc    uint32 = 0x514
	QSPIWriteCnt    uint32 = 0x518
	QSPIErasePtr    uint32 = 0x51C
	QSPIEraseLen    uint32 = 0x520
	QSPIPselSCK     uint32 = 0x524
	QSPIPselCSN     uint32 = 0x528
	QSPIPselIO0     uint32 = 0x530
	QSPIPselIO1     uint32 = 0x534
	QSPIPselIO2     uint32 = 0x538
	QSPIPselIO3     uint32 = 0x53C
	QSPIXIPOffset   uint32 = 0x540
	QSPIIfConfig0   uint32 = 0x544
	QSPIIfConfig1   uint32 = 0x600
	QSPIStatus      uint32 = 0x604
	QSPIAddrConf    uint32 = 0x624
	QSPICinstrConf  uint32 = 0x634
	QSPICinstrDat0  uint32 = 0x638
	QSPICinstrDat1  uint32 = 0x63C
	QSPIIfTiming    uint32 = 0x640
	QSPISpan        uint32 = 0x1000

	QSPIEnableValue uint32 = 1
)

// CINSTRCONF fields
const (
	CinstrLengthShift        = 8
	CinstrLIO2        uint32 = 1 << 12
	CinstrLIO3        uint32 = 1 << 13
	CinstrWIPWait     uint32 = 1 << 14
	CinstrWREN        uint32 = 1 << 15
	CinstrLFEN        uint32 = 1 << 16
	CinstrLFStop      uint32 = 1 << 17
)

// Cortex-M system control and debug registers
const (
	AIRCR         uint32 = 0xE000ED0C
	AIRCRVectKey  uint32 = 0x05FA << 16
	AIRCRSysReset uint32 = 1 << 2

	DHCSR            uint32 = 0xE000EDF0
	DCRSR            uint32 = 0xE000EDF4
	DCRDR            uint32 = 0xE000EDF8
	DEMCR            uint32 = 0xE000EDFC
	DHCSRDbgKey      uint32 = 0xA05F << 16
	DHCSRDebugEn     uint32 = 1 << 0
	DHCSRHalt        uint32 = 1 << 1
	DHCSRStep        uint32 = 1 << 2
	DHCSRMaskInts    uint32 = 1 << 3
	DHCSRRegRdy      uint32 = 1 << 16
	DHCSRSHalt       uint32 = 1 << 17
	DCRSRWrite       uint32 = 1 << 16
	DEMCRVCCoreReset uint32 = 1 << 0

	XPSRThumb uint32 = 1 << 24
)

// Debug port registers (address bits [3:2])
const (
	DPIDR      uint8 = 0x0
	DPAbort    uint8 = 0x0
	DPCtrlStat uint8 = 0x4
	DPSelect   uint8 = 0x8
	DPRdBuff   uint8 = 0xC

	CtrlStatCDbgPwrUpReq uint32 = 1 << 28
	CtrlStatCDbgPwrUpAck uint32 = 1 << 29
	CtrlStatCSysPwrUpReq uint32 = 1 << 30
	CtrlStatCSysPwrUpAck uint32 = 1 << 31
)

// MEM-AP registers
const (
	APCSW uint8 = 0x00
	APTAR uint8 = 0x04
	APDRW uint8 = 0x0C
	APIDR uint8 = 0xFC

	CSWSize32        uint32 = 0x2
	CSWAddrIncSingle uint32 = 1 << 4
	CSWDefault       uint32 = 0x23000000
)

// Nordic CTRL-AP registers
const (
	CtrlAPReset           uint8 = 0x000
	CtrlAPEraseAll        uint8 = 0x004
	CtrlAPEraseAllStatus  uint8 = 0x008
	CtrlAPProtectStatus   uint8 = 0x00C
	CtrlAPEraseProtStatus uint8 = 0x018 // nRF53/nRF91
	CtrlAPIDR             uint8 = 0x0FC

	CtrlAPIDRValue uint32 = 0x02880000
	AHBAPIDRValue  uint32 = 0x24770011
)

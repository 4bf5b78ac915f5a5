package probe

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/boljen/go-bitmap"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
)

// Default image for a fresh simulated target: the vector table points the
// reset handler at an idle loop at 0x100.
const (
	SimInitialSP    uint32 = 0x20040000
	SimResetHandler uint32 = 0x100
	simIdleLoop     uint16 = 0xE7FE // B .
)

// SimTarget is an in-memory model of an nRF5x application core seen through
// an SWJ-DP: a MEM-AP onto flash, UICR, FICR, RAM and the peripherals the
// session drives, plus a Nordic CTRL-AP. Addresses follow the application
// core layout of the device's family. Flash honours NVMC write and erase
// enables with AND semantics; RAM sections can be powered off, in which case
// accesses stall. A write of a non-0xFF low byte into UICR APPROTECT protects
// the access port from the next reset onwards.
type SimTarget struct {
	Device *nrf.Device
	DPIDR  uint32

	mu sync.Mutex

	flash []byte
	uicr  []byte
	ficr  []byte
	ram   []byte
	ramOn bitmap.Bitmap

	nvmcConfig     uint32
	bprot          [4]uint32
	bprotDebugOff  uint32
	peripherals    map[uint32]uint32
	protected      bool
	eraseProtected bool

	cpu      simCPU
	debugEn  bool
	maskInts bool
	runs     []bool // C_MASKINTS at each release from halt
	dcrdr    uint32
	demcr    uint32

	dpCtrlStat uint32
	dpSelect   uint32
	dpRdBuff   uint32
	csw        uint32
	tar        uint32
	ctrlReset  uint32

	qspi *simQSPI

	resets int
}

// NewSimTarget builds a powered, unprotected target running the default
// idle image.
func NewSimTarget(dev *nrf.Device) *SimTarget {
	t := &SimTarget{
		Device:      dev,
		DPIDR:       defaultDPIDR(dev.Family),
		flash:       filled(dev.CodeSize, 0xFF),
		uicr:        filled(nrf.UICRSize, 0xFF),
		ficr:        filled(nrf.FICRSize, 0xFF),
		ram:         make([]byte, dev.RAMSize()),
		ramOn:       bitmap.New(dev.RAMSectionCount()),
		peripherals: make(map[uint32]uint32),
	}
	t.qspi = newSimQSPI(t)
	t.cpu.budget = defaultStepBudget
	t.cpu.fetch = t.fetchWord
	t.cpu.load8 = t.fetchByte

	put := func(buf []byte, off, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
	ficr := func(addr, v uint32) { put(t.ficr, addr-dev.FICR, v) }
	ficr(dev.FICRCodePage, dev.CodePageSize)
	ficr(dev.FICRCodePage+4, dev.CodeSize/dev.CodePageSize)
	ficr(dev.FICRDeviceID, 0x2F1C0A5B)
	ficr(dev.FICRDeviceID+4, 0x9E3D4C11)
	if part, variant, ok := dev.InfoPartVariant(); ok {
		ficr(dev.FICRInfo+nrf.InfoPart, part)
		ficr(dev.FICRInfo+nrf.InfoVariant, variant)
		ficr(dev.FICRInfo+nrf.InfoPackage, 0x2004)
		ficr(dev.FICRInfo+nrf.InfoRAM, dev.RAMSize()/1024)
		ficr(dev.FICRInfo+nrf.InfoFlash, dev.CodeSize/1024)
	}

	put(t.flash, 0, SimInitialSP)
	put(t.flash, 4, SimResetHandler|1)
	binary.LittleEndian.PutUint16(t.flash[SimResetHandler:], simIdleLoop)

	t.powerOn()
	return t
}

func filled(n uint32, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func defaultDPIDR(f nrf.Family) uint32 {
	switch f {
	case nrf.FamilyNRF51:
		return 0x0BB11477
	case nrf.FamilyNRF53, nrf.FamilyNRF91:
		return 0x6BA02477
	}
	return 0x2BA01477
}

// PowerCycle applies a power-on reset, which also resets the debug domain.
func (t *SimTarget) PowerCycle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.powerOn()
}

func (t *SimTarget) powerOn() {
	t.debugEn = false
	t.demcr = 0
	t.dpCtrlStat = 0
	t.dpSelect = 0
	t.csw = 0
	t.tar = 0
	t.ctrlReset = 0
	t.eraseProtected = false
	t.reset()
}

// reset is a system reset: the debug domain survives it.
func (t *SimTarget) reset() {
	t.resets++
	t.nvmcConfig = nrf.NVMCConfigREN
	t.bprot = [4]uint32{}
	t.bprotDebugOff = 1
	clear(t.peripherals)
	for i := 0; i < t.ramOn.Len(); i++ {
		t.ramOn.Set(i, true)
	}
	t.protected = t.uicrWord(t.Device.APProtect)&0xFF != 0xFF
	t.qspi.reset()

	t.cpu.regs = [numCoreRegs]uint32{}
	sp, pc := t.flashWord(0), t.flashWord(4)
	t.cpu.regs[RegSP], t.cpu.regs[RegMSP] = sp, sp
	t.cpu.regs[RegPC] = pc &^ 1
	t.cpu.regs[RegLR] = 0xFFFFFFFF
	t.cpu.regs[RegXPSR] = nrf.XPSRThumb

	t.cpu.halted = false
	if t.debugEn && t.demcr&nrf.DEMCRVCCoreReset != 0 {
		t.cpu.halted = true
		return
	}
	t.cpu.run()
}

func (t *SimTarget) flashWord(off uint32) uint32 {
	if int(off)+4 > len(t.flash) {
		return 0xFFFFFFFF
	}
	return binary.LittleEndian.Uint32(t.flash[off:])
}

func (t *SimTarget) uicrWord(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(t.uicr[addr-t.Device.UICR:])
}

// Resets reports how many system resets the target has seen.
func (t *SimTarget) Resets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets
}

// Halted reports whether the core is halted.
func (t *SimTarget) Halted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpu.halted
}

// Protected reports whether the AHB-AP is currently locked.
func (t *SimTarget) Protected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protected
}

// SetEraseProtected models ERASEPROTECT on families that have it.
func (t *SimTarget) SetEraseProtected(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eraseProtected = on
}

// Poke writes memory directly, bypassing the NVMC, power and protection.
func (t *SimTarget) Poke(addr uint32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, b := range data {
		buf, off, _ := t.locate(addr + uint32(i))
		if buf == nil {
			return fmt.Errorf("sim: 0x%08X is not backed by memory", addr+uint32(i))
		}
		buf[off] = b
	}
	return nil
}

// Peek reads memory directly, bypassing power and protection.
func (t *SimTarget) Peek(addr uint32, n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		buf, off, _ := t.locate(addr + uint32(i))
		if buf == nil {
			return nil, fmt.Errorf("sim: 0x%08X is not backed by memory", addr+uint32(i))
		}
		out[i] = buf[off]
	}
	return out, nil
}

// HelperRuns reports, for every release of the core from halt through
// DHCSR, whether C_MASKINTS was set.
func (t *SimTarget) HelperRuns() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.runs...)
}

// QSPIInstructions returns the custom instructions issued so far.
func (t *SimTarget) QSPIInstructions() []SimInstruction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SimInstruction(nil), t.qspi.instructions...)
}

// ExternalFlash returns a copy of n bytes of the QSPI flash at addr.
func (t *SimTarget) ExternalFlash(addr uint32, n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	ext := t.qspi.flash()
	out := make([]byte, n)
	for i := range out {
		out[i] = ext[t.qspi.mask(addr+uint32(i))]
	}
	return out
}

type memKind int

const (
	memNone memKind = iota
	memFlash
	memUICR
	memFICR
	memRAM
)

func (t *SimTarget) locate(addr uint32) ([]byte, uint32, memKind) {
	l := &t.Device.Layout
	in := func(start uint32, buf []byte) bool {
		return addr >= start && addr-start < uint32(len(buf))
	}
	switch {
	case in(l.CodeStart, t.flash):
		return t.flash, addr - l.CodeStart, memFlash
	case in(l.UICR, t.uicr):
		return t.uicr, addr - l.UICR, memUICR
	case in(l.FICR, t.ficr):
		return t.ficr, addr - l.FICR, memFICR
	case in(l.RAMStart, t.ram):
		return t.ram, addr - l.RAMStart, memRAM
	case l.CodeRAMStart != 0 && in(l.CodeRAMStart, t.ram):
		return t.ram, addr - l.CodeRAMStart, memRAM
	}
	return nil, 0, memNone
}

func (t *SimTarget) ramPowered(addr uint32) bool {
	for _, i := range t.Device.SectionsFor(addr, 4) {
		if !t.ramOn.Get(i) {
			return false
		}
	}
	return true
}

// fetchWord is the core's view of memory.
func (t *SimTarget) fetchWord(addr uint32) (uint32, bool) {
	buf, off, kind := t.locate(addr &^ 3)
	if buf == nil || (kind == memRAM && !t.ramPowered(addr)) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[off:]), true
}

func (t *SimTarget) fetchByte(addr uint32) (byte, bool) {
	w, ok := t.fetchWord(addr)
	return byte(w >> (8 * (addr & 3))), ok
}

func (t *SimTarget) storeRAMByte(addr uint32, b byte) {
	if buf, off, kind := t.locate(addr); kind == memRAM && t.ramPowered(addr) {
		buf[off] = b
	}
}

func (t *SimTarget) loadRAMByte(addr uint32) (byte, bool) {
	if buf, off, kind := t.locate(addr); kind == memRAM && t.ramPowered(addr) {
		return buf[off], true
	}
	return 0xFF, false
}

// busRead is a word read issued through the AHB-AP.
func (t *SimTarget) busRead(addr uint32) (uint32, error) {
	if buf, off, kind := t.locate(addr); buf != nil {
		if kind == memRAM && !t.ramPowered(addr) {
			return 0, ErrTimeout
		}
		return binary.LittleEndian.Uint32(buf[off:]), nil
	}
	if t.Device.InXIP(addr) {
		if v, ok := t.qspi.xipRead(addr); ok {
			return v, nil
		}
		return 0, ErrFault
	}
	return t.readRegister(addr)
}

// busWrite is a word write issued through the AHB-AP.
func (t *SimTarget) busWrite(addr, v uint32) error {
	buf, off, kind := t.locate(addr)
	switch kind {
	case memFlash, memUICR:
		if kind == memFlash && !t.Device.ErasePage && t.nvmcConfig == nrf.NVMCConfigEEN && v == 0xFFFFFFFF {
			t.erasePage(addr)
			return nil
		}
		if t.nvmcConfig == nrf.NVMCConfigWEN && !t.bprotBlocks(addr) {
			binary.LittleEndian.PutUint32(buf[off:], binary.LittleEndian.Uint32(buf[off:])&v)
		}
		return nil
	case memFICR:
		return ErrFault
	case memRAM:
		if !t.ramPowered(addr) {
			return ErrTimeout
		}
		binary.LittleEndian.PutUint32(buf[off:], v)
		return nil
	}
	return t.writeRegister(addr, v)
}

func (t *SimTarget) bprotBlocks(addr uint32) bool {
	if !t.Device.HasBPROT || t.bprotDebugOff != 0 || addr >= t.Device.CodeSize {
		return false
	}
	block := addr / nrf.BPROTBlockSize
	return t.bprot[block/32]&(1<<(block%32)) != 0
}

func (t *SimTarget) bprotIndex(reg uint32) (int, bool) {
	switch reg {
	case nrf.BPROTConfig0:
		return 0, true
	case nrf.BPROTConfig1:
		return 1, true
	case nrf.BPROTConfig2:
		return 2, true
	case nrf.BPROTConfig3:
		return 3, true
	}
	return 0, false
}

// ramBlockRegister decodes a POWER.RAM[n] or VMC.RAM[n] register address.
func (t *SimTarget) ramBlockRegister(addr uint32) (block int, offset uint32, ok bool) {
	if addr < t.Device.RAMPower {
		return 0, 0, false
	}
	rel := addr - t.Device.RAMPower
	block = int(rel / nrf.RAMPowerStride)
	offset = rel % nrf.RAMPowerStride
	if block >= len(t.Device.RAM) || offset > nrf.RAMPowerClr {
		return 0, 0, false
	}
	return block, offset, true
}

func (t *SimTarget) blockFirstSection(block int) int {
	n := 0
	for i := 0; i < block; i++ {
		n += t.Device.RAM[i].Sections
	}
	return n
}

func (t *SimTarget) ramPowerBits(block int) uint32 {
	first := t.blockFirstSection(block)
	var v uint32
	for s := 0; s < t.Device.RAM[block].Sections; s++ {
		if t.ramOn.Get(first + s) {
			v |= 1 << uint(s)
		}
	}
	return v
}

func (t *SimTarget) setRAMPowerBits(block int, v uint32) {
	first := t.blockFirstSection(block)
	for s := 0; s < t.Device.RAM[block].Sections; s++ {
		t.ramOn.Set(first+s, v&(1<<uint(s)) != 0)
	}
}

func (t *SimTarget) readRegister(addr uint32) (uint32, error) {
	if t.qspi.owns(addr) {
		return t.qspi.read(addr), nil
	}
	if block, _, ok := t.ramBlockRegister(addr); ok {
		return t.ramPowerBits(block), nil
	}
	if i, ok := t.bprotIndex(addr); ok {
		return t.bprot[i], nil
	}

	nvmc := t.Device.NVMCReg
	switch addr {
	case nvmc(nrf.NVMCReady):
		return 1, nil
	case nvmc(nrf.NVMCConfig):
		return t.nvmcConfig, nil
	case nrf.BPROTDisableInDebug:
		return t.bprotDebugOff, nil
	case nrf.DHCSR:
		v := nrf.DHCSRRegRdy
		if t.debugEn {
			v |= nrf.DHCSRDebugEn
		}
		if t.maskInts {
			v |= nrf.DHCSRMaskInts
		}
		if t.cpu.halted {
			v |= nrf.DHCSRSHalt | nrf.DHCSRHalt
		}
		return v, nil
	case nrf.DCRDR:
		return t.dcrdr, nil
	case nrf.DEMCR:
		return t.demcr, nil
	case nrf.AIRCR:
		return 0xFA050000, nil
	}
	if isPeripheral(addr) {
		return t.peripherals[addr], nil
	}
	return 0, ErrFault
}

func isPeripheral(addr uint32) bool {
	return (addr >= 0x40000000 && addr < 0x60000000) || addr >= 0xE0000000
}

func (t *SimTarget) writeRegister(addr, v uint32) error {
	if t.qspi.owns(addr) {
		t.qspi.write(addr, v)
		return nil
	}
	if block, offset, ok := t.ramBlockRegister(addr); ok {
		cur := t.ramPowerBits(block)
		switch offset {
		case nrf.RAMPowerOffset:
			cur = v
		case nrf.RAMPowerSet:
			cur |= v
		case nrf.RAMPowerClr:
			cur &^= v
		}
		t.setRAMPowerBits(block, cur)
		return nil
	}
	if i, ok := t.bprotIndex(addr); ok {
		// protection bits can only be cleared by a reset
		t.bprot[i] |= v
		return nil
	}

	l := &t.Device.Layout
	switch {
	case addr == l.NVMCReg(nrf.NVMCConfig):
		t.nvmcConfig = v & 3
	case addr == l.NVMCReg(nrf.NVMCErasePage) && l.ErasePage:
		if t.nvmcConfig == nrf.NVMCConfigEEN {
			t.erasePage(v)
		}
	case addr == l.NVMCReg(nrf.NVMCEraseAll):
		if t.nvmcConfig == nrf.NVMCConfigEEN && v&1 != 0 {
			t.eraseAll(false)
		}
	case addr == l.NVMCReg(nrf.NVMCEraseUICR) && l.EraseUICR:
		if t.nvmcConfig == nrf.NVMCConfigEEN && v&1 != 0 {
			fill(t.uicr, 0xFF)
		}
	default:
		return t.writeCoreRegister(addr, v)
	}
	return nil
}

func (t *SimTarget) writeCoreRegister(addr, v uint32) error {
	switch addr {
	case nrf.BPROTDisableInDebug:
		t.bprotDebugOff = v & 1
	case nrf.DHCSR:
		t.writeDHCSR(v)
	case nrf.DCRSR:
		t.writeDCRSR(v)
	case nrf.DCRDR:
		t.dcrdr = v
	case nrf.DEMCR:
		t.demcr = v
	case nrf.AIRCR:
		if v&0xFFFF0000 == nrf.AIRCRVectKey && v&nrf.AIRCRSysReset != 0 {
			t.reset()
		}
	default:
		if !isPeripheral(addr) {
			return ErrFault
		}
		t.peripherals[addr] = v
	}
	return nil
}

func fill(buf []byte, b byte) {
	for i := range buf {
		buf[i] = b
	}
}

func (t *SimTarget) erasePage(addr uint32) {
	l := &t.Device.CPU
	switch {
	case addr >= l.CodeStart && addr-l.CodeStart < l.CodeSize:
		if t.bprotBlocks(addr) {
			return
		}
		page := (addr - l.CodeStart) &^ (l.CodePageSize - 1)
		fill(t.flash[page:page+l.CodePageSize], 0xFF)
	case addr == l.UICR && l.EraseUICR:
		fill(t.uicr, 0xFF)
	}
}

// eraseAll clears flash and UICR; a CTRL-AP erase also wipes RAM.
func (t *SimTarget) eraseAll(ram bool) {
	fill(t.flash, 0xFF)
	fill(t.uicr, 0xFF)
	if ram {
		fill(t.ram, 0)
	}
}

func (t *SimTarget) writeDHCSR(v uint32) {
	if v&0xFFFF0000 != nrf.DHCSRDbgKey {
		return
	}
	t.debugEn = v&nrf.DHCSRDebugEn != 0
	// C_MASKINTS only takes a new value while the core is halted
	if t.cpu.halted {
		t.maskInts = t.debugEn && v&nrf.DHCSRMaskInts != 0
	}
	switch {
	case !t.debugEn || v&(nrf.DHCSRHalt|nrf.DHCSRStep) == 0:
		if !t.debugEn {
			t.maskInts = false
		}
		if t.cpu.halted {
			t.cpu.halted = false
			t.runs = append(t.runs, t.maskInts)
			t.cpu.run()
		}
	case v&nrf.DHCSRHalt != 0:
		t.cpu.halted = true
	case v&nrf.DHCSRStep != 0 && t.cpu.halted:
		t.cpu.step()
	}
}

func (t *SimTarget) writeDCRSR(v uint32) {
	sel := v & 0x7F
	if sel >= numCoreRegs || !t.cpu.halted {
		return
	}
	if v&nrf.DCRSRWrite == 0 {
		t.dcrdr = t.cpu.regs[sel]
		return
	}
	t.cpu.regs[sel] = t.dcrdr
	switch sel {
	case RegSP:
		t.cpu.regs[RegMSP] = t.dcrdr
	case RegMSP:
		t.cpu.regs[RegSP] = t.dcrdr
	}
}

func (t *SimTarget) debugPowered() bool {
	return t.dpCtrlStat&nrf.CtrlStatCDbgPwrUpReq != 0
}

// DPRead reads a debug port register.
func (t *SimTarget) DPRead(reg uint8) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch reg {
	case nrf.DPIDR:
		return t.DPIDR, nil
	case nrf.DPCtrlStat:
		v := t.dpCtrlStat
		if v&nrf.CtrlStatCDbgPwrUpReq != 0 {
			v |= nrf.CtrlStatCDbgPwrUpAck
		}
		if v&nrf.CtrlStatCSysPwrUpReq != 0 {
			v |= nrf.CtrlStatCSysPwrUpAck
		}
		return v, nil
	case nrf.DPSelect:
		return t.dpSelect, nil
	case nrf.DPRdBuff:
		return t.dpRdBuff, nil
	}
	return 0, fmt.Errorf("sim: DP register 0x%X: %w", reg, ErrFault)
}

// DPWrite writes a debug port register.
func (t *SimTarget) DPWrite(reg uint8, v uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch reg {
	case nrf.DPAbort:
	case nrf.DPCtrlStat:
		t.dpCtrlStat = v &^ (nrf.CtrlStatCDbgPwrUpAck | nrf.CtrlStatCSysPwrUpAck)
	case nrf.DPSelect:
		t.dpSelect = v
	default:
		return fmt.Errorf("sim: DP register 0x%X: %w", reg, ErrFault)
	}
	return nil
}

func (t *SimTarget) selected(reg uint8) (ap, full uint8) {
	return uint8(t.dpSelect >> 24), uint8(t.dpSelect&0xF0) | reg&0xC
}

// APRead reads register reg of the access port chosen by DP SELECT.
func (t *SimTarget) APRead(reg uint8) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ap, full := t.selected(reg)
	v, err := t.apRead(ap, full)
	if err == nil {
		t.dpRdBuff = v
	}
	return v, err
}

// APWrite writes register reg of the access port chosen by DP SELECT.
func (t *SimTarget) APWrite(reg uint8, v uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ap, full := t.selected(reg)
	return t.apWrite(ap, full, v)
}

func (t *SimTarget) isCtrlAP(ap uint8) bool {
	return t.Device.HasCtrlAP && ap == t.Device.CtrlAP(nrf.CoprocessorApplication)
}

func (t *SimTarget) isMemAP(ap uint8) bool {
	return ap == t.Device.AHBAP(nrf.CoprocessorApplication)
}

func (t *SimTarget) memAPUsable() error {
	if t.protected {
		return ErrFault
	}
	if !t.debugPowered() {
		return ErrFault
	}
	return nil
}

func (t *SimTarget) apRead(ap, reg uint8) (uint32, error) {
	switch {
	case t.isMemAP(ap):
		if reg == nrf.APIDR {
			return nrf.AHBAPIDRValue, nil
		}
		if err := t.memAPUsable(); err != nil {
			return 0, err
		}
		switch reg {
		case nrf.APCSW:
			return t.csw, nil
		case nrf.APTAR:
			return t.tar, nil
		case nrf.APDRW:
			v, err := t.busRead(t.tar)
			if err != nil {
				return 0, err
			}
			t.advanceTAR()
			return v, nil
		}
	case t.isCtrlAP(ap):
		switch reg {
		case nrf.CtrlAPReset:
			return t.ctrlReset, nil
		case nrf.CtrlAPEraseAll, nrf.CtrlAPEraseAllStatus:
			return 0, nil
		case nrf.CtrlAPProtectStatus:
			if t.protected {
				return 0, nil
			}
			return 1, nil
		case nrf.CtrlAPEraseProtStatus:
			if t.eraseProtected {
				return 0, nil
			}
			return 1, nil
		case nrf.CtrlAPIDR:
			return nrf.CtrlAPIDRValue, nil
		}
	default:
		if reg == nrf.APIDR {
			return 0, nil
		}
	}
	return 0, ErrFault
}

func (t *SimTarget) apWrite(ap, reg uint8, v uint32) error {
	switch {
	case t.isMemAP(ap):
		if err := t.memAPUsable(); err != nil {
			return err
		}
		switch reg {
		case nrf.APCSW:
			t.csw = v
			return nil
		case nrf.APTAR:
			t.tar = v
			return nil
		case nrf.APDRW:
			if err := t.busWrite(t.tar, v); err != nil {
				return err
			}
			t.advanceTAR()
			return nil
		}
	case t.isCtrlAP(ap):
		switch reg {
		case nrf.CtrlAPReset:
			if t.ctrlReset&1 != 0 && v&1 == 0 {
				t.reset()
			}
			t.ctrlReset = v & 1
			return nil
		case nrf.CtrlAPEraseAll:
			if v&1 != 0 && !t.eraseProtected {
				t.eraseAll(true)
			}
			return nil
		}
	}
	return ErrFault
}

// advanceTAR applies single auto-increment within the 1 KB TAR window.
func (t *SimTarget) advanceTAR() {
	if t.csw&0x30 == nrf.CSWAddrIncSingle {
		t.tar = t.tar&^(tarWrapSize-1) | (t.tar+4)&(tarWrapSize-1)
	}
}

// ReadMem reads whole words through the memory access port ap.
func (t *SimTarget) ReadMem(ap uint8, addr uint32, n int) ([]byte, error) {
	if err := CheckAligned(addr, n); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isMemAP(ap) {
		return nil, fmt.Errorf("sim: AP%d is not a memory access port: %w", ap, ErrFault)
	}
	if err := t.memAPUsable(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, n)
	for off := 0; off < n; off += 4 {
		v, err := t.busRead(addr + uint32(off))
		if err != nil {
			return nil, fmt.Errorf("sim: read 0x%08X: %w", addr+uint32(off), err)
		}
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	return out, nil
}

// WriteMem writes whole words through the memory access port ap.
func (t *SimTarget) WriteMem(ap uint8, addr uint32, data []byte) error {
	if err := CheckAligned(addr, len(data)); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isMemAP(ap) {
		return fmt.Errorf("sim: AP%d is not a memory access port: %w", ap, ErrFault)
	}
	if err := t.memAPUsable(); err != nil {
		return err
	}
	for off := 0; off < len(data); off += 4 {
		a := addr + uint32(off)
		if err := t.busWrite(a, binary.LittleEndian.Uint32(data[off:])); err != nil {
			return fmt.Errorf("sim: write 0x%08X: %w", a, err)
		}
	}
	return nil
}

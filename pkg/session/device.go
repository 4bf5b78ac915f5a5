package session

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/probe"
)

// SelectFamily changes the configured family. The device must be
// disconnected.
func (s *Session) SelectFamily(f nrf.Family) error {
	const op = "SelectFamily"
	if err := s.check(op, requireDLL); err != nil {
		return err
	}
	if s.state.Device == DeviceConnected {
		return apierr.New(apierr.InvalidOperation, op, "disconnect the device first")
	}
	switch f {
	case nrf.FamilyNRF51, nrf.FamilyNRF52, nrf.FamilyNRF53, nrf.FamilyNRF91, nrf.FamilyUnknown:
	default:
		return apierr.New(apierr.InvalidParameter, op, "unsupported family %s", f)
	}
	if f != s.state.Family {
		s.state.Family = f
		s.state.Coprocessor = nrf.CoprocessorApplication
		s.dev = nil
		s.bumpGeneration()
	}
	return nil
}

// ReadDeviceFamily identifies the family from the debug port without
// changing the configured one.
func (s *Session) ReadDeviceFamily() (nrf.Family, error) {
	const op = "ReadDeviceFamily"
	if err := s.check(op, requireProbe); err != nil {
		return nrf.FamilyUnknown, err
	}
	f, err := identifyFamily(s.link)
	if err != nil {
		return nrf.FamilyUnknown, transportErr(op, err)
	}
	if f == nrf.FamilyUnknown {
		return f, apierr.New(apierr.UnknownDevice, op, "unrecognised debug port")
	}
	return f, nil
}

// ReadDeviceVersion returns the version detected at connect time.
func (s *Session) ReadDeviceVersion() (nrf.DeviceVersion, error) {
	if err := s.check("ReadDeviceVersion", requireDevice); err != nil {
		return nrf.VersionUnknown, err
	}
	return s.dev.Version, nil
}

// DeviceInfo summarises the connected device.
type DeviceInfo struct {
	Version  nrf.DeviceVersion
	Name     nrf.DeviceName
	Memory   nrf.DeviceMemory
	Revision nrf.DeviceRevision
	Family   nrf.Family

	CodeSize     uint32
	CodePageSize uint32
	RAMSize      uint32
	DeviceID     uint64
}

// String renders the device and its unique ID.
func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s_xx%s_%s id=%016X", d.Name, d.Memory, d.Revision, d.DeviceID)
}

// ReadDeviceInfo returns the device model and the FICR device ID.
func (s *Session) ReadDeviceInfo() (DeviceInfo, error) {
	const op = "ReadDeviceInfo"
	if err := s.check(op, target...); err != nil {
		return DeviceInfo{}, err
	}
	c := s.core()
	lo, err := s.readWord(c.FICRDeviceID)
	if err != nil {
		return DeviceInfo{}, transportErr(op, err)
	}
	hi, err := s.readWord(c.FICRDeviceID + 4)
	if err != nil {
		return DeviceInfo{}, transportErr(op, err)
	}
	d := s.dev
	return DeviceInfo{
		Version:      d.Version,
		Name:         d.Name,
		Memory:       d.Memory,
		Revision:     d.Revision,
		Family:       d.Family,
		CodeSize:     c.CodeSize,
		CodePageSize: c.CodePageSize,
		RAMSize:      c.RAMSize(),
		DeviceID:     uint64(hi)<<32 | uint64(lo),
	}, nil
}

// coprocessorForceOff is the RESET.FORCEOFF register holding a secondary
// core in reset.
var coprocessorForceOff = map[nrf.Family]map[nrf.Coprocessor]uint32{
	nrf.FamilyNRF53: {nrf.CoprocessorNetwork: 0x50005614},
}

// checkCoprocessor validates c for the connected device.
func (s *Session) checkCoprocessor(op string, c nrf.Coprocessor) error {
	if f := s.dev.Family; f != nrf.FamilyNRF53 && f != nrf.FamilyNRF91 {
		return apierr.New(apierr.InvalidDeviceForOperation, op, "%s has a single core", f)
	}
	if !s.dev.SupportsCoprocessor(c) {
		return apierr.New(apierr.InvalidParameter, op, "%s has no %s core", s.dev, c)
	}
	return nil
}

// SelectCoprocessor routes memory and register access to core c and
// switches the memory map to that core's. A running QSPI session is shut
// down first.
func (s *Session) SelectCoprocessor(c nrf.Coprocessor) error {
	const op = "SelectCoprocessor"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if err := s.checkCoprocessor(op, c); err != nil {
		return err
	}
	if c != s.state.Coprocessor {
		// QSPI is driven through the core that started it
		if err := s.qspiRelease(); err != nil {
			return transportErr(op, err)
		}
		s.state.Coprocessor = c
		s.bumpGeneration()
		s.debugLog("coprocessor selected", "coprocessor", c.String())
	}
	return nil
}

// EnableCoprocessor releases core c from reset.
func (s *Session) EnableCoprocessor(c nrf.Coprocessor) error {
	return s.setCoprocessor("EnableCoprocessor", c, true)
}

// DisableCoprocessor holds core c in reset.
func (s *Session) DisableCoprocessor(c nrf.Coprocessor) error {
	return s.setCoprocessor("DisableCoprocessor", c, false)
}

func (s *Session) setCoprocessor(op string, c nrf.Coprocessor, on bool) error {
	if err := s.check(op, target...); err != nil {
		return err
	}
	if err := s.checkCoprocessor(op, c); err != nil {
		return err
	}
	reg, ok := coprocessorForceOff[s.dev.Family][c]
	if !ok {
		if on {
			return nil
		}
		return apierr.New(apierr.InvalidDeviceForOperation, op, "the %s core cannot be held in reset", c)
	}
	v := uint32(1)
	if on {
		v = 0
	}
	// RESET belongs to the application core whichever core is selected
	app := s.dev.AHBAP(nrf.CoprocessorApplication)
	if err := probe.WriteWord(s.link, app, reg, v); err != nil {
		return transportErr(op, err)
	}
	return nil
}

// IsCoprocessorEnabled reports whether core c is out of reset.
func (s *Session) IsCoprocessorEnabled(c nrf.Coprocessor) (bool, error) {
	const op = "IsCoprocessorEnabled"
	if err := s.check(op, target...); err != nil {
		return false, err
	}
	if err := s.checkCoprocessor(op, c); err != nil {
		return false, err
	}
	reg, ok := coprocessorForceOff[s.dev.Family][c]
	if !ok {
		return true, nil
	}
	v, err := probe.ReadWord(s.link, s.dev.AHBAP(nrf.CoprocessorApplication), reg)
	if err != nil {
		return false, transportErr(op, err)
	}
	return v&1 == 0, nil
}

func checkPortRegister(op string, reg uint8) error {
	if reg%4 != 0 {
		return apierr.New(apierr.InvalidParameter, op, "register 0x%02X is not word aligned", reg)
	}
	return nil
}

// ReadDebugPortRegister reads a DP register.
func (s *Session) ReadDebugPortRegister(reg uint8) (uint32, error) {
	const op = "ReadDebugPortRegister"
	if err := s.check(op, requireProbe); err != nil {
		return 0, err
	}
	if err := checkPortRegister(op, reg); err != nil {
		return 0, err
	}
	if reg > nrf.DPRdBuff {
		return 0, apierr.New(apierr.InvalidParameter, op, "no DP register 0x%02X", reg)
	}
	v, err := s.link.ReadDP(reg)
	if err != nil {
		return 0, transportErr(op, err)
	}
	return v, nil
}

// WriteDebugPortRegister writes a DP register.
func (s *Session) WriteDebugPortRegister(reg uint8, v uint32) error {
	const op = "WriteDebugPortRegister"
	if err := s.check(op, requireProbe); err != nil {
		return err
	}
	if err := checkPortRegister(op, reg); err != nil {
		return err
	}
	if reg > nrf.DPRdBuff {
		return apierr.New(apierr.InvalidParameter, op, "no DP register 0x%02X", reg)
	}
	if err := s.link.WriteDP(reg, v); err != nil {
		return transportErr(op, err)
	}
	return nil
}

// ReadAccessPortRegister reads register reg of access port ap.
func (s *Session) ReadAccessPortRegister(ap, reg uint8) (uint32, error) {
	const op = "ReadAccessPortRegister"
	if err := s.check(op, requireProbe); err != nil {
		return 0, err
	}
	if err := checkPortRegister(op, reg); err != nil {
		return 0, err
	}
	v, err := s.link.ReadAP(ap, reg)
	if err != nil {
		return 0, transportErr(op, err)
	}
	return v, nil
}

// WriteAccessPortRegister writes register reg of access port ap.
func (s *Session) WriteAccessPortRegister(ap, reg uint8, v uint32) error {
	const op = "WriteAccessPortRegister"
	if err := s.check(op, requireProbe); err != nil {
		return err
	}
	if err := checkPortRegister(op, reg); err != nil {
		return err
	}
	if err := s.link.WriteAP(ap, reg, v); err != nil {
		return transportErr(op, err)
	}
	return nil
}

// ReadbackProtect programs access port protection and resets the device so
// it takes effect. Only Recover removes it again.
func (s *Session) ReadbackProtect(level nrf.ReadbackProtection) error {
	const op = "ReadbackProtect"
	if err := s.check(op, target...); err != nil {
		return err
	}

	var addr, value uint32
	switch {
	case s.dev.Family == nrf.FamilyNRF51:
		addr = nrf.UICRRBPCONF
		switch level {
		case nrf.ProtectionRegion0:
			value = 0xFFFFFF00
		case nrf.ProtectionAll:
			value = 0xFFFF00FF
		case nrf.ProtectionBoth:
			value = 0xFFFF0000
		default:
			return apierr.New(apierr.InvalidParameter, op, "%s is not available on %s", level, s.dev.Family)
		}
	case level == nrf.ProtectionAll || (level == nrf.ProtectionSecure && s.dev.Family != nrf.FamilyNRF52):
		c := s.core()
		addr, value = c.APProtect, c.APProtectOn
	default:
		return apierr.New(apierr.InvalidParameter, op, "%s is not available on %s", level, s.dev.Family)
	}

	if err := s.nvmcWrite(op, addr, le32(value)); err != nil {
		return err
	}
	if err := s.link.Reset(probe.ResetSystem); err != nil {
		return transportErr(op, err)
	}
	s.afterReset()
	s.state.Protection = level
	s.debugLog("readback protection enabled", "level", level.String())
	return nil
}

// ReadbackStatus reads the protection level from the device. It works with
// only the probe connected so a locked device can be inspected.
func (s *Session) ReadbackStatus() (nrf.ReadbackProtection, error) {
	const op = "ReadbackStatus"
	if err := s.check(op, requireProbe); err != nil {
		return nrf.ProtectionNone, err
	}
	if s.state.Family == nrf.FamilyNRF51 {
		if err := s.powerUpDebug(); err != nil {
			return nrf.ProtectionNone, transportErr(op, err)
		}
		p, err := s.nrf51Protection()
		if err != nil {
			return nrf.ProtectionNone, transportErr(op, err)
		}
		s.state.Protection = p
		return p, nil
	}
	status, err := s.link.ReadAP(s.ctrlAP(), nrf.CtrlAPProtectStatus)
	if err != nil {
		return nrf.ProtectionNone, transportErr(op, err)
	}
	p := nrf.ProtectionNone
	if status&1 == 0 {
		p = nrf.ProtectionAll
	}
	s.state.Protection = p
	return p, nil
}

// nrf51Protection decodes UICR RBPCONF: PR0 in bits 7:0, PALL in 15:8, each
// enabled when zero.
func (s *Session) nrf51Protection() (nrf.ReadbackProtection, error) {
	v, err := s.readWord(nrf.UICRRBPCONF)
	if err != nil {
		return nrf.ProtectionNone, err
	}
	pr0, pall := v&0xFF == 0, v>>8&0xFF == 0
	switch {
	case pr0 && pall:
		return nrf.ProtectionBoth, nil
	case pall:
		return nrf.ProtectionAll, nil
	case pr0:
		return nrf.ProtectionRegion0, nil
	}
	return nrf.ProtectionNone, nil
}

// IsBPROTEnabled reports whether any block of [addr, addr+n) is write
// protected. Devices without BPROT report false.
func (s *Session) IsBPROTEnabled(addr, n uint32) (bool, error) {
	const op = "IsBPROTEnabled"
	if err := s.check(op, target...); err != nil {
		return false, err
	}
	c := s.core()
	if n == 0 || addr < c.CodeStart || uint64(addr-c.CodeStart)+uint64(n) > uint64(c.CodeSize) {
		return false, apierr.New(apierr.InvalidParameter, op, "range 0x%08X+0x%X is outside code flash", addr, n)
	}
	if !s.dev.HasBPROT {
		return false, nil
	}
	off, err := s.readWord(nrf.BPROTDisableInDebug)
	if err != nil {
		return false, transportErr(op, err)
	}
	if off&1 != 0 {
		return false, nil
	}
	var cfg [4]uint32
	for i := range cfg {
		if cfg[i], err = s.readWord(nrf.BPROTConfigReg(uint32(i) * 32)); err != nil {
			return false, transportErr(op, err)
		}
	}
	for b := addr / nrf.BPROTBlockSize; b <= (addr+n-1)/nrf.BPROTBlockSize; b++ {
		if cfg[b/32]&(1<<(b%32)) != 0 {
			return true, nil
		}
	}
	return false, nil
}

// DisableBPROT turns block protection off while the debugger is attached.
// The CONFIG bits themselves only clear on reset.
func (s *Session) DisableBPROT() error {
	const op = "DisableBPROT"
	if err := s.check(op, target...); err != nil {
		return err
	}
	return s.disableBPROT(op)
}

func (s *Session) disableBPROT(op string) error {
	if !s.dev.HasBPROT {
		return nil
	}
	if err := s.writeWord(nrf.BPROTDisableInDebug, 1); err != nil {
		return transportErr(op, err)
	}
	return nil
}

// ReadRegion0SizeAndSource returns the nRF51 region 0 boundary and whether
// it comes from FICR or UICR.
func (s *Session) ReadRegion0SizeAndSource() (uint32, nrf.Region0Source, error) {
	const op = "ReadRegion0SizeAndSource"
	if err := s.check(op, target...); err != nil {
		return 0, nrf.NoRegion0, err
	}
	if s.dev.Family != nrf.FamilyNRF51 {
		return 0, nrf.NoRegion0, apierr.New(apierr.InvalidDeviceForOperation, op, "region 0 exists on nRF51 only")
	}
	for _, src := range []struct {
		addr uint32
		kind nrf.Region0Source
	}{{nrf.FICRCLENR0, nrf.Region0Factory}, {nrf.UICRCLENR0, nrf.Region0User}} {
		v, err := s.readWord(src.addr)
		if err != nil {
			return 0, nrf.NoRegion0, transportErr(op, err)
		}
		if v != 0xFFFFFFFF {
			return v, src.kind, nil
		}
	}
	return 0, nrf.NoRegion0, nil
}

// IsEraseProtectEnabled reads the CTRL-AP erase protection status.
func (s *Session) IsEraseProtectEnabled() (bool, error) {
	const op = "IsEraseProtectEnabled"
	if err := s.check(op, requireProbe); err != nil {
		return false, err
	}
	if f := s.state.Family; f != nrf.FamilyNRF53 && f != nrf.FamilyNRF91 {
		return false, apierr.New(apierr.InvalidDeviceForOperation, op, "%s has no erase protection", f)
	}
	status, err := s.link.ReadAP(s.ctrlAP(), nrf.CtrlAPEraseProtStatus)
	if err != nil {
		return false, transportErr(op, err)
	}
	return status&1 == 0, nil
}

package session

import (
	"errors"
	"log/slog"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/idcode/deviceinfo"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/probe"
)

const (
	// DefaultDriver is used when DllOptions names no driver.
	DefaultDriver = "cmsis-dap"

	// MinTargetVoltageMV is the lowest VTref accepted by ConnectProbe.
	MinTargetVoltageMV = 1700

	// RecoverTimeout bounds the CTRL-AP ERASEALL wait.
	RecoverTimeout = 30 * time.Second

	// ReenumerateTimeout bounds the wait for a probe to come back after
	// ResetProbe.
	ReenumerateTimeout = 10 * time.Second

	debugPowerTimeout = 100 * time.Millisecond
	haltTimeout       = 500 * time.Millisecond
)

// MinDriverVersions holds the oldest accepted version per driver name.
// Drivers without an entry are accepted at any version.
var MinDriverVersions = map[string]probe.Version{
	"cmsis-dap": {Major: 2, Minor: 0},
	"simulator": {Major: 10, Minor: 0},
}

// DriverFactory opens a named probe library. path is DllOptions.Path.
type DriverFactory func(path string) (probe.Driver, error)

var (
	driversMu sync.Mutex
	drivers   = map[string]DriverFactory{
		"cmsis-dap": func(string) (probe.Driver, error) { return probe.NewCMSISDAPDriver(), nil },
	}
)

// RegisterDriver makes a driver available to DllOptions.DriverName.
func RegisterDriver(name string, f DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = f
}

// Drivers lists the registered driver names.
func Drivers() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupDriver(name string) (DriverFactory, bool) {
	driversMu.Lock()
	defer driversMu.Unlock()
	f, ok := drivers[name]
	return f, ok
}

// DllOptions configures OpenDll. Driver takes precedence over DriverName.
type DllOptions struct {
	Driver     probe.Driver
	DriverName string
	Path       string
	Logger     *slog.Logger
	Family     nrf.Family
}

// OpenDll loads the probe library. Family may be nrf.FamilyUnknown to take
// the family from the debug port at connect time.
func (s *Session) OpenDll(opts DllOptions) error {
	const op = "OpenDll"
	if err := s.check(op, requireDLLClosed); err != nil {
		return err
	}
	switch opts.Family {
	case nrf.FamilyNRF51, nrf.FamilyNRF52, nrf.FamilyNRF53, nrf.FamilyNRF91, nrf.FamilyUnknown:
	default:
		return apierr.New(apierr.InvalidParameter, op, "unsupported family %s", opts.Family)
	}
	if opts.Path != "" {
		if _, err := os.Stat(opts.Path); err != nil {
			return apierr.Wrap(apierr.ProbeNotFound, op, err)
		}
	}

	drv := opts.Driver
	if drv == nil {
		name := opts.DriverName
		if name == "" {
			name = DefaultDriver
		}
		f, ok := lookupDriver(name)
		if !ok {
			return apierr.New(apierr.ProbeNotFound, op, "no driver named %q", name)
		}
		var err error
		if drv, err = f(opts.Path); err != nil {
			return apierr.Wrap(apierr.ProbeOpenFailed, op, err)
		}
	}
	if least, ok := MinDriverVersions[drv.Name()]; ok && drv.Version().Less(least) {
		drv.Close()
		return apierr.New(apierr.ProbeTooOld, op, "%s %s is older than %s", drv.Name(), drv.Version(), least)
	}

	s.logger = opts.Logger
	s.driver = drv
	s.state = ConnectionState{
		DLL:        DLLOpen,
		Family:     opts.Family,
		Generation: s.state.Generation + 1,
	}
	s.debugLog("probe library opened", "driver", drv.Name(), "version", drv.Version().String(), "family", opts.Family.String())
	return nil
}

// CloseDll disconnects everything and releases the driver. Closing a closed
// library is a no-op.
func (s *Session) CloseDll() error {
	if err := s.check("CloseDll"); err != nil {
		return err
	}
	s.teardown()
	return nil
}

// teardown unwinds the whole connection without reporting errors.
func (s *Session) teardown() {
	if s.state.DLL != DLLOpen {
		return
	}
	s.disconnectProbe()
	if err := s.driver.Close(); err != nil {
		s.warnLog("closing driver failed", "error", err)
	}
	s.debugLog("probe library closed", "driver", s.driver.Name())
	s.driver = nil
	s.state = ConnectionState{Family: nrf.FamilyUnknown, Generation: s.state.Generation + 1}
	s.qspi = qspiState{}
	s.rtt = rttState{}
	s.descs = nil
}

// IsDllOpen reports whether the probe library is loaded.
func (s *Session) IsDllOpen() bool {
	return !s.closed && s.state.DLL == DLLOpen
}

// DllVersion returns the version of the loaded driver.
func (s *Session) DllVersion() (probe.Version, error) {
	if err := s.check("DllVersion", requireDLL); err != nil {
		return probe.Version{}, err
	}
	return s.driver.Version(), nil
}

// DllPath returns where the loaded driver comes from.
func (s *Session) DllPath() (string, error) {
	if err := s.check("DllPath", requireDLL); err != nil {
		return "", err
	}
	return s.driver.Path(), nil
}

// EnumerateProbes lists the serial numbers of attached probes.
func (s *Session) EnumerateProbes() ([]uint32, error) {
	const op = "EnumerateProbes"
	if err := s.check(op, requireDLL); err != nil {
		return nil, err
	}
	serials, err := s.driver.Enumerate()
	if err != nil {
		return nil, transportErr(op, err)
	}
	return serials, nil
}

// EnumerateComPorts lists the virtual serial ports of a probe.
func (s *Session) EnumerateComPorts(serial uint32) ([]probe.ComPort, error) {
	const op = "EnumerateComPorts"
	if err := s.check(op, requireDLL); err != nil {
		return nil, err
	}
	ports, err := s.driver.ComPorts(serial)
	if err != nil {
		return nil, transportErr(op, err)
	}
	return ports, nil
}

// ConnectProbe opens the probe with the given serial number, or the first
// one found when serial is nil. The clock is clamped to the driver limits.
func (s *Session) ConnectProbe(serial *uint32, clockKHz uint32) error {
	const op = "ConnectProbe"
	if err := s.check(op, requireDLL, requireNoProbe); err != nil {
		return err
	}

	serials, err := s.driver.Enumerate()
	if err != nil {
		return transportErr(op, err)
	}
	var sn uint32
	switch {
	case serial == nil && len(serials) == 0:
		return apierr.New(apierr.NoEmulatorConnected, op, "no probe attached")
	case serial == nil:
		sn = serials[0]
	case !slices.Contains(serials, *serial):
		return apierr.New(apierr.EmulatorNotConnected, op, "probe %d is not attached", *serial)
	default:
		sn = *serial
	}

	link, err := s.driver.Open(sn, s.driver.Limits().Clamp(clockKHz))
	if errors.Is(err, probe.ErrBusy) {
		return apierr.Wrap(apierr.InvalidOperation, op, err)
	}
	if err != nil {
		return transportErr(op, err)
	}

	info := link.Info()
	if info.TargetVoltageMV > 0 && info.TargetVoltageMV < MinTargetVoltageMV {
		link.Close()
		return apierr.New(apierr.LowVoltage, op, "target voltage %d mV", info.TargetVoltageMV)
	}

	family, err := identifyFamily(link)
	switch {
	case err != nil:
		// Nothing answered; ConnectDevice will report it.
		s.debugLog("no debug port response", "serial", sn, "error", err)
	case family == nrf.FamilyUnknown && s.state.Family != nrf.FamilyUnknown:
		link.Close()
		return apierr.New(apierr.WrongFamily, op, "debug port is not an %s", s.state.Family)
	case family != nrf.FamilyUnknown && s.state.Family != nrf.FamilyUnknown && family != s.state.Family:
		link.Close()
		return apierr.New(apierr.WrongFamily, op, "device is %s, configured for %s", family, s.state.Family)
	case s.state.Family == nrf.FamilyUnknown:
		s.state.Family = family
	}

	s.link = link
	s.state.Probe = ProbeConnected
	s.state.Serial = sn
	s.state.ClockKHz = info.ClockKHz
	s.debugLog("probe connected", "serial", sn, "clock_khz", info.ClockKHz, "family", s.state.Family.String())
	return nil
}

// identifyFamily names the family behind the debug port. Cortex-M33 ports
// are shared by nRF53 and nRF91; only nRF91 has a CTRL-AP at index 4.
func identifyFamily(l probe.Link) (nrf.Family, error) {
	raw, err := l.ReadDP(nrf.DPIDR)
	if err != nil {
		return nrf.FamilyUnknown, err
	}
	names := deviceinfo.Families(raw)
	if len(names) > 1 {
		idr, err := l.ReadAP(ctrlAPFor(nrf.FamilyNRF91, nrf.CoprocessorApplication), nrf.CtrlAPIDR)
		if err == nil && deviceinfo.LookupAP(idr).Name == "CTRL-AP" {
			return nrf.FamilyNRF91, nil
		}
		return nrf.FamilyNRF53, nil
	}
	if len(names) == 0 {
		return nrf.FamilyUnknown, nil
	}
	f, err := nrf.ParseFamily(names[0])
	if err != nil {
		return nrf.FamilyUnknown, nil
	}
	return f, nil
}

// IsConnectedToProbe reports the probe axis.
func (s *Session) IsConnectedToProbe() bool {
	return !s.closed && s.state.Probe == ProbeConnected
}

// IsConnectedToDevice reports the device axis.
func (s *Session) IsConnectedToDevice() bool {
	return !s.closed && s.state.Device == DeviceConnected
}

// ConnectedProbeSerial returns the serial of the connected probe.
func (s *Session) ConnectedProbeSerial() (uint32, error) {
	if err := s.check("ConnectedProbeSerial", requireProbe); err != nil {
		return 0, err
	}
	return s.state.Serial, nil
}

// ProbeInfo describes the connected probe.
type ProbeInfo struct {
	probe.Info
	ComPorts []probe.ComPort
}

// ProbeInfo returns the link description and COM ports of the connected
// probe.
func (s *Session) ProbeInfo() (ProbeInfo, error) {
	const op = "ProbeInfo"
	if err := s.check(op, requireProbe); err != nil {
		return ProbeInfo{}, err
	}
	ports, err := s.driver.ComPorts(s.state.Serial)
	if err != nil {
		return ProbeInfo{}, transportErr(op, err)
	}
	return ProbeInfo{Info: s.link.Info(), ComPorts: ports}, nil
}

// ReadConnectedProbeFirmware returns the probe firmware string.
func (s *Session) ReadConnectedProbeFirmware() (string, error) {
	if err := s.check("ReadConnectedProbeFirmware", requireProbe); err != nil {
		return "", err
	}
	return s.link.Info().Firmware, nil
}

// DisconnectProbe closes the link, disconnecting the device first. It is a
// no-op without a probe.
func (s *Session) DisconnectProbe() error {
	if err := s.check("DisconnectProbe", requireDLL); err != nil {
		return err
	}
	s.disconnectProbe()
	return nil
}

func (s *Session) disconnectProbe() {
	if s.state.Probe != ProbeConnected {
		return
	}
	s.disconnectDevice()
	if err := s.link.Close(); err != nil {
		s.warnLog("closing probe link failed", "serial", s.state.Serial, "error", err)
	}
	s.debugLog("probe disconnected", "serial", s.state.Serial)
	s.link = nil
	s.state.Probe = ProbeDisconnected
	s.state.Serial = 0
	s.state.ClockKHz = 0
}

// ResetProbe closes the link and waits for the probe to enumerate again,
// then reopens it at the same clock. There is one wait of up to
// ReenumerateTimeout and no retry after it.
func (s *Session) ResetProbe() error {
	const op = "ResetProbe"
	if err := s.check(op, requireProbe); err != nil {
		return err
	}
	serial, clock := s.state.Serial, s.state.ClockKHz
	s.disconnectProbe()

	deadline := time.Now().Add(s.reenumTimeout)
	for {
		link, err := s.driver.Open(serial, clock)
		if err == nil {
			s.link = link
			s.state.Probe = ProbeConnected
			s.state.Serial = serial
			s.state.ClockKHz = link.Info().ClockKHz
			s.debugLog("probe reset", "serial", serial)
			return nil
		}
		if time.Now().After(deadline) {
			return apierr.New(apierr.EmulatorNotConnected, op, "probe %d did not come back: %v", serial, err)
		}
		time.Sleep(s.pollInterval)
	}
}

// powerUpDebug requests the debug and system power domains and waits for
// both acknowledges.
func (s *Session) powerUpDebug() error {
	req := nrf.CtrlStatCDbgPwrUpReq | nrf.CtrlStatCSysPwrUpReq
	if err := s.link.WriteDP(nrf.DPCtrlStat, req); err != nil {
		return err
	}
	ack := nrf.CtrlStatCDbgPwrUpAck | nrf.CtrlStatCSysPwrUpAck
	deadline := time.Now().Add(debugPowerTimeout)
	for {
		v, err := s.link.ReadDP(nrf.DPCtrlStat)
		if err != nil {
			return err
		}
		if v&ack == ack {
			return nil
		}
		if time.Now().After(deadline) {
			return probe.ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func hasCtrlAP(f nrf.Family) bool {
	return f != nrf.FamilyNRF51
}

// ConnectDevice powers the debug domain, checks access port protection and
// identifies the device.
func (s *Session) ConnectDevice() error {
	const op = "ConnectDevice"
	if err := s.check(op, requireProbe); err != nil {
		return err
	}
	if s.state.Device == DeviceConnected {
		return apierr.New(apierr.InvalidOperation, op, "device already connected")
	}
	return s.connectDevice(op)
}

func (s *Session) connectDevice(op string) error {
	if s.state.Family == nrf.FamilyUnknown {
		f, err := identifyFamily(s.link)
		if err != nil {
			return apierr.Wrap(apierr.CannotConnect, op, err)
		}
		if f == nrf.FamilyUnknown {
			return apierr.New(apierr.UnknownDevice, op, "unrecognised debug port")
		}
		s.state.Family = f
	}
	if _, err := s.link.ReadDP(nrf.DPIDR); err != nil {
		return apierr.Wrap(apierr.CannotConnect, op, err)
	}
	if err := s.powerUpDebug(); err != nil {
		return apierr.Wrap(apierr.CannotConnect, op, err)
	}

	if hasCtrlAP(s.state.Family) {
		status, err := s.link.ReadAP(s.ctrlAP(), nrf.CtrlAPProtectStatus)
		if err != nil {
			return apierr.Wrap(apierr.CannotConnect, op, err)
		}
		if status&1 == 0 {
			s.state.Protection = nrf.ProtectionAll
			s.warnLog("device is readback protected", "serial", s.state.Serial)
			return apierr.New(apierr.NotAvailableBecauseProtection, op, "access port protection is enabled")
		}
	}

	version, err := s.detectVersion()
	if err != nil {
		return err
	}
	dev, err := nrf.Lookup(version)
	if err != nil {
		return apierr.Wrap(apierr.UnknownDevice, op, err)
	}
	if !dev.SupportsCoprocessor(s.state.Coprocessor) {
		s.state.Coprocessor = nrf.CoprocessorApplication
	}
	s.dev = dev
	s.state.Protection = nrf.ProtectionNone
	if dev.Family == nrf.FamilyNRF51 {
		if p, err := s.nrf51Protection(); err == nil {
			s.state.Protection = p
		}
	}
	s.state.Device = DeviceConnected
	s.bumpGeneration()
	s.debugLog("device connected", "device", dev.String(), "generation", s.state.Generation)
	return nil
}

// detectVersion reads FICR INFO on nRF52. Other families have no INFO block
// the device model understands and resolve to their newest known revision.
// The device is not known yet, so FICR is reached through the application
// core of the family.
func (s *Session) detectVersion() (nrf.DeviceVersion, error) {
	const op = "ConnectDevice"
	l, _ := nrf.FamilyLayout(s.state.Family, nrf.CoprocessorApplication)
	switch s.state.Family {
	case nrf.FamilyNRF52:
		part, err := s.readWord(l.FICRInfo + nrf.InfoPart)
		if err != nil {
			return 0, transportErr(op, err)
		}
		variant, err := s.readWord(l.FICRInfo + nrf.InfoVariant)
		if err != nil {
			return 0, transportErr(op, err)
		}
		v, err := nrf.Detect(part, variant)
		if err != nil {
			return 0, apierr.Wrap(apierr.UnknownDevice, op, err)
		}
		return v, nil
	case nrf.FamilyNRF51:
		pages, err := s.readWord(l.FICRCodePage + 4)
		if err != nil {
			return 0, transportErr(op, err)
		}
		if pageSize, err := s.readWord(l.FICRCodePage); err == nil && pages*pageSize == 0x20000 {
			return nrf.NRF51xxxABRev3, nil
		}
		return nrf.NRF51xxxAARev3, nil
	case nrf.FamilyNRF53:
		return nrf.NRF5340AAFuture, nil
	case nrf.FamilyNRF91:
		return nrf.NRF9160AAFuture, nil
	}
	return 0, apierr.New(apierr.UnknownDevice, op, "no device model for %s", s.state.Family)
}

// DisconnectDevice runs the debug exit sequence. It is a no-op without a
// connected device.
func (s *Session) DisconnectDevice() error {
	if err := s.check("DisconnectDevice", requireProbe); err != nil {
		return err
	}
	s.disconnectDevice()
	return nil
}

func (s *Session) disconnectDevice() {
	if s.state.Device != DeviceConnected {
		return
	}
	s.qspiRelease()
	s.rtt = rttState{}
	if s.state.Protection == nrf.ProtectionNone {
		// Clearing C_DEBUGEN also lets a halted core run
		if err := s.writeWord(nrf.DHCSR, nrf.DHCSRDbgKey); err != nil {
			s.warnLog("debug exit failed", "error", err)
		}
	}
	if err := s.link.WriteDP(nrf.DPCtrlStat, 0); err != nil {
		s.warnLog("debug power down failed", "error", err)
	}
	s.state.Device = DeviceDisconnected
	s.debugLog("device disconnected", "serial", s.state.Serial)
}

// Recover erases flash, UICR and RAM through the CTRL-AP, which also lifts
// readback protection, and leaves the device connected. After a failure the
// target state is unknown; close and reopen the session.
func (s *Session) Recover() error {
	const op = "Recover"
	if err := s.check(op, requireProbe); err != nil {
		return err
	}
	fail := func(err error) error {
		s.state.Device = DeviceDisconnected
		s.warnLog("recover failed", "error", err)
		return &apierr.Error{Kind: apierr.RecoverFailed, Op: op, Err: err}
	}

	if s.state.Device == DeviceConnected {
		s.qspiRelease()
		s.rtt = rttState{}
		s.state.Device = DeviceDisconnected
	}
	if s.state.Family == nrf.FamilyUnknown {
		f, err := identifyFamily(s.link)
		if err != nil || f == nrf.FamilyUnknown {
			return fail(errors.New("unrecognised debug port"))
		}
		s.state.Family = f
	}
	if err := s.powerUpDebug(); err != nil {
		return fail(err)
	}

	s.report("recover", 0, 1)
	if hasCtrlAP(s.state.Family) {
		if err := s.ctrlAPEraseAll(); err != nil {
			return fail(err)
		}
	} else if err := s.nvmcEraseAll(); err != nil {
		return fail(err)
	}

	s.state.Protection = nrf.ProtectionNone
	if err := s.connectDevice(op); err != nil {
		return fail(err)
	}
	s.report("recover", 1, 1)
	s.debugLog("device recovered", "serial", s.state.Serial)
	return nil
}

// ctrlAPEraseAll runs ERASEALL and pulses the CTRL-AP soft reset so the
// protection state is re-evaluated.
func (s *Session) ctrlAPEraseAll() error {
	ap := s.ctrlAP()
	if s.state.Family == nrf.FamilyNRF53 || s.state.Family == nrf.FamilyNRF91 {
		status, err := s.link.ReadAP(ap, nrf.CtrlAPEraseProtStatus)
		if err != nil {
			return err
		}
		if status&1 == 0 {
			return errors.New("erase protection is enabled")
		}
	}
	if err := s.link.WriteAP(ap, nrf.CtrlAPEraseAll, 1); err != nil {
		return err
	}
	deadline := time.Now().Add(s.recoverTimeout)
	for {
		status, err := s.link.ReadAP(ap, nrf.CtrlAPEraseAllStatus)
		if err != nil {
			return err
		}
		if status == 0 {
			break
		}
		if time.Now().After(deadline) {
			return probe.ErrTimeout
		}
		time.Sleep(s.pollInterval)
	}
	for _, v := range []uint32{1, 0} {
		if err := s.link.WriteAP(ap, nrf.CtrlAPReset, v); err != nil {
			return err
		}
	}
	return s.link.WriteAP(ap, nrf.CtrlAPEraseAll, 0)
}

// PinReset pulses nRESET. The debug port goes through JTAG on the way and
// the device is left disconnected.
func (s *Session) PinReset() error {
	const op = "PinReset"
	if err := s.check(op, requireProbe); err != nil {
		return err
	}
	if s.state.Device == DeviceConnected {
		s.qspiRelease()
		s.rtt = rttState{}
		s.state.Device = DeviceDisconnected
	}
	if err := s.link.Reset(probe.ResetPin); err != nil {
		return transportErr(op, err)
	}
	s.debugLog("pin reset", "serial", s.state.Serial)
	return nil
}

// DebugReset resets the device with the core caught at the reset vector.
func (s *Session) DebugReset() error {
	const op = "DebugReset"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if err := s.link.Reset(probe.ResetDebug); err != nil {
		return transportErr(op, err)
	}
	s.afterReset()
	return nil
}

// SysReset issues a system reset and halts the core.
func (s *Session) SysReset() error {
	const op = "SysReset"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if err := s.link.Reset(probe.ResetSystem); err != nil {
		return transportErr(op, err)
	}
	s.afterReset()
	if err := s.halt(); err != nil {
		return transportErr(op, err)
	}
	return nil
}

// afterReset drops state the reset cleared on the target. The QSPI
// peripheral is back to its reset values and the RTT control block may be
// rebuilt somewhere else.
func (s *Session) afterReset() {
	s.qspi.initialized = false
	s.qspi.snapshot = nil
	s.rtt.found = false
	s.rtt.channels = nil
}

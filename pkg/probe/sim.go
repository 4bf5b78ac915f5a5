package probe

import (
	"fmt"
	"sort"
	"sync"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
)

// SimProbe is one simulated debug probe. Target may be nil to model a probe
// with nothing attached.
type SimProbe struct {
	Serial          uint32
	Firmware        string
	TargetVoltageMV int
	Target          *SimTarget
	Ports           []ComPort

	open      bool
	pinResets int
}

// NewSimProbe returns a probe wired to a fresh target modelling dev.
func NewSimProbe(serial uint32, dev *nrf.Device) *SimProbe {
	return &SimProbe{
		Serial:          serial,
		Firmware:        "OpenTraceSWD simulator V1.00 compiled Oct 19 2026",
		TargetVoltageMV: 3300,
		Target:          NewSimTarget(dev),
		Ports: []ComPort{
			{Path: fmt.Sprintf("/dev/ttySIM%d", serial%1000), VCOM: 0, Serial: serial},
		},
	}
}

// PinResets reports how many nRESET pulses the probe has driven.
func (p *SimProbe) PinResets() int {
	return p.pinResets
}

// SimDriver is an in-memory Driver over a set of simulated probes. It is
// safe for concurrent use; each opened link belongs to a single caller.
type SimDriver struct {
	DriverVersion Version
	ClockLimits   Limits

	mu     sync.Mutex
	probes map[uint32]*SimProbe
}

// NewSimDriver builds a driver with the given probes attached.
func NewSimDriver(probes ...*SimProbe) *SimDriver {
	d := &SimDriver{
		DriverVersion: Version{Major: 10, Minor: 24, Revision: "2"},
		ClockLimits:   Limits{MinClockKHz: 125, MaxClockKHz: 50_000},
		probes:        make(map[uint32]*SimProbe),
	}
	for _, p := range probes {
		d.Attach(p)
	}
	return d
}

// Attach plugs a probe in.
func (d *SimDriver) Attach(p *SimProbe) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probes[p.Serial] = p
}

// Detach unplugs a probe.
func (d *SimDriver) Detach(serial uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.probes, serial)
}

// Probe returns an attached probe.
func (d *SimDriver) Probe(serial uint32) (*SimProbe, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.probes[serial]
	return p, ok
}

func (d *SimDriver) Name() string { return "simulator" }

func (d *SimDriver) Version() Version { return d.DriverVersion }

func (d *SimDriver) Path() string { return "sim://" }

func (d *SimDriver) Limits() Limits { return d.ClockLimits }

func (d *SimDriver) Enumerate() ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	serials := make([]uint32, 0, len(d.probes))
	for s := range d.probes {
		serials = append(serials, s)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })
	return serials, nil
}

func (d *SimDriver) ComPorts(serial uint32) ([]ComPort, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.probes[serial]
	if !ok {
		return nil, fmt.Errorf("probe %d: %w", serial, ErrNoProbe)
	}
	return append([]ComPort(nil), p.Ports...), nil
}

func (d *SimDriver) Open(serial uint32, clockKHz uint32) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.probes[serial]
	if !ok {
		return nil, fmt.Errorf("probe %d: %w", serial, ErrNoProbe)
	}
	if p.open {
		return nil, fmt.Errorf("probe %d: %w", serial, ErrBusy)
	}
	p.open = true
	return &simLink{driver: d, probe: p, clockKHz: d.ClockLimits.Clamp(clockKHz)}, nil
}

func (d *SimDriver) Close() error { return nil }

// simLink routes Link calls to a SimTarget, going through DP SELECT for
// access port registers as a real probe would.
type simLink struct {
	driver   *SimDriver
	probe    *SimProbe
	clockKHz uint32
	closed   bool
}

func (l *simLink) target() (*SimTarget, error) {
	if l.closed {
		return nil, fmt.Errorf("link closed: %w", ErrNoProbe)
	}
	if l.probe.Target == nil {
		return nil, ErrNoTarget
	}
	return l.probe.Target, nil
}

func (l *simLink) Info() Info {
	return Info{
		Serial:          l.probe.Serial,
		ClockKHz:        l.clockKHz,
		Firmware:        l.probe.Firmware,
		Vendor:          "OpenTraceLab",
		Product:         "SWD simulator",
		TargetVoltageMV: l.probe.TargetVoltageMV,
	}
}

func (l *simLink) ReadDP(reg uint8) (uint32, error) {
	t, err := l.target()
	if err != nil {
		return 0, err
	}
	return t.DPRead(reg)
}

func (l *simLink) WriteDP(reg uint8, value uint32) error {
	t, err := l.target()
	if err != nil {
		return err
	}
	return t.DPWrite(reg, value)
}

func (l *simLink) ReadAP(ap, reg uint8) (uint32, error) {
	t, err := l.target()
	if err != nil {
		return 0, err
	}
	if err := t.DPWrite(nrf.DPSelect, uint32(ap)<<24|uint32(reg&0xF0)); err != nil {
		return 0, err
	}
	return t.APRead(reg)
}

func (l *simLink) WriteAP(ap, reg uint8, value uint32) error {
	t, err := l.target()
	if err != nil {
		return err
	}
	if err := t.DPWrite(nrf.DPSelect, uint32(ap)<<24|uint32(reg&0xF0)); err != nil {
		return err
	}
	return t.APWrite(reg, value)
}

func (l *simLink) ReadMem(ap uint8, addr uint32, n int) ([]byte, error) {
	t, err := l.target()
	if err != nil {
		return nil, err
	}
	return t.ReadMem(ap, addr, n)
}

func (l *simLink) WriteMem(ap uint8, addr uint32, data []byte) error {
	t, err := l.target()
	if err != nil {
		return err
	}
	return t.WriteMem(ap, addr, data)
}

func (l *simLink) Reset(kind ResetKind) error {
	t, err := l.target()
	if err != nil {
		return err
	}
	if kind != ResetPin {
		return SoftReset(l, kind)
	}
	l.probe.pinResets++
	t.PowerCycle()
	return nil
}

func (l *simLink) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.driver.mu.Lock()
	l.probe.open = false
	l.driver.mu.Unlock()
	return nil
}

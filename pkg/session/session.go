// Package session drives an nRF5x target through an SWD probe.
//
// A Session owns one probe library, at most one connected probe and at most
// one connected device. Operations check, in order, that the session is
// open, that the connection is in the required state, that the device is
// not readback protected and only then validate their arguments, so a
// protected device reports NotAvailableBecauseProtection even for a
// misaligned address.
//
// A typical session:
//
//	h, _ := session.Open()
//	s, _ := session.Lookup(h)
//	s.OpenDll(session.DllOptions{DriverName: "cmsis-dap", Family: nrf.FamilyNRF52})
//	s.ConnectProbe(nil, 4000)
//	s.ConnectDevice()
//	pc, _ := s.ReadCPURegister(session.RegPC)
//
// Sessions are not safe for concurrent use. Distinct sessions bound to
// distinct probes may run in parallel.
package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/probe"
)

// Progress reports how far a long operation has come. Total is zero when
// the amount of work is not known up front.
type Progress struct {
	Phase string
	Done  int
	Total int
}

// Session is the state of one probe connection.
type Session struct {
	handle Handle
	closed bool

	logger   *slog.Logger
	progress func(Progress)

	state  ConnectionState
	driver probe.Driver
	link   probe.Link
	dev    *nrf.Device

	descs    []nrf.MemoryDescriptor
	descsGen uint64
	descsXIP uint32

	rtt  rttState
	qspi qspiState

	recoverTimeout time.Duration
	reenumTimeout  time.Duration
	pollInterval   time.Duration
}

func newSession(h Handle) *Session {
	return &Session{
		handle:         h,
		state:          ConnectionState{Family: nrf.FamilyUnknown},
		recoverTimeout: RecoverTimeout,
		reenumTimeout:  ReenumerateTimeout,
		pollInterval:   10 * time.Millisecond,
	}
}

// Handle returns the registry handle of s.
func (s *Session) Handle() Handle {
	return s.handle
}

// State returns a copy of the connection state.
func (s *Session) State() ConnectionState {
	return s.state
}

// SetProgress installs a callback for program, verify, erase and read
// progress. A nil fn removes it.
func (s *Session) SetProgress(fn func(Progress)) {
	s.progress = fn
}

func (s *Session) report(phase string, done, total int) {
	if s.progress != nil {
		s.progress(Progress{Phase: phase, Done: done, Total: total})
	}
}

func (s *Session) debugLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Session) warnLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

// transportErr classifies a probe failure. Errors that already carry a
// kind keep it.
func transportErr(op string, err error) error {
	var kind apierr.Kind
	switch {
	case errors.Is(err, probe.ErrTimeout):
		kind = apierr.ProbeTimeout
	case errors.Is(err, probe.ErrNoProbe):
		kind = apierr.EmulatorNotConnected
	case errors.Is(err, probe.ErrNoTarget):
		kind = apierr.CannotConnect
	case errors.Is(err, probe.ErrNotImplemented):
		kind = apierr.InvalidDeviceForOperation
	default:
		kind = apierr.ProbeError
	}
	return apierr.Wrap(kind, op, err)
}

// memAP is the memory access port of the selected coprocessor.
func (s *Session) memAP() uint8 {
	if s.dev == nil {
		return 0
	}
	return s.dev.AHBAP(s.state.Coprocessor)
}

// ctrlAP is the control access port of the selected coprocessor.
func (s *Session) ctrlAP() uint8 {
	if s.dev != nil {
		return s.dev.CtrlAP(s.state.Coprocessor)
	}
	return ctrlAPFor(s.state.Family, s.state.Coprocessor)
}

// ctrlAPFor locates the CTRL-AP before the device version is known.
func ctrlAPFor(f nrf.Family, c nrf.Coprocessor) uint8 {
	return (&nrf.Device{Family: f}).CtrlAP(c)
}

// core is the memory model of the selected coprocessor. Only valid with a
// device connected.
func (s *Session) core() *nrf.CPU {
	return s.dev.Core(s.state.Coprocessor)
}

func (s *Session) readWord(addr uint32) (uint32, error) {
	return probe.ReadWord(s.link, s.memAP(), addr)
}

func (s *Session) writeWord(addr, v uint32) error {
	return probe.WriteWord(s.link, s.memAP(), addr, v)
}

// bumpGeneration invalidates cached descriptors and RTT channel lists.
func (s *Session) bumpGeneration() {
	s.state.Generation++
	s.rtt.channels = nil
}

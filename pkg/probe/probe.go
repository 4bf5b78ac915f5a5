// Package probe defines the transport contract between the session engine and
// a physical or simulated SWD debug probe.
//
// A Driver represents a probe library: it enumerates attached probes and opens
// a Link to one of them. A Link carries debug port, access port and memory
// transactions to the target behind the probe. Links are not safe for
// concurrent use by several goroutines unless an implementation says so.
package probe

import (
	"errors"
	"fmt"
)

// Version is a probe library or firmware version.
type Version struct {
	Major    int
	Minor    int
	Revision string
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%s", v.Major, v.Minor, v.Revision)
}

// Less orders by major then minor. Revision is informational.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// ComPort is a virtual serial port exposed by a probe.
type ComPort struct {
	Path   string
	VCOM   int
	Serial uint32
}

// Limits are the SWD clock bounds a driver supports.
type Limits struct {
	MinClockKHz uint32
	MaxClockKHz uint32
}

// Clamp forces khz into [MinClockKHz, MaxClockKHz].
func (l Limits) Clamp(khz uint32) uint32 {
	return min(max(khz, l.MinClockKHz), l.MaxClockKHz)
}

// Info describes an open link.
type Info struct {
	Serial          uint32
	ClockKHz        uint32
	Firmware        string
	Vendor          string
	Product         string
	TargetVoltageMV int // 0 when the probe cannot measure VTref
}

// ResetKind selects how Link.Reset resets the target.
type ResetKind int

const (
	// ResetSystem requests SYSRESETREQ through AIRCR.
	ResetSystem ResetKind = iota
	// ResetDebug is a system reset with the core caught at the reset vector.
	ResetDebug
	// ResetPin drives nRESET. The SWJ-DP is moved through JTAG on the way so
	// the debug port comes back in a known state; any debug session is lost.
	ResetPin
)

func (k ResetKind) String() string {
	switch k {
	case ResetSystem:
		return "system"
	case ResetDebug:
		return "debug"
	case ResetPin:
		return "pin"
	}
	return fmt.Sprintf("ResetKind(%d)", int(k))
}

// Driver abstracts a probe library.
type Driver interface {
	Name() string
	Version() Version
	Path() string
	Enumerate() ([]uint32, error)
	ComPorts(serial uint32) ([]ComPort, error)
	Limits() Limits
	Open(serial uint32, clockKHz uint32) (Link, error)
	Close() error
}

// Link abstracts an open connection to one probe and its target.
// Memory transfers must be word aligned with a length that is a multiple of 4.
type Link interface {
	Info() Info
	ReadDP(reg uint8) (uint32, error)
	WriteDP(reg uint8, value uint32) error
	ReadAP(ap, reg uint8) (uint32, error)
	WriteAP(ap, reg uint8, value uint32) error
	ReadMem(ap uint8, addr uint32, n int) ([]byte, error)
	WriteMem(ap uint8, addr uint32, data []byte) error
	Reset(kind ResetKind) error
	Close() error
}

var (
	// ErrNotImplemented lets backends signal that a requested capability is
	// not available.
	ErrNotImplemented = errors.New("probe: not implemented")
	// ErrTimeout reports a transfer that never completed, such as an access to
	// an unpowered RAM section stalling the bus.
	ErrTimeout = errors.New("probe: transfer timed out")
	// ErrNoProbe reports a serial number that is not attached.
	ErrNoProbe = errors.New("probe: no such probe")
	// ErrNoTarget reports a debug port that does not acknowledge.
	ErrNoTarget = errors.New("probe: target not responding")
	// ErrFault reports a FAULT acknowledge, for example from a protected
	// access port.
	ErrFault = errors.New("probe: transfer fault")
	// ErrBusy reports a probe already opened by another link.
	ErrBusy = errors.New("probe: already in use")
)

// CheckAligned validates a memory transfer against the Link contract.
func CheckAligned(addr uint32, n int) error {
	if addr%4 != 0 {
		return fmt.Errorf("probe: address 0x%08X is not word aligned", addr)
	}
	if n < 0 || n%4 != 0 {
		return fmt.Errorf("probe: length %d is not a multiple of 4", n)
	}
	return nil
}

package session

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
)

// DLLState is the probe library axis of a connection.
type DLLState int

const (
	DLLClosed DLLState = iota
	DLLOpen
)

func (s DLLState) String() string {
	if s == DLLOpen {
		return "open"
	}
	return "closed"
}

// ProbeState is the probe axis of a connection.
type ProbeState int

const (
	ProbeDisconnected ProbeState = iota
	ProbeConnected
)

func (s ProbeState) String() string {
	if s == ProbeConnected {
		return "connected"
	}
	return "disconnected"
}

// DeviceState is the target axis of a connection.
type DeviceState int

const (
	DeviceDisconnected DeviceState = iota
	DeviceConnected
)

func (s DeviceState) String() string {
	if s == DeviceConnected {
		return "connected"
	}
	return "disconnected"
}

// ConnectionState is the whole connection of a session in one value.
// Serial and ClockKHz are meaningful only while the probe is connected.
//
// Generation increases whenever the identity of the memory seen through the
// session may have changed: a family or coprocessor switch, a recover, a
// device reconnect or a library reopen. Anything cached against an older
// generation must be fetched again.
type ConnectionState struct {
	DLL         DLLState
	Probe       ProbeState
	Serial      uint32
	ClockKHz    uint32
	Device      DeviceState
	Family      nrf.Family
	Coprocessor nrf.Coprocessor
	Protection  nrf.ReadbackProtection
	Generation  uint64
}

func (c ConnectionState) String() string {
	return fmt.Sprintf("dll=%s probe=%s device=%s family=%s protection=%s gen=%d",
		c.DLL, c.Probe, c.Device, c.Family, c.Protection, c.Generation)
}

// Validate checks the nesting of the three axes.
func (c ConnectionState) Validate() error {
	if c.Probe == ProbeConnected && c.DLL != DLLOpen {
		return fmt.Errorf("probe connected with the library closed")
	}
	if c.Device == DeviceConnected && c.Probe != ProbeConnected {
		return fmt.Errorf("device connected without a probe")
	}
	return nil
}

// precondition is one state check performed before an operation touches
// the probe.
type precondition func(ConnectionState) error

func requireDLL(c ConnectionState) error {
	if c.DLL != DLLOpen {
		return apierr.New(apierr.InvalidOperation, "", "probe library is not open")
	}
	return nil
}

func requireDLLClosed(c ConnectionState) error {
	if c.DLL == DLLOpen {
		return apierr.New(apierr.InvalidOperation, "", "probe library is already open")
	}
	return nil
}

func requireProbe(c ConnectionState) error {
	if err := requireDLL(c); err != nil {
		return err
	}
	if c.Probe != ProbeConnected {
		return apierr.New(apierr.InvalidOperation, "", "no probe connected")
	}
	return nil
}

func requireNoProbe(c ConnectionState) error {
	if c.Probe == ProbeConnected {
		return apierr.New(apierr.InvalidOperation, "", "already connected to probe %d", c.Serial)
	}
	return nil
}

func requireDevice(c ConnectionState) error {
	if err := requireProbe(c); err != nil {
		return err
	}
	if c.Device != DeviceConnected {
		return apierr.New(apierr.InvalidOperation, "", "device not connected")
	}
	return nil
}

// requireUnprotected fails when the access port is locked. Region 0
// protection on nRF51 only guards part of flash and is left to the hardware.
func requireUnprotected(c ConnectionState) error {
	switch c.Protection {
	case nrf.ProtectionAll, nrf.ProtectionBoth, nrf.ProtectionSecure:
		return apierr.New(apierr.NotAvailableBecauseProtection, "", "device is readback protected (%s)", c.Protection)
	}
	return nil
}

// check runs the session validity check and then each precondition in
// order, stamping the first failure with op.
func (s *Session) check(op string, pre ...precondition) error {
	if s.closed {
		return apierr.New(apierr.InvalidSession, op, "session %s is closed", s.handle)
	}
	for _, p := range pre {
		if err := p(s.state); err != nil {
			return apierr.Wrap(apierr.InvalidOperation, op, err)
		}
	}
	return nil
}

// target is the precondition set of every operation that reads or writes
// target memory.
var target = []precondition{requireDevice, requireUnprotected}

package probe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
)

const (
	// DefaultPacketSize applies until the bulk IN endpoint reports its own.
	DefaultPacketSize = 64
	// DefaultTimeout bounds one command/response round trip.
	DefaultTimeout = 5 * time.Second
)

// transport is the command/response channel to the probe firmware.
type transport interface {
	WriteRead(cmd []byte) ([]byte, error)
	PacketSize() int
	Close() error
}

// USBTransport carries DAP commands over the bulk endpoints of a CMSIS-DAP
// v2 probe. A command and its response are one transfer each.
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	timeout    time.Duration
}

// OpenUSBTransport opens the CMSIS-DAP probe whose USB serial string maps
// to serial.
func OpenUSBTransport(serial uint32) (*USBTransport, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(isUSBProbe)
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("open USB devices: %w", err)
	}

	var dev *gousb.Device
	for _, d := range devs {
		s, err := d.SerialNumber()
		if dev == nil && err == nil && ParseSerial(s) == serial {
			dev = d
			continue
		}
		d.Close()
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("probe %d: %w", serial, ErrNoProbe)
	}

	// Linux needs the kernel CDC driver detached; other platforms refuse
	_ = dev.SetAutoDetach(true)

	t := &USBTransport{
		ctx:        ctx,
		dev:        dev,
		packetSize: DefaultPacketSize,
		timeout:    DefaultTimeout,
	}
	if err := t.claim(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// claim takes the first vendor-class interface that carries a bulk OUT and
// a bulk IN endpoint. Composite probes also expose CDC and MSC interfaces,
// and some (J-Link OB) more than one vendor interface.
func (t *USBTransport) claim() error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return fmt.Errorf("USB config: %w", err)
	}
	t.cfg = cfg

	for _, desc := range cfg.Desc.Interfaces {
		if len(desc.AltSettings) == 0 {
			continue
		}
		alt := desc.AltSettings[0]
		if alt.Class != gousb.ClassVendorSpec {
			continue
		}
		out, in, ok := bulkPair(alt)
		if !ok {
			continue
		}
		intf, err := cfg.Interface(desc.Number, alt.Alternate)
		if err != nil {
			return fmt.Errorf("claim interface %d: %w", desc.Number, err)
		}
		t.intf = intf
		if t.epOut, err = intf.OutEndpoint(out.Number); err != nil {
			return fmt.Errorf("endpoint 0x%02X: %w", uint8(out.Address), err)
		}
		if t.epIn, err = intf.InEndpoint(in.Number); err != nil {
			return fmt.Errorf("endpoint 0x%02X: %w", uint8(in.Address), err)
		}
		t.packetSize = in.MaxPacketSize
		return nil
	}
	return fmt.Errorf("no CMSIS-DAP v2 interface: %w", ErrNoProbe)
}

func bulkPair(alt gousb.InterfaceSetting) (out, in gousb.EndpointDesc, ok bool) {
	var haveOut, haveIn bool
	for _, ep := range alt.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut && !haveOut {
			out, haveOut = ep, true
		}
		if ep.Direction == gousb.EndpointDirectionIn && !haveIn {
			in, haveIn = ep, true
		}
	}
	return out, in, haveOut && haveIn
}

// WriteRead sends one DAP command and waits for its response.
func (t *USBTransport) WriteRead(cmd []byte) ([]byte, error) {
	if _, err := t.epOut.Write(cmd); err != nil {
		return nil, fmt.Errorf("DAP command 0x%02X: %w", cmd[0], err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	resp := make([]byte, t.packetSize)
	n, err := t.epIn.ReadContext(ctx, resp)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("DAP response 0x%02X: %w", cmd[0], ErrTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("DAP response 0x%02X: %w", cmd[0], err)
	}
	return resp[:n], nil
}

func (t *USBTransport) PacketSize() int {
	return t.packetSize
}

func (t *USBTransport) SetTimeout(timeout time.Duration) {
	t.timeout = timeout
}

// Close releases the interface, device and libusb context in reverse order
// of acquisition. It is safe to call on a partly opened transport.
func (t *USBTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	var err error
	if t.cfg != nil {
		err = t.cfg.Close()
	}
	if t.dev != nil {
		err = errors.Join(err, t.dev.Close())
	}
	if t.ctx != nil {
		err = errors.Join(err, t.ctx.Close())
	}
	t.intf, t.cfg, t.dev, t.ctx = nil, nil, nil, nil
	return err
}

// ParseSerial maps a USB serial string to the numeric serial used by the
// session API. Decimal strings are taken as-is; anything else uses the
// low 32 bits of its trailing hex digits.
func ParseSerial(s string) uint32 {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(v)
	}
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

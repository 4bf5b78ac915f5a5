package probe

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/tap"
)

// tarWrapSize is the TAR auto-increment boundary of an ADIv5 MEM-AP.
const tarWrapSize = 0x400

// CMSISDAPDriver implements Driver for CMSIS-DAP v2 probes over USB.
type CMSISDAPDriver struct {
	discover func(ctx context.Context) ([]USBProbe, error)
	open     func(serial uint32) (transport, error)
	serialID string // glob root for virtual COM ports
}

// NewCMSISDAPDriver returns a driver backed by gousb.
func NewCMSISDAPDriver() *CMSISDAPDriver {
	return &CMSISDAPDriver{
		discover: ListUSB,
		open: func(serial uint32) (transport, error) {
			return OpenUSBTransport(serial)
		},
		serialID: "/dev/serial/by-id",
	}
}

func (d *CMSISDAPDriver) Name() string { return "cmsis-dap" }

func (d *CMSISDAPDriver) Version() Version { return Version{Major: 2, Minor: 1, Revision: "0"} }

func (d *CMSISDAPDriver) Path() string { return "libusb-1.0" }

func (d *CMSISDAPDriver) Limits() Limits {
	return Limits{MinClockKHz: 1, MaxClockKHz: 10_000}
}

// Enumerate lists the serial numbers of attached probes.
func (d *CMSISDAPDriver) Enumerate() ([]uint32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	infos, err := d.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate probes: %w", err)
	}
	serials := make([]uint32, 0, len(infos))
	for _, info := range infos {
		serials = append(serials, info.Serial)
	}
	return serials, nil
}

// ComPorts matches udev's by-id links against the probe serial. The VCOM
// index follows the USB interface number order.
func (d *CMSISDAPDriver) ComPorts(serial uint32) ([]ComPort, error) {
	links, err := filepath.Glob(filepath.Join(d.serialID, "usb-*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(links)

	var ports []ComPort
	for _, link := range links {
		name := filepath.Base(link)
		iface := strings.LastIndex(name, "-if")
		if iface < 0 {
			continue
		}
		under := strings.LastIndex(name[:iface], "_")
		if under < 0 || ParseSerial(name[under+1:iface]) != serial {
			continue
		}
		path, err := filepath.EvalSymlinks(link)
		if err != nil {
			path = link
		}
		ports = append(ports, ComPort{Path: path, VCOM: len(ports), Serial: serial})
	}
	return ports, nil
}

// Open connects to the probe and configures it for SWD at clockKHz.
func (d *CMSISDAPDriver) Open(serial uint32, clockKHz uint32) (Link, error) {
	t, err := d.open(serial)
	if err != nil {
		return nil, err
	}
	l, err := newCMSISDAPLink(t, serial, d.Limits().Clamp(clockKHz))
	if err != nil {
		t.Close()
		return nil, err
	}
	return l, nil
}

func (d *CMSISDAPDriver) Close() error { return nil }

// cmsisdapLink implements Link on top of DAP_Transfer commands.
type cmsisdapLink struct {
	transport transport
	protocol  *CMSISDAPProtocol
	info      Info

	selected    uint32
	selectValid bool
	csw         map[uint8]uint32

	mu sync.Mutex // Protect concurrent access
}

func newCMSISDAPLink(t transport, serial, clockKHz uint32) (*cmsisdapLink, error) {
	l := &cmsisdapLink{
		transport: t,
		protocol:  NewCMSISDAPProtocol(t.PacketSize()),
		csw:       make(map[uint8]uint32),
	}
	if err := l.queryInfo(serial, clockKHz); err != nil {
		return nil, fmt.Errorf("failed to query device info: %w", err)
	}
	if err := l.connect(clockKHz); err != nil {
		return nil, fmt.Errorf("failed to connect to SWD: %w", err)
	}
	return l, nil
}

// queryInfo retrieves device information from the probe
func (l *cmsisdapLink) queryInfo(serial, clockKHz uint32) error {
	info := func(id byte) (string, error) {
		resp, err := l.transport.WriteRead(l.protocol.EncodeInfo(id))
		if err != nil {
			return "", err
		}
		return l.protocol.DecodeInfo(resp)
	}

	vendor, err := info(InfoVendorID)
	if err != nil {
		return err
	}
	product, _ := info(InfoProductID)
	firmware, _ := info(InfoFirmwareVer)

	l.info = Info{
		Serial:   serial,
		ClockKHz: clockKHz,
		Firmware: firmware,
		Vendor:   vendor,
		Product:  product,
	}
	return nil
}

// connect selects SWD, sets the clock and switches the SWJ-DP from JTAG.
func (l *cmsisdapLink) connect(clockKHz uint32) error {
	resp, err := l.transport.WriteRead(l.protocol.EncodeConnect(PortSWD))
	if err != nil {
		return err
	}
	port, err := l.protocol.DecodeConnect(resp)
	if err != nil {
		return err
	}
	if port != PortSWD {
		return fmt.Errorf("failed to connect to SWD (got port %d)", port)
	}

	cmds := [][]byte{
		l.protocol.EncodeSWJClock(clockKHz * 1000),
		l.protocol.EncodeTransferConfigure(0, 0x100, 0),
		l.protocol.EncodeSWDConfigure(1, false),
	}
	for _, cmd := range cmds {
		if err := l.status(cmd); err != nil {
			return err
		}
	}
	return l.sequence(tap.JTAGToSWD(tap.NewStateMachine()))
}

func (l *cmsisdapLink) status(cmd []byte) error {
	resp, err := l.transport.WriteRead(cmd)
	if err != nil {
		return err
	}
	return l.protocol.DecodeStatus(cmd[0], resp)
}

func (l *cmsisdapLink) sequence(bits tap.Bits) error {
	for _, chunk := range bits.Chunks(maxSWJBits) {
		cmd, err := l.protocol.EncodeSWJSequence(chunk.Count, chunk.Data)
		if err != nil {
			return err
		}
		if err := l.status(cmd); err != nil {
			return fmt.Errorf("SWJ sequence: %w", err)
		}
	}
	l.selectValid = false
	clear(l.csw)
	return nil
}

func (l *cmsisdapLink) Info() Info {
	return l.info
}

func (l *cmsisdapLink) transfer(reqs []TransferRequest) ([]uint32, error) {
	cmd, err := l.protocol.EncodeTransfer(reqs)
	if err != nil {
		return nil, err
	}
	resp, err := l.transport.WriteRead(cmd)
	if err != nil {
		return nil, err
	}
	return l.protocol.DecodeTransfer(resp, reqs)
}

// selectRequest returns the DP SELECT write needed before touching reg on
// ap, or nothing when SELECT already matches.
func (l *cmsisdapLink) selectRequest(ap, reg uint8) []TransferRequest {
	sel := uint32(ap)<<24 | uint32(reg&0xF0)
	if l.selectValid && l.selected == sel {
		return nil
	}
	l.selected, l.selectValid = sel, true
	return []TransferRequest{{Reg: nrf.DPSelect, Value: sel}}
}

func (l *cmsisdapLink) ReadDP(reg uint8) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	vals, err := l.transfer([]TransferRequest{{Read: true, Reg: reg}})
	if err != nil {
		return 0, fmt.Errorf("read DP 0x%X: %w", reg, err)
	}
	return vals[0], nil
}

func (l *cmsisdapLink) WriteDP(reg uint8, value uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if reg == nrf.DPSelect {
		l.selectValid = false
	}
	if _, err := l.transfer([]TransferRequest{{Reg: reg, Value: value}}); err != nil {
		return fmt.Errorf("write DP 0x%X: %w", reg, err)
	}
	return nil
}

func (l *cmsisdapLink) ReadAP(ap, reg uint8) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	reqs := append(l.selectRequest(ap, reg), TransferRequest{AP: true, Read: true, Reg: reg & 0xC})
	vals, err := l.transfer(reqs)
	if err != nil {
		l.selectValid = false
		return 0, fmt.Errorf("read AP%d 0x%02X: %w", ap, reg, err)
	}
	return vals[0], nil
}

func (l *cmsisdapLink) WriteAP(ap, reg uint8, value uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writeAP(ap, reg, value)
}

func (l *cmsisdapLink) writeAP(ap, reg uint8, value uint32) error {
	reqs := append(l.selectRequest(ap, reg), TransferRequest{AP: true, Reg: reg & 0xC, Value: value})
	if _, err := l.transfer(reqs); err != nil {
		l.selectValid = false
		return fmt.Errorf("write AP%d 0x%02X: %w", ap, reg, err)
	}
	if reg == nrf.APCSW {
		l.csw[ap] = value
	}
	return nil
}

func (l *cmsisdapLink) setupMemAP(ap uint8, addr uint32) error {
	csw := nrf.CSWDefault | nrf.CSWSize32 | nrf.CSWAddrIncSingle
	if cur, ok := l.csw[ap]; !ok || cur != csw {
		if err := l.writeAP(ap, nrf.APCSW, csw); err != nil {
			return err
		}
	}
	return l.writeAP(ap, nrf.APTAR, addr)
}

// memChunks splits [addr, addr+n) at TAR wrap boundaries and packet limits.
func (l *cmsisdapLink) memChunks(addr uint32, n int) [][2]uint32 {
	var out [][2]uint32
	maxBytes := uint32(l.protocol.MaxBlockWords() * 4)
	for n > 0 {
		size := min(uint32(n), tarWrapSize-addr%tarWrapSize, maxBytes)
		out = append(out, [2]uint32{addr, size})
		addr += size
		n -= int(size)
	}
	return out
}

func (l *cmsisdapLink) ReadMem(ap uint8, addr uint32, n int) ([]byte, error) {
	if err := CheckAligned(addr, n); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]byte, 0, n)
	for _, c := range l.memChunks(addr, n) {
		if err := l.setupMemAP(ap, c[0]); err != nil {
			return nil, err
		}
		words := int(c[1] / 4)
		resp, err := l.transport.WriteRead(l.protocol.EncodeTransferBlockRead(true, nrf.APDRW, words))
		if err != nil {
			return nil, err
		}
		vals, err := l.protocol.DecodeTransferBlock(resp, words, true)
		if err != nil {
			return nil, fmt.Errorf("read 0x%08X: %w", c[0], err)
		}
		for _, v := range vals {
			out = binary.LittleEndian.AppendUint32(out, v)
		}
	}
	return out, nil
}

func (l *cmsisdapLink) WriteMem(ap uint8, addr uint32, data []byte) error {
	if err := CheckAligned(addr, len(data)); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range l.memChunks(addr, len(data)) {
		if err := l.setupMemAP(ap, c[0]); err != nil {
			return err
		}
		chunk := data[c[0]-addr : c[0]-addr+c[1]]
		words := make([]uint32, len(chunk)/4)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(chunk[4*i:])
		}
		resp, err := l.transport.WriteRead(l.protocol.EncodeTransferBlockWrite(true, nrf.APDRW, words))
		if err != nil {
			return err
		}
		if _, err := l.protocol.DecodeTransferBlock(resp, len(words), false); err != nil {
			return fmt.Errorf("write 0x%08X: %w", c[0], err)
		}
	}
	return nil
}

// Reset resets the target. System and debug resets go through the core's
// AIRCR; a pin reset detours the SWJ-DP through JTAG around the nRESET pulse.
func (l *cmsisdapLink) Reset(kind ResetKind) error {
	if kind != ResetPin {
		return SoftReset(l, kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	m := tap.NewStateMachine()
	if err := l.sequence(tap.SWDToJTAG(m)); err != nil {
		return err
	}
	for _, level := range []byte{0, PinNRESET} {
		resp, err := l.transport.WriteRead(l.protocol.EncodeSWJPins(level, PinNRESET, 0))
		if err != nil {
			return fmt.Errorf("drive nRESET: %w", err)
		}
		if _, err := l.protocol.DecodeSWJPins(resp); err != nil {
			return err
		}
		if level == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	return l.sequence(tap.JTAGToSWD(m))
}

func (l *cmsisdapLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.transport == nil {
		return nil
	}
	// Best effort, the probe may already be gone
	_, _ = l.transport.WriteRead(l.protocol.EncodeDisconnect())
	err := l.transport.Close()
	l.transport = nil
	return err
}

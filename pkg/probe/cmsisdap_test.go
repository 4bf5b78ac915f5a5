package probe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
)

// fakeDAP answers CMSIS-DAP commands on behalf of a SimTarget, standing in
// for probe firmware.
type fakeDAP struct {
	target     *SimTarget
	packetSize int
	swjBits    int
	pinWrites  []byte
	clockHz    uint32
	closed     bool
}

func newFakeDAP(t *testing.T) *fakeDAP {
	t.Helper()
	dev, err := nrf.Lookup(nrf.NRF52840AARev2)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	return &fakeDAP{target: NewSimTarget(dev), packetSize: 64}
}

func (f *fakeDAP) PacketSize() int { return f.packetSize }

func (f *fakeDAP) Close() error {
	f.closed = true
	return nil
}

func ackFor(err error) byte {
	switch {
	case err == nil:
		return AckOK
	case errors.Is(err, ErrTimeout):
		return AckWait
	case errors.Is(err, ErrFault):
		return AckFault
	}
	return AckNoAck
}

func (f *fakeDAP) access(ap, read bool, reg uint8, v uint32) (uint32, error) {
	switch {
	case ap && read:
		return f.target.APRead(reg)
	case ap:
		return 0, f.target.APWrite(reg, v)
	case read:
		return f.target.DPRead(reg)
	}
	return 0, f.target.DPWrite(reg, v)
}

func (f *fakeDAP) WriteRead(cmd []byte) ([]byte, error) {
	switch cmd[0] {
	case CmdInfo:
		s := map[byte]string{InfoVendorID: "OpenTraceLab", InfoProductID: "Fake DAP", InfoFirmwareVer: "2.1.0"}[cmd[1]]
		return append([]byte{CmdInfo, byte(len(s))}, s...), nil
	case CmdConnect:
		return []byte{CmdConnect, cmd[1]}, nil
	case CmdDisconnect:
		return []byte{CmdDisconnect, StatusOK}, nil
	case CmdSWJClock:
		f.clockHz = binary.LittleEndian.Uint32(cmd[1:])
		return []byte{cmd[0], StatusOK}, nil
	case CmdTransferConfigure, CmdSWDConfigure:
		return []byte{cmd[0], StatusOK}, nil
	case CmdSWJSequence:
		n := int(cmd[1])
		if n == 0 {
			n = 256
		}
		f.swjBits += n
		return []byte{cmd[0], StatusOK}, nil
	case CmdSWJPins:
		f.pinWrites = append(f.pinWrites, cmd[1])
		if cmd[1]&PinNRESET != 0 {
			f.target.PowerCycle()
		}
		return []byte{cmd[0], cmd[1]}, nil
	case CmdTransfer:
		resp := []byte{CmdTransfer, 0, AckOK}
		off := 3
		for i := 0; i < int(cmd[2]); i++ {
			req := cmd[off]
			off++
			var v uint32
			read := req&reqRnW != 0
			if !read {
				v = binary.LittleEndian.Uint32(cmd[off:])
				off += 4
			}
			got, err := f.access(req&reqAPnDP != 0, read, req&0xC, v)
			if err != nil {
				resp[2] = ackFor(err)
				return resp, nil
			}
			resp[1]++
			if read {
				resp = binary.LittleEndian.AppendUint32(resp, got)
			}
		}
		return resp, nil
	case CmdTransferBlock:
		count := int(binary.LittleEndian.Uint16(cmd[2:]))
		req := cmd[4]
		read := req&reqRnW != 0
		resp := []byte{CmdTransferBlock, 0, 0, AckOK}
		for i := 0; i < count; i++ {
			var v uint32
			if !read {
				v = binary.LittleEndian.Uint32(cmd[5+4*i:])
			}
			got, err := f.access(req&reqAPnDP != 0, read, req&0xC, v)
			if err != nil {
				resp[3] = ackFor(err)
				break
			}
			binary.LittleEndian.PutUint16(resp[1:], uint16(i+1))
			if read {
				resp = binary.LittleEndian.AppendUint32(resp, got)
			}
		}
		return resp, nil
	}
	return []byte{cmd[0], StatusError}, nil
}

func openFakeLink(t *testing.T) (*cmsisdapLink, *fakeDAP) {
	t.Helper()
	f := newFakeDAP(t)
	l, err := newCMSISDAPLink(f, 683000001, 4000)
	if err != nil {
		t.Fatalf("newCMSISDAPLink: %v", err)
	}
	return l, f
}

func TestCMSISDAPLinkConnect(t *testing.T) {
	l, f := openFakeLink(t)

	info := l.Info()
	if info.Vendor != "OpenTraceLab" || info.Firmware != "2.1.0" || info.Serial != 683000001 {
		t.Fatalf("Info = %+v", info)
	}
	if f.clockHz != 4_000_000 {
		t.Fatalf("clock = %d Hz, want 4 MHz", f.clockHz)
	}
	// TAP reset (5) + line reset + select code + line reset + 8 idle
	if want := 5 + 56 + 16 + 56 + 8; f.swjBits != want {
		t.Fatalf("SWJ bits = %d, want %d", f.swjBits, want)
	}

	idr, err := l.ReadDP(nrf.DPIDR)
	if err != nil {
		t.Fatalf("ReadDP: %v", err)
	}
	if idr != 0x2BA01477 {
		t.Fatalf("DPIDR = 0x%08X", idr)
	}

	ctrlIDR, err := l.ReadAP(1, nrf.CtrlAPIDR)
	if err != nil {
		t.Fatalf("ReadAP: %v", err)
	}
	if ctrlIDR != nrf.CtrlAPIDRValue {
		t.Fatalf("CTRL-AP IDR = 0x%08X", ctrlIDR)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !f.closed {
		t.Fatalf("transport not closed")
	}
}

func TestCMSISDAPLinkMemory(t *testing.T) {
	l, _ := openFakeLink(t)
	if err := l.WriteDP(nrf.DPCtrlStat, nrf.CtrlStatCDbgPwrUpReq|nrf.CtrlStatCSysPwrUpReq); err != nil {
		t.Fatalf("power up: %v", err)
	}

	// spans a 1 KB TAR wrap boundary and several packets
	addr := uint32(0x20000000 + 0x3F0)
	data := make([]byte, 0x120)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if err := l.WriteMem(0, addr, data); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}
	got, err := l.ReadMem(0, addr, len(data))
	if err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back differs")
	}

	if _, err := l.ReadMem(0, addr+1, 4); err == nil {
		t.Fatalf("expected alignment error")
	}
	if _, err := l.ReadMem(0, 0x30000000, 4); !errors.Is(err, ErrFault) {
		t.Fatalf("unmapped read error = %v, want ErrFault", err)
	}
}

func TestCMSISDAPLinkResets(t *testing.T) {
	l, f := openFakeLink(t)
	if err := l.WriteDP(nrf.DPCtrlStat, nrf.CtrlStatCDbgPwrUpReq|nrf.CtrlStatCSysPwrUpReq); err != nil {
		t.Fatalf("power up: %v", err)
	}

	before := f.target.Resets()
	if err := l.Reset(ResetDebug); err != nil {
		t.Fatalf("debug reset: %v", err)
	}
	if f.target.Resets() != before+1 || !f.target.Halted() {
		t.Fatalf("debug reset did not leave the core halted")
	}

	if err := l.Reset(ResetPin); err != nil {
		t.Fatalf("pin reset: %v", err)
	}
	if !bytes.Equal(f.pinWrites, []byte{0, PinNRESET}) {
		t.Fatalf("nRESET writes = %v", f.pinWrites)
	}
	if f.target.Halted() {
		t.Fatalf("pin reset should leave the core running")
	}
}

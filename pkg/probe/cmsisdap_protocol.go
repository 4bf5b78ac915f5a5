package probe

import (
	"encoding/binary"
	"fmt"
)

// CMSIS-DAP Command IDs
const (
	CmdInfo              = 0x00
	CmdHostStatus        = 0x01
	CmdConnect           = 0x02
	CmdDisconnect        = 0x03
	CmdTransferConfigure = 0x04
	CmdTransfer          = 0x05
	CmdTransferBlock     = 0x06
	CmdDelay             = 0x09
	CmdResetTarget       = 0x0A
	CmdSWJPins           = 0x10
	CmdSWJClock          = 0x11
	CmdSWJSequence       = 0x12
	CmdSWDConfigure      = 0x13
)

// DAP_Info Info IDs
const (
	InfoVendorID     = 0x01
	InfoProductID    = 0x02
	InfoSerialNum    = 0x03
	InfoFirmwareVer  = 0x04
	InfoCapabilities = 0xF0
	InfoPacketCount  = 0xFE
	InfoPacketSize   = 0xFF
)

// Connection ports
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// Status codes
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// SWD acknowledge values in transfer responses
const (
	AckOK       = 0x01
	AckWait     = 0x02
	AckFault    = 0x04
	AckNoAck    = 0x07
	AckProtocol = 0x08
	AckMismatch = 0x10
)

// SWJ pin bits
const (
	PinSWCLK  = 1 << 0
	PinSWDIO  = 1 << 1
	PinTDI    = 1 << 2
	PinTDO    = 1 << 3
	PinNTRST  = 1 << 5
	PinNRESET = 1 << 7
)

// Transfer request bits
const (
	reqAPnDP = 1 << 0
	reqRnW   = 1 << 1
)

// maxSWJBits is the longest DAP_SWJ_Sequence a single command can carry.
const maxSWJBits = 256

// CMSISDAPProtocol handles encoding/decoding of CMSIS-DAP commands
type CMSISDAPProtocol struct {
	PacketSize int
}

// NewCMSISDAPProtocol creates a new protocol handler
func NewCMSISDAPProtocol(packetSize int) *CMSISDAPProtocol {
	return &CMSISDAPProtocol{
		PacketSize: packetSize,
	}
}

// EncodeInfo builds a DAP_Info command
func (p *CMSISDAPProtocol) EncodeInfo(infoID byte) []byte {
	return []byte{CmdInfo, infoID}
}

// DecodeInfo parses a DAP_Info string response
func (p *CMSISDAPProtocol) DecodeInfo(resp []byte) (string, error) {
	if len(resp) < 2 {
		return "", fmt.Errorf("response too short")
	}
	if resp[0] != CmdInfo {
		return "", fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}

	length := int(resp[1])
	if len(resp) < 2+length {
		return "", fmt.Errorf("incomplete info string")
	}

	s := resp[2 : 2+length]
	// strings are NUL terminated on some firmwares
	if n := len(s); n > 0 && s[n-1] == 0 {
		s = s[:n-1]
	}
	return string(s), nil
}

// DecodeInfoUint16 parses a numeric DAP_Info response such as the packet size.
func (p *CMSISDAPProtocol) DecodeInfoUint16(resp []byte) (uint16, error) {
	if len(resp) < 4 || resp[0] != CmdInfo || resp[1] != 2 {
		return 0, fmt.Errorf("malformed numeric info response")
	}
	return binary.LittleEndian.Uint16(resp[2:4]), nil
}

// EncodeConnect builds a DAP_Connect command
func (p *CMSISDAPProtocol) EncodeConnect(port byte) []byte {
	return []byte{CmdConnect, port}
}

// DecodeConnect parses a DAP_Connect response
func (p *CMSISDAPProtocol) DecodeConnect(resp []byte) (byte, error) {
	if len(resp) < 2 {
		return 0, fmt.Errorf("response too short")
	}
	if resp[0] != CmdConnect {
		return 0, fmt.Errorf("invalid command ID")
	}
	if resp[1] == 0 {
		return 0, fmt.Errorf("connection failed")
	}
	return resp[1], nil
}

// EncodeDisconnect builds a DAP_Disconnect command
func (p *CMSISDAPProtocol) EncodeDisconnect() []byte {
	return []byte{CmdDisconnect}
}

// EncodeHostStatus builds a DAP_HostStatus command driving the connect (0)
// or running (1) LED.
func (p *CMSISDAPProtocol) EncodeHostStatus(led byte, on bool) []byte {
	v := byte(0)
	if on {
		v = 1
	}
	return []byte{CmdHostStatus, led, v}
}

// DecodeStatus parses the common [cmd, status] response.
func (p *CMSISDAPProtocol) DecodeStatus(cmd byte, resp []byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("response too short")
	}
	if resp[0] != cmd {
		return fmt.Errorf("invalid command ID: 0x%02X, want 0x%02X", resp[0], cmd)
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("command 0x%02X failed", cmd)
	}
	return nil
}

// EncodeTransferConfigure builds a DAP_TransferConfigure command
func (p *CMSISDAPProtocol) EncodeTransferConfigure(idleCycles uint8, waitRetry, matchRetry uint16) []byte {
	cmd := make([]byte, 6)
	cmd[0] = CmdTransferConfigure
	cmd[1] = idleCycles
	binary.LittleEndian.PutUint16(cmd[2:], waitRetry)
	binary.LittleEndian.PutUint16(cmd[4:], matchRetry)
	return cmd
}

// EncodeSWDConfigure builds a DAP_SWD_Configure command
func (p *CMSISDAPProtocol) EncodeSWDConfigure(turnaround uint8, dataPhase bool) []byte {
	cfg := (turnaround - 1) & 0x3
	if dataPhase {
		cfg |= 1 << 2
	}
	return []byte{CmdSWDConfigure, cfg}
}

// TransferRequest is one DP or AP register access inside DAP_Transfer.
type TransferRequest struct {
	AP    bool
	Read  bool
	Reg   uint8 // A[3:2] register address
	Value uint32
}

// EncodeTransfer builds a DAP_Transfer command
func (p *CMSISDAPProtocol) EncodeTransfer(reqs []TransferRequest) ([]byte, error) {
	cmd := []byte{CmdTransfer, 0, byte(len(reqs))}
	for i, r := range reqs {
		if r.Reg&3 != 0 {
			return nil, fmt.Errorf("request %d: invalid register 0x%02X", i, r.Reg)
		}
		b := r.Reg & 0xC
		if r.AP {
			b |= reqAPnDP
		}
		if r.Read {
			cmd = append(cmd, b|reqRnW)
			continue
		}
		cmd = append(cmd, b)
		cmd = binary.LittleEndian.AppendUint32(cmd, r.Value)
	}
	if len(cmd) > p.PacketSize {
		return nil, fmt.Errorf("transfer of %d requests exceeds packet size %d", len(reqs), p.PacketSize)
	}
	return cmd, nil
}

// DecodeTransfer parses a DAP_Transfer response and returns the read values
// in request order.
func (p *CMSISDAPProtocol) DecodeTransfer(resp []byte, reqs []TransferRequest) ([]uint32, error) {
	if len(resp) < 3 {
		return nil, fmt.Errorf("response too short")
	}
	if resp[0] != CmdTransfer {
		return nil, fmt.Errorf("invalid command ID")
	}
	done, ack := int(resp[1]), resp[2]
	if err := ackError(ack); err != nil {
		return nil, fmt.Errorf("transfer %d/%d: %w", done, len(reqs), err)
	}
	if done != len(reqs) {
		return nil, fmt.Errorf("only %d of %d transfers completed", done, len(reqs))
	}

	var out []uint32
	off := 3
	for _, r := range reqs {
		if !r.Read {
			continue
		}
		if off+4 > len(resp) {
			return nil, fmt.Errorf("incomplete transfer data")
		}
		out = append(out, binary.LittleEndian.Uint32(resp[off:]))
		off += 4
	}
	return out, nil
}

// MaxBlockWords is the number of words one DAP_TransferBlock can carry.
func (p *CMSISDAPProtocol) MaxBlockWords() int {
	const header = 5 // cmd, index, count(2), request
	return (p.PacketSize - header) / 4
}

// EncodeTransferBlockRead builds a DAP_TransferBlock read of n words.
func (p *CMSISDAPProtocol) EncodeTransferBlockRead(ap bool, reg uint8, n int) []byte {
	cmd := []byte{CmdTransferBlock, 0, 0, 0, reg&0xC | reqRnW}
	binary.LittleEndian.PutUint16(cmd[2:], uint16(n))
	if ap {
		cmd[4] |= reqAPnDP
	}
	return cmd
}

// EncodeTransferBlockWrite builds a DAP_TransferBlock write.
func (p *CMSISDAPProtocol) EncodeTransferBlockWrite(ap bool, reg uint8, words []uint32) []byte {
	cmd := []byte{CmdTransferBlock, 0, 0, 0, reg & 0xC}
	binary.LittleEndian.PutUint16(cmd[2:], uint16(len(words)))
	if ap {
		cmd[4] |= reqAPnDP
	}
	for _, w := range words {
		cmd = binary.LittleEndian.AppendUint32(cmd, w)
	}
	return cmd
}

// DecodeTransferBlock parses a DAP_TransferBlock response. For reads it
// returns the n words that were requested.
func (p *CMSISDAPProtocol) DecodeTransferBlock(resp []byte, n int, read bool) ([]uint32, error) {
	if len(resp) < 4 {
		return nil, fmt.Errorf("response too short")
	}
	if resp[0] != CmdTransferBlock {
		return nil, fmt.Errorf("invalid command ID")
	}
	done := int(binary.LittleEndian.Uint16(resp[1:3]))
	if err := ackError(resp[3]); err != nil {
		return nil, fmt.Errorf("block transfer %d/%d: %w", done, n, err)
	}
	if done != n {
		return nil, fmt.Errorf("only %d of %d words transferred", done, n)
	}
	if !read {
		return nil, nil
	}
	if len(resp) < 4+4*n {
		return nil, fmt.Errorf("incomplete block data")
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(resp[4+4*i:])
	}
	return out, nil
}

// EncodeSWJClock builds a DAP_SWJ_Clock command
func (p *CMSISDAPProtocol) EncodeSWJClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

// EncodeSWJSequence builds a DAP_SWJ_Sequence command of up to 256 bits.
func (p *CMSISDAPProtocol) EncodeSWJSequence(bits int, data []byte) ([]byte, error) {
	if bits <= 0 || bits > maxSWJBits {
		return nil, fmt.Errorf("sequence of %d bits out of range", bits)
	}
	need := (bits + 7) / 8
	if len(data) < need {
		return nil, fmt.Errorf("sequence data too short, need %d bytes", need)
	}
	cmd := []byte{CmdSWJSequence, byte(bits)} // 256 encodes as 0
	return append(cmd, data[:need]...), nil
}

// EncodeSWJPins builds a DAP_SWJ_Pins command.
func (p *CMSISDAPProtocol) EncodeSWJPins(output, selected byte, waitUS uint32) []byte {
	cmd := []byte{CmdSWJPins, output, selected, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(cmd[3:], waitUS)
	return cmd
}

// DecodeSWJPins returns the pin input states.
func (p *CMSISDAPProtocol) DecodeSWJPins(resp []byte) (byte, error) {
	if len(resp) < 2 || resp[0] != CmdSWJPins {
		return 0, fmt.Errorf("malformed SWJ_Pins response")
	}
	return resp[1], nil
}

// EncodeDelay builds a DAP_Delay command.
func (p *CMSISDAPProtocol) EncodeDelay(us uint16) []byte {
	cmd := []byte{CmdDelay, 0, 0}
	binary.LittleEndian.PutUint16(cmd[1:], us)
	return cmd
}

// EncodeResetTarget builds a DAP_ResetTarget command
func (p *CMSISDAPProtocol) EncodeResetTarget() []byte {
	return []byte{CmdResetTarget}
}

func ackError(ack byte) error {
	switch {
	case ack&AckProtocol != 0:
		return fmt.Errorf("SWD protocol error")
	case ack&AckMismatch != 0:
		return fmt.Errorf("value mismatch")
	}
	switch ack & 0x7 {
	case AckOK:
		return nil
	case AckWait:
		return ErrTimeout
	case AckFault:
		return ErrFault
	case AckNoAck:
		return ErrNoTarget
	}
	return fmt.Errorf("unexpected acknowledge 0x%02X", ack)
}

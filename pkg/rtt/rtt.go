// Package rtt implements the host side of SEGGER Real Time Transfer: the
// control block layout in target RAM and the ring buffer algorithms used to
// move bytes through it while the target keeps running.
//
// The control block starts with a 16 byte identifier followed by the number
// of up (target to host) and down (host to target) buffers and one
// descriptor per buffer:
//
//	+0   "SEGGER RTT\0\0\0\0\0\0"
//	+16  MaxNumUpBuffers
//	+20  MaxNumDownBuffers
//	+24  up[0] ... up[n-1], down[0] ... down[m-1]
//
// Each descriptor is six words: name pointer, buffer pointer, size, write
// offset, read offset and flags.
package rtt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ID marks the start of a control block.
	ID = "SEGGER RTT"

	IDSize         = 16
	HeaderSize     = 24
	DescriptorSize = 24
	maxNameLen     = 32

	offName  = 0
	offBuf   = 4
	offSize  = 8
	offWrOff = 12
	offRdOff = 16
	offFlags = 20

	// MaxBuffers bounds the buffer counts accepted from target memory.
	MaxBuffers = 32
)

// ErrCorrupt reports a control block or descriptor with impossible values.
var ErrCorrupt = errors.New("rtt: corrupt control block")

// Direction of a channel.
type Direction int

const (
	Up   Direction = iota // target to host
	Down                  // host to target
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// Memory is the target memory the algorithms run against. Reads and writes
// may be unaligned.
type Memory interface {
	Read(addr uint32, n int) ([]byte, error)
	Write(addr uint32, data []byte) error
}

// FindID returns the offset of a control block identifier in buf, or -1.
func FindID(buf []byte) int {
	return bytes.Index(buf, []byte(ID+"\x00"))
}

// ControlBlock is a located control block header.
type ControlBlock struct {
	Addr    uint32
	MaxUp   int
	MaxDown int
}

// ReadControlBlock reads and checks the header at addr.
func ReadControlBlock(m Memory, addr uint32) (ControlBlock, error) {
	hdr, err := m.Read(addr, HeaderSize)
	if err != nil {
		return ControlBlock{}, err
	}
	if FindID(hdr[:IDSize]) != 0 {
		return ControlBlock{}, fmt.Errorf("rtt: no control block at 0x%08X", addr)
	}
	up := binary.LittleEndian.Uint32(hdr[16:])
	down := binary.LittleEndian.Uint32(hdr[20:])
	if up > MaxBuffers || down > MaxBuffers {
		return ControlBlock{}, fmt.Errorf("%w: %d up and %d down buffers", ErrCorrupt, up, down)
	}
	return ControlBlock{Addr: addr, MaxUp: int(up), MaxDown: int(down)}, nil
}

// Count returns the number of buffers in direction d.
func (cb ControlBlock) Count(d Direction) int {
	if d == Down {
		return cb.MaxDown
	}
	return cb.MaxUp
}

// DescriptorAddr returns the address of buffer ch's descriptor.
func (cb ControlBlock) DescriptorAddr(d Direction, ch int) (uint32, error) {
	if ch < 0 || ch >= cb.Count(d) {
		return 0, fmt.Errorf("rtt: %s channel %d does not exist", d, ch)
	}
	idx := ch
	if d == Down {
		idx += cb.MaxUp
	}
	return cb.Addr + HeaderSize + uint32(idx)*DescriptorSize, nil
}

// Buffer is one ring buffer descriptor.
type Buffer struct {
	Addr   uint32 // descriptor address
	NameAt uint32
	BufAt  uint32
	Size   uint32
	WrOff  uint32
	RdOff  uint32
	Flags  uint32
}

// ReadBuffer loads the descriptor at addr.
func ReadBuffer(m Memory, addr uint32) (Buffer, error) {
	raw, err := m.Read(addr, DescriptorSize)
	if err != nil {
		return Buffer{}, err
	}
	b := Buffer{
		Addr:   addr,
		NameAt: binary.LittleEndian.Uint32(raw[offName:]),
		BufAt:  binary.LittleEndian.Uint32(raw[offBuf:]),
		Size:   binary.LittleEndian.Uint32(raw[offSize:]),
		WrOff:  binary.LittleEndian.Uint32(raw[offWrOff:]),
		RdOff:  binary.LittleEndian.Uint32(raw[offRdOff:]),
		Flags:  binary.LittleEndian.Uint32(raw[offFlags:]),
	}
	if b.Size > 0 && (b.WrOff >= b.Size || b.RdOff >= b.Size) {
		return Buffer{}, fmt.Errorf("%w: offsets %d/%d in buffer of %d", ErrCorrupt, b.WrOff, b.RdOff, b.Size)
	}
	return b, nil
}

// Used is the number of bytes waiting to be read.
func (b Buffer) Used() uint32 {
	if b.Size == 0 {
		return 0
	}
	if b.WrOff >= b.RdOff {
		return b.WrOff - b.RdOff
	}
	return b.Size - b.RdOff + b.WrOff
}

// Free is the number of bytes that can be written. One slot always stays
// empty so a full buffer is distinguishable from an empty one.
func (b Buffer) Free() uint32 {
	if b.Size == 0 {
		return 0
	}
	return b.Size - 1 - b.Used()
}

// span is a contiguous run inside the ring starting at offset Off.
type span struct {
	Off uint32
	N   uint32
}

// spans splits n bytes starting at off into at most two runs, wrapping at
// the end of the ring.
func (b Buffer) spans(off, n uint32) []span {
	if n == 0 {
		return nil
	}
	first := min(n, b.Size-off)
	out := []span{{Off: off, N: first}}
	if n > first {
		out = append(out, span{Off: 0, N: n - first})
	}
	return out
}

// Name reads the buffer's NUL terminated name.
func (b Buffer) Name(m Memory) (string, error) {
	if b.NameAt == 0 {
		return "", nil
	}
	raw, err := m.Read(b.NameAt, maxNameLen)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw), nil
}

// ReadUp drains at most limit bytes from an up buffer and advances its read
// offset. It returns what is available without waiting.
func ReadUp(m Memory, descAddr uint32, limit int) ([]byte, error) {
	b, err := ReadBuffer(m, descAddr)
	if err != nil {
		return nil, err
	}
	n := min(b.Used(), uint32(max(limit, 0)))
	if n == 0 {
		return []byte{}, nil
	}
	out := make([]byte, 0, n)
	for _, s := range b.spans(b.RdOff, n) {
		chunk, err := m.Read(b.BufAt+s.Off, int(s.N))
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	rd := (b.RdOff + n) % b.Size
	if err := m.Write(descAddr+offRdOff, binary.LittleEndian.AppendUint32(nil, rd)); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteDown copies as much of data as fits into a down buffer and advances
// its write offset. It returns the number of bytes accepted.
func WriteDown(m Memory, descAddr uint32, data []byte) (int, error) {
	b, err := ReadBuffer(m, descAddr)
	if err != nil {
		return 0, err
	}
	n := min(b.Free(), uint32(len(data)))
	if n == 0 {
		return 0, nil
	}
	pos := uint32(0)
	for _, s := range b.spans(b.WrOff, n) {
		if err := m.Write(b.BufAt+s.Off, data[pos:pos+s.N]); err != nil {
			return 0, err
		}
		pos += s.N
	}
	wr := (b.WrOff + n) % b.Size
	if err := m.Write(descAddr+offWrOff, binary.LittleEndian.AppendUint32(nil, wr)); err != nil {
		return 0, err
	}
	return int(n), nil
}

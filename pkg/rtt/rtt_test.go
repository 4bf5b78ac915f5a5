package rtt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"
)

// ram is a flat byte memory starting at base.
type ram struct {
	base uint32
	data []byte
}

func (r *ram) Read(addr uint32, n int) ([]byte, error) {
	off := int(addr - r.base)
	if off < 0 || off+n > len(r.data) {
		return nil, errors.New("out of range")
	}
	return append([]byte(nil), r.data[off:off+n]...), nil
}

func (r *ram) Write(addr uint32, data []byte) error {
	off := int(addr - r.base)
	if off < 0 || off+len(data) > len(r.data) {
		return errors.New("out of range")
	}
	copy(r.data[off:], data)
	return nil
}

func (r *ram) put32(addr, v uint32) {
	binary.LittleEndian.PutUint32(r.data[addr-r.base:], v)
}

func (r *ram) get32(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(r.data[addr-r.base:])
}

const (
	base    = 0x20000000
	cbAddr  = base + 0x100
	upBuf   = base + 0x400
	downBuf = base + 0x500
	nameAt  = base + 0x600
)

// newTarget lays out a control block with one up and one down buffer of
// 16 bytes each.
func newTarget() *ram {
	r := &ram{base: base, data: make([]byte, 0x1000)}
	copy(r.data[cbAddr-base:], ID)
	r.put32(cbAddr+16, 1)
	r.put32(cbAddr+20, 1)
	up := uint32(cbAddr + HeaderSize)
	r.put32(up+offName, nameAt)
	r.put32(up+offBuf, upBuf)
	r.put32(up+offSize, 16)
	down := up + DescriptorSize
	r.put32(down+offBuf, downBuf)
	r.put32(down+offSize, 16)
	copy(r.data[nameAt-base:], "Terminal\x00")
	return r
}

func TestFindID(t *testing.T) {
	m := newTarget()
	if got := FindID(m.data); got != 0x100 {
		t.Fatalf("FindID = 0x%X", got)
	}
	if got := FindID([]byte("SEGGER RTTX")); got != -1 {
		t.Fatalf("FindID matched an unterminated ID")
	}
}

func TestControlBlock(t *testing.T) {
	m := newTarget()
	cb, err := ReadControlBlock(m, cbAddr)
	if err != nil {
		t.Fatalf("ReadControlBlock: %v", err)
	}
	if cb.Count(Up) != 1 || cb.Count(Down) != 1 {
		t.Fatalf("control block = %+v", cb)
	}
	down, err := cb.DescriptorAddr(Down, 0)
	if err != nil || down != cbAddr+HeaderSize+DescriptorSize {
		t.Fatalf("DescriptorAddr(Down, 0) = 0x%X, %v", down, err)
	}
	if _, err := cb.DescriptorAddr(Up, 1); err == nil {
		t.Fatalf("expected error for missing channel")
	}

	up, _ := cb.DescriptorAddr(Up, 0)
	b, err := ReadBuffer(m, up)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if name, _ := b.Name(m); name != "Terminal" {
		t.Fatalf("Name = %q", name)
	}

	if _, err := ReadControlBlock(m, cbAddr+4); err == nil {
		t.Fatalf("expected error for misplaced header")
	}
	m.put32(cbAddr+16, 1000)
	if _, err := ReadControlBlock(m, cbAddr); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("error = %v, want ErrCorrupt", err)
	}
}

func TestReadUpWraps(t *testing.T) {
	m := newTarget()
	desc := uint32(cbAddr + HeaderSize)
	// 6 bytes waiting: offsets 12..15 then 0..1
	copy(m.data[upBuf-base+12:], "abcd")
	copy(m.data[upBuf-base:], "ef")
	m.put32(desc+offRdOff, 12)
	m.put32(desc+offWrOff, 2)

	got, err := ReadUp(m, desc, 4)
	if err != nil || string(got) != "abcd" {
		t.Fatalf("ReadUp = %q, %v", got, err)
	}
	if rd := m.get32(desc + offRdOff); rd != 0 {
		t.Fatalf("RdOff = %d, want 0", rd)
	}
	got, _ = ReadUp(m, desc, 100)
	if string(got) != "ef" {
		t.Fatalf("ReadUp = %q", got)
	}
	got, err = ReadUp(m, desc, 100)
	if err != nil || len(got) != 0 {
		t.Fatalf("empty buffer read = %q, %v", got, err)
	}
}

func TestWriteDownFreeSpace(t *testing.T) {
	m := newTarget()
	desc := uint32(cbAddr + HeaderSize + DescriptorSize)
	m.put32(desc+offWrOff, 10)
	m.put32(desc+offRdOff, 10)

	n, err := WriteDown(m, desc, bytes.Repeat([]byte{'x'}, 20))
	if err != nil {
		t.Fatalf("WriteDown: %v", err)
	}
	if n != 15 {
		t.Fatalf("accepted %d bytes, want size-1", n)
	}
	if wr := m.get32(desc + offWrOff); wr != 9 {
		t.Fatalf("WrOff = %d, want 9", wr)
	}
	if n, _ := WriteDown(m, desc, []byte("y")); n != 0 {
		t.Fatalf("full buffer accepted %d bytes", n)
	}

	m.put32(desc+offWrOff, 99)
	if _, err := WriteDown(m, desc, []byte("y")); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("error = %v, want ErrCorrupt", err)
	}
}

func TestRecorderReplay(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(&buf)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	rec.now = func() time.Time {
		tick++
		return start.Add(time.Duration(tick) * time.Millisecond)
	}

	rec.Record(0, []byte("boot\n"))
	rec.Record(1, []byte{0x01, 0x02})
	rec.Record(0, nil)
	rec.Record(0, []byte("ready\n"))
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Record(0, []byte("late")); err == nil {
		t.Fatalf("Record after Close succeeded")
	}

	r := NewReader(bytes.NewReader(buf.Bytes()), 0)
	var text []byte
	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if f.Channel != 0 || f.Time.Before(start) {
			t.Fatalf("frame = %+v", f)
		}
		text = append(text, f.Data...)
	}
	if string(text) != "boot\nready\n" {
		t.Fatalf("replayed %q", text)
	}

	all := NewReader(bytes.NewReader(buf.Bytes()), -1)
	count := 0
	for {
		if _, err := all.Next(); err != nil {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("replayed %d frames, want 3", count)
	}
}

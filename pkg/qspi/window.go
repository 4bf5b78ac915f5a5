package qspi

import "fmt"

// The DMA engine moves word aligned blocks only.
const (
	Alignment = 4

	// ShortInstructionMax is the longest custom instruction, opcode
	// included, that fits CINSTRDAT0/1 in one transfer. Longer
	// instructions need long frame mode.
	ShortInstructionMax = 9
	cinstrDataBytes     = 8
)

// Window is an aligned transfer covering a requested byte range.
type Window struct {
	Start  uint32 // aligned external flash address
	Length uint32 // multiple of Alignment
	Offset uint32 // position of the requested range within the window
}

// AlignWindow widens [addr, addr+n) to Alignment on both ends.
func AlignWindow(addr, n uint32) Window {
	start := addr &^ (Alignment - 1)
	end := (uint64(addr) + uint64(n) + Alignment - 1) &^ (Alignment - 1)
	return Window{Start: start, Length: uint32(end - uint64(start)), Offset: addr - start}
}

// PadWrite returns the aligned window for writing data at addr and the
// window contents: data surrounded by 0xFF so neighbouring bytes keep their
// value under flash AND semantics.
func PadWrite(addr uint32, data []byte) (Window, []byte) {
	w := AlignWindow(addr, uint32(len(data)))
	buf := make([]byte, w.Length)
	for i := range buf {
		buf[i] = 0xFF
	}
	copy(buf[w.Offset:], data)
	return w, buf
}

// Chunk is one DMA transfer of a larger window.
type Chunk struct {
	Addr   uint32
	Offset uint32
	Length uint32
}

// Chunks splits an aligned window into transfers of at most size bytes.
// size is rounded down to Alignment.
func (w Window) Chunks(size uint32) []Chunk {
	size &^= Alignment - 1
	if size == 0 {
		size = Alignment
	}
	var out []Chunk
	for off := uint32(0); off < w.Length; off += size {
		out = append(out, Chunk{Addr: w.Start + off, Offset: off, Length: min(size, w.Length-off)})
	}
	return out
}

// CheckRange validates [addr, addr+n) against the address mode.
func (p Params) CheckRange(addr, n uint32) error {
	if n == 0 {
		return fmt.Errorf("qspi: zero length")
	}
	if uint64(addr)+uint64(n) > p.MaxAddress() {
		return fmt.Errorf("qspi: range 0x%08X+0x%X exceeds %s addressing", addr, n, p.AddressMode)
	}
	return nil
}

// CheckErase validates an erase request. EraseAll ignores addr.
func (p Params) CheckErase(addr uint32, l EraseLen) error {
	if eraseLenNames[l] == "" {
		return fmt.Errorf("qspi: invalid erase length %d", int(l))
	}
	if l == EraseAll {
		return nil
	}
	if uint64(addr) >= p.MaxAddress() {
		return fmt.Errorf("qspi: address 0x%08X exceeds %s addressing", addr, p.AddressMode)
	}
	if addr%l.Bytes() != 0 {
		return fmt.Errorf("qspi: address 0x%08X not aligned to %s", addr, l)
	}
	return nil
}

// PackData loads up to eight data bytes into CINSTRDAT0/1 order.
func PackData(data []byte) (dat0, dat1 uint32) {
	for i, b := range data[:min(len(data), cinstrDataBytes)] {
		if i < 4 {
			dat0 |= uint32(b) << (8 * i)
		} else {
			dat1 |= uint32(b) << (8 * (i - 4))
		}
	}
	return dat0, dat1
}

// UnpackData extracts n response bytes from CINSTRDAT0/1.
func UnpackData(dat0, dat1 uint32, n int) []byte {
	n = min(n, cinstrDataBytes)
	out := make([]byte, n)
	for i := range out {
		w := dat0
		if i >= 4 {
			w = dat1
		}
		out[i] = byte(w >> (8 * (i % 4)))
	}
	return out
}

// LongFrameChunks splits custom instruction data for long frame mode. Each
// chunk is sent with one CINSTRCONF write.
func LongFrameChunks(data []byte) [][]byte {
	var out [][]byte
	for len(data) > cinstrDataBytes {
		out = append(out, data[:cinstrDataBytes])
		data = data[cinstrDataBytes:]
	}
	return append(out, data)
}

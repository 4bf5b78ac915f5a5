package tap

// SWJ-DP select codes, clocked LSB first on SWDIO/TMS after a line reset.
const (
	SelectSWDToJTAG uint16 = 0xE73C
	SelectJTAGToSWD uint16 = 0xE79E
)

// lineResetCycles exceeds the 50 cycle minimum and keeps sequences byte sized.
const lineResetCycles = 56

// Bits is an LSB-first packed bit stream, the layout DAP_SWJ_Sequence and
// DAP_JTAG_Sequence expect.
type Bits struct {
	Data  []byte
	Count int
}

// BitsFromBools packs a slice of bits.
func BitsFromBools(bits []bool) Bits {
	var b Bits
	for _, bit := range bits {
		b.push(bit)
	}
	return b
}

// Bools unpacks the stream.
func (b Bits) Bools() []bool {
	out := make([]bool, b.Count)
	for i := range out {
		out[i] = b.Data[i/8]&(1<<(uint(i)%8)) != 0
	}
	return out
}

func (b *Bits) push(bit bool) {
	if b.Count%8 == 0 {
		b.Data = append(b.Data, 0)
	}
	if bit {
		b.Data[b.Count/8] |= 1 << (uint(b.Count) % 8)
	}
	b.Count++
}

// Repeat appends n copies of bit.
func (b Bits) Repeat(bit bool, n int) Bits {
	for i := 0; i < n; i++ {
		b.push(bit)
	}
	return b
}

// Word appends the low n bits of v, least significant first.
func (b Bits) Word(v uint32, n int) Bits {
	for i := 0; i < n; i++ {
		b.push(v&(1<<uint(i)) != 0)
	}
	return b
}

// Append concatenates other onto b.
func (b Bits) Append(other Bits) Bits {
	for _, bit := range other.Bools() {
		b.push(bit)
	}
	return b
}

// Chunks splits the stream into pieces of at most max bits each.
func (b Bits) Chunks(max int) []Bits {
	var out []Bits
	bools := b.Bools()
	for len(bools) > 0 {
		n := min(max, len(bools))
		out = append(out, BitsFromBools(bools[:n]))
		bools = bools[n:]
	}
	return out
}

// LineReset returns a line reset: SWDIO/TMS held high for more than 50 cycles.
func LineReset() Bits {
	return Bits{}.Repeat(true, lineResetCycles)
}

// SWDToJTAG switches an SWJ-DP into JTAG and drives m into Run-Test/Idle
// through Test-Logic-Reset. m is reset to match the hardware.
func SWDToJTAG(m *StateMachine) Bits {
	seq := LineReset().Word(uint32(SelectSWDToJTAG), 16)
	seq = seq.Append(m.Reset().Bits())
	idle, _ := m.GoTo(StateRunTestIdle)
	return seq.Append(idle.Bits())
}

// JTAGToSWD returns the TAP to Test-Logic-Reset, switches the SWJ-DP back to
// SWD and finishes with a line reset and idle cycles so the next transfer can
// read DPIDR.
func JTAGToSWD(m *StateMachine) Bits {
	seq := m.Reset().Bits()
	seq = seq.Append(LineReset()).Word(uint32(SelectJTAGToSWD), 16)
	return seq.Append(LineReset()).Repeat(false, 8)
}

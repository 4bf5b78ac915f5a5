package tap

import (
	"bytes"
	"testing"
)

func TestBitsPacking(t *testing.T) {
	b := Bits{}.Word(0xE73C, 16)
	if b.Count != 16 || !bytes.Equal(b.Data, []byte{0x3C, 0xE7}) {
		t.Fatalf("Word(0xE73C) = %X/%d", b.Data, b.Count)
	}

	b = b.Repeat(true, 3)
	if b.Count != 19 || b.Data[2] != 0x07 {
		t.Fatalf("Repeat appended %X/%d", b.Data, b.Count)
	}

	round := BitsFromBools(b.Bools())
	if !bytes.Equal(round.Data, b.Data) || round.Count != b.Count {
		t.Fatalf("Bools round trip = %X/%d", round.Data, round.Count)
	}
}

func TestChunks(t *testing.T) {
	b := Bits{}.Repeat(true, 300)
	chunks := b.Chunks(256)
	if len(chunks) != 2 || chunks[0].Count != 256 || chunks[1].Count != 44 {
		t.Fatalf("Chunks(256) sizes = %d chunks", len(chunks))
	}
}

func TestSWDToJTAGLeavesIdle(t *testing.T) {
	m := NewStateMachine()
	m.Clock(false)
	m.Clock(true) // Select-DR-Scan, so the reset has to travel

	seq := SWDToJTAG(m)
	if m.State() != StateRunTestIdle {
		t.Fatalf("State() = %s, want RunTestIdle", m.State())
	}
	// line reset, select code, five reset clocks, one idle clock
	if want := lineResetCycles + 16 + 5 + 1; seq.Count != want {
		t.Fatalf("Count = %d, want %d", seq.Count, want)
	}
	for i := 0; i < lineResetCycles/8; i++ {
		if seq.Data[i] != 0xFF {
			t.Fatalf("line reset byte %d = %02X", i, seq.Data[i])
		}
	}
	if seq.Data[7] != 0x3C || seq.Data[8] != 0xE7 {
		t.Fatalf("select code bytes = %02X %02X", seq.Data[7], seq.Data[8])
	}
}

func TestJTAGToSWDEndsWithIdle(t *testing.T) {
	m := NewStateMachine()
	m.Clock(false)

	seq := JTAGToSWD(m)
	if m.State() != StateTestLogicReset {
		t.Fatalf("State() = %s, want TestLogicReset", m.State())
	}
	bits := seq.Bools()
	for _, bit := range bits[len(bits)-8:] {
		if bit {
			t.Fatalf("trailing idle cycles must be low")
		}
	}
}

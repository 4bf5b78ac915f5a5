package tap

import (
	"bytes"
	"testing"
)

func TestNextState(t *testing.T) {
	tests := []struct {
		from State
		tms  bool
		want State
	}{
		{StateTestLogicReset, false, StateRunTestIdle},
		{StateTestLogicReset, true, StateTestLogicReset},
		{StateRunTestIdle, true, StateSelectDRScan},
		{StateSelectDRScan, true, StateSelectIRScan},
		{StateSelectIRScan, true, StateTestLogicReset},
		{StateCaptureDR, false, StateShiftDR},
		{StateExit1DR, false, StatePauseDR},
		{StateUpdateIR, false, StateRunTestIdle},
	}
	for _, tt := range tests {
		if got := NextState(tt.from, tt.tms); got != tt.want {
			t.Errorf("NextState(%s, %v) = %s, want %s", tt.from, tt.tms, got, tt.want)
		}
	}
}

// Five TMS-high clocks reach Test-Logic-Reset from anywhere; the detour
// through JTAG relies on it.
func TestResetPacksFiveOnes(t *testing.T) {
	for s := StateTestLogicReset; s < numStates; s++ {
		m := &StateMachine{state: s}
		bits := m.Reset().Bits()
		if m.State() != StateTestLogicReset {
			t.Fatalf("Reset from %s ended in %s", s, m.State())
		}
		if bits.Count != 5 || !bytes.Equal(bits.Data, []byte{0x1F}) {
			t.Fatalf("Reset from %s packed %d bits %X", s, bits.Count, bits.Data)
		}
	}
}

func TestGoToIdleAfterReset(t *testing.T) {
	m := NewStateMachine()
	seq, err := m.GoTo(StateRunTestIdle)
	if err != nil {
		t.Fatalf("GoTo: %v", err)
	}
	if bits := seq.Bits(); bits.Count != 1 || bits.Data[0] != 0 {
		t.Fatalf("GoTo(Run-Test/Idle) = %d bits %X", bits.Count, bits.Data)
	}

	seq, err = m.GoTo(StateShiftDR)
	if err != nil {
		t.Fatalf("GoTo: %v", err)
	}
	// TMS 1, 0, 0: Select-DR, Capture-DR, Shift-DR
	if bits := seq.Bits(); bits.Count != 3 || bits.Data[0] != 0x01 {
		t.Fatalf("GoTo(Shift-DR) = %d bits %X", bits.Count, bits.Data)
	}
	if m.State() != StateShiftDR {
		t.Fatalf("State() = %s", m.State())
	}

	if _, err := m.GoTo(numStates); err == nil {
		t.Fatal("GoTo accepted an undefined state")
	}
}

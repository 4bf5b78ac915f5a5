package apierr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := New(InvalidParameter, "ReadU32", "address 0x%08X is not word aligned", 0x1001)
	if !errors.Is(err, InvalidParameter) {
		t.Fatalf("errors.Is(err, InvalidParameter) = false")
	}
	if errors.Is(err, InvalidOperation) {
		t.Fatalf("errors.Is(err, InvalidOperation) = true")
	}

	wrapped := fmt.Errorf("program: %w", err)
	if KindOf(wrapped) != InvalidParameter {
		t.Fatalf("KindOf(wrapped) = %s, want InvalidParameter", KindOf(wrapped))
	}
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := New(ProbeTimeout, "ReadMem", "")
	outer := Wrap(ProbeError, "ProgramFile", inner)
	if outer.Kind != ProbeTimeout {
		t.Fatalf("Wrap changed kind to %s", outer.Kind)
	}
	if outer.Op != "ProgramFile" {
		t.Fatalf("Op = %q, want ProgramFile", outer.Op)
	}

	plain := Wrap(FileParsing, "Decode", errors.New("bad record"))
	if plain.Kind != FileParsing {
		t.Fatalf("Kind = %s, want FileParsing", plain.Kind)
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: InvalidSession}, "InvalidSession"},
		{&Error{Kind: LowVoltage, Op: "ConnectProbe"}, "ConnectProbe: LowVoltage"},
		{New(VerifyError, "VerifyFile", "mismatch at 0x%08X", 0x1000), "VerifyFile: VerifyError: mismatch at 0x00001000"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestFatalKinds(t *testing.T) {
	for _, k := range []Kind{RecoverFailed, ProbeError, ProbeTimeout} {
		if !k.Fatal() {
			t.Errorf("%s.Fatal() = false", k)
		}
	}
	if InvalidParameter.Fatal() {
		t.Errorf("InvalidParameter.Fatal() = true")
	}
	if Kind(999).String() != "Kind(999)" {
		t.Errorf("unexpected name for unknown kind: %s", Kind(999))
	}
}

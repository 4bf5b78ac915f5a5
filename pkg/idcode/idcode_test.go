package idcode

import "testing"

func TestParseDPIDR(t *testing.T) {
	tests := []struct {
		name     string
		raw      uint32
		part     uint8
		version  uint8
		revision uint8
		designer uint16
	}{
		{"nRF52 Cortex-M4 SW-DP", 0x2BA01477, 0xBA, 1, 2, DesignerARM},
		{"nRF51 Cortex-M0 SW-DP", 0x0BB11477, 0xBB, 1, 0, DesignerARM},
		{"nRF53 Cortex-M33 SW-DP", 0x6BA02477, 0xBA, 2, 6, DesignerARM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDPIDR(tt.raw)
			if !got.Valid {
				t.Fatalf("Valid = false for 0x%08X", tt.raw)
			}
			if got.PartNumber != tt.part || got.Version != tt.version || got.Revision != tt.revision {
				t.Fatalf("ParseDPIDR(0x%08X) = %+v", tt.raw, got)
			}
			if got.DesignerCode != tt.designer {
				t.Fatalf("DesignerCode = 0x%03X, want 0x%03X", got.DesignerCode, tt.designer)
			}
		})
	}
}

func TestParseAPIDR(t *testing.T) {
	ahb := ParseAPIDR(0x24770011)
	if ahb.Class != APClassMemory || ahb.Type != 1 || ahb.DesignerCode != DesignerARM {
		t.Fatalf("AHB-AP parsed as %+v", ahb)
	}

	ctrl := ParseAPIDR(0x02880000)
	if ctrl.Class != APClassNone || ctrl.DesignerCode != DesignerNordic {
		t.Fatalf("CTRL-AP parsed as %+v", ctrl)
	}
	m, ok := LookupManufacturer(ctrl.DesignerCode)
	if !ok || m.Abbreviation != "Nordic" {
		t.Fatalf("LookupManufacturer(0x%03X) = %+v, %v", ctrl.DesignerCode, m, ok)
	}
}

func TestLookupManufacturerUnknown(t *testing.T) {
	m, ok := LookupManufacturer(0x7FF)
	if ok {
		t.Fatalf("expected unknown manufacturer")
	}
	if m.Name != "Unknown (0x7FF)" {
		t.Fatalf("Name = %q", m.Name)
	}
}

func TestParseFlashID(t *testing.T) {
	id, err := ParseFlashID([]byte{0xC2, 0x28, 0x17})
	if err != nil {
		t.Fatalf("ParseFlashID returned error: %v", err)
	}
	if id.Manufacturer.Abbreviation != "Macronix" {
		t.Fatalf("Manufacturer = %q, want Macronix", id.Manufacturer.Abbreviation)
	}
	if id.Size() != 8<<20 {
		t.Fatalf("Size() = %d, want %d", id.Size(), 8<<20)
	}

	if _, err := ParseFlashID([]byte{0xC2}); err == nil {
		t.Fatalf("expected error for short RDID response")
	}
}

func TestDPIDRString(t *testing.T) {
	got := ParseDPIDR(0x2BA01477).String()
	want := "0x2BA01477 (Designer: ARM, Part: 0xBA, DPv1, Rev: 2)"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

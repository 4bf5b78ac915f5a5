package deviceinfo

import (
	"reflect"
	"testing"
)

func TestLookupKnownDebugPort(t *testing.T) {
	info := Lookup(0x2BA01477)
	if info.Family != "NRF52" || !info.HasCtrlAP {
		t.Fatalf("Lookup(nRF52 DPIDR) = %+v", info)
	}
	if info.Manufacturer.Abbreviation != "ARM" {
		t.Fatalf("Manufacturer = %q, want ARM", info.Manufacturer.Abbreviation)
	}
}

func TestLookupUnknownDebugPort(t *testing.T) {
	info := Lookup(0x12345677)
	if info.Name != "Unknown debug port" {
		t.Fatalf("Name = %q", info.Name)
	}
	if Families(0x12345677) != nil {
		t.Fatalf("expected no families for unknown DPIDR")
	}
}

func TestFamilies(t *testing.T) {
	tests := []struct {
		raw  uint32
		want []string
	}{
		{0x0BB11477, []string{"NRF51"}},
		{0x2BA01477, []string{"NRF52"}},
		{0x6BA02477, []string{"NRF53", "NRF91"}},
	}
	for _, tt := range tests {
		if got := Families(tt.raw); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Families(0x%08X) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestLookupAP(t *testing.T) {
	if got := LookupAP(0x02880000).Name; got != "CTRL-AP" {
		t.Fatalf("LookupAP(CTRL-AP) = %q", got)
	}
	if got := LookupAP(0x44770001).Name; got != "MEM-AP" {
		t.Fatalf("LookupAP(unknown MEM-AP) = %q", got)
	}
}

package idcode

import "fmt"

// ParseDPIDR splits a raw DPIDR read into its fields.
func ParseDPIDR(raw uint32) DPIDR {
	return DPIDR{
		Raw:          raw,
		Revision:     uint8((raw >> 28) & 0xF),
		PartNumber:   uint8((raw >> 20) & 0xFF),
		Minimal:      (raw>>16)&0x1 == 0x1,
		Version:      uint8((raw >> 12) & 0xF),
		DesignerCode: uint16((raw >> 1) & 0x7FF),
		Valid:        raw&0x1 == 0x1,
	}
}

// ParseAPIDR splits a raw access port IDR read into its fields.
func ParseAPIDR(raw uint32) APIDR {
	return APIDR{
		Raw:          raw,
		Revision:     uint8((raw >> 28) & 0xF),
		DesignerCode: uint16((raw >> 17) & 0x7FF),
		Class:        APClass((raw >> 13) & 0xF),
		Variant:      uint8((raw >> 4) & 0xF),
		Type:         uint8(raw & 0xF),
	}
}

// ParseFlashID decodes the three RDID response bytes.
func ParseFlashID(b []byte) (FlashID, error) {
	if len(b) < 3 {
		return FlashID{}, fmt.Errorf("idcode: flash ID needs 3 bytes, got %d", len(b))
	}
	m, _ := LookupFlashVendor(b[0])
	return FlashID{Manufacturer: m, MemoryType: b[1], Capacity: b[2]}, nil
}

func (d DPIDR) String() string {
	m, _ := LookupManufacturer(d.DesignerCode)
	return fmt.Sprintf("0x%08X (Designer: %s, Part: 0x%02X, DPv%d, Rev: %d)",
		d.Raw, m.Name, d.PartNumber, d.Version, d.Revision)
}

func (a APIDR) String() string {
	m, _ := LookupManufacturer(a.DesignerCode)
	return fmt.Sprintf("0x%08X (Designer: %s, Class: %s, Type: 0x%X, Rev: %d)",
		a.Raw, m.Name, a.Class, a.Type, a.Revision)
}

package idcode

import "fmt"

// Well-known designer codes
const (
	DesignerARM    uint16 = 0x23B
	DesignerNordic uint16 = 0x144
)

// manufacturers is the JEP106 manufacturer database, keyed by the 11-bit
// form used in Arm ID registers.
var manufacturers = map[uint16]Manufacturer{
	0x00E: {Code: 0x00E, Name: "Freescale (Motorola)", Abbreviation: "Freescale"},
	0x015: {Code: 0x015, Name: "NXP (Philips)", Abbreviation: "NXP"},
	0x017: {Code: 0x017, Name: "Texas Instruments", Abbreviation: "TI"},
	0x01F: {Code: 0x01F, Name: "Atmel", Abbreviation: "Atmel"},
	0x020: {Code: 0x020, Name: "STMicroelectronics", Abbreviation: "STM"},
	0x029: {Code: 0x029, Name: "Microchip Technology", Abbreviation: "Microchip"},
	0x034: {Code: 0x034, Name: "Cypress", Abbreviation: "Cypress"},
	0x041: {Code: 0x041, Name: "Infineon", Abbreviation: "Infineon"},
	0x144: {Code: 0x144, Name: "Nordic Semiconductor", Abbreviation: "Nordic"},
	0x23B: {Code: 0x23B, Name: "ARM", Abbreviation: "ARM"},
}

// flashVendors is keyed by the first RDID byte of serial NOR flashes.
var flashVendors = map[byte]Manufacturer{
	0x01: {Code: 0x001, Name: "Spansion (Cypress)", Abbreviation: "Spansion"},
	0x1F: {Code: 0x01F, Name: "Adesto (Atmel)", Abbreviation: "Adesto"},
	0x20: {Code: 0x020, Name: "Micron (Numonyx)", Abbreviation: "Micron"},
	0x9D: {Code: 0x09D, Name: "ISSI", Abbreviation: "ISSI"},
	0xC2: {Code: 0x0C2, Name: "Macronix", Abbreviation: "Macronix"},
	0xC8: {Code: 0x0C8, Name: "GigaDevice Semiconductor", Abbreviation: "GigaDevice"},
	0xEF: {Code: 0x0EF, Name: "Winbond Electronics", Abbreviation: "Winbond"},
}

// LookupManufacturer returns manufacturer info for a JEP106 code
func LookupManufacturer(code uint16) (Manufacturer, bool) {
	m, ok := manufacturers[code]
	if !ok {
		return Manufacturer{
			Code:         code,
			Name:         fmt.Sprintf("Unknown (0x%03X)", code),
			Abbreviation: "Unknown",
		}, false
	}
	return m, true
}

// LookupFlashVendor returns manufacturer info for an RDID manufacturer byte.
func LookupFlashVendor(b byte) (Manufacturer, bool) {
	m, ok := flashVendors[b]
	if !ok {
		return Manufacturer{
			Code:         uint16(b),
			Name:         fmt.Sprintf("Unknown (0x%02X)", b),
			Abbreviation: "Unknown",
		}, false
	}
	return m, true
}

package deviceinfo

import "github.com/OpenTraceLab/OpenTraceSWD/pkg/idcode"

// DeviceInfo contains rich information about a debug port and the family of
// targets known to present it.
type DeviceInfo struct {
	// Key fields
	DPIDR        idcode.DPIDR
	Manufacturer idcode.Manufacturer

	// Human-friendly
	Name        string // "Cortex-M4 SW-DP"
	Family      string // "NRF52", empty when the DP is shared by several vendors
	Description string
	ARMCore     string // "Cortex-M4", "Cortex-M33", etc.

	// Debug specifics
	HasCtrlAP    bool // vendor control access port at index 1
	DatasheetURL string
}

// APInfo describes an access port identified by its IDR.
type APInfo struct {
	IDR         idcode.APIDR
	Name        string
	Description string
}

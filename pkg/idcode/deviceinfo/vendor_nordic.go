package deviceinfo

// Nordic Semiconductor debug port and access port entries
func init() {
	registerDP(0x0BB11477, DeviceInfo{
		Name:        "Cortex-M0 SW-DP",
		Family:      "NRF51",
		Description: "nRF51 series, ADIv5 DPv1",
		ARMCore:     "Cortex-M0",
	})

	registerDP(0x2BA01477, DeviceInfo{
		Name:         "Cortex-M4 SW-DP",
		Family:       "NRF52",
		Description:  "nRF52 series, ADIv5 DPv1",
		ARMCore:      "Cortex-M4",
		HasCtrlAP:    true,
		DatasheetURL: "https://infocenter.nordicsemi.com/pdf/nRF52840_PS_v1.7.pdf",
	})

	registerDP(0x6BA02477, DeviceInfo{
		Name:        "Cortex-M33 SW-DP",
		Description: "nRF53 and nRF91 series, ADIv5 DPv2",
		ARMCore:     "Cortex-M33",
		HasCtrlAP:   true,
	})
	sharedFamilies[0x6BA02477] = []string{"NRF53", "NRF91"}

	registerAP(0x24770011, APInfo{
		Name:        "AHB-AP",
		Description: "Cortex-M system bus access port",
	})
	registerAP(0x02880000, APInfo{
		Name:        "CTRL-AP",
		Description: "nRF52 control access port (ERASEALL, RESET, APPROTECTSTATUS)",
	})
	registerAP(0x12880000, APInfo{
		Name:        "CTRL-AP",
		Description: "nRF53/nRF91 control access port",
	})
}

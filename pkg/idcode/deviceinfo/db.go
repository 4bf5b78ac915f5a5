package deviceinfo

import "github.com/OpenTraceLab/OpenTraceSWD/pkg/idcode"

// dp and ap are the in-memory databases, keyed by raw register value.
var (
	dp = make(map[uint32]DeviceInfo)
	ap = make(map[uint32]APInfo)
)

func registerDP(raw uint32, info DeviceInfo) {
	dp[raw] = info
}

func registerAP(raw uint32, info APInfo) {
	ap[raw] = info
}

// Lookup returns device information for a given DPIDR.
// Falls back to generic info if the debug port is not in the database.
func Lookup(rawDPIDR uint32) DeviceInfo {
	id := idcode.ParseDPIDR(rawDPIDR)
	m, _ := idcode.LookupManufacturer(id.DesignerCode)

	if info, ok := dp[rawDPIDR]; ok {
		info.DPIDR = id
		info.Manufacturer = m
		return info
	}

	return DeviceInfo{
		DPIDR:        id,
		Manufacturer: m,
		Name:         "Unknown debug port",
		Description:  "No entry in device database",
	}
}

// LookupAP returns access port information for a given IDR.
func LookupAP(rawIDR uint32) APInfo {
	id := idcode.ParseAPIDR(rawIDR)
	if info, ok := ap[rawIDR]; ok {
		info.IDR = id
		return info
	}
	name := "Unknown access port"
	if id.Class == idcode.APClassMemory {
		name = "MEM-AP"
	}
	return APInfo{IDR: id, Name: name}
}

// Families lists the family names registered for rawDPIDR's debug port.
// Cortex-M33 ports are shared by nRF53 and nRF91 so more than one name may
// come back.
func Families(rawDPIDR uint32) []string {
	info, ok := dp[rawDPIDR]
	if !ok {
		return nil
	}
	if f, ok := sharedFamilies[rawDPIDR]; ok {
		return f
	}
	if info.Family == "" {
		return nil
	}
	return []string{info.Family}
}

var sharedFamilies = make(map[uint32][]string)

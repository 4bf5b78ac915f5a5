// Package nrf describes the nRF5x devices the session engine can drive:
// families and silicon versions, memory maps with page geometry, RAM power
// sections and the peripheral registers used to program them.
package nrf

import (
	"fmt"
	"strings"
)

// Family identifies a device family. Values match the probe library's
// numbering so they can be stored and exchanged as integers.
type Family int

const (
	FamilyNRF51   Family = 0
	FamilyNRF52   Family = 1
	FamilyNRF53   Family = 53
	FamilyNRF91   Family = 91
	FamilyUnknown Family = 99
)

var familyNames = map[Family]string{
	FamilyNRF51:   "NRF51",
	FamilyNRF52:   "NRF52",
	FamilyNRF53:   "NRF53",
	FamilyNRF91:   "NRF91",
	FamilyUnknown: "UNKNOWN",
}

func (f Family) String() string {
	if name, ok := familyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// ParseFamily accepts names such as "NRF52", "nrf52" or "52".
func ParseFamily(s string) (Family, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(name, "NRF") && name != "UNKNOWN" {
		name = "NRF" + name
	}
	for f, n := range familyNames {
		if n == name {
			return f, nil
		}
	}
	return FamilyUnknown, fmt.Errorf("nrf: unknown family %q", s)
}

// Coprocessor selects one of the cores of a multi-core device.
type Coprocessor int

const (
	CoprocessorApplication Coprocessor = 0
	CoprocessorModem       Coprocessor = 1
	CoprocessorNetwork     Coprocessor = 2
)

func (c Coprocessor) String() string {
	switch c {
	case CoprocessorApplication:
		return "application"
	case CoprocessorModem:
		return "modem"
	case CoprocessorNetwork:
		return "network"
	}
	return fmt.Sprintf("Coprocessor(%d)", int(c))
}

// ReadbackProtection is the access port protection level.
type ReadbackProtection int

const (
	ProtectionNone ReadbackProtection = iota
	ProtectionRegion0
	ProtectionAll
	ProtectionBoth
	ProtectionSecure
)

func (p ReadbackProtection) String() string {
	switch p {
	case ProtectionNone:
		return "none"
	case ProtectionRegion0:
		return "region0"
	case ProtectionAll:
		return "all"
	case ProtectionBoth:
		return "both"
	case ProtectionSecure:
		return "secure"
	}
	return fmt.Sprintf("ReadbackProtection(%d)", int(p))
}

// Region0Source tells where an nRF51 region 0 boundary came from.
type Region0Source int

const (
	NoRegion0 Region0Source = iota
	Region0Factory
	Region0User
)

func (r Region0Source) String() string {
	switch r {
	case NoRegion0:
		return "none"
	case Region0Factory:
		return "factory"
	case Region0User:
		return "user"
	}
	return fmt.Sprintf("Region0Source(%d)", int(r))
}

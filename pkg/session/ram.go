package session

import (
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
)

// PowerRAMAll switches every RAM section on.
func (s *Session) PowerRAMAll() error {
	const op = "PowerRAMAll"
	if err := s.check(op, target...); err != nil {
		return err
	}
	c := s.core()
	for blk, b := range c.RAM {
		if err := s.writeWord(c.RAMPowerReg(blk, nrf.RAMPowerSet), 1<<uint(b.Sections)-1); err != nil {
			return transportErr(op, err)
		}
	}
	return nil
}

// UnpowerRAMSection switches one RAM section off. Accesses to it stall
// until it is powered again.
func (s *Session) UnpowerRAMSection(index int) error {
	const op = "UnpowerRAMSection"
	if err := s.check(op, target...); err != nil {
		return err
	}
	c := s.core()
	loc, err := c.LocateSection(index)
	if err != nil {
		return apierr.Wrap(apierr.InvalidParameter, op, err)
	}
	if err := s.writeWord(c.RAMPowerReg(loc.Block, nrf.RAMPowerClr), loc.Mask()); err != nil {
		return transportErr(op, err)
	}
	return nil
}

// ReadRAMSections returns every section with its current power state.
func (s *Session) ReadRAMSections() ([]nrf.RAMSection, error) {
	const op = "ReadRAMSections"
	if err := s.check(op, target...); err != nil {
		return nil, err
	}
	sections, err := s.ramSections()
	if err != nil {
		return nil, transportErr(op, err)
	}
	return sections, nil
}

func (s *Session) ramSections() ([]nrf.RAMSection, error) {
	c := s.core()
	sections := c.RAMSections()
	power := make([]uint32, len(c.RAM))
	for blk := range c.RAM {
		v, err := s.readWord(c.RAMPowerReg(blk, nrf.RAMPowerOffset))
		if err != nil {
			return nil, err
		}
		power[blk] = v
	}
	for i := range sections {
		loc, err := c.LocateSection(sections[i].Index)
		if err != nil {
			return nil, err
		}
		if power[loc.Block]&loc.Mask() == 0 {
			sections[i].Power = nrf.RAMOff
		}
	}
	return sections, nil
}

// ReadRAMSectionsCount returns the number of power sections.
func (s *Session) ReadRAMSectionsCount() (int, error) {
	if err := s.check("ReadRAMSectionsCount", target...); err != nil {
		return 0, err
	}
	return s.core().RAMSectionCount(), nil
}

// ReadRAMSectionsSizes returns the size of each section in index order.
func (s *Session) ReadRAMSectionsSizes() ([]uint32, error) {
	if err := s.check("ReadRAMSectionsSizes", target...); err != nil {
		return nil, err
	}
	sections := s.core().RAMSections()
	sizes := make([]uint32, len(sections))
	for i, sec := range sections {
		sizes[i] = sec.Size
	}
	return sizes, nil
}

// ReadRAMSectionsPowerStatus returns the power state of each section.
func (s *Session) ReadRAMSectionsPowerStatus() ([]nrf.RAMPower, error) {
	sections, err := s.ReadRAMSections()
	if err != nil {
		return nil, apierr.Wrap(apierr.ProbeError, "ReadRAMSectionsPowerStatus", err)
	}
	out := make([]nrf.RAMPower, len(sections))
	for i, sec := range sections {
		out[i] = sec.Power
	}
	return out, nil
}

// powerSectionsFor switches on the sections under [addr, addr+n).
func (s *Session) powerSectionsFor(addr, n uint32) error {
	c := s.core()
	for _, i := range c.SectionsFor(addr, n) {
		loc, err := c.LocateSection(i)
		if err != nil {
			return err
		}
		if err := s.writeWord(c.RAMPowerReg(loc.Block, nrf.RAMPowerSet), loc.Mask()); err != nil {
			return err
		}
	}
	return nil
}

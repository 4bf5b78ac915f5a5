package session

import (
	"github.com/boljen/go-bitmap"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/qspi"
)

// externalSector is the erase unit used for external flash sectors.
const externalSector = 0x1000

// EraseAll erases code flash and UICR.
func (s *Session) EraseAll() error {
	const op = "EraseAll"
	if err := s.check(op, target...); err != nil {
		return err
	}
	return s.eraseAll(op)
}

func (s *Session) eraseAll(op string) error {
	if err := s.disableBPROT(op); err != nil {
		return err
	}
	s.report("erase", 0, 1)
	if err := s.nvmcErase(op, s.core().NVMCReg(nrf.NVMCEraseAll), 1); err != nil {
		return err
	}
	s.report("erase", 1, 1)
	s.debugLog("flash erased", "device", s.dev.String())
	return nil
}

// ErasePage erases the code flash page holding addr.
func (s *Session) ErasePage(addr uint32) error {
	const op = "ErasePage"
	if err := s.check(op, target...); err != nil {
		return err
	}
	code, _ := nrf.Find(s.descriptors(), nrf.MemoryCode)
	start, _, ok := code.PageAt(addr)
	if !ok {
		return apierr.New(apierr.InvalidParameter, op, "0x%08X is not in code flash", addr)
	}
	if err := s.disableBPROT(op); err != nil {
		return err
	}
	return s.nvmcErasePage(op, start)
}

// EraseUICR erases the user information configuration registers.
func (s *Session) EraseUICR() error {
	const op = "EraseUICR"
	if err := s.check(op, target...); err != nil {
		return err
	}
	return s.nvmcEraseUICR(op)
}

// EraseFile erases what programming a firmware file would need erased.
// internal applies to code flash and UICR, external to QSPI flash, where
// EraseSectorsAndUICR has no meaning.
func (s *Session) EraseFile(path string, internal, external EraseAction) error {
	const op = "EraseFile"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if external == EraseSectorsAndUICR {
		return apierr.New(apierr.InvalidParameter, op, "external flash has no UICR")
	}
	parts, err := s.loadPlaced(op, path)
	if err != nil {
		return err
	}
	return s.eraseFor(op, parts, internal, external)
}

func (s *Session) eraseFor(op string, parts []placed, internal, external EraseAction) error {
	if external != EraseNone && !s.qspi.initialized {
		return apierr.New(apierr.InvalidOperation, op, "QSPI is not initialized")
	}
	switch internal {
	case EraseNone:
	case EraseAll:
		if err := s.eraseAll(op); err != nil {
			return err
		}
	case EraseSectors, EraseSectorsAndUICR:
		if err := s.erasePages(op, parts); err != nil {
			return err
		}
		if internal == EraseSectorsAndUICR {
			if err := s.nvmcEraseUICR(op); err != nil {
				return err
			}
		}
	default:
		return apierr.New(apierr.InvalidParameter, op, "erase action %s", internal)
	}

	switch external {
	case EraseNone:
	case EraseAll:
		return s.qspiErase(op, 0, qspi.EraseAll)
	case EraseSectors:
		return s.eraseExternalSectors(op, parts)
	default:
		return apierr.New(apierr.InvalidParameter, op, "erase action %s", external)
	}
	return nil
}

// erasePages erases every code page a segment touches, each once.
func (s *Session) erasePages(op string, parts []placed) error {
	code, _ := nrf.Find(s.descriptors(), nrf.MemoryCode)
	pages := bitmap.New(int(code.NumPages()))
	count := 0
	for _, p := range parts {
		if p.desc.Type != nrf.MemoryCode {
			continue
		}
		for _, start := range code.PagesIn(p.Address, uint32(len(p.Data))) {
			i := int((start - code.Start) / s.core().CodePageSize)
			if !pages.Get(i) {
				pages.Set(i, true)
				count++
			}
		}
	}
	if count == 0 {
		return nil
	}
	if err := s.disableBPROT(op); err != nil {
		return err
	}
	done := 0
	s.report("erase", 0, count)
	for i := 0; i < pages.Len(); i++ {
		if !pages.Get(i) {
			continue
		}
		if err := s.nvmcErasePage(op, code.Start+uint32(i)*s.core().CodePageSize); err != nil {
			return err
		}
		done++
		s.report("erase", done, count)
	}
	return nil
}

// eraseExternalSectors erases the 4 KB external sectors under XIP segments.
func (s *Session) eraseExternalSectors(op string, parts []placed) error {
	pages := bitmap.New(int(s.qspi.cfg.MemSize / externalSector))
	var sectors []uint32
	for _, p := range parts {
		if !p.external() {
			continue
		}
		off := p.Address - s.core().XIPStart
		for a := off &^ (externalSector - 1); a < off+uint32(len(p.Data)); a += externalSector {
			i := int(a / externalSector)
			if i < pages.Len() && !pages.Get(i) {
				pages.Set(i, true)
				sectors = append(sectors, a)
			}
		}
	}
	s.report("erase external", 0, len(sectors))
	for n, a := range sectors {
		if err := s.qspiErase(op, a, qspi.Erase4KB); err != nil {
			return err
		}
		s.report("erase external", n+1, len(sectors))
	}
	return nil
}

package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
)

// haltTimeout bounds the wait for the core to stop at the reset vector.
const haltTimeout = 500 * time.Millisecond

// ReadWord reads one word through the memory access port ap.
func ReadWord(l Link, ap uint8, addr uint32) (uint32, error) {
	b, err := l.ReadMem(ap, addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteWord writes one word through the memory access port ap.
func WriteWord(l Link, ap uint8, addr, value uint32) error {
	return l.WriteMem(ap, addr, binary.LittleEndian.AppendUint32(nil, value))
}

// SoftReset performs a system reset through AIRCR.SYSRESETREQ on AP 0.
// ResetDebug arms the reset vector catch first so the core halts before
// executing the first instruction.
func SoftReset(l Link, kind ResetKind) error {
	switch kind {
	case ResetSystem:
		return requestSysReset(l)
	case ResetDebug:
	default:
		return fmt.Errorf("soft reset: %w: %s", ErrNotImplemented, kind)
	}

	if err := WriteWord(l, 0, nrf.DHCSR, nrf.DHCSRDbgKey|nrf.DHCSRDebugEn|nrf.DHCSRHalt); err != nil {
		return fmt.Errorf("halt core: %w", err)
	}
	demcr, err := ReadWord(l, 0, nrf.DEMCR)
	if err != nil {
		return fmt.Errorf("read DEMCR: %w", err)
	}
	if err := WriteWord(l, 0, nrf.DEMCR, demcr|nrf.DEMCRVCCoreReset); err != nil {
		return fmt.Errorf("arm vector catch: %w", err)
	}
	if err := requestSysReset(l); err != nil {
		return err
	}

	deadline := time.Now().Add(haltTimeout)
	for {
		dhcsr, err := ReadWord(l, 0, nrf.DHCSR)
		if err == nil && dhcsr&nrf.DHCSRSHalt != 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("core did not halt after reset: %w", ErrTimeout)
		}
		time.Sleep(time.Millisecond)
	}
	return WriteWord(l, 0, nrf.DEMCR, demcr&^nrf.DEMCRVCCoreReset)
}

func requestSysReset(l Link) error {
	err := WriteWord(l, 0, nrf.AIRCR, nrf.AIRCRVectKey|nrf.AIRCRSysReset)
	// The reset may tear down the transfer that requested it
	if errors.Is(err, ErrNoTarget) || errors.Is(err, ErrTimeout) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("request system reset: %w", err)
	}
	return nil
}

package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/probe"
)

// crcHelper is a Thumb routine computing the IEEE CRC32 of [R0, R0+R1)
// into R0. It stops at a BKPT and clobbers R0-R5.
var crcHelper = func() []byte {
	code := []uint16{
		0x4B08, // ldr   r3, =0xEDB88320
		0x2200, // movs  r2, #0
		0x43D2, // mvns  r2, r2
		0x2900, // loop: cmp r1, #0
		0xD00A, // beq   done
		0x7804, // ldrb  r4, [r0]
		0x3001, // adds  r0, #1
		0x4062, // eors  r2, r4
		0x2508, // movs  r5, #8
		0x0852, // bit:  lsrs r2, r2, #1
		0xD300, // bcc   skip
		0x405A, // eors  r2, r3
		0x3D01, // skip: subs r5, #1
		0xD1FA, // bne   bit
		0x3901, // subs  r1, #1
		0xE7F2, // b     loop
		0x43D0, // done: mvns r0, r2
		0xBE00, // bkpt  #0
	}
	out := make([]byte, 0, 2*len(code)+4)
	for _, h := range code {
		out = binary.LittleEndian.AppendUint16(out, h)
	}
	return binary.LittleEndian.AppendUint32(out, crc32.IEEE)
}()

const (
	// hashChunk bounds one helper run so each stays well inside the
	// breakpoint wait.
	hashChunk   = 0x10000
	hashTimeout = 2 * time.Second
)

// VerifyFile checks target memory against a firmware file and stops at
// the first mismatch. VerifyHash compares a CRC computed on the target for
// flash and UICR; RAM and external flash are always read back.
func (s *Session) VerifyFile(path string, action VerifyAction) error {
	const op = "VerifyFile"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if action != VerifyRead && action != VerifyHash {
		return apierr.New(apierr.InvalidParameter, op, "verify action %s", action)
	}
	parts, err := s.loadPlaced(op, path)
	if err != nil {
		return err
	}
	return s.verify(op, parts, action)
}

func (s *Session) verify(op string, parts []placed, action VerifyAction) error {
	total, done := totalSize(parts), 0
	s.report("verify", 0, total)
	for _, p := range parts {
		var err error
		switch {
		case action == VerifyHash && (p.desc.Type == nrf.MemoryCode || p.desc.Type == nrf.MemoryUICR):
			err = s.verifyHash(op, p)
		default:
			err = s.verifyRead(op, p)
		}
		if err != nil {
			return err
		}
		done += len(p.Data)
		s.report("verify", done, total)
	}
	return nil
}

func (s *Session) verifyRead(op string, p placed) error {
	var got []byte
	var err error
	if p.external() {
		err = s.keepingQSPIBuffer(op, func() (err error) {
			got, err = s.qspiRead(op, p.Address-s.core().XIPStart, len(p.Data))
			return err
		})
		if err != nil {
			return err
		}
	} else if got, err = s.readRange(p.Address, len(p.Data)); err != nil {
		return transportErr(op, err)
	}
	if bytes.Equal(got, p.Data) {
		return nil
	}
	for i := range p.Data {
		if got[i] != p.Data[i] {
			return apierr.New(apierr.VerifyError, op, "0x%08X: expected 0x%02X, read 0x%02X", p.Address+uint32(i), p.Data[i], got[i])
		}
	}
	return nil
}

func (s *Session) verifyHash(op string, p placed) error {
	for off := 0; off < len(p.Data); off += hashChunk {
		end := min(off+hashChunk, len(p.Data))
		addr := p.Address + uint32(off)
		want := crc32.ChecksumIEEE(p.Data[off:end])
		got, err := s.targetCRC(addr, end-off)
		if err != nil {
			return transportErr(op, err)
		}
		if got != want {
			return apierr.New(apierr.VerifyError, op, "0x%08X+0x%X: expected crc32 0x%08X, computed 0x%08X", addr, end-off, want, got)
		}
	}
	return nil
}

// helperRegs are the registers the CRC helper touches.
var helperRegs = []CPURegister{RegR0, RegR1, RegR2, RegR3, RegR4, RegR5, RegPC, RegXPSR}

// targetCRC runs the CRC helper over [addr, addr+n) with interrupts
// masked. The RAM it is loaded into, the registers it uses and C_MASKINTS
// are restored afterwards, and a running core is resumed.
func (s *Session) targetCRC(addr uint32, n int) (crc uint32, err error) {
	dhcsr, err := s.readWord(nrf.DHCSR)
	if err != nil {
		return 0, err
	}
	wasHalted := dhcsr&nrf.DHCSRSHalt != 0
	if !wasHalted {
		if err := s.halt(); err != nil {
			return 0, err
		}
	}
	crcHelperAt := s.core().RAMStart
	if err := s.powerSectionsFor(crcHelperAt, uint32(len(crcHelper))); err != nil {
		return 0, err
	}
	savedRAM, err := s.readRange(crcHelperAt, len(crcHelper))
	if err != nil {
		return 0, err
	}
	savedRegs := make([]uint32, len(helperRegs))
	for i, r := range helperRegs {
		if savedRegs[i], err = s.readReg(r); err != nil {
			return 0, err
		}
	}
	defer func() {
		restore := func() error {
			// halt clears C_MASKINTS; put back a mask the debugger had set
			if err := s.halt(); err != nil {
				return err
			}
			if dhcsr&nrf.DHCSRMaskInts != 0 {
				if err := s.writeWord(nrf.DHCSR, nrf.DHCSRDbgKey|nrf.DHCSRDebugEn|nrf.DHCSRHalt|nrf.DHCSRMaskInts); err != nil {
					return err
				}
			}
			for i, r := range helperRegs {
				if err := s.writeReg(r, savedRegs[i]); err != nil {
					return err
				}
			}
			if err := s.writeChunks(crcHelperAt, savedRAM); err != nil {
				return err
			}
			if !wasHalted {
				return s.writeWord(nrf.DHCSR, nrf.DHCSRDbgKey|nrf.DHCSRDebugEn|dhcsr&nrf.DHCSRMaskInts)
			}
			return nil
		}
		if rerr := restore(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err := s.writeChunks(crcHelperAt, crcHelper); err != nil {
		return 0, err
	}
	for _, w := range []struct {
		reg CPURegister
		v   uint32
	}{{RegR0, addr}, {RegR1, uint32(n)}, {RegPC, crcHelperAt}, {RegXPSR, nrf.XPSRThumb}} {
		if err := s.writeReg(w.reg, w.v); err != nil {
			return 0, err
		}
	}
	// C_MASKINTS only changes while halted, so set it before releasing C_HALT
	masked := nrf.DHCSRDbgKey | nrf.DHCSRDebugEn | nrf.DHCSRMaskInts
	for _, v := range []uint32{masked | nrf.DHCSRHalt, masked} {
		if err := s.writeWord(nrf.DHCSR, v); err != nil {
			return 0, err
		}
	}

	deadline := time.Now().Add(hashTimeout)
	for {
		halted, err := s.isHalted()
		if err != nil {
			return 0, err
		}
		if halted {
			break
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("crc helper did not reach its breakpoint: %w", probe.ErrTimeout)
		}
		time.Sleep(time.Millisecond)
	}
	return s.readReg(RegR0)
}

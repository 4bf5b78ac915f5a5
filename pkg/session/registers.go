package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/probe"
)

// CPURegister selects a core register. Values are DCRSR.REGSEL selectors.
type CPURegister uint32

const (
	RegR0   CPURegister = probe.RegR0
	RegR1   CPURegister = 1
	RegR2   CPURegister = 2
	RegR3   CPURegister = 3
	RegR4   CPURegister = 4
	RegR5   CPURegister = 5
	RegR6   CPURegister = 6
	RegR7   CPURegister = 7
	RegR8   CPURegister = 8
	RegR9   CPURegister = 9
	RegR10  CPURegister = 10
	RegR11  CPURegister = 11
	RegR12  CPURegister = 12
	RegR13  CPURegister = probe.RegSP
	RegR14  CPURegister = probe.RegLR
	RegR15  CPURegister = probe.RegPC
	RegXPSR CPURegister = probe.RegXPSR
	RegMSP  CPURegister = probe.RegMSP
	RegPSP  CPURegister = probe.RegPSP

	RegSP = RegR13
	RegLR = RegR14
	RegPC = RegR15
)

func (r CPURegister) String() string {
	switch r {
	case RegSP:
		return "SP"
	case RegLR:
		return "LR"
	case RegPC:
		return "PC"
	case RegXPSR:
		return "XPSR"
	case RegMSP:
		return "MSP"
	case RegPSP:
		return "PSP"
	}
	if r <= RegR12 {
		return "R" + strconv.Itoa(int(r))
	}
	return fmt.Sprintf("CPURegister(%d)", uint32(r))
}

// Valid reports whether r names a core register.
func (r CPURegister) Valid() bool {
	return r <= RegPSP
}

// CPURegisters lists every register in selector order.
func CPURegisters() []CPURegister {
	out := make([]CPURegister, 0, RegPSP+1)
	for r := RegR0; r <= RegPSP; r++ {
		out = append(out, r)
	}
	return out
}

// ParseRegister accepts R0..R15 and the SP, LR, PC, XPSR, MSP and PSP
// aliases in any case.
func ParseRegister(name string) (CPURegister, error) {
	up := strings.ToUpper(strings.TrimSpace(name))
	for _, r := range CPURegisters() {
		if r.String() == up {
			return r, nil
		}
	}
	if n, ok := strings.CutPrefix(up, "R"); ok {
		if i, err := strconv.Atoi(n); err == nil && i >= 0 && i <= 15 {
			return CPURegister(i), nil
		}
	}
	return 0, apierr.New(apierr.InvalidParameter, "ParseRegister", "unknown register %q", name)
}

// IsHalted reports whether the selected core is halted.
func (s *Session) IsHalted() (bool, error) {
	const op = "IsHalted"
	if err := s.check(op, target...); err != nil {
		return false, err
	}
	halted, err := s.isHalted()
	if err != nil {
		return false, transportErr(op, err)
	}
	return halted, nil
}

func (s *Session) isHalted() (bool, error) {
	dhcsr, err := s.readWord(nrf.DHCSR)
	if err != nil {
		return false, err
	}
	return dhcsr&nrf.DHCSRSHalt != 0, nil
}

// Halt stops the core and waits for it to report halted.
func (s *Session) Halt() error {
	const op = "Halt"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if err := s.halt(); err != nil {
		return transportErr(op, err)
	}
	return nil
}

func (s *Session) halt() error {
	if err := s.writeWord(nrf.DHCSR, nrf.DHCSRDbgKey|nrf.DHCSRDebugEn|nrf.DHCSRHalt); err != nil {
		return err
	}
	deadline := time.Now().Add(haltTimeout)
	for {
		halted, err := s.isHalted()
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("core did not halt: %w", probe.ErrTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// Go resumes the core from wherever it is.
func (s *Session) Go() error {
	const op = "Go"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if err := s.resume(); err != nil {
		return transportErr(op, err)
	}
	return nil
}

func (s *Session) resume() error {
	return s.writeWord(nrf.DHCSR, nrf.DHCSRDbgKey|nrf.DHCSRDebugEn)
}

// Run loads PC and SP and resumes the core.
func (s *Session) Run(pc, sp uint32) error {
	const op = "Run"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if err := s.halt(); err != nil {
		return transportErr(op, err)
	}
	for _, w := range []struct {
		reg CPURegister
		v   uint32
	}{{RegSP, sp}, {RegPC, pc}} {
		if err := s.writeReg(w.reg, w.v); err != nil {
			return transportErr(op, err)
		}
	}
	if err := s.resume(); err != nil {
		return transportErr(op, err)
	}
	return nil
}

// Step executes a single instruction. The core must be halted.
func (s *Session) Step() error {
	const op = "Step"
	if err := s.check(op, target...); err != nil {
		return err
	}
	halted, err := s.isHalted()
	if err != nil {
		return transportErr(op, err)
	}
	if !halted {
		return apierr.New(apierr.InvalidOperation, op, "core is running")
	}
	if err := s.writeWord(nrf.DHCSR, nrf.DHCSRDbgKey|nrf.DHCSRDebugEn|nrf.DHCSRStep); err != nil {
		return transportErr(op, err)
	}
	return nil
}

// ReadCPURegister reads a core register. A running core is halted for the
// read and resumed afterwards.
func (s *Session) ReadCPURegister(r CPURegister) (uint32, error) {
	const op = "ReadCPURegister"
	if err := s.check(op, target...); err != nil {
		return 0, err
	}
	if !r.Valid() {
		return 0, apierr.New(apierr.InvalidParameter, op, "register %d", uint32(r))
	}
	halted, err := s.isHalted()
	if err != nil {
		return 0, transportErr(op, err)
	}
	if !halted {
		if err := s.halt(); err != nil {
			return 0, transportErr(op, err)
		}
		defer func() {
			if err := s.resume(); err != nil {
				s.warnLog("resume after register read failed", "error", err)
			}
		}()
	}
	v, err := s.readReg(r)
	if err != nil {
		return 0, transportErr(op, err)
	}
	return v, nil
}

// WriteCPURegister writes a core register. The core must be halted.
func (s *Session) WriteCPURegister(r CPURegister, v uint32) error {
	const op = "WriteCPURegister"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if !r.Valid() {
		return apierr.New(apierr.InvalidParameter, op, "register %d", uint32(r))
	}
	halted, err := s.isHalted()
	if err != nil {
		return transportErr(op, err)
	}
	if !halted {
		return apierr.New(apierr.InvalidOperation, op, "core is running")
	}
	if err := s.writeReg(r, v); err != nil {
		return transportErr(op, err)
	}
	return nil
}

// readReg transfers a register through DCRSR/DCRDR on a halted core.
func (s *Session) readReg(r CPURegister) (uint32, error) {
	if err := s.writeWord(nrf.DCRSR, uint32(r)); err != nil {
		return 0, err
	}
	if err := s.waitRegReady(); err != nil {
		return 0, err
	}
	return s.readWord(nrf.DCRDR)
}

func (s *Session) writeReg(r CPURegister, v uint32) error {
	if err := s.writeWord(nrf.DCRDR, v); err != nil {
		return err
	}
	if err := s.writeWord(nrf.DCRSR, uint32(r)|nrf.DCRSRWrite); err != nil {
		return err
	}
	return s.waitRegReady()
}

func (s *Session) waitRegReady() error {
	deadline := time.Now().Add(haltTimeout)
	for {
		dhcsr, err := s.readWord(nrf.DHCSR)
		if err != nil {
			return err
		}
		if dhcsr&nrf.DHCSRRegRdy != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("register transfer did not complete: %w", probe.ErrTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}

package probe

import "fmt"

// Core register selectors, as used by DCRSR.REGSEL.
const (
	RegR0   = 0
	RegSP   = 13
	RegLR   = 14
	RegPC   = 15
	RegXPSR = 16
	RegMSP  = 17
	RegPSP  = 18

	numCoreRegs = 19
)

const (
	flagN = 1 << 31
	flagZ = 1 << 30
	flagC = 1 << 29
	flagV = 1 << 28
)

// defaultStepBudget bounds one uninterrupted run of the simulated core.
const defaultStepBudget = 50_000_000

// runResult says why the core stopped interpreting.
type runResult int

const (
	runBreakpoint runResult = iota // BKPT, core halted
	runIdle                        // branch to self, core keeps running
	runUnknown                     // opcode outside the supported subset
	runBudget                      // step budget exhausted
	runStepped                     // single step completed
)

// simCPU interprets the Thumb subset needed by small RAM helpers such as a
// CRC loop: literal loads, 8-bit immediates, EOR/MVN/AND/ORR, immediate
// shifts, byte/word loads, conditional and unconditional branches and BKPT.
type simCPU struct {
	regs   [numCoreRegs]uint32
	halted bool
	fetch  func(addr uint32) (uint32, bool)
	load8  func(addr uint32) (byte, bool)
	budget int
}

func (c *simCPU) flag(f uint32) bool {
	return c.regs[RegXPSR]&f != 0
}

func (c *simCPU) setFlag(f uint32, on bool) {
	if on {
		c.regs[RegXPSR] |= f
	} else {
		c.regs[RegXPSR] &^= f
	}
}

func (c *simCPU) setNZ(v uint32) {
	c.setFlag(flagN, v&(1<<31) != 0)
	c.setFlag(flagZ, v == 0)
}

func (c *simCPU) addWithCarry(a, b uint32, carry bool) uint32 {
	var cin uint64
	if carry {
		cin = 1
	}
	wide := uint64(a) + uint64(b) + cin
	r := uint32(wide)
	c.setNZ(r)
	c.setFlag(flagC, wide>>32 != 0)
	c.setFlag(flagV, (a^r)&(b^r)&(1<<31) != 0)
	return r
}

func (c *simCPU) condition(cond uint16) bool {
	n, z, cf, v := c.flag(flagN), c.flag(flagZ), c.flag(flagC), c.flag(flagV)
	switch cond {
	case 0x0:
		return z
	case 0x1:
		return !z
	case 0x2:
		return cf
	case 0x3:
		return !cf
	case 0x4:
		return n
	case 0x5:
		return !n
	case 0x6:
		return v
	case 0x7:
		return !v
	case 0x8:
		return cf && !z
	case 0x9:
		return !cf || z
	case 0xA:
		return n == v
	case 0xB:
		return n != v
	case 0xC:
		return !z && n == v
	case 0xD:
		return z || n != v
	}
	return true
}

func signExtend(v uint32, bits uint) uint32 {
	shift := 32 - bits
	return uint32(int32(v<<shift) >> shift)
}

// run executes from PC until the core halts, idles or runs out of budget.
func (c *simCPU) run() runResult {
	for i := 0; i < c.budget; i++ {
		if r, done := c.step(); done {
			return r
		}
	}
	return runBudget
}

// step executes one instruction. done reports that execution cannot continue.
func (c *simCPU) step() (runResult, bool) {
	pc := c.regs[RegPC] &^ 1
	word, ok := c.fetch(pc &^ 3)
	if !ok {
		return runUnknown, true
	}
	op := uint16(word)
	if pc&2 != 0 {
		op = uint16(word >> 16)
	}
	next := pc + 2
	r := &c.regs

	switch {
	case op&0xFF00 == 0xBE00: // BKPT
		c.halted = true
		return runBreakpoint, true
	case op == 0xBF00: // NOP
	case op&0xF800 == 0x4800: // LDR Rt, [PC, #imm8*4]
		addr := (pc+4)&^3 + uint32(op&0xFF)*4
		v, ok := c.fetch(addr)
		if !ok {
			return runUnknown, true
		}
		r[op>>8&7] = v
	case op&0xF800 == 0x2000: // MOVS Rd, #imm8
		r[op>>8&7] = uint32(op & 0xFF)
		c.setNZ(r[op>>8&7])
	case op&0xF800 == 0x2800: // CMP Rn, #imm8
		c.addWithCarry(r[op>>8&7], ^uint32(op&0xFF), true)
	case op&0xF800 == 0x3000: // ADDS Rdn, #imm8
		r[op>>8&7] = c.addWithCarry(r[op>>8&7], uint32(op&0xFF), false)
	case op&0xF800 == 0x3800: // SUBS Rdn, #imm8
		r[op>>8&7] = c.addWithCarry(r[op>>8&7], ^uint32(op&0xFF), true)
	case op&0xF800 == 0x0800: // LSRS Rd, Rm, #imm5
		imm := uint(op >> 6 & 0x1F)
		if imm == 0 {
			imm = 32
		}
		m := uint64(r[op>>3&7])
		c.setFlag(flagC, m>>(imm-1)&1 != 0)
		r[op&7] = uint32(m >> imm)
		c.setNZ(r[op&7])
	case op&0xF800 == 0x0000 && op>>6&0x1F != 0: // LSLS Rd, Rm, #imm5
		imm := uint(op >> 6 & 0x1F)
		m := r[op>>3&7]
		c.setFlag(flagC, m>>(32-imm)&1 != 0)
		r[op&7] = m << imm
		c.setNZ(r[op&7])
	case op&0xFC00 == 0x4000: // data processing, register
		rdn, rm := op&7, r[op>>3&7]
		switch op >> 6 & 0xF {
		case 0x0:
			r[rdn] &= rm
		case 0x1:
			r[rdn] ^= rm
		case 0xC:
			r[rdn] |= rm
		case 0xF:
			r[rdn] = ^rm
		default:
			return runUnknown, true
		}
		c.setNZ(r[rdn])
	case op&0xF800 == 0x7800: // LDRB Rt, [Rn, #imm5]
		b, ok := c.load8(r[op>>3&7] + uint32(op>>6&0x1F))
		if !ok {
			return runUnknown, true
		}
		r[op&7] = uint32(b)
	case op&0xF800 == 0x6800: // LDR Rt, [Rn, #imm5*4]
		v, ok := c.fetch(r[op>>3&7] + uint32(op>>6&0x1F)*4)
		if !ok {
			return runUnknown, true
		}
		r[op&7] = v
	case op&0xF000 == 0xD000 && op>>8&0xF < 0xE: // B<cond>
		if c.condition(op >> 8 & 0xF) {
			next = pc + 4 + signExtend(uint32(op&0xFF)<<1, 9)
		}
	case op&0xF800 == 0xE000: // B
		next = pc + 4 + signExtend(uint32(op&0x7FF)<<1, 12)
		if next == pc {
			return runIdle, true
		}
	default:
		return runUnknown, true
	}

	r[RegPC] = next
	return runStepped, false
}

func (c *simCPU) String() string {
	return fmt.Sprintf("pc=0x%08X sp=0x%08X xpsr=0x%08X halted=%v", c.regs[RegPC], c.regs[RegSP], c.regs[RegXPSR], c.halted)
}

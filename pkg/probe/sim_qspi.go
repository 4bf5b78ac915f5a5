package probe

import (
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
)

// SimExternalFlashSize is the capacity of the simulated QSPI flash part.
const SimExternalFlashSize = 8 << 20

// Simulated flash identification, a Macronix MX25R6435F.
var simFlashID = []byte{0xC2, 0x28, 0x17}

// SimInstruction is one custom instruction seen by the simulated QSPI
// peripheral. Data excludes the opcode.
type SimInstruction struct {
	Opcode    byte
	Data      []byte
	LongFrame bool
}

// simQSPI models the QSPI peripheral and an attached serial flash. Registers
// are kept by offset; RAM transfers go through the owning target's RAM.
type simQSPI struct {
	t *SimTarget

	regs   map[uint32]uint32
	active bool
	ready  uint32

	ext    []byte
	status byte
	wel    bool

	frame        []byte
	instructions []SimInstruction
}

func newSimQSPI(t *SimTarget) *simQSPI {
	q := &simQSPI{t: t, regs: make(map[uint32]uint32)}
	q.reset()
	return q
}

func (q *simQSPI) reset() {
	clear(q.regs)
	q.active = false
	q.ready = 0
	q.frame = nil
}

func (q *simQSPI) flash() []byte {
	if q.ext == nil {
		q.ext = make([]byte, SimExternalFlashSize)
		for i := range q.ext {
			q.ext[i] = 0xFF
		}
	}
	return q.ext
}

func (q *simQSPI) owns(addr uint32) bool {
	base := q.t.Device.QSPI
	return base != 0 && addr >= base && addr-base < nrf.QSPISpan
}

func (q *simQSPI) enabled() bool {
	return q.regs[nrf.QSPIEnable]&1 == nrf.QSPIEnableValue
}

func (q *simQSPI) read(addr uint32) uint32 {
	off := addr - q.t.Device.QSPI
	switch off {
	case nrf.QSPIEventsReady:
		return q.ready
	case nrf.QSPIStatus:
		v := uint32(q.status) << 24
		if q.active {
			v |= 1 << 3 // READY
		}
		return v
	}
	return q.regs[off]
}

func (q *simQSPI) write(addr, v uint32) {
	off := addr - q.t.Device.QSPI
	switch off {
	case nrf.QSPIEventsReady:
		q.ready = v
		return
	case nrf.QSPIActivate:
		if v == 1 && q.enabled() {
			q.active = true
			q.ready = 1
		}
		return
	case nrf.QSPIDeactivate:
		if v == 1 {
			q.active = false
			q.ready = 1
		}
		return
	case nrf.QSPIReadStart:
		if v == 1 && q.active {
			q.dmaRead()
		}
		return
	case nrf.QSPIWriteStart:
		if v == 1 && q.active {
			q.dmaWrite()
		}
		return
	case nrf.QSPIEraseStart:
		if v == 1 && q.active {
			q.eraseTask()
		}
		return
	case nrf.QSPICinstrConf:
		q.regs[off] = v
		if q.active {
			q.custom(v)
		}
		return
	}
	q.regs[off] = v
}

func (q *simQSPI) mask(addr uint32) uint32 {
	return addr & (SimExternalFlashSize - 1)
}

func (q *simQSPI) dmaRead() {
	src, dst, cnt := q.regs[nrf.QSPIReadSrc], q.regs[nrf.QSPIReadDst], q.regs[nrf.QSPIReadCnt]
	ext := q.flash()
	for i := uint32(0); i < cnt; i++ {
		q.t.storeRAMByte(dst+i, ext[q.mask(src+i)])
	}
	q.ready = 1
}

func (q *simQSPI) dmaWrite() {
	dst, src, cnt := q.regs[nrf.QSPIWriteDst], q.regs[nrf.QSPIWriteSrc], q.regs[nrf.QSPIWriteCnt]
	ext := q.flash()
	for i := uint32(0); i < cnt; i++ {
		b, _ := q.t.loadRAMByte(src + i)
		ext[q.mask(dst+i)] &= b
	}
	q.ready = 1
}

// ERASE.LEN: 0 = 4 KB, 1 = 64 KB, 2 = whole chip
func (q *simQSPI) eraseTask() {
	ptr := q.regs[nrf.QSPIErasePtr]
	switch q.regs[nrf.QSPIEraseLen] {
	case 0:
		q.erase(ptr&^0xFFF, 0x1000)
	case 1:
		q.erase(ptr&^0xFFFF, 0x10000)
	case 2:
		q.erase(0, SimExternalFlashSize)
	}
	q.ready = 1
}

func (q *simQSPI) erase(addr, n uint32) {
	ext := q.flash()
	for i := uint32(0); i < n; i++ {
		ext[q.mask(addr+i)] = 0xFF
	}
}

// custom runs a CINSTRCONF write. Long frames accumulate until LFSTOP.
func (q *simQSPI) custom(conf uint32) {
	length := int(conf >> nrf.CinstrLengthShift & 0xF)
	n := min(max(length-1, 0), 8)
	data := make([]byte, 0, 8)
	lo, hi := q.regs[nrf.QSPICinstrDat0], q.regs[nrf.QSPICinstrDat1]
	for i := 0; i < n; i++ {
		w := lo
		if i >= 4 {
			w = hi
		}
		data = append(data, byte(w>>(8*(i%4))))
	}

	if conf&nrf.CinstrLFEN != 0 {
		if q.frame == nil {
			q.frame = []byte{byte(conf)}
		}
		q.frame = append(q.frame, data...)
		if conf&nrf.CinstrLFStop != 0 {
			q.instructions = append(q.instructions, SimInstruction{Opcode: q.frame[0], Data: q.frame[1:], LongFrame: true})
			q.frame = nil
		}
		q.ready = 1
		return
	}

	opcode := byte(conf)
	q.instructions = append(q.instructions, SimInstruction{Opcode: opcode, Data: data})
	resp := q.execute(opcode, data, n)
	var out [2]uint32
	for i, b := range resp {
		out[i/4] |= uint32(b) << (8 * (i % 4))
	}
	q.regs[nrf.QSPICinstrDat0], q.regs[nrf.QSPICinstrDat1] = out[0], out[1]
	q.ready = 1
}

func address24(data []byte) uint32 {
	if len(data) < 3 {
		return 0
	}
	return uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
}

// execute returns the bytes the flash clocks back for a custom instruction.
func (q *simQSPI) execute(opcode byte, data []byte, n int) []byte {
	resp := make([]byte, n)
	copy(resp, data)
	switch opcode {
	case 0x9F: // RDID
		copy(resp, simFlashID)
	case 0x05: // RDSR
		if n > 0 {
			resp[0] = q.status
			if q.wel {
				resp[0] |= 0x02
			}
		}
	case 0x01: // WRSR
		if q.wel && len(data) > 0 {
			q.status = data[0] &^ 0x03
		}
		q.wel = false
	case 0x06: // WREN
		q.wel = true
	case 0x04: // WRDI
		q.wel = false
	case 0x20: // sector erase
		q.erase(address24(data)&^0xFFF, 0x1000)
	case 0x52: // 32 KB block erase
		q.erase(address24(data)&^0x7FFF, 0x8000)
	case 0xD8: // 64 KB block erase
		q.erase(address24(data)&^0xFFFF, 0x10000)
	case 0x60, 0xC7: // chip erase
		q.erase(0, SimExternalFlashSize)
	case 0x66, 0x99: // reset enable, reset
		q.status = 0
		q.wel = false
	}
	return resp
}

// xipRead serves reads of the memory-mapped window.
func (q *simQSPI) xipRead(addr uint32) (uint32, bool) {
	if !q.active {
		return 0, false
	}
	off := q.mask(addr - q.t.Device.XIPStart + q.regs[nrf.QSPIXIPOffset])
	ext := q.flash()
	var v uint32
	for i := uint32(0); i < 4; i++ {
		v |= uint32(ext[q.mask(off+i)]) << (8 * i)
	}
	return v, true
}

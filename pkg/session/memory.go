package session

import (
	"encoding/binary"
	"time"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
)

const (
	// transferChunk bounds a single link memory transfer.
	transferChunk = 0x1000

	nvmcTimeout = 2 * time.Second
)

func le32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// checkRange rejects empty and wrapping ranges.
func checkRange(op string, addr uint32, n int) error {
	if n <= 0 {
		return apierr.New(apierr.InvalidParameter, op, "length %d", n)
	}
	if uint64(addr)+uint64(n) > 1<<32 {
		return apierr.New(apierr.InvalidParameter, op, "range 0x%08X+0x%X wraps the address space", addr, n)
	}
	return nil
}

// ReadU32 reads one aligned word.
func (s *Session) ReadU32(addr uint32) (uint32, error) {
	const op = "ReadU32"
	if err := s.check(op, target...); err != nil {
		return 0, err
	}
	if addr%4 != 0 {
		return 0, apierr.New(apierr.InvalidParameter, op, "address 0x%08X is not word aligned", addr)
	}
	v, err := s.readWord(addr)
	if err != nil {
		return 0, transportErr(op, err)
	}
	return v, nil
}

// WriteU32 writes one aligned word. With nvmc set the write goes through
// the NVMC write enable, as flash and UICR require.
func (s *Session) WriteU32(addr, v uint32, nvmc bool) error {
	const op = "WriteU32"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if addr%4 != 0 {
		return apierr.New(apierr.InvalidParameter, op, "address 0x%08X is not word aligned", addr)
	}
	if nvmc {
		return s.nvmcWrite(op, addr, le32(v))
	}
	if err := s.writeWord(addr, v); err != nil {
		return transportErr(op, err)
	}
	return nil
}

// Read reads n bytes from any address.
func (s *Session) Read(addr uint32, n int) ([]byte, error) {
	const op = "Read"
	if err := s.check(op, target...); err != nil {
		return nil, err
	}
	if err := checkRange(op, addr, n); err != nil {
		return nil, err
	}
	b, err := s.readRange(addr, n)
	if err != nil {
		return nil, transportErr(op, err)
	}
	return b, nil
}

// Write writes data at any address. Partial words at the edges are merged
// with the current contents, except in flash and UICR where the untouched
// bytes are written as 0xFF and so keep their value.
func (s *Session) Write(addr uint32, data []byte, nvmc bool) error {
	const op = "Write"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if err := checkRange(op, addr, len(data)); err != nil {
		return err
	}
	return s.writeRange(op, addr, data, nvmc)
}

// readRange reads [addr, addr+n) with aligned link transfers.
func (s *Session) readRange(addr uint32, n int) ([]byte, error) {
	start := addr &^ 3
	end := (uint64(addr) + uint64(n) + 3) &^ 3
	buf := make([]byte, 0, end-uint64(start))
	for cur := uint64(start); cur < end; {
		size := min(end-cur, transferChunk)
		b, err := s.link.ReadMem(s.memAP(), uint32(cur), int(size))
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
		cur += size
	}
	off := addr - start
	return buf[off : off+uint32(n)], nil
}

// isNVM reports whether addr is in flash or UICR.
func (s *Session) isNVM(addr uint32) bool {
	if s.dev == nil {
		return false
	}
	c := s.core()
	return (addr >= c.CodeStart && addr-c.CodeStart < c.CodeSize) || c.InUICR(addr)
}

// alignWrite widens data to whole words. NVM edges are padded with 0xFF;
// elsewhere the current contents are read back.
func (s *Session) alignWrite(addr uint32, data []byte) (uint32, []byte, error) {
	start := addr &^ 3
	end := (uint64(addr) + uint64(len(data)) + 3) &^ 3
	if uint64(start) == uint64(addr) && end == uint64(addr)+uint64(len(data)) {
		return addr, data, nil
	}
	buf := make([]byte, end-uint64(start))
	if s.isNVM(addr) {
		for i := range buf {
			buf[i] = 0xFF
		}
	} else {
		head, err := s.link.ReadMem(s.memAP(), start, 4)
		if err != nil {
			return 0, nil, err
		}
		copy(buf, head)
		tail, err := s.link.ReadMem(s.memAP(), uint32(end-4), 4)
		if err != nil {
			return 0, nil, err
		}
		copy(buf[len(buf)-4:], tail)
	}
	copy(buf[addr-start:], data)
	return start, buf, nil
}

func (s *Session) writeRange(op string, addr uint32, data []byte, nvmc bool) error {
	start, buf, err := s.alignWrite(addr, data)
	if err != nil {
		return transportErr(op, err)
	}
	if nvmc {
		return s.nvmcWrite(op, start, buf)
	}
	if err := s.writeChunks(start, buf); err != nil {
		return transportErr(op, err)
	}
	return nil
}

func (s *Session) writeChunks(addr uint32, data []byte) error {
	for off := 0; off < len(data); off += transferChunk {
		end := min(off+transferChunk, len(data))
		if err := s.link.WriteMem(s.memAP(), addr+uint32(off), data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// nvmcWrite writes aligned data with the NVMC in write mode and returns it
// to read-only afterwards.
func (s *Session) nvmcWrite(op string, addr uint32, data []byte) error {
	if err := s.nvmcMode(op, nrf.NVMCConfigWEN); err != nil {
		return err
	}
	for off := 0; off < len(data); off += transferChunk {
		end := min(off+transferChunk, len(data))
		if err := s.link.WriteMem(s.memAP(), addr+uint32(off), data[off:end]); err != nil {
			s.nvmcMode(op, nrf.NVMCConfigREN)
			return transportErr(op, err)
		}
		if err := s.nvmcWait(op); err != nil {
			return err
		}
	}
	return s.nvmcMode(op, nrf.NVMCConfigREN)
}

func (s *Session) nvmcMode(op string, mode uint32) error {
	if err := s.writeWord(s.core().NVMCReg(nrf.NVMCConfig), mode); err != nil {
		return transportErr(op, err)
	}
	return s.nvmcWait(op)
}

// nvmcWait polls NVMC READY.
func (s *Session) nvmcWait(op string) error {
	deadline := time.Now().Add(nvmcTimeout)
	for {
		ready, err := s.readWord(s.core().NVMCReg(nrf.NVMCReady))
		if err != nil {
			return transportErr(op, err)
		}
		if ready&1 != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return apierr.New(apierr.NvmcError, op, "NVMC busy for %s", nvmcTimeout)
		}
		time.Sleep(s.pollInterval)
	}
}

// nvmcErase runs one NVMC erase task: reg is the address of ERASEPAGE,
// ERASEALL or ERASEUICR, or the page itself on cores without ERASEPAGE.
func (s *Session) nvmcErase(op string, reg, v uint32) error {
	if err := s.nvmcMode(op, nrf.NVMCConfigEEN); err != nil {
		return err
	}
	if err := s.writeWord(reg, v); err != nil {
		s.nvmcMode(op, nrf.NVMCConfigREN)
		return transportErr(op, err)
	}
	if err := s.nvmcWait(op); err != nil {
		return err
	}
	return s.nvmcMode(op, nrf.NVMCConfigREN)
}

// nvmcEraseAll is the nRF51 recover path: without a CTRL-AP the whole chip
// is erased through the NVMC, which also clears RBPCONF.
func (s *Session) nvmcEraseAll() error {
	return s.nvmcErase("Recover", s.core().NVMCReg(nrf.NVMCEraseAll), 1)
}

// nvmcErasePage erases the code page at start.
func (s *Session) nvmcErasePage(op string, start uint32) error {
	c := s.core()
	if !c.ErasePage {
		return s.nvmcErase(op, start, 0xFFFFFFFF)
	}
	return s.nvmcErase(op, c.NVMCReg(nrf.NVMCErasePage), start)
}

// nvmcEraseUICR erases UICR on cores whose NVMC can do so on its own.
func (s *Session) nvmcEraseUICR(op string) error {
	c := s.core()
	if !c.EraseUICR {
		return apierr.New(apierr.InvalidDeviceForOperation, op, "%s erases UICR only together with flash", s.dev.Family)
	}
	return s.nvmcErase(op, c.NVMCReg(nrf.NVMCEraseUICR), 1)
}

// sessionMemory lets the rtt package read and write target RAM.
type sessionMemory struct {
	s *Session
}

func (m sessionMemory) Read(addr uint32, n int) ([]byte, error) {
	return m.s.readRange(addr, n)
}

func (m sessionMemory) Write(addr uint32, data []byte) error {
	start, buf, err := m.s.alignWrite(addr, data)
	if err != nil {
		return err
	}
	return m.s.writeChunks(start, buf)
}

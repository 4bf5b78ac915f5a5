package session

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/idcode"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/qspi"
)

const (
	// DMA bounce buffer size; the buffer sits at the start of RAM.
	qspiBufferSize = 0x1000

	qspiTimeout      = time.Second
	qspiEraseTimeout = 5 * time.Minute
)

// Serial flash opcodes the controller issues itself.
const (
	opWriteEnable  byte = 0x06
	opBlockErase32 byte = 0x52
	opReadID       byte = 0x9F
)

type qspiState struct {
	configured  bool
	initialized bool
	cfg         qspi.Config
	retainRAM   bool
	snapshot    []byte
}

// QSPIConfigure stores the external flash configuration. retainRAM keeps
// the RAM used as DMA buffer intact across QSPIStart and QSPIUninit.
func (s *Session) QSPIConfigure(retainRAM bool, cfg qspi.Config) error {
	const op = "QSPIConfigure"
	if err := s.check(op, requireDLL); err != nil {
		return err
	}
	if s.qspi.initialized {
		return apierr.New(apierr.InvalidOperation, op, "QSPI is initialized")
	}
	if err := cfg.Params.Validate(); err != nil {
		return apierr.Wrap(apierr.InvalidParameter, op, err)
	}
	if cfg.MemSize%qspiBufferSize != 0 {
		return apierr.New(apierr.InvalidParameter, op, "memory size 0x%X is not a multiple of 4 KB", cfg.MemSize)
	}
	cfg.Instructions = append([]qspi.Instruction(nil), cfg.Instructions...)
	s.qspi.cfg = cfg
	s.qspi.retainRAM = retainRAM
	s.qspi.configured = true
	return nil
}

// QSPIConfigureFromFile loads the configuration from an ini file.
func (s *Session) QSPIConfigureFromFile(path string, retainRAM bool) error {
	const op = "QSPIConfigureFromFile"
	if err := s.check(op, requireDLL); err != nil {
		return err
	}
	cfg, err := loadQSPIConfig(op, path)
	if err != nil {
		return err
	}
	return s.QSPIConfigure(retainRAM, *cfg)
}

func loadQSPIConfig(op, path string) (*qspi.Config, error) {
	cfg, err := qspi.LoadFile(path)
	if err == nil {
		return cfg, nil
	}
	var pe *qspi.ParseError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, apierr.Wrap(apierr.FileNotFound, op, err)
	case errors.As(err, &pe):
		return nil, apierr.Wrap(apierr.FileParsing, op, err)
	}
	return nil, apierr.Wrap(apierr.FileOperationFailed, op, err)
}

// QSPIInit configures and starts the controller.
func (s *Session) QSPIInit(retainRAM bool, cfg qspi.Config) error {
	if err := s.QSPIConfigure(retainRAM, cfg); err != nil {
		return err
	}
	return s.QSPIStart()
}

// QSPIInitFromFile configures from an ini file and starts the controller.
func (s *Session) QSPIInitFromFile(path string, retainRAM bool) error {
	if err := s.QSPIConfigureFromFile(path, retainRAM); err != nil {
		return err
	}
	return s.QSPIStart()
}

// QSPIStart activates the peripheral with the stored configuration and
// runs the initialization instructions.
func (s *Session) QSPIStart() error {
	const op = "QSPIStart"
	if err := s.check(op, target...); err != nil {
		return err
	}
	q := s.core()
	if q.QSPI == 0 {
		return apierr.New(apierr.InvalidDeviceForOperation, op, "%s %s core has no QSPI peripheral", s.dev, s.state.Coprocessor)
	}
	if !s.qspi.configured {
		return apierr.New(apierr.InvalidOperation, op, "QSPI is not configured")
	}
	if s.qspi.initialized {
		return nil
	}

	if err := s.powerSectionsFor(q.RAMStart, qspiBufferSize); err != nil {
		return transportErr(op, err)
	}
	if s.qspi.retainRAM {
		snap, err := s.readRange(q.RAMStart, qspiBufferSize)
		if err != nil {
			return transportErr(op, err)
		}
		s.qspi.snapshot = snap
	}

	p := s.qspi.cfg.Params
	regs := []struct{ addr, v uint32 }{
		{q.QSPIReg(nrf.QSPIPselSCK), p.SCK.PSEL()},
		{q.QSPIReg(nrf.QSPIPselCSN), p.CSN.PSEL()},
		{q.QSPIReg(nrf.QSPIPselIO0), p.DIO[0].PSEL()},
		{q.QSPIReg(nrf.QSPIPselIO1), p.DIO[1].PSEL()},
		{q.QSPIReg(nrf.QSPIPselIO2), p.DIO[2].PSEL()},
		{q.QSPIReg(nrf.QSPIPselIO3), p.DIO[3].PSEL()},
		{q.QSPIReg(nrf.QSPIXIPOffset), 0},
		{q.QSPIReg(nrf.QSPIIfConfig0), p.IfConfig0()},
		{q.QSPIReg(nrf.QSPIIfConfig1), p.IfConfig1()},
		{q.QSPIReg(nrf.QSPIIfTiming), uint32(s.qspi.cfg.RxDelay&7) << 8},
		{q.QSPIReg(nrf.QSPIEnable), nrf.QSPIEnableValue},
	}
	for _, r := range regs {
		if err := s.writeWord(r.addr, r.v); err != nil {
			return transportErr(op, err)
		}
	}
	if err := s.qspiTask(op, q.QSPIReg(nrf.QSPIActivate), qspiTimeout); err != nil {
		return err
	}
	s.qspi.initialized = true

	for _, in := range s.qspi.cfg.Instructions {
		if _, err := s.qspiCustom(op, in.Opcode, in.Length(), in.Data); err != nil {
			s.qspiRelease()
			return err
		}
	}
	s.debugLog("qspi started", "size", s.qspi.cfg.MemSize, "instructions", len(s.qspi.cfg.Instructions))
	return nil
}

// QSPIUninit deactivates the peripheral and restores retained RAM. The
// configuration is kept.
func (s *Session) QSPIUninit() error {
	const op = "QSPIUninit"
	if err := s.check(op, requireDLL); err != nil {
		return err
	}
	if !s.qspi.initialized {
		return nil
	}
	if err := s.qspiRelease(); err != nil {
		return transportErr(op, err)
	}
	return nil
}

// qspiRelease shuts the peripheral down. It is also used when the device
// goes away, so failures are logged as well as returned.
func (s *Session) qspiRelease() error {
	if !s.qspi.initialized {
		return nil
	}
	s.qspi.initialized = false
	var errs []error
	if s.state.Device == DeviceConnected {
		q := s.core()
		for _, r := range []struct{ addr, v uint32 }{{q.QSPIReg(nrf.QSPIDeactivate), 1}, {q.QSPIReg(nrf.QSPIEnable), 0}} {
			if err := s.writeWord(r.addr, r.v); err != nil {
				errs = append(errs, err)
			}
		}
		if s.qspi.snapshot != nil {
			if err := s.writeChunks(q.RAMStart, s.qspi.snapshot); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.qspi.snapshot = nil
	err := errors.Join(errs...)
	if err != nil {
		s.warnLog("qspi release failed", "error", err)
	}
	return err
}

// QSPIIsInitialized reports whether QSPIStart has completed.
func (s *Session) QSPIIsInitialized() (bool, error) {
	if err := s.check("QSPIIsInitialized", requireDLL); err != nil {
		return false, err
	}
	return s.qspi.initialized, nil
}

// QSPISetRxDelay changes the receive delay, applying it immediately when
// the peripheral is running.
func (s *Session) QSPISetRxDelay(d uint8) error {
	const op = "QSPISetRxDelay"
	if err := s.check(op, requireDLL); err != nil {
		return err
	}
	if d > 7 {
		return apierr.New(apierr.InvalidParameter, op, "rx delay %d exceeds 7", d)
	}
	s.qspi.cfg.RxDelay = d
	if s.qspi.initialized {
		if err := s.writeWord(s.core().QSPIReg(nrf.QSPIIfTiming), uint32(d)<<8); err != nil {
			return transportErr(op, err)
		}
	}
	return nil
}

// QSPISetSize sets the external flash size, which also sizes the XIP
// region of the memory map.
func (s *Session) QSPISetSize(n uint32) error {
	const op = "QSPISetSize"
	if err := s.check(op, requireDLL); err != nil {
		return err
	}
	if n%qspiBufferSize != 0 {
		return apierr.New(apierr.InvalidParameter, op, "memory size 0x%X is not a multiple of 4 KB", n)
	}
	s.qspi.cfg.MemSize = n
	return nil
}

// QSPIGetSize returns the configured external flash size.
func (s *Session) QSPIGetSize() (uint32, error) {
	if err := s.check("QSPIGetSize", requireDLL); err != nil {
		return 0, err
	}
	return s.qspi.cfg.MemSize, nil
}

func (s *Session) qspiReady(op string) error {
	if err := s.check(op, target...); err != nil {
		return err
	}
	if !s.qspi.initialized {
		return apierr.New(apierr.InvalidOperation, op, "QSPI is not initialized")
	}
	if s.core().QSPI == 0 {
		return apierr.New(apierr.InvalidDeviceForOperation, op, "the %s core has no QSPI peripheral", s.state.Coprocessor)
	}
	return nil
}

// qspiCheckRange bounds a transfer by the address mode and the configured
// memory size.
func (s *Session) qspiCheckRange(op string, addr, n uint32) error {
	if err := s.qspi.cfg.Params.CheckRange(addr, n); err != nil {
		return apierr.Wrap(apierr.InvalidParameter, op, err)
	}
	if uint64(addr)+uint64(n) > uint64(s.qspi.cfg.MemSize) {
		return apierr.New(apierr.InvalidParameter, op, "range 0x%08X+0x%X exceeds memory size 0x%X", addr, n, s.qspi.cfg.MemSize)
	}
	return nil
}

// qspiTask triggers a task register and waits for EVENTS_READY.
func (s *Session) qspiTask(op string, task uint32, timeout time.Duration) error {
	if err := s.writeWord(s.core().QSPIReg(nrf.QSPIEventsReady), 0); err != nil {
		return transportErr(op, err)
	}
	if err := s.writeWord(task, 1); err != nil {
		return transportErr(op, err)
	}
	return s.qspiWait(op, timeout)
}

func (s *Session) qspiWait(op string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := s.readWord(s.core().QSPIReg(nrf.QSPIEventsReady))
		if err != nil {
			return transportErr(op, err)
		}
		if v != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return transportErr(op, fmt.Errorf("qspi not ready after %s: %w", timeout, probe.ErrTimeout))
		}
		time.Sleep(s.pollInterval)
	}
}

// QSPIRead reads n bytes of external flash at any alignment.
func (s *Session) QSPIRead(addr uint32, n int) ([]byte, error) {
	const op = "QSPIRead"
	if err := s.qspiReady(op); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, apierr.New(apierr.InvalidParameter, op, "length %d", n)
	}
	if err := s.qspiCheckRange(op, addr, uint32(n)); err != nil {
		return nil, err
	}
	return s.qspiRead(op, addr, n)
}

// keepingQSPIBuffer runs fn and puts back the RAM under the DMA buffer, so
// file operations that also place data in RAM find it unchanged.
func (s *Session) keepingQSPIBuffer(op string, fn func() error) error {
	at := s.core().RAMStart
	saved, err := s.readRange(at, qspiBufferSize)
	if err != nil {
		return transportErr(op, err)
	}
	err = fn()
	if rerr := s.writeChunks(at, saved); rerr != nil && err == nil {
		err = transportErr(op, rerr)
	}
	return err
}

// qspiRead moves an aligned window through the DMA buffer and returns the
// requested bytes.
func (s *Session) qspiRead(op string, addr uint32, n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	q := s.core()
	w := qspi.AlignWindow(addr, uint32(n))
	buf := make([]byte, 0, w.Length)
	for _, ch := range w.Chunks(qspiBufferSize) {
		for _, r := range []struct{ addr, v uint32 }{
			{q.QSPIReg(nrf.QSPIReadSrc), ch.Addr},
			{q.QSPIReg(nrf.QSPIReadDst), q.RAMStart},
			{q.QSPIReg(nrf.QSPIReadCnt), ch.Length},
		} {
			if err := s.writeWord(r.addr, r.v); err != nil {
				return nil, transportErr(op, err)
			}
		}
		if err := s.qspiTask(op, q.QSPIReg(nrf.QSPIReadStart), qspiTimeout); err != nil {
			return nil, err
		}
		b, err := s.readRange(q.RAMStart, int(ch.Length))
		if err != nil {
			return nil, transportErr(op, err)
		}
		buf = append(buf, b...)
	}
	return buf[w.Offset : w.Offset+uint32(n)], nil
}

// QSPIWrite programs data at any alignment. Bytes around an unaligned
// range are written as 0xFF and keep their value.
func (s *Session) QSPIWrite(addr uint32, data []byte) error {
	const op = "QSPIWrite"
	if err := s.qspiReady(op); err != nil {
		return err
	}
	if len(data) == 0 {
		return apierr.New(apierr.InvalidParameter, op, "no data")
	}
	if err := s.qspiCheckRange(op, addr, uint32(len(data))); err != nil {
		return err
	}
	return s.qspiWrite(op, addr, data)
}

func (s *Session) qspiWrite(op string, addr uint32, data []byte) error {
	q := s.core()
	w, buf := qspi.PadWrite(addr, data)
	for _, ch := range w.Chunks(qspiBufferSize) {
		if err := s.writeChunks(q.RAMStart, buf[ch.Offset:ch.Offset+ch.Length]); err != nil {
			return transportErr(op, err)
		}
		for _, r := range []struct{ addr, v uint32 }{
			{q.QSPIReg(nrf.QSPIWriteDst), ch.Addr},
			{q.QSPIReg(nrf.QSPIWriteSrc), q.RAMStart},
			{q.QSPIReg(nrf.QSPIWriteCnt), ch.Length},
		} {
			if err := s.writeWord(r.addr, r.v); err != nil {
				return transportErr(op, err)
			}
		}
		if err := s.qspiTask(op, q.QSPIReg(nrf.QSPIWriteStart), qspiTimeout); err != nil {
			return err
		}
	}
	return nil
}

// QSPIErase erases one unit of external flash. addr must be aligned to the
// unit and is ignored for qspi.EraseAll.
func (s *Session) QSPIErase(addr uint32, l qspi.EraseLen) error {
	const op = "QSPIErase"
	if err := s.qspiReady(op); err != nil {
		return err
	}
	if err := s.qspi.cfg.Params.CheckErase(addr, l); err != nil {
		return apierr.Wrap(apierr.InvalidParameter, op, err)
	}
	return s.qspiErase(op, addr, l)
}

// qspiErase uses the ERASE task except for 32 KB blocks, which the
// peripheral cannot size and are sent as a custom instruction.
func (s *Session) qspiErase(op string, addr uint32, l qspi.EraseLen) error {
	if l == qspi.Erase32KB {
		if _, err := s.qspiCustom(op, opWriteEnable, 1, nil); err != nil {
			return err
		}
		a := []byte{byte(addr >> 16), byte(addr >> 8), byte(addr)}
		if s.qspi.cfg.Params.AddressMode == qspi.Bit32 {
			a = append([]byte{byte(addr >> 24)}, a...)
		}
		_, err := s.qspiCustom(op, opBlockErase32, 1+len(a), a)
		return err
	}
	q := s.core()
	for _, r := range []struct{ addr, v uint32 }{{q.QSPIReg(nrf.QSPIErasePtr), addr}, {q.QSPIReg(nrf.QSPIEraseLen), uint32(l)}} {
		if err := s.writeWord(r.addr, r.v); err != nil {
			return transportErr(op, err)
		}
	}
	timeout := qspiTimeout
	if l == qspi.EraseAll {
		timeout = qspiEraseTimeout
	}
	return s.qspiTask(op, q.QSPIReg(nrf.QSPIEraseStart), timeout)
}

// QSPICustom sends a custom instruction of length bytes, opcode included,
// and returns the length-1 bytes clocked back. Instructions longer than
// nine bytes use long frame mode and return no data.
func (s *Session) QSPICustom(code byte, length int, data []byte) ([]byte, error) {
	const op = "QSPICustom"
	if err := s.qspiReady(op); err != nil {
		return nil, err
	}
	if length < 1 || len(data) > length-1 {
		return nil, apierr.New(apierr.InvalidParameter, op, "length %d with %d data bytes", length, len(data))
	}
	if length > qspi.ShortInstructionMax && !s.dev.LongFrame {
		return nil, apierr.New(apierr.InvalidDeviceForOperation, op, "%s has no long frame mode", s.dev)
	}
	return s.qspiCustom(op, code, length, data)
}

// QSPIReadID issues RDID and decodes the JEDEC identification.
func (s *Session) QSPIReadID() (idcode.FlashID, error) {
	const op = "QSPIReadID"
	if err := s.qspiReady(op); err != nil {
		return idcode.FlashID{}, err
	}
	resp, err := s.qspiCustom(op, opReadID, 4, nil)
	if err != nil {
		return idcode.FlashID{}, err
	}
	id, err := idcode.ParseFlashID(resp)
	if err != nil {
		return idcode.FlashID{}, apierr.Wrap(apierr.ProbeError, op, err)
	}
	return id, nil
}

func (s *Session) cinstrLevels() uint32 {
	var v uint32
	if s.qspi.cfg.Params.IO2Level == qspi.LevelHigh {
		v |= nrf.CinstrLIO2
	}
	if s.qspi.cfg.Params.IO3Level == qspi.LevelHigh {
		v |= nrf.CinstrLIO3
	}
	return v
}

func (s *Session) qspiCustom(op string, code byte, length int, data []byte) ([]byte, error) {
	q := s.core()
	payload := make([]byte, length-1)
	copy(payload, data)
	base := uint32(code) | s.cinstrLevels() | nrf.CinstrWIPWait

	if length <= qspi.ShortInstructionMax {
		if err := s.cinstr(op, payload, base|uint32(length)<<nrf.CinstrLengthShift); err != nil {
			return nil, err
		}
		dat0, err := s.readWord(q.QSPIReg(nrf.QSPICinstrDat0))
		if err != nil {
			return nil, transportErr(op, err)
		}
		dat1, err := s.readWord(q.QSPIReg(nrf.QSPICinstrDat1))
		if err != nil {
			return nil, transportErr(op, err)
		}
		return qspi.UnpackData(dat0, dat1, length-1), nil
	}

	chunks := qspi.LongFrameChunks(payload)
	for i, ch := range chunks {
		conf := base | nrf.CinstrLFEN | uint32(len(ch)+1)<<nrf.CinstrLengthShift
		if i == len(chunks)-1 {
			conf |= nrf.CinstrLFStop
		}
		if err := s.cinstr(op, ch, conf); err != nil {
			return nil, err
		}
	}
	return []byte{}, nil
}

// cinstr loads CINSTRDAT0/1 and writes CINSTRCONF, which starts the
// transfer.
func (s *Session) cinstr(op string, data []byte, conf uint32) error {
	q := s.core()
	dat0, dat1 := qspi.PackData(data)
	for _, r := range []struct{ addr, v uint32 }{
		{q.QSPIReg(nrf.QSPICinstrDat0), dat0},
		{q.QSPIReg(nrf.QSPICinstrDat1), dat1},
		{q.QSPIReg(nrf.QSPIEventsReady), 0},
		{q.QSPIReg(nrf.QSPICinstrConf), conf},
	} {
		if err := s.writeWord(r.addr, r.v); err != nil {
			return transportErr(op, err)
		}
	}
	return s.qspiWait(op, qspiTimeout)
}

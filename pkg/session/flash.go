package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/image"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
)

// EraseAction selects what is erased before programming.
type EraseAction int

const (
	EraseNone EraseAction = iota
	EraseAll
	EraseSectors
	EraseSectorsAndUICR
)

func (a EraseAction) String() string {
	switch a {
	case EraseNone:
		return "none"
	case EraseAll:
		return "all"
	case EraseSectors:
		return "sectors"
	case EraseSectorsAndUICR:
		return "sectors+uicr"
	}
	return fmt.Sprintf("EraseAction(%d)", int(a))
}

// VerifyAction selects how programmed data is checked.
type VerifyAction int

const (
	VerifyNone VerifyAction = iota
	VerifyRead
	VerifyHash
)

func (a VerifyAction) String() string {
	switch a {
	case VerifyNone:
		return "none"
	case VerifyRead:
		return "read"
	case VerifyHash:
		return "hash"
	}
	return fmt.Sprintf("VerifyAction(%d)", int(a))
}

// ResetAction selects the reset issued after programming.
type ResetAction int

const (
	ResetNone ResetAction = iota
	ResetSystem
	ResetDebug
	ResetPin
)

// ProgramOptions configures Program.
type ProgramOptions struct {
	Verify    VerifyAction
	ChipErase EraseAction
	QSPIErase EraseAction
	Reset     ResetAction
}

// ReadOptions selects the regions ReadToFile dumps.
type ReadOptions struct {
	RAM  bool
	Code bool
	UICR bool
	FICR bool
	QSPI bool
}

// MemoryDescriptors returns the memory map of the connected device. The
// list is rebuilt after every generation change and whenever the
// configured external flash size changes.
func (s *Session) MemoryDescriptors() ([]nrf.MemoryDescriptor, error) {
	if err := s.check("MemoryDescriptors", requireDevice); err != nil {
		return nil, err
	}
	return append([]nrf.MemoryDescriptor(nil), s.descriptors()...), nil
}

func (s *Session) descriptors() []nrf.MemoryDescriptor {
	var xip uint32
	if s.qspi.configured {
		xip = s.qspi.cfg.MemSize
	}
	if s.descs == nil || s.descsGen != s.state.Generation || s.descsXIP != xip {
		s.descs = s.core().Descriptors(xip)
		s.descsGen = s.state.Generation
		s.descsXIP = xip
	}
	return s.descs
}

// PageSizes returns the page geometry of the region of type t.
func (s *Session) PageSizes(t nrf.MemoryType) ([]nrf.PageRepetition, error) {
	const op = "PageSizes"
	if err := s.check(op, requireDevice); err != nil {
		return nil, err
	}
	d, ok := nrf.Find(s.descriptors(), t)
	if !ok {
		return nil, apierr.New(apierr.InvalidParameter, op, "%s has no %s region", s.dev, t)
	}
	return append([]nrf.PageRepetition(nil), d.Pages...), nil
}

// loadImage decodes a firmware file and classifies decoder failures.
func loadImage(op, path string) ([]image.Segment, error) {
	segs, err := image.Decode(path)
	if err == nil {
		return segs, nil
	}
	var pe *image.ParseError
	kind := apierr.FileOperationFailed
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = apierr.FileNotFound
	case errors.Is(err, image.ErrUnknownFormat):
		kind = apierr.FileUnknownFormat
	case errors.Is(err, image.ErrOverlap), errors.Is(err, image.ErrEmpty):
		kind = apierr.FileInvalid
	case errors.As(err, &pe):
		kind = apierr.FileParsing
	}
	return nil, apierr.Wrap(kind, op, err)
}

// placed is a segment with the region it lands in.
type placed struct {
	image.Segment
	desc nrf.MemoryDescriptor
}

func (p placed) external() bool {
	return p.desc.Type == nrf.MemoryXIP
}

// partition cuts segments at region boundaries and assigns each piece its
// region. Anything outside a writable region makes the file invalid.
func (s *Session) partition(op string, segs []image.Segment) ([]placed, error) {
	descs := s.descriptors()
	c := s.core()
	bounds := []uint32{c.XIPStart}
	for _, d := range descs {
		bounds = append(bounds, d.Start, d.End())
	}
	var out []placed
	for _, seg := range image.Split(segs, bounds...) {
		if c.InXIP(seg.Address) && !s.qspi.initialized {
			return nil, apierr.New(apierr.InvalidOperation, op, "segment at 0x%08X needs QSPI initialized", seg.Address)
		}
		d, err := nrf.Classify(descs, seg.Address, uint32(len(seg.Data)))
		if err != nil {
			return nil, apierr.Wrap(apierr.FileInvalid, op, err)
		}
		if !d.Access.Has(nrf.AccessWrite) {
			return nil, apierr.New(apierr.FileInvalid, op, "segment at 0x%08X targets read-only %s", seg.Address, d.Label)
		}
		out = append(out, placed{Segment: seg, desc: d})
	}
	return out, nil
}

func (s *Session) loadPlaced(op, path string) ([]placed, error) {
	segs, err := loadImage(op, path)
	if err != nil {
		return nil, err
	}
	return s.partition(op, segs)
}

func totalSize(parts []placed) int {
	n := 0
	for _, p := range parts {
		n += len(p.Data)
	}
	return n
}

// ProgramFile writes a firmware file. Flash is not erased first: NVM
// writes can only clear bits, so the target pages must already be erased
// for the data to land unchanged. The first failing segment aborts the
// operation and what was written stays written.
func (s *Session) ProgramFile(path string) error {
	const op = "ProgramFile"
	if err := s.check(op, target...); err != nil {
		return err
	}
	parts, err := s.loadPlaced(op, path)
	if err != nil {
		return err
	}
	return s.program(op, parts)
}

func (s *Session) program(op string, parts []placed) error {
	if err := s.disableBPROT(op); err != nil {
		return err
	}
	total, done := totalSize(parts), 0
	s.report("program", 0, total)
	for _, p := range parts {
		s.debugLog("programming segment", "address", fmt.Sprintf("0x%08X", p.Address), "size", len(p.Data), "region", p.desc.Label)
		var err error
		switch p.desc.Type {
		case nrf.MemoryCode, nrf.MemoryUICR:
			err = s.writeRange(op, p.Address, p.Data, true)
		case nrf.MemoryDataRAM, nrf.MemoryCodeRAM:
			if err = s.powerSectionsFor(p.Address, uint32(len(p.Data))); err != nil {
				err = transportErr(op, err)
				break
			}
			err = s.writeRange(op, p.Address, p.Data, false)
		case nrf.MemoryXIP:
			err = s.keepingQSPIBuffer(op, func() error {
				return s.qspiWrite(op, p.Address-s.core().XIPStart, p.Data)
			})
		default:
			err = apierr.New(apierr.FileInvalid, op, "cannot program %s", p.desc.Label)
		}
		if err != nil {
			return err
		}
		done += len(p.Data)
		s.report("program", done, total)
	}
	return nil
}

// Program erases, programs, verifies and resets in one call.
func (s *Session) Program(path string, opts ProgramOptions) error {
	const op = "Program"
	if err := s.check(op, target...); err != nil {
		return err
	}
	parts, err := s.loadPlaced(op, path)
	if err != nil {
		return err
	}
	if err := s.eraseFor(op, parts, opts.ChipErase, opts.QSPIErase); err != nil {
		return err
	}
	if err := s.program(op, parts); err != nil {
		return err
	}
	if opts.Verify != VerifyNone {
		if err := s.verify(op, parts, opts.Verify); err != nil {
			return err
		}
	}
	switch opts.Reset {
	case ResetSystem:
		return s.SysReset()
	case ResetDebug:
		return s.DebugReset()
	case ResetPin:
		return s.PinReset()
	}
	return nil
}

// ReadToFile dumps the selected regions as Intel HEX. Powered-off RAM
// sections are left out.
func (s *Session) ReadToFile(path string, opts ReadOptions) error {
	const op = "ReadToFile"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if image.FormatOf(path) != image.FormatHex {
		return apierr.New(apierr.InvalidParameter, op, "%s: only Intel HEX output is supported", path)
	}
	if opts.QSPI && !s.qspi.initialized {
		return apierr.New(apierr.InvalidOperation, op, "QSPI is not initialized")
	}

	var segs []image.Segment
	add := func(t nrf.MemoryType) error {
		d, ok := nrf.Find(s.descriptors(), t)
		if !ok {
			return nil
		}
		data, err := s.readRange(d.Start, int(d.Size))
		if err != nil {
			return transportErr(op, err)
		}
		segs = append(segs, image.Segment{Address: d.Start, Data: data})
		return nil
	}
	if opts.Code {
		if err := add(nrf.MemoryCode); err != nil {
			return err
		}
	}
	if opts.FICR {
		if err := add(nrf.MemoryFICR); err != nil {
			return err
		}
	}
	if opts.UICR {
		if err := add(nrf.MemoryUICR); err != nil {
			return err
		}
	}
	if opts.RAM {
		sections, err := s.ramSections()
		if err != nil {
			return transportErr(op, err)
		}
		for _, sec := range sections {
			if sec.Power == nrf.RAMOff {
				continue
			}
			data, err := s.readRange(sec.Start, int(sec.Size))
			if err != nil {
				return transportErr(op, err)
			}
			segs = append(segs, image.Segment{Address: sec.Start, Data: data})
		}
	}
	if opts.QSPI {
		var data []byte
		err := s.keepingQSPIBuffer(op, func() (err error) {
			data, err = s.qspiRead(op, 0, int(s.qspi.cfg.MemSize))
			return err
		})
		if err != nil {
			return err
		}
		segs = append(segs, image.Segment{Address: s.core().XIPStart, Data: data})
	}

	segs, err := image.Normalize(segs)
	if err != nil {
		return apierr.Wrap(apierr.InvalidParameter, op, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return apierr.Wrap(apierr.FileOperationFailed, op, err)
	}
	if err := image.EncodeHex(f, segs); err != nil {
		f.Close()
		return apierr.Wrap(apierr.FileOperationFailed, op, err)
	}
	if err := f.Close(); err != nil {
		return apierr.Wrap(apierr.FileOperationFailed, op, err)
	}
	s.debugLog("memory dumped", "path", path, "segments", len(segs))
	return nil
}

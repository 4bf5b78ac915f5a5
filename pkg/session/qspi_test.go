package session

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/image"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/qspi"
)

const devKitIni = `[DEFAULT_CONFIGURATION]
MemSize = 0x800000
ReadMode = READ4IO
WriteMode = PP4IO
AddressMode = BIT24
Frequency = M16
CustomInstructionIO3Level = LEVEL_HIGH
RxDelay = 2
InitializationCustomInstruction = 0x06
InitializationCustomInstruction = 0x01, [0x40]
`

func devKitConfig() qspi.Config {
	return qspi.Config{
		Params:       qspi.DefaultParams(),
		MemSize:      probe.SimExternalFlashSize,
		RxDelay:      qspi.DefaultRxDelay,
		Instructions: []qspi.Instruction{{Opcode: 0x06}},
	}
}

// withQSPI returns a connected bench with the external flash running.
func withQSPI(t *testing.T) *bench {
	t.Helper()
	b := connected(t)
	require.NoError(t, b.s.QSPIInit(false, devKitConfig()))
	return b
}

func writeIni(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "QspiDefault.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestQSPINeedsInit(t *testing.T) {
	b := connected(t)
	s := b.s

	_, err := s.QSPIRead(0, 4)
	requireKind(t, err, apierr.InvalidOperation)
	requireKind(t, s.QSPIWrite(0, []byte{1}), apierr.InvalidOperation)
	requireKind(t, s.QSPIErase(0, qspi.Erase4KB), apierr.InvalidOperation)
	_, err = s.QSPIReadID()
	requireKind(t, err, apierr.InvalidOperation)
	_, err = s.QSPICustom(0x05, 2, nil)
	requireKind(t, err, apierr.InvalidOperation)
	requireKind(t, s.QSPIStart(), apierr.InvalidOperation)
	require.NoError(t, s.QSPIUninit(), "uninit without init")

	on, err := s.QSPIIsInitialized()
	require.NoError(t, err)
	assert.False(t, on)
}

func TestQSPIConfigure(t *testing.T) {
	b := newBench(t)
	b.openDll(t)
	s := b.s

	bad := devKitConfig()
	bad.Params.WIPIndex = 9
	requireKind(t, s.QSPIConfigure(false, bad), apierr.InvalidParameter)
	bad = devKitConfig()
	bad.MemSize = 0x1800
	requireKind(t, s.QSPIConfigure(false, bad), apierr.InvalidParameter)

	// Configuration only needs the library.
	require.NoError(t, s.QSPIConfigure(false, devKitConfig()))
	size, err := s.QSPIGetSize()
	require.NoError(t, err)
	assert.Equal(t, uint32(probe.SimExternalFlashSize), size)
	requireKind(t, s.QSPISetSize(0x123), apierr.InvalidParameter)
	require.NoError(t, s.QSPISetSize(0x400000))
	size, err = s.QSPIGetSize()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x400000), size)

	requireKind(t, s.QSPISetRxDelay(8), apierr.InvalidParameter)
	require.NoError(t, s.QSPISetRxDelay(5))

	requireKind(t, s.QSPIStart(), apierr.InvalidOperation)
}

func TestQSPIConfigureFromFile(t *testing.T) {
	b := connected(t)
	s := b.s

	requireKind(t, s.QSPIInitFromFile(filepath.Join(t.TempDir(), "absent.ini"), false), apierr.FileNotFound)
	requireKind(t, s.QSPIConfigureFromFile(writeIni(t, "MemSize = = 4\n"), false), apierr.FileParsing)
	requireKind(t, s.QSPIConfigureFromFile(writeIni(t, "Colour = RED\n"), false), apierr.FileParsing)

	require.NoError(t, s.QSPIInitFromFile(writeIni(t, devKitIni), false))
	ins := b.target.QSPIInstructions()
	require.Len(t, ins, 2)
	assert.Equal(t, probe.SimInstruction{Opcode: 0x06, Data: []byte{}}, ins[0])
	assert.Equal(t, byte(0x01), ins[1].Opcode)
	assert.Equal(t, []byte{0x40}, ins[1].Data)
}

func TestQSPIInitRunsInstructions(t *testing.T) {
	b := withQSPI(t)
	s := b.s

	on, err := s.QSPIIsInitialized()
	require.NoError(t, err)
	assert.True(t, on)
	ins := b.target.QSPIInstructions()
	require.Len(t, ins, 1)
	assert.Equal(t, byte(0x06), ins[0].Opcode)

	requireKind(t, s.QSPIConfigure(false, devKitConfig()), apierr.InvalidOperation)
	require.NoError(t, s.QSPIStart(), "start is idempotent")

	require.NoError(t, s.QSPISetRxDelay(4))
	v, err := s.ReadU32(qspiIfTiming)
	require.NoError(t, err)
	assert.Equal(t, uint32(4)<<8, v)

	descs, err := s.MemoryDescriptors()
	require.NoError(t, err)
	xip, ok := nrf.Find(descs, nrf.MemoryXIP)
	require.True(t, ok)
	assert.Equal(t, xipStart, xip.Start)

	require.NoError(t, s.QSPIUninit())
	on, err = s.QSPIIsInitialized()
	require.NoError(t, err)
	assert.False(t, on)
	require.NoError(t, s.QSPIConfigure(false, devKitConfig()), "reconfigure after uninit")
}

func TestQSPIRetainRAM(t *testing.T) {
	for _, retain := range []bool{true, false} {
		t.Run(map[bool]string{true: "retained", false: "clobbered"}[retain], func(t *testing.T) {
			b := connected(t)
			s := b.s
			keep := pattern(0x100, 0x5A)
			require.NoError(t, b.target.Poke(ramStart, keep))
			require.NoError(t, s.QSPIInit(retain, devKitConfig()))
			require.NoError(t, s.QSPIWrite(0, bytes.Repeat([]byte{0x00}, 0x100)))
			_, err := s.QSPIRead(0, 0x100)
			require.NoError(t, err)
			require.NoError(t, s.QSPIUninit())

			got, err := s.Read(ramStart, len(keep))
			require.NoError(t, err)
			if retain {
				assert.Equal(t, keep, got)
			} else {
				assert.NotEqual(t, keep, got)
			}
		})
	}
}

func TestQSPIReadWrite(t *testing.T) {
	b := withQSPI(t)
	s := b.s

	sentinel := []byte("sentinel-data")
	require.NoError(t, s.QSPIWrite(0x101, sentinel))
	got, err := s.QSPIRead(0x101, len(sentinel))
	require.NoError(t, err)
	assert.Equal(t, sentinel, got)

	// Bytes around an unaligned write stay erased.
	assert.Equal(t, []byte{0xFF}, b.target.ExternalFlash(0x100, 1))
	assert.Equal(t, []byte{0xFF}, b.target.ExternalFlash(0x101+13, 1))

	// Programmed neighbours of an unaligned write keep their values.
	frame := bytes.Repeat([]byte{0xFF}, 0x10)
	frame[0], frame[0xF] = 0xA5, 0x5A
	require.NoError(t, s.QSPIWrite(0x200, frame))
	inner := pattern(14, 0x21)
	require.NoError(t, s.QSPIWrite(0x201, inner))
	got, err = s.QSPIRead(0x200, 0x10)
	require.NoError(t, err)
	assert.Equal(t, byte(0xA5), got[0])
	assert.Equal(t, inner, got[1:0xF])
	assert.Equal(t, byte(0x5A), got[0xF])

	big := pattern(0x2345, 0x11)
	require.NoError(t, s.QSPIWrite(0x10000, big))
	got, err = s.QSPIRead(0x10000, len(big))
	require.NoError(t, err)
	assert.Equal(t, big, got)

	// The mapped window shows the same bytes.
	xip, err := s.Read(xipStart+0x10000, 64)
	require.NoError(t, err)
	assert.Equal(t, big[:64], xip)

	_, err = s.QSPIRead(probe.SimExternalFlashSize-4, 8)
	requireKind(t, err, apierr.InvalidParameter)
	requireKind(t, s.QSPIWrite(probe.SimExternalFlashSize, []byte{1}), apierr.InvalidParameter)
	_, err = s.QSPIRead(0, 0)
	requireKind(t, err, apierr.InvalidParameter)
	requireKind(t, s.QSPIWrite(0, nil), apierr.InvalidParameter)
}

func TestQSPIErase(t *testing.T) {
	b := withQSPI(t)
	s := b.s

	require.NoError(t, s.QSPIWrite(0x8000, pattern(0x100, 1)))
	require.NoError(t, s.QSPIWrite(0x10000, pattern(0x10, 2)))

	require.NoError(t, s.QSPIErase(0x8000, qspi.Erase32KB))
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 0x100), b.target.ExternalFlash(0x8000, 0x100))
	assert.Equal(t, pattern(0x10, 2), b.target.ExternalFlash(0x10000, 0x10), "next block kept")

	ins := b.target.QSPIInstructions()
	require.GreaterOrEqual(t, len(ins), 2)
	last := ins[len(ins)-2:]
	assert.Equal(t, byte(0x06), last[0].Opcode)
	assert.Equal(t, probe.SimInstruction{Opcode: 0x52, Data: []byte{0x00, 0x80, 0x00}}, last[1])

	require.NoError(t, s.QSPIErase(0x10000, qspi.Erase4KB))
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 0x10), b.target.ExternalFlash(0x10000, 0x10))

	requireKind(t, s.QSPIErase(0x8100, qspi.Erase32KB), apierr.InvalidParameter)
	requireKind(t, s.QSPIErase(0x1000, qspi.Erase64KB), apierr.InvalidParameter)
	requireKind(t, s.QSPIErase(0, qspi.EraseLen(9)), apierr.InvalidParameter)

	require.NoError(t, s.QSPIWrite(0x400000, []byte{0}))
	require.NoError(t, s.QSPIErase(0x123, qspi.EraseAll))
	assert.Equal(t, []byte{0xFF}, b.target.ExternalFlash(0x400000, 1))
}

func TestQSPICustom(t *testing.T) {
	b := withQSPI(t)
	s := b.s

	id, err := s.QSPIReadID()
	require.NoError(t, err)
	assert.Equal(t, "Macronix", id.Manufacturer.Name)
	assert.Equal(t, uint8(0x28), id.MemoryType)
	assert.Equal(t, uint8(0x17), id.Capacity)

	resp, err := s.QSPICustom(0x9F, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC2, 0x28, 0x17}, resp)

	_, err = s.QSPICustom(0x02, 12, make([]byte, 11))
	requireKind(t, err, apierr.InvalidDeviceForOperation)
	_, err = s.QSPICustom(0x01, 2, []byte{1, 2})
	requireKind(t, err, apierr.InvalidParameter)
	_, err = s.QSPICustom(0x01, 0, nil)
	requireKind(t, err, apierr.InvalidParameter)
}

func TestProgramExternalFlash(t *testing.T) {
	b := withQSPI(t)
	s := b.s

	ext := pattern(0x1800, 0x33)
	internal := pattern(0x40, 0x77)
	path := writeHex(t,
		image.Segment{Address: 0x10000, Data: internal},
		image.Segment{Address: xipStart + 0x3000, Data: ext},
	)
	require.NoError(t, s.QSPIWrite(0x3000, make([]byte, 16)))

	require.NoError(t, s.Program(path, ProgramOptions{
		ChipErase: EraseSectors,
		QSPIErase: EraseSectors,
		Verify:    VerifyHash,
	}))
	assert.Equal(t, ext, b.target.ExternalFlash(0x3000, len(ext)))
	got, err := s.Read(0x10000, len(internal))
	require.NoError(t, err)
	assert.Equal(t, internal, got)
	require.NoError(t, s.VerifyFile(path, VerifyRead))

	dump := filepath.Join(t.TempDir(), "ext.hex")
	require.NoError(t, s.QSPISetSize(0x10000))
	require.NoError(t, s.ReadToFile(dump, ReadOptions{QSPI: true}))
	segs, err := image.Decode(dump)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, xipStart, segs[0].Address)
	assert.Equal(t, ext, segs[0].Data[0x3000:0x3000+len(ext)])
}

func TestProgramExternalFlashKeepsRAM(t *testing.T) {
	b := withQSPI(t)
	s := b.s

	ext := pattern(0x40, 0x19)
	ram := pattern(0x40, 0x83)
	path := writeHex(t,
		image.Segment{Address: xipStart + 0x2000, Data: ext},
		image.Segment{Address: ramStart, Data: ram},
	)
	require.NoError(t, s.Program(path, ProgramOptions{
		ChipErase: EraseSectors,
		QSPIErase: EraseSectors,
		Verify:    VerifyRead,
	}))
	require.NoError(t, s.VerifyFile(path, VerifyRead))
	assert.Equal(t, ext, b.target.ExternalFlash(0x2000, len(ext)))
	got, err := s.Read(ramStart, len(ram))
	require.NoError(t, err)
	assert.Equal(t, ram, got, "image data at the start of RAM")

	// Reading external flash back to a file leaves RAM alone too.
	require.NoError(t, s.QSPISetSize(0x10000))
	require.NoError(t, s.ReadToFile(filepath.Join(t.TempDir(), "ext.hex"), ReadOptions{QSPI: true}))
	got, err = s.Read(ramStart, len(ram))
	require.NoError(t, err)
	assert.Equal(t, ram, got)
}

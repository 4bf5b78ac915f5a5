package session

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/image"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/probe"
)

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i*7)
	}
	return out
}

func TestProgramWithoutEraseANDsFlash(t *testing.T) {
	b := connected(t)
	s := b.s
	const addr = 0x10000

	first := []byte{0xAA, 0x0F, 0xF0, 0x55, 0xFF, 0x12, 0x34, 0x56}
	second := []byte{0x0F, 0xFF, 0x3C, 0xAA, 0x80, 0xFF, 0x00, 0x5E}

	require.NoError(t, s.ProgramFile(writeHex(t, image.Segment{Address: addr, Data: first})))
	require.NoError(t, s.ProgramFile(writeHex(t, image.Segment{Address: addr, Data: second})))

	got, err := s.Read(addr, len(first))
	require.NoError(t, err)
	want := make([]byte, len(first))
	for i := range want {
		want[i] = first[i] & second[i]
	}
	assert.Equal(t, want, got)
}

func TestProgramRAMAndUICR(t *testing.T) {
	b := connected(t)
	s := b.s

	ram := pattern(100, 3)
	uicr := []byte{0x01, 0x02, 0x03, 0x04}
	path := writeHex(t,
		image.Segment{Address: 0x20010000, Data: ram},
		image.Segment{Address: uicrStart + 0x80, Data: uicr},
	)

	var phases []string
	s.SetProgress(func(p Progress) {
		if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
			phases = append(phases, p.Phase)
		}
	})
	require.NoError(t, s.Program(path, ProgramOptions{ChipErase: EraseSectorsAndUICR, Verify: VerifyRead}))
	assert.Equal(t, []string{"program", "verify"}, phases)

	got, err := s.Read(0x20010000, len(ram))
	require.NoError(t, err)
	assert.Equal(t, ram, got)
	got, err = s.Read(uicrStart+0x80, len(uicr))
	require.NoError(t, err)
	assert.Equal(t, uicr, got)
}

func TestProgramEraseSectors(t *testing.T) {
	b := connected(t)
	s := b.s
	const addr, neighbour = 0x10000, 0x11000

	require.NoError(t, s.WriteU32(addr+0x800, 0, true))
	require.NoError(t, s.WriteU32(neighbour, 0, true))

	data := pattern(0x20, 0x40)
	path := writeHex(t, image.Segment{Address: addr, Data: data})
	require.NoError(t, s.Program(path, ProgramOptions{ChipErase: EraseSectors, Verify: VerifyHash}))

	got, err := s.Read(addr, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	v, err := s.ReadU32(addr + 0x800)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFFFF), v, "rest of the page erased")
	v, err = s.ReadU32(neighbour)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v, "neighbouring page untouched")
}

func TestProgramEraseAllAndReset(t *testing.T) {
	b := connected(t)
	s := b.s

	require.NoError(t, s.WriteU32(0x40000, 0x12345678, true))
	vectors := image.Segment{Address: 0, Data: []byte{
		0x00, 0x00, 0x04, 0x20, // SP
		0x01, 0x01, 0x00, 0x00, // reset handler
	}}
	idle := image.Segment{Address: probe.SimResetHandler, Data: []byte{0xFE, 0xE7}}
	resets := b.target.Resets()

	path := writeHex(t, vectors, idle)
	require.NoError(t, s.Program(path, ProgramOptions{ChipErase: EraseAll, Verify: VerifyHash, Reset: ResetSystem}))

	v, err := s.ReadU32(0x40000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFFFF), v)
	assert.Greater(t, b.target.Resets(), resets)
}

func TestVerifyHash(t *testing.T) {
	b := connected(t)
	s := b.s
	const addr = 0x20000

	data := pattern(0x300, 9)
	path := writeHex(t, image.Segment{Address: addr, Data: data})
	require.NoError(t, s.ProgramFile(path))

	scratch := pattern(64, 0xC0)
	require.NoError(t, s.Write(ramStart, scratch, false))

	before := len(b.target.HelperRuns())
	require.NoError(t, s.VerifyFile(path, VerifyHash))
	require.NoError(t, s.VerifyFile(path, VerifyRead))

	// The helper runs with interrupts masked and the firmware without.
	runs := b.target.HelperRuns()[before:]
	require.Len(t, runs, 2)
	assert.Equal(t, []bool{true, false}, runs)
	dhcsr, err := s.ReadU32(nrf.DHCSR)
	require.NoError(t, err)
	assert.Zero(t, dhcsr&nrf.DHCSRMaskInts, "C_MASKINTS left set")

	got, err := s.Read(ramStart, len(scratch))
	require.NoError(t, err)
	assert.Equal(t, scratch, got, "helper RAM restored")
	halted, err := s.IsHalted()
	require.NoError(t, err)
	assert.False(t, halted, "core resumed after hashing")

	other := bytes.Clone(data)
	other[0x123] ^= 0x01
	bad := writeHex(t, image.Segment{Address: addr, Data: other})
	requireKind(t, s.VerifyFile(bad, VerifyHash), apierr.VerifyError)

	err = s.VerifyFile(bad, VerifyRead)
	requireKind(t, err, apierr.VerifyError)
	assert.Contains(t, err.Error(), "0x00020123")

	requireKind(t, s.VerifyFile(path, VerifyNone), apierr.InvalidParameter)
}

func TestVerifyHashOnHaltedCore(t *testing.T) {
	b := connected(t)
	s := b.s

	data := pattern(16, 1)
	path := writeHex(t, image.Segment{Address: 0x30000, Data: data})
	require.NoError(t, s.ProgramFile(path))

	require.NoError(t, s.Halt())
	require.NoError(t, s.WriteCPURegister(RegR4, 0xDEADBEEF))
	pc, err := s.ReadCPURegister(RegPC)
	require.NoError(t, err)

	require.NoError(t, s.VerifyFile(path, VerifyHash))

	halted, err := s.IsHalted()
	require.NoError(t, err)
	assert.True(t, halted)
	r4, err := s.ReadCPURegister(RegR4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), r4)
	after, err := s.ReadCPURegister(RegPC)
	require.NoError(t, err)
	assert.Equal(t, pc, after)
}

func TestImageErrors(t *testing.T) {
	b := connected(t)
	s := b.s

	tests := []struct {
		name string
		path string
		want apierr.Kind
	}{
		{"missing", filepath.Join(t.TempDir(), "absent.hex"), apierr.FileNotFound},
		{"read only region", writeHex(t, image.Segment{Address: ficrStart, Data: []byte{1, 2, 3, 4}}), apierr.FileInvalid},
		{"unmapped", writeHex(t, image.Segment{Address: 0x30000000, Data: []byte{1}}), apierr.FileInvalid},
		{"external without qspi", writeHex(t, image.Segment{Address: xipStart, Data: []byte{1}}), apierr.InvalidOperation},
		{"unknown extension", filepath.Join(t.TempDir(), "fw.txt"), apierr.FileUnknownFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireKind(t, s.ProgramFile(tt.path), tt.want)
		})
	}

	path := writeHex(t, image.Segment{Address: 0x10000, Data: []byte{1, 2, 3, 4}})
	requireKind(t, s.EraseFile(path, EraseSectors, EraseSectors), apierr.InvalidOperation)
	requireKind(t, s.EraseFile(path, EraseNone, EraseSectorsAndUICR), apierr.InvalidParameter)
}

func TestEraseFile(t *testing.T) {
	b := connected(t)
	s := b.s

	require.NoError(t, s.WriteU32(0x50000, 0, true))
	require.NoError(t, s.WriteU32(uicrStart+0x80, 0, true))
	path := writeHex(t, image.Segment{Address: 0x50010, Data: []byte{1, 2, 3, 4}})

	require.NoError(t, s.EraseFile(path, EraseSectors, EraseNone))
	v, err := s.ReadU32(0x50000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFFFF), v)
	v, err = s.ReadU32(uicrStart + 0x80)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v, "UICR kept without EraseSectorsAndUICR")

	require.NoError(t, s.EraseFile(path, EraseSectorsAndUICR, EraseNone))
	v, err = s.ReadU32(uicrStart + 0x80)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFFFF), v)
}

func TestReadToFile(t *testing.T) {
	b := connected(t)
	s := b.s

	require.NoError(t, s.WriteU32(uicrStart, 0x11223344, true))
	dump := filepath.Join(t.TempDir(), "dump.hex")
	require.NoError(t, s.ReadToFile(dump, ReadOptions{Code: true, UICR: true}))

	segs, err := image.Decode(dump)
	require.NoError(t, err)
	var code, uicr []byte
	for _, seg := range segs {
		switch seg.Address {
		case 0:
			code = seg.Data
		case uicrStart:
			uicr = seg.Data
		}
	}
	require.Len(t, code, 0x100000)
	assert.Equal(t, []byte{0x00, 0x00, 0x04, 0x20}, code[:4], "initial stack pointer")
	require.NotEmpty(t, uicr)
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, uicr[:4])

	requireKind(t, s.ReadToFile(filepath.Join(t.TempDir(), "dump.bin"), ReadOptions{Code: true}), apierr.InvalidParameter)
	requireKind(t, s.ReadToFile(dump, ReadOptions{QSPI: true}), apierr.InvalidOperation)
}

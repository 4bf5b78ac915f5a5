package qspi

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleIni = `; QSPI configuration for the nRF52840 DK
[DEFAULT_CONFIGURATION]
MemSize = 0x800000
ReadMode = READ4IO
WriteMode = PP4IO
AddressMode = BIT24
Frequency = M16
SpiMode = MODE0
SckDelay = 0x80
CustomInstructionIO2Level = LEVEL_LOW
CustomInstructionIO3Level = LEVEL_HIGH
CSNPin = 17
CSNPort = 0
SCKPin = 19
SCKPort = 0
DIO0Pin = 20
DIO1Pin = 21
DIO2Pin = 22
DIO3Pin = 23
WIPIndex = 0
PPSize = PAGE256
RxDelay = 6

# enable quad mode
InitializationCustomInstruction = 0x06
InitializationCustomInstruction = 0x01, [0x40, 0x00, 0x00]
`

func TestParseIni(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleIni), "QspiDefault.ini")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MemSize != 0x800000 || cfg.RxDelay != 6 {
		t.Fatalf("MemSize = 0x%X, RxDelay = %d", cfg.MemSize, cfg.RxDelay)
	}
	if cfg.Params != DefaultParams() {
		t.Fatalf("Params = %+v, want defaults", cfg.Params)
	}
	if len(cfg.Instructions) != 2 {
		t.Fatalf("Instructions = %+v", cfg.Instructions)
	}
	if ins := cfg.Instructions[1]; ins.Opcode != 0x01 || !bytes.Equal(ins.Data, []byte{0x40, 0, 0}) || ins.Length() != 4 {
		t.Fatalf("second instruction = %+v", ins)
	}
}

func TestParseIniOverrides(t *testing.T) {
	cfg, err := Parse(strings.NewReader("AddressMode = bit32\nFrequency = M2\nPPSize = PAGE512\nCSNPort = 1\n"), "x.ini")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p := cfg.Params
	if p.AddressMode != Bit32 || p.Frequency != M2 || p.PPSize != Page512 || p.CSN.Port != 1 {
		t.Fatalf("Params = %+v", p)
	}
	if cfg.RxDelay != DefaultRxDelay {
		t.Fatalf("RxDelay = %d", cfg.RxDelay)
	}
}

func TestParseIniErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		line int
	}{
		{"unknown key", "[S]\nColour = 3\n", 2},
		{"bad enum", "ReadMode = READ8IO\n", 1},
		{"number for enum", "ReadMode = 3\n", 1},
		{"syntax", "[S]\nReadMode READ4IO\n", 2},
		{"rx delay range", "RxDelay = 9\n", 1},
		{"bad data byte", "InitializationCustomInstruction = 0x06, [0x100]\n", 1},
		{"pin out of range", "DIO2Pin = 40\n", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.text), "bad.ini")
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ParseError", err)
			}
			if pe.Line != tt.line {
				t.Fatalf("line = %d, want %d (%v)", pe.Line, tt.line, err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qspi.ini")
	if err := os.WriteFile(path, []byte(sampleIni), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, err := LoadFile(path + ".missing"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file error = %v", err)
	}
}

func TestRegisterEncoding(t *testing.T) {
	p := DefaultParams()
	if got := p.IfConfig0(); got != 0x1C {
		t.Fatalf("IFCONFIG0 = 0x%X", got)
	}
	if got := p.IfConfig1(); got != 0x10000080 {
		t.Fatalf("IFCONFIG1 = 0x%08X", got)
	}
	if got := (Pin{Port: 1, Pin: 3}).PSEL(); got != 35 {
		t.Fatalf("PSEL = %d", got)
	}
}

func TestAlignWindow(t *testing.T) {
	tests := []struct {
		addr, n uint32
		want    Window
	}{
		{0, 4, Window{0, 4, 0}},
		{1, 2, Window{0, 4, 1}},
		{3, 2, Window{0, 8, 3}},
		{0x101, 7, Window{0x100, 8, 1}},
	}
	for _, tt := range tests {
		if got := AlignWindow(tt.addr, tt.n); got != tt.want {
			t.Errorf("AlignWindow(0x%X, %d) = %+v, want %+v", tt.addr, tt.n, got, tt.want)
		}
	}

	w, buf := PadWrite(2, []byte{0xAA, 0xBB, 0xCC})
	if w.Start != 0 || !bytes.Equal(buf, []byte{0xFF, 0xFF, 0xAA, 0xBB, 0xCC, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("PadWrite = %+v % X", w, buf)
	}

	chunks := Window{Start: 0x1000, Length: 10 * 1024}.Chunks(4096)
	if len(chunks) != 3 || chunks[2].Addr != 0x3000 || chunks[2].Length != 2048 {
		t.Fatalf("Chunks = %+v", chunks)
	}
}

func TestChecks(t *testing.T) {
	p := DefaultParams()
	if err := p.CheckRange(0xFFFFFC, 4); err != nil {
		t.Fatalf("CheckRange at top of 24-bit space: %v", err)
	}
	if err := p.CheckRange(0xFFFFFC, 8); err == nil {
		t.Fatalf("expected 24-bit overflow")
	}
	p.AddressMode = Bit32
	if err := p.CheckRange(0x01000000, 4); err != nil {
		t.Fatalf("CheckRange in 32-bit mode: %v", err)
	}

	if err := p.CheckErase(0x8000, Erase32KB); err != nil {
		t.Fatalf("CheckErase: %v", err)
	}
	if err := p.CheckErase(0x1000, Erase64KB); err == nil {
		t.Fatalf("expected alignment error")
	}
	if err := p.CheckErase(0x123, EraseAll); err != nil {
		t.Fatalf("EraseAll should ignore the address: %v", err)
	}
	if err := p.CheckErase(0, EraseLen(9)); err == nil {
		t.Fatalf("expected invalid length error")
	}
}

func TestCustomInstructionData(t *testing.T) {
	d0, d1 := PackData([]byte{1, 2, 3, 4, 5})
	if d0 != 0x04030201 || d1 != 0x05 {
		t.Fatalf("PackData = 0x%08X 0x%08X", d0, d1)
	}
	if got := UnpackData(d0, d1, 5); !bytes.Equal(got, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("UnpackData = % X", got)
	}
	chunks := LongFrameChunks(make([]byte, 20))
	if len(chunks) != 3 || len(chunks[2]) != 4 {
		t.Fatalf("LongFrameChunks lengths = %d", len(chunks))
	}
}

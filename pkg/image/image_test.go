package image

import (
	"archive/zip"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleHex = `:020000040001F9
:1000000000000420C1000000C3000000C500000083
:0400100001020304E2
:00000001FF
`

func TestDecodeHex(t *testing.T) {
	segs, err := DecodeHex(strings.NewReader(sampleHex), "app.hex")
	if err != nil {
		t.Fatalf("DecodeHex: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want contiguous records merged into 1", len(segs))
	}
	if segs[0].Address != 0x10000 || len(segs[0].Data) != 20 {
		t.Fatalf("segment = 0x%X len %d", segs[0].Address, len(segs[0].Data))
	}
	if !bytes.Equal(segs[0].Data[16:], []byte{1, 2, 3, 4}) {
		t.Fatalf("tail = % X", segs[0].Data[16:])
	}
}

func TestDecodeHexErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		line int
	}{
		{"bad checksum", ":0400100001020304E3\n:00000001FF\n", 1},
		{"bad count", ":0500100001020304E1\n:00000001FF\n", 1},
		{"missing eof", ":0400100001020304E2\n", 0},
		{"garbage", ":00000001FF\nxyz\n", 2},
		{"unknown type", ":00000009F7\n:00000001FF\n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHex(strings.NewReader(tt.text), "bad.hex")
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

func TestEncodeHexRoundTrip(t *testing.T) {
	in := []Segment{
		{Address: 0xFFF8, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
		{Address: 0x10001000, Data: bytes.Repeat([]byte{0xAB}, 40)},
	}
	var buf bytes.Buffer
	if err := EncodeHex(&buf, in); err != nil {
		t.Fatalf("EncodeHex: %v", err)
	}
	if !strings.HasSuffix(buf.String(), ":00000001FF\n") {
		t.Fatalf("missing EOF record:\n%s", buf.String())
	}
	out, err := DecodeHex(&buf, "dump.hex")
	if err != nil {
		t.Fatalf("DecodeHex: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d segments", len(out))
	}
	for i := range in {
		if out[i].Address != in[i].Address || !bytes.Equal(out[i].Data, in[i].Data) {
			t.Fatalf("segment %d = 0x%X % X", i, out[i].Address, out[i].Data)
		}
	}
}

func TestNormalize(t *testing.T) {
	segs, err := Normalize([]Segment{
		{Address: 0x10, Data: []byte{3}},
		{Address: 0x0, Data: []byte{1, 2}},
		{Address: 0x2, Data: []byte{9}},
		{Address: 0x40, Data: nil},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(segs) != 2 || segs[0].Address != 0 || len(segs[0].Data) != 3 || segs[1].Address != 0x10 {
		t.Fatalf("Normalize = %+v", segs)
	}

	if _, err := Normalize([]Segment{{Address: 0, Data: []byte{1, 2}}, {Address: 1, Data: []byte{3}}}); !errors.Is(err, ErrOverlap) {
		t.Fatalf("overlap error = %v", err)
	}
	if _, err := Normalize(nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("empty error = %v", err)
	}
}

func TestSplit(t *testing.T) {
	segs := Split([]Segment{{Address: 0xFFE, Data: []byte{1, 2, 3, 4}}}, 0x10001000, 0x1000)
	if len(segs) != 2 {
		t.Fatalf("Split = %+v", segs)
	}
	if segs[0].Address != 0xFFE || len(segs[0].Data) != 2 || segs[1].Address != 0x1000 || segs[1].Data[0] != 3 {
		t.Fatalf("Split = %+v", segs)
	}
}

func buildELF(t *testing.T, paddr uint32, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_ARM),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     52,
		Ehsize:    52,
		Phentsize: 32,
		Phnum:     1,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	prog := elf.Prog32{
		Type:   uint32(elf.PT_LOAD),
		Off:    52 + 32,
		Vaddr:  0x20000000,
		Paddr:  paddr,
		Filesz: uint32(len(payload)),
		Memsz:  uint32(len(payload)) + 64,
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Align:  4,
	}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, prog); err != nil {
		t.Fatal(err)
	}
	buf.Write(payload)
	return buf.Bytes()
}

func TestDecodeELF(t *testing.T) {
	raw := buildELF(t, 0x1000, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	segs, err := DecodeELF(bytes.NewReader(raw), "app.elf")
	if err != nil {
		t.Fatalf("DecodeELF: %v", err)
	}
	if len(segs) != 1 || segs[0].Address != 0x1000 || !bytes.Equal(segs[0].Data, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("DecodeELF = %+v", segs)
	}

	var pe *ParseError
	if _, err := DecodeELF(bytes.NewReader([]byte("not an elf")), "bad.elf"); !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
}

func TestDecodeFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	bin := write("app.bin", []byte{1, 2, 3, 4})
	segs, err := Decode(bin)
	if err != nil || len(segs) != 1 || segs[0].Address != 0 {
		t.Fatalf("Decode(bin) = %+v, %v", segs, err)
	}

	var zbuf bytes.Buffer
	zw := zip.NewWriter(&zbuf)
	for name, body := range map[string][]byte{
		"manifest.json": []byte(`{}`),
		"app.hex":       []byte(sampleHex),
		"app.elf":       buildELF(t, 0x2000, []byte{5, 6}),
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(body)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	segs, err = Decode(write("dfu.zip", zbuf.Bytes()))
	if err != nil {
		t.Fatalf("Decode(zip): %v", err)
	}
	if len(segs) != 2 || segs[0].Address != 0x2000 || segs[1].Address != 0x10000 {
		t.Fatalf("Decode(zip) = %+v", segs)
	}

	if _, err := Decode(write("notes.txt", nil)); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("unknown format error = %v", err)
	}
	if _, err := Decode(filepath.Join(dir, "missing.hex")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("missing file error = %v", err)
	}
	if _, err := Decode(write("overlap.hex", []byte(":0100000001FE\n:0100000002FD\n:00000001FF\n"))); !errors.Is(err, ErrOverlap) {
		t.Fatalf("overlap error = %v", err)
	}
}

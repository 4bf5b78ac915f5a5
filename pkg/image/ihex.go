package image

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Intel HEX record types
const (
	recData           = 0x00
	recEOF            = 0x01
	recExtSegment     = 0x02
	recStartSegment   = 0x03
	recExtLinear      = 0x04
	recStartLinear    = 0x05
	hexBytesPerRecord = 16
)

// HexLexer splits Intel HEX text into records.
var HexLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Record", Pattern: `:[0-9A-Fa-f]*`},
	{Name: "EOL", Pattern: `\r?\n`},
	{Name: "Whitespace", Pattern: `[ \t]+`},
})

// hexFile is the participle grammar for an Intel HEX file.
type hexFile struct {
	Lines []*hexLine `parser:"( @@ | EOL )*"`
}

type hexLine struct {
	Pos    lexer.Position
	Record string `parser:"@Record"`
}

var hexParser = participle.MustBuild[hexFile](
	participle.Lexer(HexLexer),
	participle.Elide("Whitespace"),
)

// hexRecord is one decoded line.
type hexRecord struct {
	Kind    byte
	Address uint16
	Data    []byte
}

func parseRecord(text string) (hexRecord, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(text, ":"))
	if err != nil {
		return hexRecord{}, fmt.Errorf("invalid hex digits")
	}
	if len(raw) < 5 {
		return hexRecord{}, fmt.Errorf("record too short")
	}
	if int(raw[0]) != len(raw)-5 {
		return hexRecord{}, fmt.Errorf("byte count %d does not match record length", raw[0])
	}
	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		return hexRecord{}, fmt.Errorf("checksum mismatch")
	}
	return hexRecord{
		Kind:    raw[3],
		Address: uint16(raw[1])<<8 | uint16(raw[2]),
		Data:    raw[4 : len(raw)-1],
	}, nil
}

// DecodeHex parses Intel HEX records into segments. Contiguous data
// records are joined; the EOF record ends parsing.
func DecodeHex(r io.Reader, name string) ([]Segment, error) {
	file, err := hexParser.Parse(name, r)
	if err != nil {
		pe := &ParseError{File: name, Msg: err.Error()}
		var perr participle.Error
		if errors.As(err, &perr) {
			pe.Line = perr.Position().Line
			pe.Msg = perr.Message()
		}
		return nil, pe
	}

	var (
		segs []Segment
		base uint32
		eof  bool
	)
	for _, line := range file.Lines {
		if eof {
			break
		}
		rec, err := parseRecord(line.Record)
		if err != nil {
			return nil, &ParseError{File: name, Line: line.Pos.Line, Msg: err.Error()}
		}
		switch rec.Kind {
		case recData:
			addr := base + uint32(rec.Address)
			if n := len(segs); n > 0 && segs[n-1].End() == uint64(addr) {
				segs[n-1].Data = append(segs[n-1].Data, rec.Data...)
				continue
			}
			segs = append(segs, Segment{Address: addr, Data: append([]byte(nil), rec.Data...)})
		case recEOF:
			eof = true
		case recExtSegment, recExtLinear:
			if len(rec.Data) != 2 {
				return nil, &ParseError{File: name, Line: line.Pos.Line, Msg: "extended address record must carry 2 bytes"}
			}
			v := uint32(rec.Data[0])<<8 | uint32(rec.Data[1])
			if rec.Kind == recExtSegment {
				base = v << 4
			} else {
				base = v << 16
			}
		case recStartSegment, recStartLinear:
			// entry point, not loaded
		default:
			return nil, &ParseError{File: name, Line: line.Pos.Line, Msg: fmt.Sprintf("unknown record type 0x%02X", rec.Kind)}
		}
	}
	if !eof {
		return nil, &ParseError{File: name, Msg: "missing end-of-file record"}
	}
	return segs, nil
}

func writeRecord(w *bufio.Writer, kind byte, addr uint16, data []byte) {
	raw := make([]byte, 0, len(data)+5)
	raw = append(raw, byte(len(data)), byte(addr>>8), byte(addr), kind)
	raw = append(raw, data...)
	var sum byte
	for _, b := range raw {
		sum += b
	}
	raw = append(raw, -sum)
	fmt.Fprintf(w, ":%s\n", strings.ToUpper(hex.EncodeToString(raw)))
}

// EncodeHex writes segments as Intel HEX with extended linear address
// records and 16-byte data records.
func EncodeHex(w io.Writer, segs []Segment) error {
	bw := bufio.NewWriter(w)
	upper := uint32(0)
	for _, s := range segs {
		for off := 0; off < len(s.Data); {
			addr := s.Address + uint32(off)
			if addr>>16 != upper {
				upper = addr >> 16
				writeRecord(bw, recExtLinear, 0, []byte{byte(upper >> 8), byte(upper)})
			}
			// never cross a 64 KB boundary inside one record
			n := min(hexBytesPerRecord, len(s.Data)-off, int(0x10000-addr&0xFFFF))
			writeRecord(bw, recData, uint16(addr), s.Data[off:off+n])
			off += n
		}
	}
	writeRecord(bw, recEOF, 0, nil)
	return bw.Flush()
}

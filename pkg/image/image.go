// Package image decodes firmware files into address-tagged segments and
// writes memory dumps back out as Intel HEX.
//
// Supported inputs are Intel HEX (.hex, .ihex), raw binary (.bin, loaded at
// address 0), ELF executables (.elf, .axf, .out) and zip archives holding any
// of those.
package image

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Segment is a contiguous run of bytes at a target address.
type Segment struct {
	Address uint32
	Data    []byte
}

// End returns the first address past the segment.
func (s Segment) End() uint64 {
	return uint64(s.Address) + uint64(len(s.Data))
}

var (
	// ErrUnknownFormat reports a file extension no decoder handles.
	ErrUnknownFormat = errors.New("image: unknown file format")
	// ErrOverlap reports two segments that write the same address.
	ErrOverlap = errors.New("image: overlapping segments")
	// ErrEmpty reports a file without any loadable data.
	ErrEmpty = errors.New("image: no loadable data")
)

// ParseError locates a syntax or checksum problem in a text image.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Msg)
}

// Format is a decoder selected by file extension.
type Format int

const (
	FormatUnknown Format = iota
	FormatHex
	FormatBinary
	FormatELF
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatHex:
		return "ihex"
	case FormatBinary:
		return "binary"
	case FormatELF:
		return "elf"
	case FormatZip:
		return "zip"
	}
	return "unknown"
}

// FormatOf picks the decoder for name.
func FormatOf(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".hex", ".ihex":
		return FormatHex
	case ".bin":
		return FormatBinary
	case ".elf", ".axf", ".out":
		return FormatELF
	case ".zip":
		return FormatZip
	}
	return FormatUnknown
}

// Decode reads path and returns its segments sorted by address with
// adjacent runs merged.
func Decode(path string) ([]Segment, error) {
	format := FormatOf(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("%s: %w", path, ErrUnknownFormat)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var segs []Segment
	switch format {
	case FormatZip:
		st, err := f.Stat()
		if err != nil {
			return nil, err
		}
		segs, err = decodeZip(f, st.Size(), path)
		if err != nil {
			return nil, err
		}
	default:
		segs, err = decodeReader(format, f, path)
		if err != nil {
			return nil, err
		}
	}
	return Normalize(segs)
}

func decodeReader(format Format, r io.Reader, name string) ([]Segment, error) {
	switch format {
	case FormatHex:
		return DecodeHex(r, name)
	case FormatBinary:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return []Segment{{Address: 0, Data: data}}, nil
	case FormatELF:
		ra, ok := r.(io.ReaderAt)
		if !ok {
			data, err := io.ReadAll(r)
			if err != nil {
				return nil, err
			}
			ra = bytes.NewReader(data)
		}
		return DecodeELF(ra, name)
	}
	return nil, fmt.Errorf("%s: %w", name, ErrUnknownFormat)
}

// Normalize sorts segments, merges touching ones and rejects overlaps.
func Normalize(segs []Segment) ([]Segment, error) {
	var in []Segment
	for _, s := range segs {
		if len(s.Data) > 0 {
			in = append(in, s)
		}
	}
	if len(in) == 0 {
		return nil, ErrEmpty
	}
	sort.SliceStable(in, func(i, j int) bool { return in[i].Address < in[j].Address })

	out := []Segment{{Address: in[0].Address, Data: append([]byte(nil), in[0].Data...)}}
	for _, s := range in[1:] {
		last := &out[len(out)-1]
		switch {
		case uint64(s.Address) < last.End():
			return nil, fmt.Errorf("%w: 0x%08X..0x%08X and 0x%08X..0x%08X",
				ErrOverlap, last.Address, last.End(), s.Address, s.End())
		case uint64(s.Address) == last.End():
			last.Data = append(last.Data, s.Data...)
		default:
			out = append(out, Segment{Address: s.Address, Data: append([]byte(nil), s.Data...)})
		}
	}
	return out, nil
}

// Split cuts segs at boundary addresses so no output segment crosses one.
func Split(segs []Segment, boundaries ...uint32) []Segment {
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i] < boundaries[j] })
	var out []Segment
	for _, s := range segs {
		for _, b := range boundaries {
			if uint64(b) <= uint64(s.Address) || uint64(b) >= s.End() {
				continue
			}
			n := b - s.Address
			out = append(out, Segment{Address: s.Address, Data: s.Data[:n]})
			s = Segment{Address: b, Data: s.Data[n:]}
		}
		out = append(out, s)
	}
	return out
}

package image

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
)

// decodeZip decodes every member of a zip archive with a known firmware
// extension. Nordic DFU packages carry the application as .bin or .hex next
// to a manifest; the manifest and init packets are skipped.
func decodeZip(r io.ReaderAt, size int64, name string) ([]Segment, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, &ParseError{File: name, Msg: err.Error()}
	}

	var segs []Segment
	for _, zf := range zr.File {
		format := FormatOf(zf.Name)
		if format == FormatUnknown || format == FormatZip {
			continue
		}
		member, err := readMember(zf)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		got, err := decodeReader(format, bytes.NewReader(member), name+":"+zf.Name)
		if err != nil {
			return nil, err
		}
		segs = append(segs, got...)
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmpty)
	}
	return segs, nil
}

func readMember(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

package image

import (
	"debug/elf"
	"fmt"
	"io"
)

// DecodeELF returns the file contents of every PT_LOAD program header at
// its physical (load) address.
func DecodeELF(r io.ReaderAt, name string) ([]Segment, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, &ParseError{File: name, Msg: err.Error()}
	}
	defer f.Close()

	var segs []Segment
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		if p.Paddr+p.Filesz > 1<<32 {
			return nil, &ParseError{File: name, Msg: fmt.Sprintf("segment at 0x%X beyond 32-bit address space", p.Paddr)}
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && err != io.EOF {
			return nil, &ParseError{File: name, Msg: fmt.Sprintf("read segment at 0x%X: %v", p.Paddr, err)}
		}
		segs = append(segs, Segment{Address: uint32(p.Paddr), Data: data})
	}
	return segs, nil
}

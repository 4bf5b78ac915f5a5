package qspi

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// IniLexer tokenizes QSPI configuration files.
var IniLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `[;#][^\n]*`},
	{Name: "Whitespace", Pattern: `[ \t\r\n]+`},
	{Name: "Number", Pattern: `0[xX][0-9A-Fa-f]+|[0-9]+`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Punct", Pattern: `[\[\],=]`},
})

// iniFile is the participle grammar: properties before the first section
// header followed by sections.
type iniFile struct {
	Properties []*iniProperty `parser:"@@*"`
	Sections   []*iniSection  `parser:"@@*"`
}

type iniSection struct {
	Name       string         `parser:"\"[\" @Ident \"]\""`
	Properties []*iniProperty `parser:"@@*"`
}

type iniProperty struct {
	Pos    lexer.Position
	Key    string      `parser:"@Ident \"=\""`
	Values []*iniValue `parser:"@@ ( \",\" @@ )*"`
}

type iniValue struct {
	Number *string  `parser:"  @Number"`
	Ident  *string  `parser:"| @Ident"`
	List   []string `parser:"| \"[\" ( @Number ( \",\" @Number )* )? \"]\""`
}

var iniParser = participle.MustBuild[iniFile](
	participle.Lexer(IniLexer),
	participle.Elide("Comment", "Whitespace"),
	participle.UseLookahead(2),
)

// ParseError locates a problem in a QSPI ini file.
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

// LoadFile parses the ini file at path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse reads an ini file. Keys are case-insensitive; missing keys keep
// their DefaultParams value. Section names are not interpreted.
func Parse(r io.Reader, name string) (*Config, error) {
	file, err := iniParser.Parse(name, r)
	if err != nil {
		pe := &ParseError{File: name, Msg: err.Error()}
		var perr participle.Error
		if errors.As(err, &perr) {
			pe.Line = perr.Position().Line
			pe.Msg = perr.Message()
		}
		return nil, pe
	}

	cfg := &Config{Params: DefaultParams(), RxDelay: DefaultRxDelay}
	props := file.Properties
	for _, s := range file.Sections {
		props = append(props, s.Properties...)
	}
	for _, p := range props {
		if err := cfg.apply(p); err != nil {
			return nil, &ParseError{File: name, Line: p.Pos.Line, Msg: err.Error()}
		}
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, &ParseError{File: name, Msg: err.Error()}
	}
	return cfg, nil
}

func parseNumber(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint32(v), nil
}

func (v *iniValue) number() (uint32, error) {
	if v.Number == nil {
		return 0, fmt.Errorf("expected a number")
	}
	return parseNumber(*v.Number)
}

func (v *iniValue) ident() (string, error) {
	if v.Ident == nil {
		return "", fmt.Errorf("expected a name")
	}
	return *v.Ident, nil
}

func (c *Config) apply(p *iniProperty) error {
	key := strings.ToLower(p.Key)
	if key == "initializationcustominstruction" {
		return c.addInstruction(p.Values)
	}
	if len(p.Values) != 1 {
		return fmt.Errorf("%s takes a single value", p.Key)
	}
	v := p.Values[0]

	enum := func(set func(string) error) error {
		s, err := v.ident()
		if err != nil {
			return fmt.Errorf("%s: %w", p.Key, err)
		}
		return set(s)
	}
	num := func(dst *uint32) error {
		n, err := v.number()
		if err != nil {
			return fmt.Errorf("%s: %w", p.Key, err)
		}
		*dst = n
		return nil
	}

	params := &c.Params
	var err error
	switch key {
	case "memsize":
		return num(&c.MemSize)
	case "rxdelay":
		var d uint32
		if err := num(&d); err != nil {
			return err
		}
		if d > 7 {
			return fmt.Errorf("RxDelay %d out of range 0..7", d)
		}
		c.RxDelay = uint8(d)
		return nil
	case "readmode":
		return enum(func(s string) error { params.ReadMode, err = parseEnum(readModeNames, s, "read mode"); return err })
	case "writemode":
		return enum(func(s string) error { params.WriteMode, err = parseEnum(writeModeNames, s, "write mode"); return err })
	case "addressmode":
		return enum(func(s string) error { params.AddressMode, err = parseEnum(addrModeNames, s, "address mode"); return err })
	case "frequency":
		return enum(func(s string) error { params.Frequency, err = parseEnum(freqNames, s, "frequency"); return err })
	case "spimode":
		return enum(func(s string) error { params.SPIMode, err = parseEnum(spiModeNames, s, "spi mode"); return err })
	case "custominstructionio2level":
		return enum(func(s string) error { params.IO2Level, err = parseEnum(levelNames, s, "level"); return err })
	case "custominstructionio3level":
		return enum(func(s string) error { params.IO3Level, err = parseEnum(levelNames, s, "level"); return err })
	case "ppsize":
		return enum(func(s string) error { params.PPSize, err = parseEnum(ppSizeNames, s, "pp size"); return err })
	case "sckdelay":
		return num(&params.SCKDelay)
	case "wipindex":
		return num(&params.WIPIndex)
	case "csnpin":
		return num(&params.CSN.Pin)
	case "csnport":
		return num(&params.CSN.Port)
	case "sckpin":
		return num(&params.SCK.Pin)
	case "sckport":
		return num(&params.SCK.Port)
	}
	for i := range params.DIO {
		switch key {
		case fmt.Sprintf("dio%dpin", i):
			return num(&params.DIO[i].Pin)
		case fmt.Sprintf("dio%dport", i):
			return num(&params.DIO[i].Port)
		}
	}
	return fmt.Errorf("unknown key %s", p.Key)
}

// addInstruction handles "code" or "code, [b0, b1, ...]".
func (c *Config) addInstruction(vals []*iniValue) error {
	if len(vals) == 0 || len(vals) > 2 {
		return fmt.Errorf("InitializationCustomInstruction takes an opcode and an optional data list")
	}
	op, err := vals[0].number()
	if err != nil || op > 0xFF {
		return fmt.Errorf("invalid instruction opcode")
	}
	ins := Instruction{Opcode: byte(op)}
	if len(vals) == 2 {
		if vals[1].Number != nil || vals[1].Ident != nil {
			return fmt.Errorf("instruction data must be a [..] list")
		}
		for _, s := range vals[1].List {
			b, err := parseNumber(s)
			if err != nil || b > 0xFF {
				return fmt.Errorf("invalid instruction data byte %q", s)
			}
			ins.Data = append(ins.Data, byte(b))
		}
	}
	c.Instructions = append(c.Instructions, ins)
	return nil
}

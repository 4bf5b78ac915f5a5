package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
)

const sampleYAML = `driver: simulator
serial: 683000001
clock_khz: 8000
family: nrf52
qspi_ini: QspiDefault.ini
rtt:
  control_block: 0x20002000
  channel: 1
`

const sampleTOML = `driver = "simulator"
serial = 683000001
clock_khz = 8000
family = "NRF52"
qspi_ini = "QspiDefault.ini"

[rtt]
control_block = 0x20002000
channel = 1
`

func TestParse(t *testing.T) {
	want := Config{
		Driver:   "simulator",
		Serial:   683000001,
		ClockKHz: 8000,
		QSPIIni:  "QspiDefault.ini",
		RTT:      RTT{ControlBlock: 0x20002000, Channel: 1},
	}
	tests := []struct {
		ext  string
		data string
	}{
		{".yaml", sampleYAML},
		{".yml", sampleYAML},
		{".toml", sampleTOML},
	}
	for _, tt := range tests {
		cfg, err := Parse([]byte(tt.data), tt.ext)
		if err != nil {
			t.Fatalf("Parse(%s): %v", tt.ext, err)
		}
		got := *cfg
		got.Family = ""
		if got != want {
			t.Errorf("Parse(%s) = %+v, want %+v", tt.ext, got, want)
		}
		if f, _ := cfg.FamilyValue(); f != nrf.FamilyNRF52 {
			t.Errorf("Parse(%s) family = %v", tt.ext, f)
		}
		if p := cfg.SerialPtr(); p == nil || *p != 683000001 {
			t.Errorf("Parse(%s) SerialPtr = %v", tt.ext, p)
		}
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("verbose: true\n"), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Driver != "cmsis-dap" || cfg.ClockKHz != 4000 || !cfg.Verbose {
		t.Fatalf("Parse = %+v", cfg)
	}
	if cfg.SerialPtr() != nil {
		t.Fatalf("zero serial should select any probe")
	}
	if f, err := cfg.FamilyValue(); err != nil || f != nrf.FamilyUnknown {
		t.Fatalf("FamilyValue = %v, %v", f, err)
	}

	if _, err := Parse(nil, ".yaml"); err != nil {
		t.Fatalf("empty YAML: %v", err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
		line int
	}{
		{"unknown yaml key", ".yaml", "colour: red\n", 0},
		{"bad yaml", ".yaml", "driver: [\n", 0},
		{"zero clock", ".yaml", "clock_khz: 0\n", 0},
		{"bad family", ".toml", "family = \"nrf60\"\n", 0},
		{"negative channel", ".toml", "[rtt]\nchannel = -1\n", 0},
		{"bad toml", ".toml", "driver = \"x\"\nclock_khz = = 1\n", 2},
		{"unknown format", ".json", "{}", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.ext)
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("Parse error = %v, want *LoadError", err)
			}
			if tt.line > 0 && le.Line != tt.line {
				t.Errorf("Line = %d, want %d", le.Line, tt.line)
			}
		})
	}
}

func TestLoadAndFind(t *testing.T) {
	dir := t.TempDir()
	if path, err := Find(dir); err != nil || path != "" {
		t.Fatalf("Find(empty) = %q, %v", path, err)
	}

	tomlPath := filepath.Join(dir, "swd.toml")
	if err := os.WriteFile(tomlPath, []byte(sampleTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	yamlPath := filepath.Join(dir, "swd.yaml")
	if err := os.WriteFile(yamlPath, []byte("clock_khz: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	path, err := Find(dir)
	if err != nil || path != yamlPath {
		t.Fatalf("Find = %q, %v; want the YAML file first", path, err)
	}
	_, err = Load(path)
	var le *LoadError
	if !errors.As(err, &le) || le.File != yamlPath {
		t.Fatalf("Load(%s) = %v", path, err)
	}

	cfg, err := Load(tomlPath)
	if err != nil {
		t.Fatalf("Load(%s): %v", tomlPath, err)
	}
	if cfg.RTT.ControlBlock != 0x20002000 {
		t.Fatalf("ControlBlock = 0x%X", cfg.RTT.ControlBlock)
	}

	_, err = Load(filepath.Join(dir, "absent.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Load(absent) = %v, want fs.ErrNotExist", err)
	}
}

// Package config loads the swd command line defaults from a YAML or TOML
// file. Flags given on the command line override what the file sets.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
)

// DefaultNames are the file names Find looks for, in order.
var DefaultNames = []string{"swd.yaml", "swd.yml", "swd.toml"}

// Config holds the settings shared by the swd commands.
type Config struct {
	Driver   string `yaml:"driver" toml:"driver"`
	Serial   uint32 `yaml:"serial" toml:"serial"`
	ClockKHz uint32 `yaml:"clock_khz" toml:"clock_khz"`
	Family   string `yaml:"family" toml:"family"`
	QSPIIni  string `yaml:"qspi_ini" toml:"qspi_ini"`
	RTT      RTT    `yaml:"rtt" toml:"rtt"`
	Verbose  bool   `yaml:"verbose" toml:"verbose"`
}

// RTT configures the rtt commands.
type RTT struct {
	ControlBlock uint32 `yaml:"control_block" toml:"control_block"`
	Channel      int    `yaml:"channel" toml:"channel"`
}

// Default returns the settings used when no file is present.
func Default() *Config {
	return &Config{
		Driver:   "cmsis-dap",
		ClockKHz: 4000,
		Family:   "UNKNOWN",
	}
}

// LoadError describes a configuration file that could not be used.
type LoadError struct {
	File    string
	Line    int
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	}
	return e.File + ": " + e.Message
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Load reads path, picking the decoder from its extension. Keys missing
// from the file keep their Default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = path
			return nil, le
		}
		return nil, &LoadError{File: path, Message: err.Error(), Cause: err}
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext (".yaml", ".yml" or
// ".toml") and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			le := &LoadError{Message: "failed to parse TOML", Cause: err}
			var de *toml.DecodeError
			if errors.As(err, &de) {
				le.Line, _ = de.Position()
				le.Message = de.Error()
			}
			return nil, le
		}
	default:
		return nil, &LoadError{Message: fmt.Sprintf("unsupported config format %q", ext)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &LoadError{Message: err.Error(), Cause: err}
	}
	return cfg, nil
}

// Validate checks the values a file can get wrong.
func (c *Config) Validate() error {
	if c.ClockKHz == 0 {
		return errors.New("clock_khz must be positive")
	}
	if _, err := c.FamilyValue(); err != nil {
		return err
	}
	if c.RTT.Channel < 0 {
		return fmt.Errorf("rtt channel %d is negative", c.RTT.Channel)
	}
	return nil
}

// FamilyValue parses Family. An empty value means unknown, which lets the
// session read the family from the debug port.
func (c *Config) FamilyValue() (nrf.Family, error) {
	if c.Family == "" {
		return nrf.FamilyUnknown, nil
	}
	return nrf.ParseFamily(c.Family)
}

// SerialPtr returns the probe serial for session.ConnectProbe; zero
// selects the only attached probe.
func (c *Config) SerialPtr() *uint32 {
	if c.Serial == 0 {
		return nil
	}
	s := c.Serial
	return &s
}

// Find returns the first of DefaultNames present in dir, or "" when there
// is none.
func Find(dir string) (string, error) {
	for _, name := range DefaultNames {
		path := filepath.Join(dir, name)
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", &LoadError{File: path, Message: "failed to stat file", Cause: err}
		}
	}
	return "", nil
}

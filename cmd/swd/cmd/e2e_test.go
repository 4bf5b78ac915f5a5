package cmd

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/image"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/rtt"
)

// resetFlags puts every flag of c and its children back to its default so
// one Execute does not leak into the next.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs the CLI with args and returns what it printed to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	// Read in background to prevent the pipe buffer from blocking
	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		io.Copy(&buf, r)
		close(done)
	}()

	rootCmd.SetArgs(append([]string{"--driver", "simulator"}, args...))
	err := rootCmd.Execute()

	w.Close()
	os.Stdout = old
	<-done
	return buf.String(), err
}

func mustContain(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, s := range want {
		if !strings.Contains(out, s) {
			t.Errorf("output missing %q\n--- output ---\n%s", s, out)
		}
	}
}

func writeImage(t *testing.T, segs ...image.Segment) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.hex")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := image.EncodeHex(f, segs); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDeviceE2E(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantErr     bool
		wantContain []string
	}{
		{
			name:        "probes",
			args:        []string{"probes"},
			wantContain: []string{"Found 1 probe(s)", "683000001"},
		},
		{
			name:        "comports",
			args:        []string{"comports"},
			wantContain: []string{"VCOM0", "/dev/ttySIM1"},
		},
		{
			name: "info",
			args: []string{"info"},
			wantContain: []string{
				"Serial:    683000001",
				"NRF52840",
				"Family:    NRF52",
				"Memory map:",
				"0x00000000-0x000FFFFF",
				"RAM sections",
			},
		},
		{
			name:        "protection status",
			args:        []string{"protect"},
			wantContain: []string{"Readback protection: none"},
		},
		{
			name:        "debug reset halts",
			args:        []string{"reset", "--kind", "debug"},
			wantContain: []string{"Device reset (debug)"},
		},
		{
			name:    "unknown reset kind",
			args:    []string{"reset", "--kind", "warm"},
			wantErr: true,
		},
		{
			name:        "halt",
			args:        []string{"core", "halt"},
			wantContain: []string{"Core halted."},
		},
		{
			name:    "register write needs a halted core",
			args:    []string{"regs", "r3", "0x1234"},
			wantErr: true,
		},
		{
			name:        "run from address",
			args:        []string{"core", "run", "--pc", "0x100", "--sp", "0x20001000"},
			wantContain: []string{"Core running."},
		},
		{
			name:        "read register",
			args:        []string{"regs", "pc"},
			wantContain: []string{"PC"},
		},
		{
			name:        "all registers",
			args:        []string{"regs"},
			wantContain: []string{"R0", "PC", "XPSR", "MSP"},
		},
		{
			name:    "unknown register",
			args:    []string{"regs", "r99"},
			wantErr: true,
		},
		{
			name:        "ram write",
			args:        []string{"memwr", "0x20001000", "0xDEADBEEF"},
			wantContain: []string{"Wrote 4 bytes at 0x20001000."},
		},
		{
			name:        "ram read",
			args:        []string{"memrd", "0x20001000", "-n", "4"},
			wantContain: []string{"20001000: ef be ad de"},
		},
		{
			name:        "resume",
			args:        []string{"core", "go"},
			wantContain: []string{"Core running."},
		},
		{
			name:    "bad family",
			args:    []string{"info", "--family", "nrf60"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v\n%s", err, tt.wantErr, out)
			}
			mustContain(t, out, tt.wantContain...)
		})
	}
}

func TestFlashE2E(t *testing.T) {
	data := make([]byte, 0x1800)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	img := writeImage(t, image.Segment{Address: 0x2000, Data: data})
	dump := filepath.Join(t.TempDir(), "dump.hex")

	tests := []struct {
		name        string
		args        []string
		wantErr     bool
		wantContain []string
	}{
		{
			name:        "program",
			args:        []string{"program", img, "--chip-erase", "sectors", "--verify", "hash"},
			wantContain: []string{"Programming", "program...", "verify...", "Done in"},
		},
		{
			name:        "verify read",
			args:        []string{"verify", img},
			wantContain: []string{"Verify OK."},
		},
		{
			name:        "verify hash",
			args:        []string{"verify", img, "--mode", "hash"},
			wantContain: []string{"Verify OK."},
		},
		{
			name:        "read back",
			args:        []string{"memrd", "0x2000", "-n", "16"},
			wantContain: []string{"00002000: 03 0a 11 18"},
		},
		{
			name:        "dump",
			args:        []string{"read", dump},
			wantContain: []string{"Wrote " + dump},
		},
		{
			name:    "dump needs hex",
			args:    []string{"read", filepath.Join(t.TempDir(), "dump.bin")},
			wantErr: true,
		},
		{
			name:        "erase page",
			args:        []string{"erase", "--page", "0x2000"},
			wantContain: []string{"Erase complete."},
		},
		{
			name:    "verify after erase",
			args:    []string{"verify", img},
			wantErr: true,
		},
		{
			name:    "erase needs a target",
			args:    []string{"erase"},
			wantErr: true,
		},
		{
			name:    "bad erase action",
			args:    []string{"program", img, "--chip-erase", "some"},
			wantErr: true,
		},
		{
			name:        "erase all",
			args:        []string{"erase", "--all"},
			wantContain: []string{"Erase complete."},
		},
		{
			name:        "erased flash",
			args:        []string{"memrd", "0x2000", "-n", "4"},
			wantContain: []string{"00002000: ff ff ff ff"},
		},
		{
			name:        "recover",
			args:        []string{"recover"},
			wantContain: []string{"Device erased and unlocked."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v\n%s", err, tt.wantErr, out)
			}
			mustContain(t, out, tt.wantContain...)
		})
	}

	segs, err := image.Decode(dump)
	if err != nil {
		t.Fatalf("decode dump: %v", err)
	}
	if len(segs) == 0 || segs[0].Address != 0 {
		t.Fatalf("dump segments = %d, want code flash first", len(segs))
	}
	if got := segs[0].Data[0x2000 : 0x2000+len(data)]; !bytes.Equal(got, data) {
		t.Fatalf("dump does not hold the programmed image")
	}
}

func TestQSPIE2E(t *testing.T) {
	out, err := execute(t, "qspi", "id")
	if err != nil {
		t.Fatalf("qspi id: %v\n%s", err, out)
	}
	mustContain(t, out, "Manufacturer: Macronix", "8192 KB")

	out, err = execute(t, "qspi", "erase", "0x1000", "--size", "4KB")
	if err != nil {
		t.Fatalf("qspi erase: %v\n%s", err, out)
	}
	mustContain(t, out, "Erased ERASE4KB at 0x00001000")

	out, err = execute(t, "qspi", "read", "0x1000", "-n", "8")
	if err != nil {
		t.Fatalf("qspi read: %v\n%s", err, out)
	}
	mustContain(t, out, "00001000: ff ff ff ff ff ff ff ff")

	if _, err := execute(t, "qspi", "erase", "0x1001"); err == nil {
		t.Fatal("unaligned erase succeeded")
	}
	if _, err := execute(t, "qspi", "erase", "0", "--size", "8KB"); err == nil {
		t.Fatal("unknown erase size accepted")
	}
}

func TestRTTE2E(t *testing.T) {
	const (
		cbAt    = 0x20003000
		nameAt  = 0x20003100
		upAt    = 0x20003200
		upSize  = 64
		downAt  = 0x20003300
		message = "hello from target\n"
	)
	d, err := simulator()
	if err != nil {
		t.Fatal(err)
	}
	p, ok := d.Probe(simSerial)
	if !ok {
		t.Fatal("simulated probe missing")
	}

	le := func(vs ...uint32) []byte {
		var out []byte
		for _, v := range vs {
			out = binary.LittleEndian.AppendUint32(out, v)
		}
		return out
	}
	cb := append([]byte(rtt.ID), make([]byte, rtt.IDSize-len(rtt.ID))...)
	cb = append(cb, le(1, 1)...)
	cb = append(cb, le(nameAt, upAt, upSize, uint32(len(message)), 0, 0)...)
	cb = append(cb, le(0, downAt, 16, 0, 0, 0)...)
	for addr, b := range map[uint32][]byte{cbAt: cb, nameAt: []byte("Terminal\x00"), upAt: []byte(message)} {
		if err := p.Target.Poke(addr, b); err != nil {
			t.Fatal(err)
		}
	}

	out, err := execute(t, "rtt", "channels", "--address", "0x20003000")
	if err != nil {
		t.Fatalf("rtt channels: %v\n%s", err, out)
	}
	mustContain(t, out, "up channels (1)", "Terminal", "down channels (1)")

	capture := filepath.Join(t.TempDir(), "rtt.cbor")
	out, err = execute(t, "rtt", "capture", capture, "--duration", "200ms")
	if err != nil {
		t.Fatalf("rtt capture: %v\n%s", err, out)
	}
	mustContain(t, out, message)

	out, err = execute(t, "rtt", "replay", capture)
	if err != nil {
		t.Fatalf("rtt replay: %v\n%s", err, out)
	}
	if out != message {
		t.Fatalf("replay = %q, want %q", out, message)
	}

	out, err = execute(t, "rtt", "replay", capture, "--channel", "3")
	if err != nil || out != "" {
		t.Fatalf("replay of another channel = %q, %v", out, err)
	}

	if _, err := execute(t, "rtt", "replay", filepath.Join(t.TempDir(), "absent.cbor")); err == nil {
		t.Fatal("replay of a missing file succeeded")
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swd.toml")
	body := "driver = \"simulator\"\nclock_khz = 1000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "info", "--config", path)
	if err != nil {
		t.Fatalf("info: %v\n%s", err, out)
	}
	mustContain(t, out, "Clock:     1000 kHz")

	out, err = execute(t, "info", "--config", path, "--clock", "2000")
	if err != nil {
		t.Fatalf("info: %v\n%s", err, out)
	}
	mustContain(t, out, "Clock:     2000 kHz")

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("colour: red\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "info", "--config", bad); err == nil {
		t.Fatal("unknown key accepted")
	}
}

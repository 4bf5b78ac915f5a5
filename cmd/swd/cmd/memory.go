package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/qspi"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/session"
)

var (
	memrdLength int
	memwrBytes  bool
)

var memrdCmd = &cobra.Command{
	Use:   "memrd <address>",
	Short: "Read target memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemrd,
}

var memwrCmd = &cobra.Command{
	Use:   "memwr <address> <value>...",
	Short: "Write target memory",
	Long: `Write 32-bit words (or bytes with --bytes) starting at address. Writes into
code flash or UICR go through the NVMC; the target range must be erased.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runMemwr,
}

var regsCmd = &cobra.Command{
	Use:   "regs [register [value]]",
	Short: "Read or write core registers",
	Long: `Without arguments print every core register. With a register name print that
register, and with a value write it. Writing needs a halted core.`,
	Example: `  swd regs
  swd regs pc
  swd regs r0 0x1234`,
	Args: cobra.MaximumNArgs(2),
	RunE: runRegs,
}

var coreCmd = &cobra.Command{
	Use:   "core",
	Short: "Halt, resume or step the core",
}

var coreRunPC, coreRunSP string

func init() {
	memrdCmd.Flags().IntVarP(&memrdLength, "length", "n", 64, "number of bytes to read")
	memwrCmd.Flags().BoolVar(&memwrBytes, "bytes", false, "values are bytes instead of words")

	coreRun := &cobra.Command{
		Use:   "run",
		Short: "Start the core at --pc with stack pointer --sp",
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := parseUint32(coreRunPC)
			if err != nil {
				return fmt.Errorf("invalid pc: %w", err)
			}
			sp, err := parseUint32(coreRunSP)
			if err != nil {
				return fmt.Errorf("invalid sp: %w", err)
			}
			return withCore("run", func(s *session.Session) error { return s.Run(pc, sp) })
		},
	}
	coreRun.Flags().StringVar(&coreRunPC, "pc", "", "program counter")
	coreRun.Flags().StringVar(&coreRunSP, "sp", "", "stack pointer")
	coreRun.MarkFlagRequired("pc")
	coreRun.MarkFlagRequired("sp")

	coreCmd.AddCommand(
		&cobra.Command{
			Use:   "halt",
			Short: "Halt the core",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCore("halt", (*session.Session).Halt)
			},
		},
		&cobra.Command{
			Use:   "go",
			Short: "Resume the core",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCore("go", (*session.Session).Go)
			},
		},
		&cobra.Command{
			Use:   "step",
			Short: "Execute one instruction",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCore("step", (*session.Session).Step)
			},
		},
		coreRun,
	)

	rootCmd.AddCommand(memrdCmd, memwrCmd, regsCmd, coreCmd)
}

// parseUint32 accepts decimal and 0x-prefixed hex.
func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// defaultQSPIConfig matches the MX25R6435F on the nRF52840 development kit.
func defaultQSPIConfig() qspi.Config {
	return qspi.Config{
		Params:       qspi.DefaultParams(),
		MemSize:      8 << 20,
		RxDelay:      qspi.DefaultRxDelay,
		Instructions: []qspi.Instruction{{Opcode: 0x06}},
	}
}

// hexDump prints data in 16-byte rows labelled with target addresses.
func hexDump(addr uint32, data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		row := data[off:end]
		fmt.Printf("%08X: %-47s  %s\n", addr+uint32(off), fmt.Sprintf("% x", row), printable(row))
	}
}

func printable(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c < 0x20 || c > 0x7E {
			c = '.'
		}
		out[i] = c
	}
	return string(out)
}

func runMemrd(cmd *cobra.Command, args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession(s)

	data, err := s.Read(addr, memrdLength)
	if err != nil {
		return fmt.Errorf("read 0x%08X: %w", addr, err)
	}
	hexDump(addr, data)
	return nil
}

func runMemwr(cmd *cobra.Command, args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	var data []byte
	for _, a := range args[1:] {
		v, err := parseUint32(a)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", a, err)
		}
		if memwrBytes {
			if v > 0xFF {
				return fmt.Errorf("value %q does not fit in a byte", a)
			}
			data = append(data, byte(v))
			continue
		}
		data = append(data, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession(s)

	nvmc, err := needsNVMC(s, addr, len(data))
	if err != nil {
		return err
	}
	if err := s.Write(addr, data, nvmc); err != nil {
		return fmt.Errorf("write 0x%08X: %w", addr, err)
	}
	fmt.Printf("Wrote %d bytes at 0x%08X.\n", len(data), addr)
	return nil
}

// needsNVMC reports whether [addr, addr+n) lies in flash or UICR.
// Addresses outside the memory map, such as peripherals, are written
// directly.
func needsNVMC(s *session.Session, addr uint32, n int) (bool, error) {
	descs, err := s.MemoryDescriptors()
	if err != nil {
		return false, err
	}
	d, err := nrf.Classify(descs, addr, uint32(n))
	if err != nil {
		return false, nil
	}
	return d.Type == nrf.MemoryCode || d.Type == nrf.MemoryUICR, nil
}

func runRegs(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession(s)

	if len(args) == 0 {
		for _, r := range session.CPURegisters() {
			v, err := s.ReadCPURegister(r)
			if err != nil {
				return fmt.Errorf("read %s: %w", r, err)
			}
			fmt.Printf("  %-5s 0x%08X\n", r, v)
		}
		return nil
	}

	r, err := session.ParseRegister(args[0])
	if err != nil {
		return err
	}
	if len(args) == 2 {
		v, err := parseUint32(args[1])
		if err != nil {
			return fmt.Errorf("invalid value: %w", err)
		}
		if err := s.WriteCPURegister(r, v); err != nil {
			return fmt.Errorf("write %s: %w", r, err)
		}
	}
	v, err := s.ReadCPURegister(r)
	if err != nil {
		return fmt.Errorf("read %s: %w", r, err)
	}
	fmt.Printf("  %-5s 0x%08X\n", r, v)
	return nil
}

func withCore(what string, fn func(*session.Session) error) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession(s)

	if err := fn(s); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	halted, err := s.IsHalted()
	if err != nil {
		return err
	}
	state := "running"
	if halted {
		state = "halted"
	}
	fmt.Printf("Core %s.\n", state)
	return nil
}

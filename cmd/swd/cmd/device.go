package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/session"
)

var (
	probesUSB    bool
	resetKind    string
	protectLevel string
)

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List attached debug probes",
	Long: `Print the serial number of every probe the configured driver can see. With --usb
the host USB bus is scanned for known CMSIS-DAP adapters instead, which also
finds probes another program holds open.`,
	RunE: runProbes,
}

var comportsCmd = &cobra.Command{
	Use:   "comports [serial]",
	Short: "List the virtual COM ports of a probe",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runComports,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Identify the probe and the connected device",
	Long: `Connect to the device and print the probe description, device model, memory
map and RAM power sections.`,
	RunE: runInfo,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Erase a locked device through the CTRL-AP",
	Long: `Erase all flash, RAM and UICR, which clears readback protection. The device
does not need to be reachable through the MEM-AP.`,
	RunE: runRecover,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the device",
	Long: `Reset the device. --kind selects the mechanism:
  system  SYSRESETREQ, then halt the core
  debug   system reset with the core caught at the reset vector
  pin     pulse nRESET; the device is left disconnected`,
	RunE: runReset,
}

var protectCmd = &cobra.Command{
	Use:   "protect",
	Short: "Show or enable readback protection",
	Long: `Without --level, print the current readback protection. With --level, enable
it (region0, all or both) and reset the device.`,
	RunE: runProtect,
}

func init() {
	probesCmd.Flags().BoolVar(&probesUSB, "usb", false, "scan the USB bus instead of asking the driver")
	resetCmd.Flags().StringVar(&resetKind, "kind", "system", "reset kind (system, debug, pin)")
	protectCmd.Flags().StringVar(&protectLevel, "level", "", "protection level to enable (region0, all, both)")

	rootCmd.AddCommand(probesCmd, comportsCmd, infoCmd, recoverCmd, resetCmd, protectCmd)
}

func runProbes(cmd *cobra.Command, args []string) error {
	if probesUSB {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		found, err := probe.ListUSB(ctx)
		if err != nil {
			return fmt.Errorf("list USB probes: %w", err)
		}
		fmt.Printf("Found %d USB probe(s):\n", len(found))
		for _, p := range found {
			fmt.Printf("  %s\n", p)
		}
		return nil
	}

	s, err := openLibrary()
	if err != nil {
		return err
	}
	defer closeSession(s)

	serials, err := s.EnumerateProbes()
	if err != nil {
		return fmt.Errorf("enumerate probes: %w", err)
	}
	if len(serials) == 0 {
		fmt.Println("No probes found.")
		return nil
	}
	fmt.Printf("Found %d probe(s):\n", len(serials))
	for _, serial := range serials {
		fmt.Printf("  %d\n", serial)
	}
	return nil
}

func runComports(cmd *cobra.Command, args []string) error {
	s, err := openLibrary()
	if err != nil {
		return err
	}
	defer closeSession(s)

	serial := cfg.Serial
	if len(args) == 1 {
		v, err := parseUint32(args[0])
		if err != nil {
			return fmt.Errorf("invalid serial: %w", err)
		}
		serial = v
	}
	if serial == 0 {
		serials, err := s.EnumerateProbes()
		if err != nil {
			return fmt.Errorf("enumerate probes: %w", err)
		}
		if len(serials) != 1 {
			return fmt.Errorf("found %d probes, pass a serial number", len(serials))
		}
		serial = serials[0]
	}

	ports, err := s.EnumerateComPorts(serial)
	if err != nil {
		return fmt.Errorf("enumerate COM ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Println("No COM ports found.")
		return nil
	}
	for _, p := range ports {
		fmt.Printf("  VCOM%d  %s\n", p.VCOM, p.Path)
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession(s)

	pi, err := s.ProbeInfo()
	if err != nil {
		return err
	}
	fmt.Println("Probe:")
	fmt.Printf("  Serial:    %d\n", pi.Serial)
	fmt.Printf("  Firmware:  %s\n", pi.Firmware)
	fmt.Printf("  Clock:     %d kHz\n", pi.ClockKHz)
	if pi.TargetVoltageMV > 0 {
		fmt.Printf("  VTref:     %d mV\n", pi.TargetVoltageMV)
	}
	for _, p := range pi.ComPorts {
		fmt.Printf("  VCOM%d:     %s\n", p.VCOM, p.Path)
	}

	di, err := s.ReadDeviceInfo()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("Device:")
	fmt.Printf("  Model:     %s\n", di)
	fmt.Printf("  Family:    %s\n", di.Family)
	fmt.Printf("  Flash:     %d KB (%d byte pages)\n", di.CodeSize/1024, di.CodePageSize)
	fmt.Printf("  RAM:       %d KB\n", di.RAMSize/1024)

	descs, err := s.MemoryDescriptors()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("Memory map:")
	for _, d := range descs {
		fmt.Printf("  0x%08X-0x%08X  %-8s %s\n", d.Start, d.End()-1, d.Type, d.Label)
	}

	sections, err := s.ReadRAMSections()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Printf("RAM sections (%d):\n", len(sections))
	for _, sec := range sections {
		fmt.Printf("  [%2d] 0x%08X %6d bytes  %s\n", sec.Index, sec.Start, sec.Size, sec.Power)
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	s, err := openProbe()
	if err != nil {
		return err
	}
	defer closeSession(s)

	fmt.Println("Recovering device...")
	if err := s.Recover(); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	fmt.Println("Device erased and unlocked.")
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	var reset func(*session.Session) error
	switch strings.ToLower(resetKind) {
	case "system", "sys":
		reset = (*session.Session).SysReset
	case "debug":
		reset = (*session.Session).DebugReset
	case "pin":
		reset = (*session.Session).PinReset
	default:
		return fmt.Errorf("unknown reset kind %q", resetKind)
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession(s)

	if err := reset(s); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	fmt.Printf("Device reset (%s).\n", strings.ToLower(resetKind))
	return nil
}

var protectionLevels = map[string]nrf.ReadbackProtection{
	"region0": nrf.ProtectionRegion0,
	"all":     nrf.ProtectionAll,
	"both":    nrf.ProtectionBoth,
}

func runProtect(cmd *cobra.Command, args []string) error {
	if protectLevel == "" {
		s, err := openProbe()
		if err != nil {
			return err
		}
		defer closeSession(s)

		level, err := s.ReadbackStatus()
		if err != nil {
			return fmt.Errorf("read protection: %w", err)
		}
		fmt.Printf("Readback protection: %s\n", level)
		return nil
	}

	level, ok := protectionLevels[strings.ToLower(protectLevel)]
	if !ok {
		return fmt.Errorf("unknown protection level %q", protectLevel)
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession(s)

	if err := s.ReadbackProtect(level); err != nil {
		return fmt.Errorf("enable protection: %w", err)
	}
	fmt.Printf("Readback protection set to %s.\n", level)
	return nil
}

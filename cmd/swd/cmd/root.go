package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/config"
)

var (
	// Global flags
	verbose    bool
	configPath string
	driverName string
	probeSer   uint32
	clockKHz   uint32
	familyName string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "swd",
	Short: "nRF5x SWD programmer and debugger",
	Long: `A command line front end for the SWD session engine: connect to a CMSIS-DAP
probe, identify and recover nRF51/52/53/91 devices, program and verify firmware,
read and write memory and core registers, talk to RTT channels and drive
external QSPI flash.

Settings are read from swd.yaml, swd.yml or swd.toml in the working directory
(or --config); flags override the file.

Examples:
  swd probes                                   # List attached probes
  swd info --driver simulator                  # Identify the simulated nRF52840
  swd program app.hex --chip-erase sectors     # Erase touched pages and program
  swd rtt terminal --channel 0                 # Interactive RTT console`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&configPath, "config", "", "configuration file (default: swd.yaml/swd.toml in the working directory)")
	pf.StringVarP(&driverName, "driver", "d", "", "probe driver (cmsis-dap, simulator)")
	pf.Uint32VarP(&probeSer, "serial", "s", 0, "probe serial number (if multiple probes)")
	pf.Uint32Var(&clockKHz, "clock", 0, "SWD clock in kHz")
	pf.StringVar(&familyName, "family", "", "device family (NRF51, NRF52, NRF53, NRF91); detected when omitted")
}

// setup loads the configuration file, applies flag overrides and builds
// the logger.
func setup(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		found, err := config.Find(".")
		if err != nil {
			return err
		}
		path = found
	}

	cfg = config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.Driver = driverName
	}
	if flags.Changed("serial") {
		cfg.Serial = probeSer
	}
	if flags.Changed("clock") {
		cfg.ClockKHz = clockKHz
	}
	if flags.Changed("family") {
		cfg.Family = familyName
	}
	if flags.Changed("verbose") {
		cfg.Verbose = verbose
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

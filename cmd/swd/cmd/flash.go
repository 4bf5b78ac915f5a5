package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/session"
)

var (
	progVerify    string
	progChipErase string
	progQSPIErase string
	progReset     string
	progWatch     bool
	progQSPI      bool

	verifyMode string

	eraseAll      bool
	erasePage     string
	eraseUICR     bool
	eraseFile     string
	eraseInternal string
	eraseExternal string

	readRAM  bool
	readCode bool
	readUICR bool
	readFICR bool
	readQSPI bool
)

// watchDebounce coalesces the burst of events an editor or linker emits
// while replacing a file.
const watchDebounce = 250 * time.Millisecond

var programCmd = &cobra.Command{
	Use:   "program <file>",
	Short: "Program a firmware image",
	Long: `Program an Intel HEX, ELF or zip image into flash, UICR, RAM or the external
QSPI flash window. Images that reach into the XIP window need --qspi, which
starts the QSPI peripheral from the configured ini file (qspi_ini) or the
development kit defaults.

With --watch the image is programmed again every time it changes on disk.`,
	Example: `  swd program app.hex --chip-erase sectors --verify hash --reset system
  swd program app.hex --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runProgram,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Compare device memory against an image",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase flash",
	Long: `Erase the whole device (--all), one page (--page), the UICR (--uicr) or the
pages an image covers (--file). --internal and --external pick how --file
erases internal and QSPI flash.`,
	RunE: runErase,
}

var readCmd = &cobra.Command{
	Use:   "read <file.hex>",
	Short: "Dump device memory to an Intel HEX file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRead,
}

func init() {
	pf := programCmd.Flags()
	pf.StringVar(&progVerify, "verify", "none", "verify after programming (none, read, hash)")
	pf.StringVar(&progChipErase, "chip-erase", "none", "internal flash erase (none, all, sectors, sectors+uicr)")
	pf.StringVar(&progQSPIErase, "qspi-erase", "none", "external flash erase (none, all, sectors)")
	pf.StringVar(&progReset, "reset", "none", "reset after programming (none, system, debug, pin)")
	pf.BoolVar(&progWatch, "watch", false, "program again whenever the file changes")
	pf.BoolVar(&progQSPI, "qspi", false, "start the QSPI peripheral before programming")

	verifyCmd.Flags().StringVar(&verifyMode, "mode", "read", "verify mode (read, hash)")

	ef := eraseCmd.Flags()
	ef.BoolVar(&eraseAll, "all", false, "erase all flash and UICR")
	ef.StringVar(&erasePage, "page", "", "erase the page holding this address")
	ef.BoolVar(&eraseUICR, "uicr", false, "erase the UICR")
	ef.StringVar(&eraseFile, "file", "", "erase what this image covers")
	ef.StringVar(&eraseInternal, "internal", "sectors", "internal erase for --file (none, all, sectors, sectors+uicr)")
	ef.StringVar(&eraseExternal, "external", "none", "external erase for --file (none, all, sectors)")
	eraseCmd.MarkFlagsMutuallyExclusive("all", "page", "uicr", "file")
	eraseCmd.MarkFlagsOneRequired("all", "page", "uicr", "file")

	rf := readCmd.Flags()
	rf.BoolVar(&readCode, "code", true, "include code flash")
	rf.BoolVar(&readUICR, "uicr", true, "include UICR")
	rf.BoolVar(&readFICR, "ficr", false, "include FICR")
	rf.BoolVar(&readRAM, "ram", false, "include data RAM")
	rf.BoolVar(&readQSPI, "qspi", false, "include external flash")

	rootCmd.AddCommand(programCmd, verifyCmd, eraseCmd, readCmd)
}

func parseErase(s string) (session.EraseAction, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return session.EraseNone, nil
	case "all":
		return session.EraseAll, nil
	case "sectors":
		return session.EraseSectors, nil
	case "sectors+uicr", "sectors-and-uicr":
		return session.EraseSectorsAndUICR, nil
	}
	return 0, fmt.Errorf("unknown erase action %q", s)
}

func parseVerify(s string) (session.VerifyAction, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return session.VerifyNone, nil
	case "read":
		return session.VerifyRead, nil
	case "hash":
		return session.VerifyHash, nil
	}
	return 0, fmt.Errorf("unknown verify action %q", s)
}

func parseResetAction(s string) (session.ResetAction, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return session.ResetNone, nil
	case "system", "sys":
		return session.ResetSystem, nil
	case "debug":
		return session.ResetDebug, nil
	case "pin":
		return session.ResetPin, nil
	}
	return 0, fmt.Errorf("unknown reset action %q", s)
}

func programOptions() (session.ProgramOptions, error) {
	var opts session.ProgramOptions
	var err error
	if opts.Verify, err = parseVerify(progVerify); err != nil {
		return opts, err
	}
	if opts.ChipErase, err = parseErase(progChipErase); err != nil {
		return opts, err
	}
	if opts.QSPIErase, err = parseErase(progQSPIErase); err != nil {
		return opts, err
	}
	if opts.QSPIErase == session.EraseSectorsAndUICR {
		return opts, fmt.Errorf("external flash has no UICR")
	}
	if opts.Reset, err = parseResetAction(progReset); err != nil {
		return opts, err
	}
	return opts, nil
}

// progressPrinter prints a line per phase change.
func progressPrinter() func(session.Progress) {
	phase := ""
	return func(p session.Progress) {
		if p.Phase != phase {
			phase = p.Phase
			fmt.Printf("  %s...\n", p.Phase)
		}
		logger.Debug("progress", "phase", p.Phase, "done", p.Done, "total", p.Total)
	}
}

func runProgram(cmd *cobra.Command, args []string) error {
	path := args[0]
	opts, err := programOptions()
	if err != nil {
		return err
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession(s)
	s.SetProgress(progressPrinter())

	if err := programOnce(s, path, opts); err != nil {
		return err
	}
	if !progWatch {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return watchFile(ctx, path, func() error {
		return programOnce(s, path, opts)
	})
}

func programOnce(s *session.Session, path string, opts session.ProgramOptions) error {
	// A pin reset from the previous round leaves the device disconnected.
	if !s.IsConnectedToDevice() {
		if err := s.ConnectDevice(); err != nil {
			return fmt.Errorf("failed to connect to device: %w", err)
		}
	}
	if progQSPI || opts.QSPIErase != session.EraseNone {
		if ok, err := s.QSPIIsInitialized(); err != nil || !ok {
			if err := initQSPI(s, false); err != nil {
				return err
			}
		}
	}
	fmt.Printf("Programming %s\n", path)
	start := time.Now()
	if err := s.Program(path, opts); err != nil {
		return fmt.Errorf("program %s: %w", path, err)
	}
	fmt.Printf("Done in %s.\n", time.Since(start).Round(time.Millisecond))
	return nil
}

// watchFile calls fn each time path is written or replaced until ctx ends.
// The parent directory is watched so files replaced by rename are seen.
// Errors from fn are printed and watching continues.
func watchFile(ctx context.Context, path string, fn func() error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	fmt.Printf("Watching %s (Ctrl+C to stop)\n", path)

	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				logger.Debug("image changed", "path", ev.Name, "op", ev.Op.String())
				timer.Reset(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)
		case <-timer.C:
			if err := fn(); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
}

func runVerify(cmd *cobra.Command, args []string) error {
	action, err := parseVerify(verifyMode)
	if err != nil {
		return err
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession(s)

	if err := s.VerifyFile(args[0], action); err != nil {
		return fmt.Errorf("verify %s: %w", args[0], err)
	}
	fmt.Println("Verify OK.")
	return nil
}

func runErase(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession(s)

	switch {
	case eraseAll:
		err = s.EraseAll()
	case erasePage != "":
		var addr uint32
		addr, err = parseUint32(erasePage)
		if err == nil {
			err = s.ErasePage(addr)
		}
	case eraseUICR:
		err = s.EraseUICR()
	case eraseFile != "":
		err = eraseForFile(s)
	}
	if err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	fmt.Println("Erase complete.")
	return nil
}

func eraseForFile(s *session.Session) error {
	internal, err := parseErase(eraseInternal)
	if err != nil {
		return err
	}
	external, err := parseErase(eraseExternal)
	if err != nil {
		return err
	}
	if external != session.EraseNone {
		if err := initQSPI(s, false); err != nil {
			return err
		}
	}
	return s.EraseFile(eraseFile, internal, external)
}

func runRead(cmd *cobra.Command, args []string) error {
	opts := session.ReadOptions{RAM: readRAM, Code: readCode, UICR: readUICR, FICR: readFICR, QSPI: readQSPI}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer closeSession(s)

	if readQSPI {
		if err := initQSPI(s, true); err != nil {
			return err
		}
	}
	if err := s.ReadToFile(args[0], opts); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	fmt.Printf("Wrote %s.\n", args[0])
	return nil
}

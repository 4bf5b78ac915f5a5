package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/qspi"
)

var (
	qspiLength int
	qspiEraseL string
)

var qspiCmd = &cobra.Command{
	Use:   "qspi",
	Short: "Drive the external QSPI flash",
	Long: `Start the QSPI peripheral from the configured ini file (qspi_ini), or the
nRF52840 development kit defaults, and access the external flash. The RAM the
peripheral borrows for DMA is restored afterwards.`,
}

var qspiIDCmd = &cobra.Command{
	Use:   "id",
	Short: "Read the JEDEC ID of the external flash",
	RunE:  runQSPIID,
}

var qspiReadCmd = &cobra.Command{
	Use:   "read <address>",
	Short: "Read external flash",
	Args:  cobra.ExactArgs(1),
	RunE:  runQSPIRead,
}

var qspiEraseCmd = &cobra.Command{
	Use:   "erase <address>",
	Short: "Erase a block of external flash",
	Long: `Erase the block starting at address. --size is one of 4KB, 32KB, 64KB or ALL;
the address must be aligned to the block size.`,
	Args: cobra.ExactArgs(1),
	RunE: runQSPIErase,
}

func init() {
	qspiReadCmd.Flags().IntVarP(&qspiLength, "length", "n", 64, "number of bytes to read")
	qspiEraseCmd.Flags().StringVar(&qspiEraseL, "size", "4KB", "block size (4KB, 32KB, 64KB, ALL)")

	qspiCmd.AddCommand(qspiIDCmd, qspiReadCmd, qspiEraseCmd)
	rootCmd.AddCommand(qspiCmd)
}

func runQSPIID(cmd *cobra.Command, args []string) error {
	s, err := openQSPI(true)
	if err != nil {
		return err
	}
	defer closeSession(s)
	defer s.QSPIUninit()

	id, err := s.QSPIReadID()
	if err != nil {
		return fmt.Errorf("read ID: %w", err)
	}
	name := id.Manufacturer.Name
	if name == "" {
		name = "unknown"
	}
	fmt.Printf("Manufacturer: %s\n", name)
	fmt.Printf("Memory type:  0x%02X\n", id.MemoryType)
	fmt.Printf("Capacity:     0x%02X", id.Capacity)
	if n := id.Size(); n > 0 {
		fmt.Printf(" (%d KB)", n/1024)
	}
	fmt.Println()
	return nil
}

func runQSPIRead(cmd *cobra.Command, args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	s, err := openQSPI(true)
	if err != nil {
		return err
	}
	defer closeSession(s)
	defer s.QSPIUninit()

	data, err := s.QSPIRead(addr, qspiLength)
	if err != nil {
		return fmt.Errorf("read 0x%08X: %w", addr, err)
	}
	hexDump(addr, data)
	return nil
}

func runQSPIErase(cmd *cobra.Command, args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	name := strings.ToUpper(qspiEraseL)
	if !strings.HasPrefix(name, "ERASE") {
		name = "ERASE" + name
	}
	l, err := qspi.ParseEraseLen(name)
	if err != nil {
		return err
	}
	s, err := openQSPI(true)
	if err != nil {
		return err
	}
	defer closeSession(s)
	defer s.QSPIUninit()

	if err := s.QSPIErase(addr, l); err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	fmt.Printf("Erased %s at 0x%08X.\n", l, addr)
	return nil
}

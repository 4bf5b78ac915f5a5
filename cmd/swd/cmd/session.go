package cmd

import (
	"fmt"
	"sync"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/session"
)

// simSerial is the serial number of the simulated probe.
const simSerial = 683000001

var (
	simOnce   sync.Once
	simDriver *probe.SimDriver
	simErr    error
)

// simulator returns the process-wide simulated probe set: one probe wired
// to an nRF52840. The target keeps its memory across commands run in the
// same process.
func simulator() (*probe.SimDriver, error) {
	simOnce.Do(func() {
		dev, err := nrf.Lookup(nrf.NRF52840AARev2)
		if err != nil {
			simErr = err
			return
		}
		simDriver = probe.NewSimDriver(probe.NewSimProbe(simSerial, dev))
	})
	return simDriver, simErr
}

func init() {
	session.RegisterDriver("simulator", func(string) (probe.Driver, error) {
		return simulator()
	})
}

// openLibrary opens a session with the configured driver loaded.
func openLibrary() (*session.Session, error) {
	family, err := cfg.FamilyValue()
	if err != nil {
		return nil, err
	}
	h, err := session.Open()
	if err != nil {
		return nil, err
	}
	s, err := session.Lookup(h)
	if err != nil {
		return nil, err
	}
	opts := session.DllOptions{DriverName: cfg.Driver, Logger: logger, Family: family}
	if err := s.OpenDll(opts); err != nil {
		session.Close(h)
		return nil, fmt.Errorf("failed to open %s driver: %w", cfg.Driver, err)
	}
	return s, nil
}

// openProbe opens the library and connects to the configured probe.
func openProbe() (*session.Session, error) {
	s, err := openLibrary()
	if err != nil {
		return nil, err
	}
	if err := s.ConnectProbe(cfg.SerialPtr(), cfg.ClockKHz); err != nil {
		closeSession(s)
		return nil, fmt.Errorf("failed to connect to probe: %w", err)
	}
	return s, nil
}

// openSession connects all the way to the device.
func openSession() (*session.Session, error) {
	s, err := openProbe()
	if err != nil {
		return nil, err
	}
	if err := s.ConnectDevice(); err != nil {
		closeSession(s)
		return nil, fmt.Errorf("failed to connect to device: %w", err)
	}
	return s, nil
}

// openQSPI connects to the device and starts the QSPI peripheral from the
// configured ini file, or from the defaults when none is set.
func openQSPI(retainRAM bool) (*session.Session, error) {
	s, err := openSession()
	if err != nil {
		return nil, err
	}
	if err := initQSPI(s, retainRAM); err != nil {
		closeSession(s)
		return nil, err
	}
	return s, nil
}

func initQSPI(s *session.Session, retainRAM bool) error {
	var err error
	if cfg.QSPIIni != "" {
		err = s.QSPIInitFromFile(cfg.QSPIIni, retainRAM)
	} else {
		err = s.QSPIInit(retainRAM, defaultQSPIConfig())
	}
	if err != nil {
		return fmt.Errorf("failed to initialize QSPI: %w", err)
	}
	return nil
}

func closeSession(s *session.Session) {
	if err := session.Close(s.Handle()); err != nil {
		logger.Warn("failed to close session", "error", err)
	}
}

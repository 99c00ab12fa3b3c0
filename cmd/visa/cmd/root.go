package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/config"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/visa"
)

var (
	// Global flags
	configPath string
	useSim     bool
	timeout    time.Duration
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "visa",
	Short: "VISA instrument access tool",
	Long: `Find, query and control test instruments over GPIB, USBTMC, raw
TCP sockets and serial ports through a VISA-style resource manager.

Examples:
  visa list                                   # List every resource
  visa list "GPIB?*INSTR"                     # List GPIB instruments
  visa query GPIB0::22::INSTR "*IDN?"         # Identify an instrument
  visa --sim info USB0::0x1AB1::0x04CE::DS1ZA000000001::INSTR --json
  visa shell TCPIP0::192.168.1.40::5025::SOCKET`,
	Version:      "0.3.0",
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&useSim, "sim", false, "use the simulated bench instead of hardware")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 0, "I/O timeout (0 keeps the configured value)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	if useSim {
		cfg.SimOnly()
	}
	if timeout > 0 {
		cfg.Timeout = config.Duration(timeout)
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

// openRM builds a Resource Manager from the configuration and flags.
func openRM() (*visa.ResourceManager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	visa.SetLogger(log)
	driver.SetLogger(log)

	opts, err := cfg.Options()
	if err != nil {
		return nil, fmt.Errorf("failed to create drivers: %w", err)
	}
	opts = append(opts, visa.WithLogger(log))
	return visa.OpenDefaultRM(opts...)
}

// withSession opens name, runs fn and closes everything again.
func withSession(name string, fn func(s *visa.Session) error) error {
	rm, err := openRM()
	if err != nil {
		return err
	}
	defer rm.Close()
	return withSessionOn(rm, name, fn)
}

func withSessionOn(rm *visa.ResourceManager, name string, fn func(s *visa.Session) error) error {
	if verbose {
		fmt.Printf("Opening %s...\n", name)
	}
	s, err := rm.Open(context.Background(), name, visa.NoLock, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer s.Close()
	return fn(s)
}

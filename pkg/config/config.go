// Package config loads the YAML configuration shared by the visa tools:
// the default session timeout, resource aliases and one section per driver.
//
// Example:
//
//	timeout: 5s
//	aliases:
//	  dmm: GPIB0::22::INSTR
//	tcpip:
//	  hosts: [192.168.1.40:5025]
//	  mdns: true
//	gpib:
//	  boards:
//	    - board: 0
//	      port: /dev/ttyUSB0
//	      instruments: [22]
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver/asrl"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver/gpib"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver/sim"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver/tcpip"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver/usbtmc"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/visa"
)

// Config is the top-level configuration.
type Config struct {
	Timeout Duration          `json:"timeout" yaml:"timeout"`
	Aliases map[string]string `json:"aliases,omitempty" yaml:"aliases,omitempty"`

	Sim   SimConfig   `json:"sim" yaml:"sim"`
	TCPIP TCPIPConfig `json:"tcpip" yaml:"tcpip"`
	USB   USBConfig   `json:"usb" yaml:"usb"`
	ASRL  ASRLConfig  `json:"asrl" yaml:"asrl"`
	GPIB  GPIBConfig  `json:"gpib" yaml:"gpib"`
}

// SimConfig configures the simulated bench.
type SimConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Defaults adds the built-in DMM, oscilloscope and power supply.
	Defaults    bool               `json:"defaults" yaml:"defaults"`
	Instruments []InstrumentConfig `json:"instruments,omitempty" yaml:"instruments,omitempty"`
}

// InstrumentConfig describes one simulated instrument.
type InstrumentConfig struct {
	Resource  string            `json:"resource" yaml:"resource"`
	IDN       string            `json:"idn" yaml:"idn"`
	Responses map[string]string `json:"responses,omitempty" yaml:"responses,omitempty"`
	Delay     Duration          `json:"delay,omitempty" yaml:"delay,omitempty"`
	Attrs     map[string]any    `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	MaxWrite  int               `json:"max_write,omitempty" yaml:"max_write,omitempty"`
}

// TCPIPConfig configures raw socket resources.
type TCPIPConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Hosts       []string `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	MDNS        bool     `json:"mdns" yaml:"mdns"`
	BrowseTime  Duration `json:"browse_time" yaml:"browse_time"`
	DialTimeout Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// USBConfig configures USBTMC resources.
type USBConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ASRLConfig configures serial resources.
type ASRLConfig struct {
	Enabled  bool         `json:"enabled" yaml:"enabled"`
	Discover bool         `json:"discover" yaml:"discover"`
	Ports    []PortConfig `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// PortConfig binds ASRL<board>::INSTR to a device path.
type PortConfig struct {
	Board    int    `json:"board" yaml:"board"`
	Path     string `json:"path" yaml:"path"`
	Baud     int    `json:"baud,omitempty" yaml:"baud,omitempty"`
	DataBits int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	Parity   string `json:"parity,omitempty" yaml:"parity,omitempty"`
	StopBits string `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
}

// GPIBConfig configures Prologix GPIB-USB controllers.
type GPIBConfig struct {
	Boards []BoardConfig `json:"boards,omitempty" yaml:"boards,omitempty"`
}

// BoardConfig binds GPIB<board> to a controller's serial port.
type BoardConfig struct {
	Board       int    `json:"board" yaml:"board"`
	Port        string `json:"port" yaml:"port"`
	Baud        int    `json:"baud,omitempty" yaml:"baud,omitempty"`
	Instruments []int  `json:"instruments,omitempty" yaml:"instruments,omitempty"`
}

// Default returns the configuration used when no file is given: real
// transports enabled, simulator off.
func Default() *Config {
	return &Config{
		Timeout: Duration(visa.DefaultTimeout),
		Sim: SimConfig{
			Defaults: true,
		},
		TCPIP: TCPIPConfig{
			Enabled:     true,
			BrowseTime:  Duration(tcpip.DefaultBrowseTime),
			DialTimeout: Duration(tcpip.DefaultDialTimeout),
		},
		USB: USBConfig{
			Enabled: true,
		},
		ASRL: ASRLConfig{
			Enabled:  true,
			Discover: true,
		},
	}
}

// Simulated returns a configuration with only the default simulated bench.
func Simulated() *Config {
	c := Default()
	c.SimOnly()
	return c
}

// SimOnly enables the simulator and turns every hardware driver off.
func (c *Config) SimOnly() {
	c.Sim.Enabled = true
	c.TCPIP.Enabled = false
	c.USB.Enabled = false
	c.ASRL.Enabled = false
	c.GPIB.Boards = nil
}

// Load reads and validates a YAML file. Fields missing from the file keep
// their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration data.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	// The CLI reserves --timeout 0 for "keep the configured value".
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	for alias, target := range c.Aliases {
		if alias == "" {
			return fmt.Errorf("aliases: name must not be empty")
		}
		if _, err := rsrc.Parse(target); err != nil {
			return fmt.Errorf("aliases: %s: %w", alias, err)
		}
	}
	if err := c.Sim.Validate(); err != nil {
		return err
	}
	if err := c.TCPIP.Validate(); err != nil {
		return err
	}
	if err := c.ASRL.Validate(); err != nil {
		return err
	}
	return c.GPIB.Validate()
}

// Validate checks the simulator section.
func (c *SimConfig) Validate() error {
	seen := make(map[string]bool)
	for i, inst := range c.Instruments {
		name, err := rsrc.Canonical(inst.Resource)
		if err != nil {
			return fmt.Errorf("sim: instruments[%d]: %w", i, err)
		}
		if seen[name] {
			return fmt.Errorf("sim: instruments[%d]: duplicate resource %s", i, name)
		}
		seen[name] = true
		if inst.Delay < 0 {
			return fmt.Errorf("sim: instruments[%d]: delay must be >= 0", i)
		}
		if inst.MaxWrite < 0 {
			return fmt.Errorf("sim: instruments[%d]: max_write must be >= 0", i)
		}
	}
	return nil
}

// Validate checks the socket section.
func (c *TCPIPConfig) Validate() error {
	for i, h := range c.Hosts {
		if h == "" {
			return fmt.Errorf("tcpip: hosts[%d] must not be empty", i)
		}
	}
	if c.BrowseTime < 0 {
		return fmt.Errorf("tcpip: browse_time must be >= 0")
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("tcpip: dial_timeout must be >= 0")
	}
	return nil
}

// Validate checks the serial section.
func (c *ASRLConfig) Validate() error {
	boards := make(map[int]bool)
	for i, p := range c.Ports {
		if p.Path == "" {
			return fmt.Errorf("asrl: ports[%d]: path must not be empty", i)
		}
		if p.Board < 0 {
			return fmt.Errorf("asrl: ports[%d]: board must be >= 0", i)
		}
		if boards[p.Board] {
			return fmt.Errorf("asrl: ports[%d]: duplicate board %d", i, p.Board)
		}
		boards[p.Board] = true
		if p.Baud < 0 {
			return fmt.Errorf("asrl: ports[%d]: baud must be >= 0", i)
		}
		if p.DataBits != 0 && (p.DataBits < 5 || p.DataBits > 8) {
			return fmt.Errorf("asrl: ports[%d]: data_bits must be 5-8", i)
		}
		switch p.Parity {
		case "", "none", "odd", "even", "mark", "space":
		default:
			return fmt.Errorf("asrl: ports[%d]: invalid parity %q", i, p.Parity)
		}
		switch p.StopBits {
		case "", "1", "1.5", "2":
		default:
			return fmt.Errorf("asrl: ports[%d]: invalid stop_bits %q", i, p.StopBits)
		}
	}
	return nil
}

// Validate checks the GPIB section.
func (c *GPIBConfig) Validate() error {
	boards := make(map[int]bool)
	for i, b := range c.Boards {
		if b.Port == "" {
			return fmt.Errorf("gpib: boards[%d]: port must not be empty", i)
		}
		if b.Board < 0 {
			return fmt.Errorf("gpib: boards[%d]: board must be >= 0", i)
		}
		if boards[b.Board] {
			return fmt.Errorf("gpib: boards[%d]: duplicate board %d", i, b.Board)
		}
		boards[b.Board] = true
		for _, addr := range b.Instruments {
			if addr < 0 || addr > 30 {
				return fmt.Errorf("gpib: boards[%d]: primary address %d out of range 0-30", i, addr)
			}
		}
	}
	return nil
}

// Profiles converts the simulator section to driver profiles.
func (c *SimConfig) Profiles() []sim.Profile {
	var profiles []sim.Profile
	if c.Defaults {
		profiles = append(profiles, sim.DefaultProfiles()...)
	}
	for _, inst := range c.Instruments {
		profiles = append(profiles, sim.Profile{
			Resource:  inst.Resource,
			IDN:       inst.IDN,
			Responses: inst.Responses,
			Delay:     inst.Delay.Duration(),
			Attrs:     inst.Attrs,
			MaxWrite:  inst.MaxWrite,
		})
	}
	return profiles
}

// Drivers builds the enabled drivers in lookup order: simulator first so
// simulated resources shadow real ones with the same name.
func (c *Config) Drivers() ([]driver.Driver, error) {
	var drivers []driver.Driver
	if c.Sim.Enabled {
		d, err := sim.New(c.Sim.Profiles()...)
		if err != nil {
			return nil, fmt.Errorf("sim: %w", err)
		}
		drivers = append(drivers, d)
	}
	if c.TCPIP.Enabled {
		drivers = append(drivers, tcpip.New(tcpip.Config{
			Hosts:       c.TCPIP.Hosts,
			MDNS:        c.TCPIP.MDNS,
			BrowseTime:  c.TCPIP.BrowseTime.Duration(),
			DialTimeout: c.TCPIP.DialTimeout.Duration(),
		}))
	}
	if c.USB.Enabled {
		drivers = append(drivers, usbtmc.New())
	}
	if c.ASRL.Enabled {
		cfg := asrl.Config{Discover: c.ASRL.Discover}
		for _, p := range c.ASRL.Ports {
			cfg.Ports = append(cfg.Ports, asrl.PortConfig(p))
		}
		drivers = append(drivers, asrl.New(cfg))
	}
	if len(c.GPIB.Boards) > 0 {
		cfg := gpib.Config{}
		for _, b := range c.GPIB.Boards {
			cfg.Boards = append(cfg.Boards, gpib.BoardConfig(b))
		}
		drivers = append(drivers, gpib.New(cfg))
	}
	return drivers, nil
}

// Options returns Resource Manager options for the drivers, aliases and
// default timeout.
func (c *Config) Options() ([]visa.Option, error) {
	drivers, err := c.Drivers()
	if err != nil {
		return nil, err
	}
	opts := []visa.Option{
		visa.WithDrivers(drivers...),
		visa.WithDefaultTimeout(c.Timeout.Duration()),
	}
	if len(c.Aliases) > 0 {
		opts = append(opts, visa.WithAliases(c.Aliases))
	}
	return opts, nil
}

// Duration is a time.Duration that reads "2s" style strings or plain
// milliseconds from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, line %d", node.Line)
	}
	var ms int64
	if err := node.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

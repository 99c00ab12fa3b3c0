// Package asrl serves serial instrument resources (ASRL<board>::INSTR and
// ASRL<device path>::INSTR).
package asrl

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

// DefaultBaudRate is the VISA default for VI_ATTR_ASRL_BAUD.
const DefaultBaudRate = 9600

// PortConfig binds a board number to a device path and line settings.
type PortConfig struct {
	Board    int
	Path     string
	Baud     int
	DataBits int
	Parity   string // none, odd, even, mark, space
	StopBits string // 1, 1.5, 2
}

// Config lists numbered boards and whether to report every detected port.
type Config struct {
	Ports    []PortConfig
	Discover bool
}

// Driver opens serial ports.
type Driver struct {
	cfg  Config
	list func() ([]string, error)
	open func(path string, mode *serial.Mode) (serial.Port, error)
}

// New creates a serial driver.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg, list: serial.GetPortsList, open: serial.Open}
}

func (d *Driver) Name() string {
	return "asrl"
}

func (d *Driver) Find(ctx context.Context) ([]driver.Resource, error) {
	var results []driver.Resource
	configured := make(map[string]bool)

	for _, pc := range d.cfg.Ports {
		configured[pc.Path] = true
		res := rsrc.Resource{Interface: rsrc.InterfaceASRL, Board: pc.Board, Class: rsrc.ClassInstr}
		results = append(results, driver.Resource{Name: res.String(), Attrs: portAttrs(pc)})
	}

	if d.cfg.Discover {
		paths, err := d.list()
		if err != nil {
			driver.Logger().Warn("asrl: port listing failed", zap.Error(err))
		}
		for _, path := range paths {
			if configured[path] {
				continue
			}
			res := rsrc.Resource{Interface: rsrc.InterfaceASRL, Path: path, Class: rsrc.ClassInstr}
			results = append(results, driver.Resource{
				Name:  res.String(),
				Attrs: portAttrs(PortConfig{Path: path}),
			})
		}
	}

	sort.Slice(results, func(a, b int) bool { return results[a].Name < results[b].Name })
	return results, nil
}

func portAttrs(pc PortConfig) map[string]any {
	baud := pc.Baud
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return map[string]any{
		"VI_ATTR_ASRL_BAUD":      baud,
		"VI_ATTR_INTF_INST_NAME": pc.Path,
	}
}

// lookup resolves a resource to port settings.
func (d *Driver) lookup(res *rsrc.Resource) (PortConfig, bool) {
	for _, pc := range d.cfg.Ports {
		if res.Path == "" && pc.Board == res.Board {
			return pc, true
		}
		if res.Path != "" && pc.Path == res.Path {
			return pc, true
		}
	}
	if res.Path != "" {
		return PortConfig{Path: res.Path}, true
	}
	return PortConfig{}, false
}

func (d *Driver) Open(ctx context.Context, res *rsrc.Resource) (driver.Conn, error) {
	if res.Interface != rsrc.InterfaceASRL {
		return nil, driver.ErrNotFound
	}
	pc, ok := d.lookup(res)
	if !ok {
		return nil, driver.ErrNotFound
	}

	mode, err := ModeFor(pc)
	if err != nil {
		return nil, fmt.Errorf("asrl: %s: %w", pc.Path, err)
	}
	port, err := d.open(pc.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", driver.ErrNotFound, pc.Path, err)
	}

	driver.Logger().Debug("asrl: opened", zap.String("path", pc.Path), zap.Int("baud", mode.BaudRate))
	return &Conn{StreamConn: driver.NewStreamConn(port), port: port, mode: mode}, nil
}

// ModeFor converts port settings to a serial mode, filling VISA defaults
// (9600 baud, 8 data bits, no parity, one stop bit).
func ModeFor(pc PortConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: pc.Baud,
		DataBits: pc.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = DefaultBaudRate
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	if mode.BaudRate < 0 {
		return nil, fmt.Errorf("invalid baud rate %d", pc.Baud)
	}
	if mode.DataBits < 5 || mode.DataBits > 8 {
		return nil, fmt.Errorf("invalid data bits %d", pc.DataBits)
	}

	switch strings.ToLower(pc.Parity) {
	case "", "none":
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("invalid parity %q", pc.Parity)
	}

	switch pc.StopBits {
	case "", "1":
	case "1.5":
		mode.StopBits = serial.OnePointFiveStopBits
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits %q", pc.StopBits)
	}
	return mode, nil
}

// Conn is an open serial port.
type Conn struct {
	*driver.StreamConn
	port serial.Port
	mode *serial.Mode
}

// Clear drops received and unsent bytes.
func (c *Conn) Clear(ctx context.Context) error {
	c.Discard()
	if err := c.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("asrl: reset input: %w", err)
	}
	if err := c.port.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("asrl: reset output: %w", err)
	}
	return nil
}

func (c *Conn) BaudRate() int {
	return c.mode.BaudRate
}

func (c *Conn) SetBaudRate(baud int) error {
	if baud <= 0 {
		return fmt.Errorf("asrl: invalid baud rate %d", baud)
	}
	mode := *c.mode
	mode.BaudRate = baud
	if err := c.port.SetMode(&mode); err != nil {
		return fmt.Errorf("asrl: set baud rate: %w", err)
	}
	c.mode = &mode
	return nil
}

// Package gpib serves GPIB[board]::primary[::secondary]::INSTR resources
// through Prologix GPIB-USB controllers.
package gpib

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.bug.st/serial"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver/asrl"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

// DefaultBaudRate is ignored by the USB controller but must be valid.
const DefaultBaudRate = 115200

// BoardConfig binds a GPIB board number to a Prologix serial port.
type BoardConfig struct {
	Board int
	Port  string
	Baud  int

	// Instruments are primary addresses reported by Find. The controller
	// cannot enumerate the bus.
	Instruments []int
}

// Config lists the configured boards.
type Config struct {
	Boards []BoardConfig
}

// Driver opens GPIB instruments, sharing one controller per board.
type Driver struct {
	cfg  Config
	open func(path string, mode *serial.Mode) (io.ReadWriteCloser, error)

	mu          sync.Mutex
	controllers map[int]*controller
}

// New creates a GPIB driver.
func New(cfg Config) *Driver {
	return &Driver{
		cfg: cfg,
		open: func(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
			return serial.Open(path, mode)
		},
		controllers: make(map[int]*controller),
	}
}

func (d *Driver) Name() string {
	return "gpib"
}

func (d *Driver) Find(ctx context.Context) ([]driver.Resource, error) {
	var results []driver.Resource
	for _, b := range d.cfg.Boards {
		for _, pad := range b.Instruments {
			res := rsrc.Resource{
				Interface: rsrc.InterfaceGPIB,
				Board:     b.Board,
				Class:     rsrc.ClassInstr,
				Primary:   pad,
				Secondary: -1,
			}
			results = append(results, driver.Resource{
				Name:  res.String(),
				Attrs: map[string]any{"VI_ATTR_INTF_INST_NAME": b.Port},
			})
		}
	}
	sort.Slice(results, func(a, b int) bool { return results[a].Name < results[b].Name })
	return results, nil
}

func (d *Driver) board(n int) (BoardConfig, bool) {
	for _, b := range d.cfg.Boards {
		if b.Board == n {
			return b, true
		}
	}
	return BoardConfig{}, false
}

func (d *Driver) Open(ctx context.Context, res *rsrc.Resource) (driver.Conn, error) {
	if res.Interface != rsrc.InterfaceGPIB || res.Class != rsrc.ClassInstr {
		return nil, driver.ErrNotFound
	}
	bc, ok := d.board(res.Board)
	if !ok {
		return nil, driver.ErrNotFound
	}

	c, err := d.acquire(bc, res.Primary)
	if err != nil {
		return nil, err
	}
	return &Conn{
		c:         c,
		addr:      address(res.Primary, res.Secondary),
		primary:   res.Primary,
		secondary: res.Secondary,
		release:   d.release,
	}, nil
}

// acquire returns the board's controller, opening it addressed to pad when
// no session holds it yet.
func (d *Driver) acquire(bc BoardConfig, pad int) (*controller, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.controllers[bc.Board]; ok {
		c.refs++
		return c, nil
	}

	baud := bc.Baud
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode, err := asrl.ModeFor(asrl.PortConfig{Path: bc.Port, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("gpib: %w", err)
	}
	rw, err := d.open(bc.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open controller %s: %v", driver.ErrNotFound, bc.Port, err)
	}
	c, err := newController(bc.Board, bc.Port, pad, rw)
	if err != nil {
		return nil, err
	}
	c.refs = 1
	d.controllers[bc.Board] = c
	return c, nil
}

func (d *Driver) release(c *controller) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c.refs--
	if c.refs > 0 {
		return nil
	}
	delete(d.controllers, c.board)
	return c.stream.Close()
}

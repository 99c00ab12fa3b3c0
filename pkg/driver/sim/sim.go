// Package sim provides in-memory instruments for exercising VISA sessions
// without hardware.
package sim

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

// Driver serves a set of simulated instruments.
type Driver struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument
}

// New creates a simulator serving the given profiles.
func New(profiles ...Profile) (*Driver, error) {
	d := &Driver{instruments: make(map[string]*Instrument)}
	for _, p := range profiles {
		if _, err := d.Add(p); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Add registers a simulated instrument. The resource name is stored in
// canonical form.
func (d *Driver) Add(p Profile) (*Instrument, error) {
	name, err := rsrc.Canonical(p.Resource)
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.instruments[name]; exists {
		return nil, fmt.Errorf("sim: duplicate instrument %s", name)
	}
	inst := newInstrument(name, p)
	d.instruments[name] = inst
	return inst, nil
}

// Instrument returns the simulated instrument for a resource name.
func (d *Driver) Instrument(name string) (*Instrument, bool) {
	canonical, err := rsrc.Canonical(name)
	if err != nil {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.instruments[canonical]
	return inst, ok
}

func (d *Driver) Name() string {
	return "sim"
}

func (d *Driver) Find(ctx context.Context) ([]driver.Resource, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	results := make([]driver.Resource, 0, len(d.instruments))
	for name, inst := range d.instruments {
		inst.mu.Lock()
		offline := inst.offline
		inst.mu.Unlock()
		if offline {
			continue
		}

		results = append(results, driver.Resource{Name: name, Attrs: inst.attributes()})
	}
	sort.Slice(results, func(a, b int) bool { return results[a].Name < results[b].Name })
	return results, nil
}

func (d *Driver) Open(ctx context.Context, res *rsrc.Resource) (driver.Conn, error) {
	d.mu.RLock()
	inst, ok := d.instruments[res.String()]
	d.mu.RUnlock()
	if !ok {
		return nil, driver.ErrNotFound
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.offline {
		return nil, driver.ErrNotFound
	}

	c := &conn{inst: inst, srq: make(chan byte, 8)}
	inst.subscribers[c] = struct{}{}
	driver.Logger().Debug("sim: open", zapName(inst.name))
	return c, nil
}

// conn is one session's view of an Instrument.
type conn struct {
	inst   *Instrument
	srq    chan byte
	in     []byte
	closed atomic.Bool
}

func (c *conn) Write(ctx context.Context, p []byte, end bool) (int, error) {
	if c.closed.Load() {
		return 0, driver.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, driver.ContextError(err)
	}

	c.inst.mu.Lock()
	offline := c.inst.offline
	c.inst.mu.Unlock()
	if offline {
		return 0, driver.ErrConnLost
	}
	if limit := c.inst.profile.MaxWrite; limit > 0 && len(p) > limit {
		p = p[:limit]
		end = false
	}

	c.in = append(c.in, p...)
	for {
		idx := strings.IndexByte(string(c.in), '\n')
		if idx < 0 {
			break
		}
		msg := string(c.in[:idx])
		c.in = c.in[idx+1:]
		c.inst.execute(strings.TrimRight(msg, "\r"))
	}
	if end && len(c.in) > 0 {
		msg := string(c.in)
		c.in = nil
		c.inst.execute(msg)
	}
	return len(p), nil
}

func (c *conn) Read(ctx context.Context, p []byte, term driver.Termination) (int, driver.Reason, error) {
	if c.closed.Load() {
		return 0, driver.ReasonCount, driver.ErrClosed
	}
	return c.inst.read(ctx, p, term)
}

func (c *conn) Clear(ctx context.Context) error {
	c.in = nil
	c.inst.clear()
	return nil
}

func (c *conn) Trigger(ctx context.Context) error {
	c.inst.trigger()
	return nil
}

func (c *conn) ReadSTB(ctx context.Context) (byte, error) {
	return c.inst.readSTB(), nil
}

func (c *conn) Attributes() map[string]any {
	return c.inst.attributes()
}

func (c *conn) ServiceRequests() <-chan byte {
	return c.srq
}

func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.inst.mu.Lock()
	delete(c.inst.subscribers, c)
	c.inst.mu.Unlock()
	close(c.srq)
	return nil
}

func zapName(name string) zap.Field {
	return zap.String("resource", name)
}

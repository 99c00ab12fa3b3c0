package visa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver/sim"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

// newSimRM opens a Resource Manager over the default simulated bench.
func newSimRM(t *testing.T, opts ...Option) (*ResourceManager, *sim.Driver) {
	t.Helper()
	d, err := sim.New(sim.DefaultProfiles()...)
	require.NoError(t, err)

	rm, err := OpenDefaultRM(append([]Option{WithDrivers(d)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { rm.Close() })
	return rm, d
}

func openSession(t *testing.T, rm *ResourceManager, name string) *Session {
	t.Helper()
	s, err := rm.Open(context.Background(), name, NoLock, 0)
	require.NoError(t, err)
	return s
}

// bareDriver serves one resource whose Conn implements only the
// mandatory methods.
type bareDriver struct {
	name    string
	findErr error
}

func (d *bareDriver) Name() string { return "bare" }

func (d *bareDriver) Find(ctx context.Context) ([]driver.Resource, error) {
	if d.findErr != nil {
		return nil, d.findErr
	}
	return []driver.Resource{{Name: d.name, Attrs: map[string]any{"VI_ATTR_RSRC_MANF_NAME": "Bare"}}}, nil
}

func (d *bareDriver) Open(ctx context.Context, res *rsrc.Resource) (driver.Conn, error) {
	if res.String() != d.name {
		return nil, driver.ErrNotFound
	}
	return &bareConn{}, nil
}

type bareConn struct {
	written []byte
	closed  bool
}

func (c *bareConn) Write(ctx context.Context, p []byte, end bool) (int, error) {
	// Accept at most 4 bytes per call to surface short writes.
	n := min(len(p), 4)
	c.written = append(c.written, p[:n]...)
	return n, nil
}

func (c *bareConn) Read(ctx context.Context, p []byte, term driver.Termination) (int, driver.Reason, error) {
	<-ctx.Done()
	return 0, driver.ReasonCount, driver.ContextError(ctx.Err())
}

func (c *bareConn) Close() error {
	if c.closed {
		return errors.New("double close")
	}
	c.closed = true
	return nil
}

// waitEvent waits on the queue with a generous real-time bound.
func waitEvent(t *testing.T, s *Session, ev EventType) (*Event, Status) {
	t.Helper()
	got, st, err := s.WaitOnEvent(ev, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got, st
}

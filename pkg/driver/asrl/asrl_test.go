package asrl

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

// fakePort answers every written line with a canned reply.
type fakePort struct {
	serial.Port

	mu      sync.Mutex
	reply   string
	in      bytes.Buffer
	written bytes.Buffer
	mode    serial.Mode
	timeout time.Duration
	resets  int
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.in.Len() > 0 {
		defer p.mu.Unlock()
		return p.in.Read(b)
	}
	wait := p.timeout
	p.mu.Unlock()
	if wait <= 0 || wait > 5*time.Millisecond {
		wait = 5 * time.Millisecond
	}
	time.Sleep(wait)
	return 0, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written.Write(b)
	if bytes.HasSuffix(b, []byte("\n")) && p.reply != "" {
		p.in.WriteString(p.reply)
	}
	return len(b), nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *fakePort) SetMode(m *serial.Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = *m
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Reset()
	p.resets++
	return nil
}

func (p *fakePort) ResetOutputBuffer() error { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func newTestDriver(cfg Config, port *fakePort, opened *string) *Driver {
	d := New(cfg)
	d.list = func() ([]string, error) { return []string{"/dev/ttyUSB0", "/dev/ttyACM0"}, nil }
	d.open = func(path string, mode *serial.Mode) (serial.Port, error) {
		if opened != nil {
			*opened = path
		}
		port.mode = *mode
		return port, nil
	}
	return d
}

func TestFind(t *testing.T) {
	cfg := Config{
		Ports:    []PortConfig{{Board: 1, Path: "/dev/ttyUSB0", Baud: 115200}},
		Discover: true,
	}
	d := newTestDriver(cfg, &fakePort{}, nil)

	found, err := d.Find(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 2)

	assert.Equal(t, "ASRL/dev/ttyACM0::INSTR", found[0].Name)
	assert.Equal(t, DefaultBaudRate, found[0].Attrs["VI_ATTR_ASRL_BAUD"])
	assert.Equal(t, "ASRL1::INSTR", found[1].Name)
	assert.Equal(t, 115200, found[1].Attrs["VI_ATTR_ASRL_BAUD"])
}

func TestFindListFailure(t *testing.T) {
	d := New(Config{Discover: true})
	d.list = func() ([]string, error) { return nil, errors.New("no sysfs") }

	found, err := d.Find(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestOpenBoardAndQuery(t *testing.T) {
	port := &fakePort{reply: "ACME,SER-1,7,1.0\n"}
	var opened string
	d := newTestDriver(Config{Ports: []PortConfig{{Board: 2, Path: "/dev/ttyS1", Baud: 19200}}}, port, &opened)

	res, err := rsrc.Parse("ASRL2::INSTR")
	require.NoError(t, err)
	conn, err := d.Open(context.Background(), res)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "/dev/ttyS1", opened)
	assert.Equal(t, 19200, port.mode.BaudRate)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = conn.Write(ctx, []byte("*IDN?\n"), true)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, reason, err := conn.Read(ctx, buf, driver.Termination{Char: '\n', Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, driver.ReasonTermChar, reason)
	assert.Equal(t, "ACME,SER-1,7,1.0\n", string(buf[:n]))
}

func TestOpenByPath(t *testing.T) {
	var opened string
	d := newTestDriver(Config{}, &fakePort{}, &opened)

	res, err := rsrc.Parse("ASRL/dev/ttyACM0::INSTR")
	require.NoError(t, err)
	conn, err := d.Open(context.Background(), res)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "/dev/ttyACM0", opened)
}

func TestOpenUnknownBoard(t *testing.T) {
	d := newTestDriver(Config{}, &fakePort{}, nil)
	for _, name := range []string{"ASRL9::INSTR", "GPIB0::1::INSTR"} {
		res, err := rsrc.Parse(name)
		require.NoError(t, err)
		_, err = d.Open(context.Background(), res)
		assert.ErrorIs(t, err, driver.ErrNotFound, name)
	}
}

func TestReadTimeout(t *testing.T) {
	d := newTestDriver(Config{Ports: []PortConfig{{Board: 1, Path: "/dev/ttyS0"}}}, &fakePort{}, nil)
	res, _ := rsrc.Parse("ASRL1::INSTR")
	conn, err := d.Open(context.Background(), res)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = conn.Read(ctx, make([]byte, 8), driver.Termination{Char: '\n', Enabled: true})
	assert.ErrorIs(t, err, driver.ErrTimeout)
}

func TestBaudRateAndClear(t *testing.T) {
	port := &fakePort{}
	d := newTestDriver(Config{Ports: []PortConfig{{Board: 1, Path: "/dev/ttyS0"}}}, port, nil)
	res, _ := rsrc.Parse("ASRL1::INSTR")
	conn, err := d.Open(context.Background(), res)
	require.NoError(t, err)
	defer conn.Close()

	setter, ok := conn.(driver.BaudRateSetter)
	require.True(t, ok)
	assert.Equal(t, DefaultBaudRate, setter.BaudRate())

	require.NoError(t, setter.SetBaudRate(57600))
	assert.Equal(t, 57600, setter.BaudRate())
	assert.Equal(t, 57600, port.mode.BaudRate)
	assert.Error(t, setter.SetBaudRate(0))

	require.NoError(t, conn.(driver.Clearer).Clear(context.Background()))
	assert.Equal(t, 1, port.resets)
}

func TestModeFor(t *testing.T) {
	tests := []struct {
		name    string
		pc      PortConfig
		want    serial.Mode
		wantErr bool
	}{
		{"defaults", PortConfig{}, serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}, false},
		{"7E2", PortConfig{Baud: 4800, DataBits: 7, Parity: "even", StopBits: "2"}, serial.Mode{BaudRate: 4800, DataBits: 7, Parity: serial.EvenParity, StopBits: serial.TwoStopBits}, false},
		{"odd 1.5", PortConfig{Parity: "ODD", StopBits: "1.5"}, serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.OddParity, StopBits: serial.OnePointFiveStopBits}, false},
		{"bad parity", PortConfig{Parity: "sometimes"}, serial.Mode{}, true},
		{"bad stop bits", PortConfig{StopBits: "3"}, serial.Mode{}, true},
		{"bad data bits", PortConfig{DataBits: 9}, serial.Mode{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := ModeFor(tt.pc)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *mode)
		})
	}
}

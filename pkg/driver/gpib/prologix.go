package gpib

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/gotmc/prologix"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
)

// eotChar is appended by the controller when the instrument asserts EOI.
const eotChar = 0x04

const esc = 0x1B

// readTimeoutMS is the controller's own inter-character timeout. Session
// timeouts are enforced on the host side.
const readTimeoutMS = 3000

// controller is one Prologix GPIB-USB adapter shared by every session on
// its board.
type controller struct {
	board  int
	path   string
	ctl    *prologix.Controller
	stream *driver.StreamConn

	mu     sync.Mutex
	addr   string
	eoi    bool
	reader *Conn
	refs   int
}

// newController configures the adapter for primary address pad. On top of
// the library defaults it sends data without added terminators and marks
// EOI on input with eotChar.
func newController(board int, path string, pad int, rw io.ReadWriteCloser) (*controller, error) {
	ctl, err := prologix.NewController(rw, pad, false)
	if err != nil {
		rw.Close()
		return nil, fmt.Errorf("gpib: configure %s: %w", path, err)
	}
	c := &controller{
		board:  board,
		path:   path,
		ctl:    ctl,
		stream: driver.NewStreamConn(rw),
		addr:   strconv.Itoa(pad),
		eoi:    true,
	}
	for _, step := range []func() error{
		func() error { return ctl.SetGPIBTermination(prologix.AppendNothing) },
		func() error { return ctl.CommandController("eot_char " + strconv.Itoa(eotChar)) },
		func() error { return ctl.SetReadTimeout(readTimeoutMS) },
	} {
		if err := step(); err != nil {
			c.stream.Close()
			return nil, fmt.Errorf("gpib: configure %s: %w", path, err)
		}
	}
	driver.Logger().Debug("gpib: controller ready", zap.Int("board", board), zap.String("path", path))
	return c, nil
}

// selectLocked addresses the instrument behind cn and abandons any read
// another session left unfinished.
func (c *controller) selectLocked(cn *Conn) error {
	if c.reader != nil && c.reader != cn {
		c.reader.midRead = false
		c.reader = nil
	}
	if c.addr == cn.addr {
		return nil
	}
	var err error
	if cn.secondary < 0 {
		err = c.ctl.SetInstrumentAddress(cn.primary)
	} else {
		err = c.ctl.CommandController("addr " + cn.addr)
	}
	if err != nil {
		c.addr = ""
		return err
	}
	c.addr = cn.addr
	return nil
}

// setEOILocked switches EOI assertion on the last written byte.
func (c *controller) setEOILocked(end bool) error {
	if c.eoi == end {
		return nil
	}
	if err := c.ctl.SetAssertEOI(end); err != nil {
		return err
	}
	c.eoi = end
	return nil
}

// Conn is a session's view of one instrument address on a controller.
type Conn struct {
	c         *controller
	addr      string
	primary   int
	secondary int
	midRead   bool

	closeOnce sync.Once
	release   func(*controller) error
	closed    bool
}

// Write sends p to the instrument. The controller asserts EOI with the
// last byte when end is set.
func (cn *Conn) Write(ctx context.Context, p []byte, end bool) (int, error) {
	if cn.closed {
		return 0, driver.ErrClosed
	}
	c := cn.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectLocked(cn); err != nil {
		return 0, err
	}
	if err := c.setEOILocked(end); err != nil {
		return 0, err
	}
	cn.midRead = false
	line := append(Escape(p), '\n')
	n, err := c.stream.Write(ctx, line, true)
	if err != nil {
		// Escaping makes the line longer; report no more than p.
		if n > len(p) {
			n = len(p)
		}
		return n, err
	}
	return len(p), nil
}

// Read fetches data until EOI, the termination character or len(p) bytes.
// A read that fills p continues the same transfer on the next call.
func (cn *Conn) Read(ctx context.Context, p []byte, term driver.Termination) (int, driver.Reason, error) {
	if cn.closed {
		return 0, driver.ReasonCount, driver.ErrClosed
	}
	c := cn.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectLocked(cn); err != nil {
		return 0, driver.ReasonCount, err
	}
	if !cn.midRead {
		c.stream.Discard()
		cmd := "read eoi"
		if term.Enabled {
			cmd = "read " + strconv.Itoa(int(term.Char))
		}
		if err := c.ctl.CommandController(cmd); err != nil {
			return 0, driver.ReasonCount, err
		}
		cn.midRead = true
		c.reader = cn
	}

	one := make([]byte, 1)
	n := 0
	for n < len(p) {
		if _, _, err := c.stream.Read(ctx, one, driver.Termination{}); err != nil {
			cn.midRead = false
			return n, driver.ReasonCount, err
		}
		b := one[0]
		if b == eotChar {
			cn.midRead = false
			return n, driver.ReasonEnd, nil
		}
		p[n] = b
		n++
		if term.Enabled && b == term.Char {
			cn.midRead = false
			return n, driver.ReasonTermChar, nil
		}
	}
	return n, driver.ReasonCount, nil
}

// Clear sends Selected Device Clear.
func (cn *Conn) Clear(ctx context.Context) error {
	return cn.simple(ctx, func(ctl *prologix.Controller) error { return ctl.ClearDevice() })
}

// Trigger sends Group Execute Trigger to the instrument.
func (cn *Conn) Trigger(ctx context.Context) error {
	return cn.simple(ctx, func(ctl *prologix.Controller) error { return ctl.CommandController("trg") })
}

func (cn *Conn) simple(ctx context.Context, send func(*prologix.Controller) error) error {
	if cn.closed {
		return driver.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return driver.ContextError(err)
	}
	c := cn.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectLocked(cn); err != nil {
		return err
	}
	cn.midRead = false
	return send(c.ctl)
}

// ReadSTB serial polls the instrument.
func (cn *Conn) ReadSTB(ctx context.Context) (byte, error) {
	if cn.closed {
		return 0, driver.ErrClosed
	}
	c := cn.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectLocked(cn); err != nil {
		return 0, err
	}
	cn.midRead = false
	c.stream.Discard()
	if err := c.ctl.CommandController("spoll"); err != nil {
		return 0, err
	}

	buf := make([]byte, 8)
	n, _, err := c.stream.Read(ctx, buf, driver.Termination{Char: '\n', Enabled: true})
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil || v < 0 || v > 255 {
		return 0, fmt.Errorf("gpib: bad serial poll reply %q", buf[:n])
	}
	return byte(v), nil
}

func (cn *Conn) Close() error {
	var err error
	cn.closeOnce.Do(func() {
		cn.closed = true
		c := cn.c
		c.mu.Lock()
		if c.reader == cn {
			c.reader = nil
		}
		c.mu.Unlock()
		err = cn.release(c)
	})
	return err
}

// Escape prefixes the bytes the controller would interpret (CR, LF, ESC
// and '+') with ESC.
func Escape(p []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(p) + 8)
	for _, c := range p {
		switch c {
		case '\r', '\n', esc, '+':
			b.WriteByte(esc)
		}
		b.WriteByte(c)
	}
	return b.Bytes()
}

// address formats the ++addr argument; secondary addresses are sent as
// 96 + SAD.
func address(primary, secondary int) string {
	if secondary >= 0 {
		return fmt.Sprintf("%d %d", primary, secondary+96)
	}
	return strconv.Itoa(primary)
}

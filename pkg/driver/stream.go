package driver

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval bounds a single blocking read on transports that
// only support relative read timeouts (serial ports).
const DefaultPollInterval = 100 * time.Millisecond

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type readTimeouter interface {
	SetReadTimeout(t time.Duration) error
}

// StreamConn implements Conn on top of a byte stream that has no notion of
// END, such as a TCP socket or a serial port. Reads complete on the
// termination character or when the buffer is full; anything received
// beyond that is kept for the next read.
type StreamConn struct {
	rw      io.ReadWriteCloser
	pending []byte
	chunk   []byte
	poll    time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps rw. Deadlines come from the context passed to each
// call: net.Conn style absolute deadlines are used when rw supports them,
// otherwise relative read timeouts in steps of DefaultPollInterval.
func NewStreamConn(rw io.ReadWriteCloser) *StreamConn {
	return &StreamConn{
		rw:    rw,
		chunk: make([]byte, 4096),
		poll:  DefaultPollInterval,
	}
}

// Write sends p. The end flag has no meaning on a plain stream.
func (c *StreamConn) Write(ctx context.Context, p []byte, end bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, ContextError(err)
	}

	if wd, ok := c.rw.(writeDeadliner); ok {
		deadline, _ := ctx.Deadline()
		_ = wd.SetWriteDeadline(deadline)
		stop := context.AfterFunc(ctx, func() { _ = wd.SetWriteDeadline(time.Now()) })
		defer stop()
	}

	written := 0
	for written < len(p) {
		n, err := c.rw.Write(p[written:])
		written += n
		if err != nil {
			if isTimeout(err) {
				if errors.Is(ctx.Err(), context.Canceled) {
					return written, context.Canceled
				}
				return written, ErrTimeout
			}
			return written, classify(err)
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Read fills p until the termination character or len(p) bytes.
func (c *StreamConn) Read(ctx context.Context, p []byte, term Termination) (int, Reason, error) {
	n := 0
	for {
		for len(c.pending) > 0 && n < len(p) {
			b := c.pending[0]
			c.pending = c.pending[1:]
			p[n] = b
			n++
			if term.Enabled && b == term.Char {
				return n, ReasonTermChar, nil
			}
		}
		if n == len(p) {
			return n, ReasonCount, nil
		}
		if err := ctx.Err(); err != nil {
			return n, ReasonCount, ContextError(err)
		}
		if err := c.fill(ctx); err != nil {
			return n, ReasonCount, err
		}
	}
}

// Discard drops buffered input.
func (c *StreamConn) Discard() {
	c.pending = nil
}

// Buffered reports how many received bytes wait for the next read.
func (c *StreamConn) Buffered() int {
	return len(c.pending)
}

// Close closes the underlying stream once.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}

// fill performs one read from the stream into the pending buffer. Timeouts
// of the underlying read are not errors; the caller re-checks the context.
func (c *StreamConn) fill(ctx context.Context) error {
	switch rw := c.rw.(type) {
	case readDeadliner:
		deadline, _ := ctx.Deadline()
		_ = rw.SetReadDeadline(deadline)
		stop := context.AfterFunc(ctx, func() { _ = rw.SetReadDeadline(time.Now()) })
		defer stop()
	case readTimeouter:
		wait := c.poll
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		if wait <= 0 {
			return ContextError(context.DeadlineExceeded)
		}
		_ = rw.SetReadTimeout(wait)
	}

	m, err := c.rw.Read(c.chunk)
	if m > 0 {
		c.pending = append(c.pending, c.chunk[:m]...)
	}
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return nil
	}
	if m > 0 && errors.Is(err, io.EOF) {
		// Deliver what arrived; the next fill reports the loss.
		return nil
	}
	return classify(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return ErrConnLost
	}
	return err
}

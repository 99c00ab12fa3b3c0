package usbtmc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
)

// Control request types for class requests addressed to the interface.
const (
	requestTypeIn = 0xA1 // device-to-host | class | interface
)

// clearPollInterval spaces CHECK_CLEAR_STATUS requests.
const clearPollInterval = 10 * time.Millisecond

// pipe is the USB plumbing a Conn needs: one bulk pair and class control
// requests on the USBTMC interface.
type pipe interface {
	writeBulk(ctx context.Context, b []byte) (int, error)
	readBulk(ctx context.Context, b []byte) (int, error)
	control(request uint8, value uint16, data []byte) (int, error)
	maxPacketSize() int
	close() error
}

// Conn speaks USBTMC message framing over a pipe.
type Conn struct {
	p     pipe
	proto *Protocol
	name  string

	// bytes of a DEV_DEP_MSG_IN transfer that did not fit the caller's buffer
	pending    []byte
	pendingEOM bool

	stbTag byte
	closed bool
}

func newConn(p pipe, name string) *Conn {
	return &Conn{p: p, proto: NewProtocol(), name: name, stbTag: 1}
}

// Write sends p as one DEV_DEP_MSG_OUT transfer. end sets EOM.
func (c *Conn) Write(ctx context.Context, p []byte, end bool) (int, error) {
	if c.closed {
		return 0, driver.ErrClosed
	}
	msg := c.proto.EncodeDevDepMsgOut(p, end)
	n, err := c.p.writeBulk(ctx, msg)
	if err != nil {
		sent := n - HeaderSize
		if sent < 0 {
			sent = 0
		}
		if sent > len(p) {
			sent = len(p)
		}
		return sent, c.ioError(ctx, err)
	}
	return len(p), nil
}

// Read requests DEV_DEP_MSG_IN transfers until EOM, the termination
// character or len(p) bytes.
func (c *Conn) Read(ctx context.Context, p []byte, term driver.Termination) (int, driver.Reason, error) {
	if c.closed {
		return 0, driver.ReasonCount, driver.ErrClosed
	}

	n := 0
	for n < len(p) {
		if len(c.pending) == 0 {
			if c.pendingEOM {
				c.pendingEOM = false
				return n, driver.ReasonEnd, nil
			}
			if err := c.transfer(ctx, len(p)-n, term); err != nil {
				return n, driver.ReasonCount, err
			}
			if len(c.pending) == 0 && !c.pendingEOM {
				continue
			}
		}

		for len(c.pending) > 0 && n < len(p) {
			b := c.pending[0]
			c.pending = c.pending[1:]
			p[n] = b
			n++
			if len(c.pending) == 0 && c.pendingEOM {
				c.pendingEOM = false
				return n, driver.ReasonEnd, nil
			}
			if term.Enabled && b == term.Char {
				return n, driver.ReasonTermChar, nil
			}
		}
	}
	return n, driver.ReasonCount, nil
}

// transfer performs one REQUEST_DEV_DEP_MSG_IN / DEV_DEP_MSG_IN exchange
// and appends the payload to pending.
func (c *Conn) transfer(ctx context.Context, max int, term driver.Termination) error {
	var termChar *byte
	if term.Enabled {
		tc := term.Char
		termChar = &tc
	}
	req := c.proto.EncodeRequestDevDepMsgIn(uint32(max), termChar)
	tag := c.proto.Tag()
	if _, err := c.p.writeBulk(ctx, req); err != nil {
		return c.ioError(ctx, err)
	}

	packet := c.p.maxPacketSize()
	size := HeaderSize + max + 3
	if rem := size % packet; rem != 0 {
		size += packet - rem
	}
	buf := make([]byte, size)

	got, err := c.p.readBulk(ctx, buf)
	if err != nil {
		c.abortBulkIn(tag)
		return c.ioError(ctx, err)
	}
	msg, err := DecodeDevDepMsgIn(buf[:got], tag)
	if err != nil {
		return fmt.Errorf("usbtmc: %w", err)
	}

	payload := append([]byte(nil), msg.Payload...)
	for len(payload) < msg.TransferSize {
		more, err := c.p.readBulk(ctx, buf)
		if err != nil {
			c.abortBulkIn(tag)
			return c.ioError(ctx, err)
		}
		if more == 0 {
			break
		}
		payload = append(payload, buf[:more]...)
	}
	if len(payload) > msg.TransferSize {
		payload = payload[:msg.TransferSize]
	}

	c.pending = append(c.pending, payload...)
	c.pendingEOM = msg.EOM
	return nil
}

// Clear performs INITIATE_CLEAR and polls CHECK_CLEAR_STATUS.
func (c *Conn) Clear(ctx context.Context) error {
	if c.closed {
		return driver.ErrClosed
	}
	c.pending = nil
	c.pendingEOM = false

	resp := make([]byte, 1)
	if _, err := c.p.control(ReqInitiateClear, 0, resp); err != nil {
		return fmt.Errorf("usbtmc: INITIATE_CLEAR: %w", err)
	}
	if resp[0] != StatusSuccess {
		return fmt.Errorf("usbtmc: INITIATE_CLEAR status 0x%02X", resp[0])
	}

	status := make([]byte, 2)
	for {
		if _, err := c.p.control(ReqCheckClearStatus, 0, status); err != nil {
			return fmt.Errorf("usbtmc: CHECK_CLEAR_STATUS: %w", err)
		}
		if status[0] != StatusPending {
			break
		}
		select {
		case <-ctx.Done():
			return driver.ContextError(ctx.Err())
		case <-time.After(clearPollInterval):
		}
	}
	if status[0] != StatusSuccess {
		return fmt.Errorf("usbtmc: clear status 0x%02X", status[0])
	}
	return nil
}

// Trigger sends a USB488 TRIGGER message.
func (c *Conn) Trigger(ctx context.Context) error {
	if c.closed {
		return driver.ErrClosed
	}
	if _, err := c.p.writeBulk(ctx, c.proto.EncodeTrigger()); err != nil {
		return c.ioError(ctx, err)
	}
	return nil
}

// ReadSTB issues READ_STATUS_BYTE. The request tag runs 2..127.
func (c *Conn) ReadSTB(ctx context.Context) (byte, error) {
	if c.closed {
		return 0, driver.ErrClosed
	}
	c.stbTag++
	if c.stbTag > 127 {
		c.stbTag = 2
	}
	resp := make([]byte, 3)
	if _, err := c.p.control(ReqReadStatusByte, uint16(c.stbTag), resp); err != nil {
		return 0, fmt.Errorf("usbtmc: READ_STATUS_BYTE: %w", err)
	}
	return DecodeReadStatusByte(resp, c.stbTag)
}

func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.p.close()
}

// abortBulkIn asks the device to drop the transfer identified by tag.
func (c *Conn) abortBulkIn(tag byte) {
	resp := make([]byte, 2)
	if _, err := c.p.control(ReqInitiateAbortBulkIn, uint16(tag), resp); err != nil {
		driver.Logger().Debug("usbtmc: abort bulk-in failed", zap.String("resource", c.name), zap.Error(err))
	}
}

func (c *Conn) ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return driver.ContextError(ctxErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return driver.ErrTimeout
	}
	return fmt.Errorf("usbtmc: %w", err)
}

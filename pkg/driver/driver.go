// Package driver defines the transport layer underneath VISA sessions.
//
// A Driver covers one interface family (simulator, TCP socket, USBTMC,
// serial, GPIB). It enumerates the resources it can reach and opens a Conn
// for a parsed resource name. Conns move raw message bytes; attribute
// handling, locking, events and status codes live in package visa.
package driver

import (
	"context"
	"errors"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

// Driver abstracts one family of physical or virtual instrument transports.
type Driver interface {
	// Name identifies the driver in logs.
	Name() string

	// Find lists the resources currently reachable through this driver.
	Find(ctx context.Context) ([]Resource, error)

	// Open connects to res. Drivers return ErrNotFound for resources they
	// do not serve so that the caller can try the next driver.
	Open(ctx context.Context, res *rsrc.Resource) (Conn, error)
}

// Resource is one discovered resource together with the attributes a find
// expression filter may test.
type Resource struct {
	Name  string
	Attrs map[string]any
}

// Termination controls whether a read stops at a termination character.
type Termination struct {
	Char    byte
	Enabled bool
}

// Reason tells why a read completed successfully.
type Reason int

const (
	// ReasonEnd means the device signalled END (EOI, EOM).
	ReasonEnd Reason = iota
	// ReasonTermChar means the termination character was read.
	ReasonTermChar
	// ReasonCount means the buffer filled before END or termination.
	ReasonCount
)

func (r Reason) String() string {
	switch r {
	case ReasonEnd:
		return "end"
	case ReasonTermChar:
		return "termchar"
	case ReasonCount:
		return "count"
	}
	return "unknown"
}

// Conn is one open connection to an instrument. Calls on a Conn are
// serialized by the owning session.
type Conn interface {
	// Write sends p. When end is true the transport asserts END with the
	// last byte if it has such a notion. The returned count may be short.
	Write(ctx context.Context, p []byte, end bool) (int, error)

	// Read fills p until END, the termination character, or len(p) bytes.
	// On error the count of bytes already stored in p is still returned.
	Read(ctx context.Context, p []byte, term Termination) (int, Reason, error)

	Close() error
}

// Clearer is implemented by transports that support device clear.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Triggerer is implemented by transports that can send a trigger message.
type Triggerer interface {
	Trigger(ctx context.Context) error
}

// StatusByteReader is implemented by transports that can serial poll.
type StatusByteReader interface {
	ReadSTB(ctx context.Context) (byte, error)
}

// ServiceRequester is implemented by transports that report service
// requests. The channel carries the status byte and is closed with the Conn.
type ServiceRequester interface {
	ServiceRequests() <-chan byte
}

// AttributeSource is implemented by Conns that know descriptive attributes
// of the instrument, keyed like Resource.Attrs.
type AttributeSource interface {
	Attributes() map[string]any
}

// BaudRateSetter is implemented by serial transports.
type BaudRateSetter interface {
	BaudRate() int
	SetBaudRate(baud int) error
}

var (
	// ErrNotFound reports that the driver does not serve the resource.
	ErrNotFound = errors.New("driver: resource not found")

	// ErrTimeout reports that the transport gave up waiting.
	ErrTimeout = errors.New("driver: timeout")

	// ErrConnLost reports that the peer went away.
	ErrConnLost = errors.New("driver: connection lost")

	// ErrNotSupported reports an operation the transport cannot perform.
	ErrNotSupported = errors.New("driver: operation not supported")

	// ErrClosed reports use of a closed Conn.
	ErrClosed = errors.New("driver: connection closed")
)

// ContextError converts a context error into the driver vocabulary:
// deadlines become ErrTimeout, cancellation stays context.Canceled.
func ContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

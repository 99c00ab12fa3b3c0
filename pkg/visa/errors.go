package visa

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

// Error is a failed VISA operation.
type Error struct {
	Op       string
	Resource string
	Status   Status
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("visa: %s", e.Op)
	if e.Resource != "" {
		msg += " " + e.Resource
	}
	msg += ": " + e.Status.Name()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by status so that the sentinels below work
// with errors.Is regardless of operation and resource.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Op == "" && t.Status == e.Status
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrTimeout          = &Error{Status: ErrorTmo}
	ErrResourceNotFound = &Error{Status: ErrorRsrcNFound}
	ErrInvalidObject    = &Error{Status: ErrorInvObject}
	ErrInvalidName      = &Error{Status: ErrorInvRsrcName}
	ErrInvalidExpr      = &Error{Status: ErrorInvExpr}
	ErrLocked           = &Error{Status: ErrorRsrcLocked}
	ErrNotSupported     = &Error{Status: ErrorNsupOper}
	ErrAborted          = &Error{Status: ErrorAbort}
	ErrConnLost         = &Error{Status: ErrorConnLost}
)

// StatusOf extracts the status code carried by err. nil is Success; errors
// that did not come from this package report VI_ERROR_SYSTEM_ERROR.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return ErrorSystemError
}

// ShortWrite reports that only sent of want bytes reached the transport.
// The error carries VI_ERROR_IO and wraps io.ErrShortWrite.
func ShortWrite(op, resource string, sent, want int) *Error {
	return newError(op, resource, ErrorIO, fmt.Errorf("%w: sent %d of %d bytes", io.ErrShortWrite, sent, want))
}

func newError(op, resource string, st Status, err error) *Error {
	return &Error{Op: op, Resource: resource, Status: st, Err: err}
}

// driverStatus maps transport errors onto status codes.
func driverStatus(err error) Status {
	switch {
	case errors.Is(err, driver.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTmo
	case errors.Is(err, context.Canceled):
		return ErrorAbort
	case errors.Is(err, driver.ErrNotFound):
		return ErrorRsrcNFound
	case errors.Is(err, driver.ErrConnLost):
		return ErrorConnLost
	case errors.Is(err, driver.ErrNotSupported):
		return ErrorNsupOper
	case errors.Is(err, driver.ErrClosed):
		return ErrorInvObject
	case errors.Is(err, rsrc.ErrInvalidName):
		return ErrorInvRsrcName
	case errors.Is(err, rsrc.ErrInvalidExpr):
		return ErrorInvExpr
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return ErrorIO
}

func wrapDriver(op, resource string, err error) error {
	if err == nil {
		return nil
	}
	return newError(op, resource, driverStatus(err), err)
}

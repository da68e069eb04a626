package epyq

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrUnknownFrame    = errors.New("no frame definition matches id")
	ErrMalformedFrame  = errors.New("frame length does not match definition")
	ErrRange           = errors.New("value outside of allowed range")
	ErrRequestTimeout  = errors.New("no response received before deadline")
	ErrSendFailed      = errors.New("transport rejected frame")
	ErrCanceled        = errors.New("operation canceled")
	ErrNotFound        = errors.New("not found")
	ErrTxDisabled      = errors.New("transmit disabled, bus is passive")
	ErrBusClosed       = errors.New("bus is not connected")
	ErrWriteMismatch   = errors.New("device confirmed a different value")
)

// IsExpected reports whether err is a recoverable protocol outcome
// (timeout, rejected transmission or cancellation) as opposed to a fault.
func IsExpected(err error) bool {
	return errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrSendFailed) ||
		errors.Is(err, ErrCanceled)
}

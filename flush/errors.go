package flush

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalSession is returned when the mailbox is unknown or the connection
	// is being torn down. Whenever it is returned the connection is disconnected.
	ErrIllegalSession     = errors.New("illegal session")
	ErrIllegalGroup       = errors.New("illegal group")
	ErrIllegalService     = errors.New("illegal service")
	ErrIllegalMessageType = errors.New("illegal message type")
	ErrIllegalReceivers   = errors.New("illegal receivers")
	ErrIllegalMessage     = errors.New("illegal message")
	ErrWouldBlock         = errors.New("would block")
	ErrBufferTooShort     = errors.New("buffer too short")
	ErrGroupsTooShort     = errors.New("groups too short")
)

// SizeError is returned by ReceiveScatter when the caller opted out of buffer
// growth and the next message does not fit. The message remains queued.
type SizeError struct {
	// Need is the number of bytes, or groups, required.
	Need int
	Err  error
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%v: need %d", e.Err, e.Need)
}

func (e *SizeError) Unwrap() error {
	return e.Err
}

// fatal errors indicate that the session with the transport can no longer
// be used. The caller receives the error and the connection is torn down.
type errFatal struct {
	err error
}

func fatal(err error) error {
	return errFatal{
		err: err,
	}
}

func isFatal(err error) bool {
	var f errFatal
	return errors.As(err, &f)
}

func (e errFatal) Error() string {
	return fmt.Sprintf("%v: %v", ErrIllegalSession, e.err)
}

func (e errFatal) Unwrap() error {
	return e.err
}

func (e errFatal) Is(target error) bool {
	return target == ErrIllegalSession
}

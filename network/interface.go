package network

import (
	"context"
	"errors"
	"fmt"
)

// Transport is the lower layer the flush layer is built on. It moves bytes between
// group members, orders them and reports basic (non-flushed) membership changes.
// The ordering and failure detection algorithms are left to the implementer.
type Transport interface {
	// Connect opens a session with the daemon. The user name is combined with the
	// daemon identity to create the session's private group name.
	Connect(ctx context.Context, daemon, user string, priority bool) (Session, error)
}

// Session is a single connection to the transport identified by a mailbox.
type Session interface {
	Mailbox() Mailbox
	// PrivateGroup is the unique name messages can be unicast to. It is also the
	// name the session appears under in group membership lists.
	PrivateGroup() string

	Join(ctx context.Context, group string) error
	Leave(ctx context.Context, group string) error

	// Multicast sends the concatenation of scatter to every group in groups.
	// A group may be the private group of another session. It returns the
	// number of payload bytes sent.
	Multicast(ctx context.Context, service Service, groups []string, msgType int16, scatter [][]byte) (int, error)

	// Receive blocks until the next event is available. The payload of regular
	// messages is copied into buf; if buf is too short a *SizeError is returned
	// and the event remains queued.
	Receive(ctx context.Context, buf []byte) (*Event, error)

	// Poll returns the number of payload bytes waiting to be received.
	Poll() (int, error)

	// Close disconnects the session. Any blocked Receive returns ErrSessionClosed.
	Close() error
}

// Mailbox identifies a session within a process.
type Mailbox uint64

var (
	// ErrSessionClosed is returned once the session has been disconnected either
	// locally or by the transport. It is fatal for the session.
	ErrSessionClosed  = errors.New("session closed")
	ErrIllegalDaemon  = errors.New("illegal daemon")
	ErrNotUnique      = errors.New("user name not unique")
	ErrNotMember      = errors.New("not a member of group")
	ErrIllegalGroup   = errors.New("illegal group name")
	ErrBufferTooShort = errors.New("buffer too short")
)

// SizeError reports the buffer size needed to receive the next event.
type SizeError struct {
	Need int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s: need %d bytes", ErrBufferTooShort, e.Need)
}

func (e *SizeError) Unwrap() error {
	return ErrBufferTooShort
}

// MaxGroupName is the longest group name, private or regular, in bytes.
const MaxGroupName = 32

// ValidateGroupName checks the name of a group a session wants to join.
func ValidateGroupName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrIllegalGroup)
	case len(name) > MaxGroupName:
		return fmt.Errorf("%w: %q is longer than %d bytes", ErrIllegalGroup, name, MaxGroupName)
	case IsPrivateGroup(name):
		return fmt.Errorf("%w: %q is a private group name", ErrIllegalGroup, name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] <= ' ' || name[i] > '~' {
			return fmt.Errorf("%w: %q contains an illegal character", ErrIllegalGroup, name)
		}
	}
	return nil
}

// IsPrivateGroup reports whether the name refers to a single session.
func IsPrivateGroup(name string) bool {
	return len(name) > 0 && name[0] == '#'
}

package flush

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cmwaters/vsync/network"
	"github.com/rs/zerolog"
)

// Layer adds virtual synchrony on top of a group communication transport.
// Every member of a group observes the same sequence of views and no message
// is delivered on the wrong side of a view change.
//
// A Layer holds the table of every connection opened through it, indexed by
// the mailbox of the underlying session. Applications usually create a single
// Layer per process.
type Layer struct {
	// transport is the lower layer that moves bytes between members and
	// reports basic membership changes.
	transport network.Transport

	params  Parameters
	tracing bool

	// status tracks whether the layer has been closed
	status atomic.Bool

	// mtx guards conns. It is held only to look up, insert or remove a mapping
	// and to reserve a connection, never across a blocking call.
	mtx   sync.Mutex
	conns map[network.Mailbox]*Conn

	logger zerolog.Logger
}

// New creates a flush layer over the transport
func New(transport network.Transport, opts ...Option) *Layer {
	l := &Layer{
		transport: transport,
		params:    DefaultParameters(),
		conns:     make(map[network.Mailbox]*Conn),
		logger:    zerolog.New(os.Stdout),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Operational phases
const (
	Open   = false
	Closed = true
)

var ErrLayerClosed = errors.New("flush layer closed")

// Connect opens a session with the transport and registers a new connection.
func (l *Layer) Connect(ctx context.Context, daemon, user string, priority bool) (*Conn, error) {
	if l.status.Load() == Closed {
		return nil, ErrLayerClosed
	}
	session, err := l.transport.Connect(ctx, daemon, user, priority)
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", daemon, err)
	}

	c := newConn(l, session)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.status.Load() == Closed {
		_ = session.Close()
		return nil, ErrLayerClosed
	}
	if _, ok := l.conns[c.mailbox]; ok {
		_ = session.Close()
		return nil, fmt.Errorf("mailbox %d already registered: %w", c.mailbox, ErrIllegalSession)
	}
	l.conns[c.mailbox] = c
	c.logger.Info().Str("private", c.private).Msg("connected")
	return c, nil
}

// Lookup returns the connection registered under the mailbox.
func (l *Layer) Lookup(mailbox network.Mailbox) (*Conn, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	c, ok := l.conns[mailbox]
	if !ok {
		return nil, fmt.Errorf("mailbox %d: %w", mailbox, ErrIllegalSession)
	}
	return c, nil
}

// Close disconnects every connection. Connect fails afterwards.
func (l *Layer) Close() error {
	if !l.status.CompareAndSwap(Open, Closed) {
		return ErrLayerClosed
	}
	l.mtx.Lock()
	conns := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mtx.Unlock()

	var err error
	for _, c := range conns {
		if cerr := c.Disconnect(); cerr != nil && !errors.Is(cerr, ErrIllegalSession) {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// reserve takes a reservation on c if it is still registered.
func (l *Layer) reserve(c *Conn) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.conns[c.mailbox] != c || !c.reservations.acquire() {
		return fmt.Errorf("mailbox %d: %w", c.mailbox, ErrIllegalSession)
	}
	return nil
}

func (l *Layer) registered(c *Conn) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.conns[c.mailbox] == c
}

// remove unregisters c and marks it as disconnecting so that no further
// reservations can be taken.
func (l *Layer) remove(c *Conn) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.conns[c.mailbox] == c {
		delete(l.conns, c.mailbox)
	}
	c.reservations.disconnect()
}

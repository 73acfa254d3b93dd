package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cmwaters/vsync/network"
	"github.com/rs/zerolog"
)

// reservations counts the operations in flight on a connection. Once
// disconnecting, no new reservation is granted and drained is closed as soon
// as the count reaches zero.
type reservations struct {
	mtx           sync.Mutex
	count         int
	disconnecting bool
	drained       chan struct{}
}

func (r *reservations) acquire() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.disconnecting {
		return false
	}
	r.count++
	return true
}

func (r *reservations) release() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.count--
	if r.disconnecting && r.count == 0 {
		close(r.drained)
	}
}

func (r *reservations) disconnect() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.disconnecting {
		return
	}
	r.disconnecting = true
	if r.count == 0 {
		close(r.drained)
	}
}

// Conn is a connection to the transport through the flush layer. It is safe
// for concurrent use: any number of goroutines may send, join, leave and flush
// while one goroutine is blocked receiving.
type Conn struct {
	layer   *Layer
	session network.Session
	mailbox network.Mailbox
	private string

	reservations reservations

	// ctx is cancelled on teardown to unblock a goroutine parked in the transport
	ctx      context.Context
	cancel   context.CancelFunc
	teardown sync.Once
	torndown chan struct{}

	// recvMtx serializes readers of the transport. buf is only used while
	// holding it.
	recvMtx sync.Mutex
	buf     []byte

	// mtx guards the group states, the delivery queue and the trace
	mtx         sync.Mutex
	groups      map[string]*Group
	queue       []*Message
	queuedBytes int
	trace       *Trace

	logger zerolog.Logger
}

func newConn(l *Layer, session network.Session) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		layer:    l,
		session:  session,
		mailbox:  session.Mailbox(),
		private:  session.PrivateGroup(),
		ctx:      ctx,
		cancel:   cancel,
		torndown: make(chan struct{}),
		buf:      make([]byte, l.params.InitialBufferSize),
		groups:   make(map[string]*Group),
		logger:   l.logger.With().Uint64("mailbox", uint64(session.Mailbox())).Logger(),
	}
	c.reservations.drained = make(chan struct{})
	if l.tracing {
		c.trace = newTrace()
	}
	return c
}

func (c *Conn) Mailbox() network.Mailbox { return c.mailbox }

// PrivateGroup is the name under which the connection appears in views.
func (c *Conn) PrivateGroup() string { return c.private }

// Trace returns the state machine trace, or nil if tracing is disabled.
// This method is not concurrently safe
func (c *Conn) Trace() *Trace { return c.trace }

// reserve must be paired with a deferred call to finish.
func (c *Conn) reserve() error {
	return c.layer.reserve(c)
}

// finish releases the reservation and disconnects if err is fatal.
func (c *Conn) finish(err error) {
	c.reservations.release()
	if isFatal(err) {
		c.logger.Error().Err(err).Msg("session fatal error, disconnecting")
		c.shutdown()
	}
}

// Join joins the group. The group is not usable for sending until the first
// flush request has been received.
func (c *Conn) Join(ctx context.Context, group string) (err error) {
	if err := network.ValidateGroupName(group); err != nil {
		return fmt.Errorf("%w: %v", ErrIllegalGroup, err)
	}
	if err := c.reserve(); err != nil {
		return err
	}
	defer func() { c.finish(err) }()

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, ok := c.groups[group]; ok {
		return fmt.Errorf("%w: already a member of %s", ErrIllegalGroup, group)
	}
	// the state must exist before the join goes out, the membership event may
	// be read by another goroutine as soon as it is sent
	c.groups[group] = NewGroup(group, c.private, c.layer.params, c.logger)
	if err := c.session.Join(ctx, group); err != nil {
		delete(c.groups, group)
		return c.transportErr(err)
	}
	return nil
}

// Leave leaves the group. The leave completes once the transport reports the
// departure, at which point a KindSelfLeave message is delivered.
func (c *Conn) Leave(ctx context.Context, group string) (err error) {
	if err := c.reserve(); err != nil {
		return err
	}
	defer func() { c.finish(err) }()

	c.mtx.Lock()
	defer c.mtx.Unlock()
	g, ok := c.groups[group]
	if !ok {
		return fmt.Errorf("%w: not a member of %s", ErrIllegalGroup, group)
	}
	if err := g.Leave(); err != nil {
		return err
	}
	if err := c.session.Leave(ctx, group); err != nil {
		g.leaving = false
		return c.transportErr(err)
	}
	return nil
}

// Flush tells the group that the application has sent every message it wants
// delivered before the pending membership change. It must be called once for
// every flush request received.
func (c *Conn) Flush(ctx context.Context, group string) (err error) {
	if err := c.reserve(); err != nil {
		return err
	}
	defer func() { c.finish(err) }()

	c.mtx.Lock()
	defer c.mtx.Unlock()
	g, ok := c.groups[group]
	if !ok {
		return fmt.Errorf("%w: not a member of %s", ErrIllegalGroup, group)
	}
	output, err := g.Flush()
	if err != nil {
		return err
	}
	if err := c.executeLocked(ctx, g.name, []Output{output}); err != nil {
		// the ack did not go out, the application may flush again
		g.AbortFlush()
		return err
	}
	return nil
}

// Poll returns the number of bytes waiting to be received, both queued by the
// connection and by the transport.
func (c *Conn) Poll() (n int, err error) {
	if err := c.reserve(); err != nil {
		return 0, err
	}
	defer func() { c.finish(err) }()

	c.mtx.Lock()
	queued := c.queuedBytes
	c.mtx.Unlock()
	pending, err := c.session.Poll()
	if err != nil {
		return 0, c.transportErr(err)
	}
	return queued + pending, nil
}

// OutstandingMessages returns the number of decoded messages waiting to be
// received. They are returned before the transport is read again.
func (c *Conn) OutstandingMessages() (n int, err error) {
	if err := c.reserve(); err != nil {
		return 0, err
	}
	defer func() { c.finish(err) }()

	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.queue), nil
}

// State returns the agreement state of a joined group.
func (c *Conn) State(group string) (State, error) {
	if err := c.reserve(); err != nil {
		return 0, err
	}
	defer c.finish(nil)

	c.mtx.Lock()
	defer c.mtx.Unlock()
	g, ok := c.groups[group]
	if !ok {
		return 0, fmt.Errorf("%w: not a member of %s", ErrIllegalGroup, group)
	}
	return g.State(), nil
}

// Disconnect closes the session. It blocks until every operation in flight on
// the connection has returned. A goroutine blocked in Receive is woken up and
// returns ErrIllegalSession.
func (c *Conn) Disconnect() error {
	if !c.layer.registered(c) {
		return fmt.Errorf("mailbox %d: %w", c.mailbox, ErrIllegalSession)
	}
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.teardown.Do(func() {
		c.layer.remove(c)
		c.cancel()
		if err := c.session.Close(); err != nil && !errors.Is(err, network.ErrSessionClosed) {
			c.logger.Error().Err(err).Msg("closing session")
		}
		<-c.reservations.drained

		c.mtx.Lock()
		groups := len(c.groups)
		c.groups = nil
		c.queue = nil
		c.queuedBytes = 0
		c.mtx.Unlock()

		c.logger.Info().Int("groups", groups).Msg("disconnected")
		close(c.torndown)
	})
	<-c.torndown
}

// transportErr maps an error of the session to the layer's errors. A closed
// session is fatal.
func (c *Conn) transportErr(err error) error {
	switch {
	case errors.Is(err, network.ErrSessionClosed):
		return fatal(err)
	case errors.Is(err, network.ErrNotMember), errors.Is(err, network.ErrIllegalGroup):
		return fmt.Errorf("%w: %v", ErrIllegalGroup, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fatal(err)
	}
}

// executeLocked applies the outputs of a group state machine: messages are
// queued for delivery and control messages sent to the group.
func (c *Conn) executeLocked(ctx context.Context, group string, outputs []Output) error {
	for _, output := range outputs {
		switch {
		case output.IsDelivery():
			c.enqueueLocked(output.Message())
		case output.IsAck():
			if err := c.sendControlLocked(ctx, group, FlushAckMessageType, output.View()); err != nil {
				return err
			}
		case output.IsConfirm():
			if err := c.sendControlLocked(ctx, group, FullyReceivedMessageType, output.View()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conn) sendControlLocked(ctx context.Context, group string, msgType int16, id network.ViewID) error {
	_, err := c.session.Multicast(ctx, network.Safe, []string{group}, msgType, [][]byte{EncodeControl(id)})
	if err != nil {
		return c.transportErr(err)
	}
	return nil
}

func (c *Conn) enqueueLocked(msg *Message) {
	c.queue = append(c.queue, msg)
	c.queuedBytes += len(msg.Data)
}

func (c *Conn) popLocked() *Message {
	if len(c.queue) == 0 {
		return nil
	}
	msg := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.queuedBytes -= len(msg.Data)
	return msg
}

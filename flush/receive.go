package flush

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/cmwaters/vsync/network"
)

type receiveOptions struct {
	nonBlocking bool
	fixed       bool
	maxGroups   int
}

// ReceiveOption changes how a single receive call behaves.
type ReceiveOption func(*receiveOptions)

// NonBlocking makes receive return ErrWouldBlock instead of waiting when no
// message is available.
func NonBlocking() ReceiveOption {
	return func(o *receiveOptions) {
		o.nonBlocking = true
	}
}

// FixedBuffers opts out of growing the caller's buffers. A message that does
// not fit results in a *SizeError and stays queued for the next call.
func FixedBuffers() ReceiveOption {
	return func(o *receiveOptions) {
		o.fixed = true
	}
}

// MaxGroups limits the number of groups the caller is prepared to receive.
// It only has an effect together with FixedBuffers.
func MaxGroups(n int) ReceiveOption {
	return func(o *receiveOptions) {
		o.maxGroups = n
	}
}

// Scatter is a list of buffers a message is gathered from when sending or
// scattered into when receiving.
type Scatter [][]byte

// Len is the total number of bytes across all elements.
func (s Scatter) Len() int {
	n := 0
	for _, elem := range s {
		n += len(elem)
	}
	return n
}

// grow appends an element so the scatter can hold n bytes.
func (s *Scatter) grow(n int) {
	if l := s.Len(); l < n {
		*s = append(*s, make([]byte, n-l))
	}
}

// fill copies data across the elements and returns the number of bytes copied.
func (s Scatter) fill(data []byte) int {
	n := 0
	for _, elem := range s {
		if n == len(data) {
			break
		}
		n += copy(elem, data[n:])
	}
	return n
}

func (s Scatter) validate() error {
	if len(s) > MaxScatterElements {
		return fmt.Errorf("%w: %d scatter elements, at most %d", ErrIllegalMessage, len(s), MaxScatterElements)
	}
	if s.Len() > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes, at most %d", ErrIllegalMessage, s.Len(), MaxMessageSize)
	}
	return nil
}

// Receive returns the next message for the application: a regular message,
// an installed view, a flush request or the end of a leave. It blocks until one
// is available unless NonBlocking is given.
func (c *Conn) Receive(ctx context.Context, opts ...ReceiveOption) (msg *Message, err error) {
	o := newReceiveOptions(opts)
	if err := c.reserve(); err != nil {
		return nil, err
	}
	defer func() { c.finish(err) }()
	c.recvMtx.Lock()
	defer c.recvMtx.Unlock()

	msg, err = c.next(ctx, o)
	if err != nil {
		return nil, err
	}
	if err := checkGroups(msg, o); err != nil {
		return nil, err
	}
	c.mtx.Lock()
	c.popLocked()
	c.mtx.Unlock()
	return msg, nil
}

// ReceiveScatter is like Receive but copies the payload into scatter. Unless
// FixedBuffers is given, scatter is extended when the payload does not fit. The
// returned message carries no Data, n is the payload length.
func (c *Conn) ReceiveScatter(ctx context.Context, scatter *Scatter, opts ...ReceiveOption) (msg *Message, n int, err error) {
	o := newReceiveOptions(opts)
	if err := c.reserve(); err != nil {
		return nil, 0, err
	}
	defer func() { c.finish(err) }()
	c.recvMtx.Lock()
	defer c.recvMtx.Unlock()

	msg, err = c.next(ctx, o)
	if err != nil {
		return nil, 0, err
	}
	if need := len(msg.Data); scatter.Len() < need {
		if o.fixed {
			return nil, 0, &SizeError{Need: need, Err: ErrBufferTooShort}
		}
		scatter.grow(need)
	}
	if err := checkGroups(msg, o); err != nil {
		return nil, 0, err
	}

	c.mtx.Lock()
	c.popLocked()
	c.mtx.Unlock()

	n = scatter.fill(msg.Data)
	out := *msg
	out.Data = nil
	return &out, n, nil
}

func newReceiveOptions(opts []ReceiveOption) receiveOptions {
	var o receiveOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func checkGroups(msg *Message, o receiveOptions) error {
	if o.fixed && o.maxGroups > 0 && len(msg.Groups) > o.maxGroups {
		return &SizeError{Need: len(msg.Groups), Err: ErrGroupsTooShort}
	}
	return nil
}

// next returns the message at the head of the queue without removing it,
// reading and dispatching transport events until one is available. The caller
// must hold recvMtx.
func (c *Conn) next(ctx context.Context, o receiveOptions) (*Message, error) {
	for {
		c.mtx.Lock()
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.mtx.Unlock()
			return msg, nil
		}
		c.mtx.Unlock()

		if o.nonBlocking {
			pending, err := c.session.Poll()
			if err != nil {
				return nil, c.transportErr(err)
			}
			if pending == 0 {
				return nil, ErrWouldBlock
			}
		}

		event, err := c.read(ctx)
		if err != nil {
			return nil, err
		}

		c.mtx.Lock()
		err = c.dispatchLocked(ctx, event)
		c.mtx.Unlock()
		if err != nil {
			return nil, err
		}
	}
}

// read blocks on the transport. The receive buffer grows until the event fits.
func (c *Conn) read(ctx context.Context) (*network.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	for {
		event, err := c.session.Receive(ctx, c.buf)
		var sizeErr *network.SizeError
		switch {
		case errors.As(err, &sizeErr):
			c.buf = make([]byte, sizeErr.Need)
			continue
		case err != nil && c.ctx.Err() != nil:
			return nil, fatal(network.ErrSessionClosed)
		case err != nil:
			return nil, c.transportErr(err)
		}
		return event, nil
	}
}

// dispatchLocked routes a transport event to the state machine of its group or
// straight to the delivery queue.
func (c *Conn) dispatchLocked(ctx context.Context, event *network.Event) error {
	switch {
	case event.Membership != nil:
		return c.dispatchMembershipLocked(ctx, event)
	case event.Type == FlushAckMessageType || event.Type == FullyReceivedMessageType:
		return c.dispatchControlLocked(ctx, event)
	default:
		return c.dispatchMessageLocked(ctx, event)
	}
}

func (c *Conn) dispatchMembershipLocked(ctx context.Context, event *network.Event) error {
	name := event.Membership.Group
	g, ok := c.groups[name]
	if !ok {
		c.logger.Info().Str("group", name).Msg("membership event for unknown group")
		return nil
	}

	switch {
	case event.Service.IsSelfLeave():
		delete(c.groups, name)
		c.enqueueLocked(selfLeaveMessage(name))
		c.logger.Info().Str("group", name).Int("pending", g.PendingChanges()).Msg("left group")
		return nil
	case event.Service.IsTransitional():
		c.logger.Debug().Str("group", name).Msg("transitional membership")
		return nil
	case event.Service.IsRegMemb():
		input := MembershipInput(event.Membership.ID, causeOf(event.Service), event.Membership.Changed, event.Groups)
		return c.stepLocked(ctx, g, input)
	default:
		c.logger.Info().Str("group", name).Str("service", event.Service.String()).Msg("unknown membership event")
		return nil
	}
}

func (c *Conn) dispatchControlLocked(ctx context.Context, event *network.Event) error {
	if len(event.Groups) != 1 {
		c.logger.Info().Str("sender", event.Sender).Msg("control message with several destinations")
		return nil
	}
	g, ok := c.groups[event.Groups[0]]
	if !ok {
		return nil
	}
	id, err := DecodeControl(event.Data)
	if err != nil {
		c.logger.Info().Err(err).Str("sender", event.Sender).Msg("invalid control message")
		return nil
	}
	if event.Type == FlushAckMessageType {
		return c.stepLocked(ctx, g, FlushAckInput(event.Sender, id))
	}
	return c.stepLocked(ctx, g, FullyReceivedInput(event.Sender, id))
}

func (c *Conn) dispatchMessageLocked(ctx context.Context, event *network.Event) error {
	var (
		data       = event.Data
		msgType    = event.Type
		vulnerable bool
		target     network.ViewID
		subgroup   string
		err        error
	)
	if msgType == VulnerableMessageType {
		vulnerable = true
		data, target, msgType, err = DecodeVulnerableTrailer(data)
		if err != nil {
			c.logger.Info().Err(err).Str("sender", event.Sender).Msg("invalid vulnerable message")
			return nil
		}
	}
	if event.Service.IsSubgroup() {
		data, subgroup, err = DecodeSubgroupTrailer(data)
		if err != nil {
			c.logger.Info().Err(err).Str("sender", event.Sender).Msg("invalid subgroup message")
			return nil
		}
	}

	msg := &Message{
		Kind:           KindRegular,
		Service:        event.Service &^ network.Subgroup,
		Sender:         event.Sender,
		Groups:         event.Groups,
		Type:           msgType,
		Subgroup:       subgroup,
		EndianMismatch: event.EndianMismatch,
		Data:           bytes.Clone(data),
	}

	name := subgroup
	if name == "" && len(event.Groups) == 1 {
		name = event.Groups[0]
	}
	if name == "" || network.IsPrivateGroup(name) {
		c.enqueueLocked(msg)
		return nil
	}
	g, ok := c.groups[name]
	if !ok {
		c.logger.Info().
			Str("group", name).
			Str("sender", event.Sender).
			Msg("dropped message for group not joined")
		return nil
	}
	return c.stepLocked(ctx, g, MessageInput(msg, vulnerable, target))
}

func (c *Conn) stepLocked(ctx context.Context, g *Group, input Input) error {
	outputs := g.Step(input)
	if c.trace != nil {
		c.trace.Add(g.name, input, outputs)
	}
	return c.executeLocked(ctx, g.name, outputs)
}

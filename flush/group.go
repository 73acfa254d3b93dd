package flush

import (
	"fmt"

	"github.com/cmwaters/vsync/network"
	"github.com/rs/zerolog"
)

// State is the agreement state of a group.
type State uint8

const (
	// Joining: the join has been sent but no membership event has been received.
	// The FL view is a placeholder containing only the local member.
	Joining State = iota + 1
	// Steady: no agreement in progress and every member has confirmed receipt
	// of the installed view.
	Steady
	// Authorize: a membership change is pending. The application has been asked
	// to flush and has not done so yet.
	Authorize
	// Agree: the flush acknowledgement for the current change has been sent. The
	// group waits for the acknowledgements of all other members.
	Agree
	// Verify: a new view was installed. The group waits for every member to
	// confirm that it installed it too.
	Verify
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Steady:
		return "steady"
	case Authorize:
		return "authorize"
	case Agree:
		return "agree"
	case Verify:
		return "verify"
	default:
		return "unknown"
	}
}

// Group implements the flush protocol for a single group of a single
// connection. Like a Mealy machine, each input passed to Step may cause a state
// transition and produces a set of outputs: messages to deliver to the
// application and control messages to send to the group.
//
// Group is not safe for concurrent use.
type Group struct {
	name  string
	self  string
	state State
	// leaving is set once the application asked to leave the group
	leaving bool

	// fl is the last installed view, sp the last view reported by the transport
	fl *View
	sp *View

	// current is the change being agreed upon. queue holds further changes with
	// a received membership event in the order they were received.
	current    network.ViewID
	hasCurrent bool
	queue      []network.ViewID
	pending    *pendingTable

	// confirms are the members that confirmed the installation of fl
	confirms map[string]struct{}

	// carryPartition is set when a discarded change had no successor yet.
	// The next change to arrive is treated as caused by a partition and
	// inherits the messages in carried.
	carryPartition bool
	carried        []*Message
	// successors maps discarded changes to the change that inherited their
	// buffered messages. The zero id stands for the next change to arrive.
	successors map[network.ViewID]network.ViewID

	params Parameters
	logger zerolog.Logger
}

func NewGroup(name, self string, params Parameters, logger zerolog.Logger) *Group {
	placeholder := placeholderView(name, self)
	return &Group{
		name:       name,
		self:       self,
		state:      Joining,
		fl:         placeholder,
		sp:         placeholder,
		pending:    newPendingTable(),
		confirms:   make(map[string]struct{}),
		successors: make(map[network.ViewID]network.ViewID),
		params:     params,
		logger:     logger.With().Str("group", name).Logger(),
	}
}

// Step handles a single input according to the flush protocol.
func (g *Group) Step(input Input) []Output {
	switch {
	case input.membership != nil:
		return g.onMembership(input.membership)
	case input.ack != nil:
		return g.onFlushAck(input.ack.from, input.ack.view)
	case input.confirm != nil:
		return g.onFullyReceived(input.confirm.from, input.confirm.view)
	case input.message != nil:
		return g.onMessage(input.message)
	default:
		panic("nil input")
	}
}

// Flush acknowledges the current pending change. It is only legal in the
// Authorize state. The returned output must be sent to the group.
func (g *Group) Flush() (Output, error) {
	if g.leaving {
		return NoOutput, fmt.Errorf("%w: leaving %s", ErrIllegalGroup, g.name)
	}
	if g.state != Authorize || !g.hasCurrent {
		return NoOutput, fmt.Errorf("%w: %s is %s, flush not authorized", ErrIllegalGroup, g.name, g.state)
	}
	g.state = Agree
	return AckOutput(g.current), nil
}

// AbortFlush returns to the Authorize state after the output of Flush could
// not be sent.
func (g *Group) AbortFlush() {
	if g.state == Agree && g.hasCurrent {
		g.state = Authorize
	}
}

// SendTag decides how an application message sent to the group now must be
// tagged. Messages sent during an agreement are vulnerable and carry the id of
// the view they are to be delivered in.
func (g *Group) SendTag() (vulnerable bool, target network.ViewID, err error) {
	switch {
	case g.leaving:
		return false, target, fmt.Errorf("%w: leaving %s", ErrIllegalGroup, g.name)
	case g.state == Joining:
		return false, target, fmt.Errorf("%w: still joining %s", ErrIllegalGroup, g.name)
	case g.state == Agree:
		return false, target, fmt.Errorf("%w: %s is waiting for agreement", ErrIllegalGroup, g.name)
	case g.state == Authorize || g.state == Verify:
		return true, g.sp.id, nil
	default:
		return false, target, nil
	}
}

// Leave marks the group as leaving. It is only legal once a view has been
// installed.
func (g *Group) Leave() error {
	switch {
	case g.leaving:
		return fmt.Errorf("%w: already leaving %s", ErrIllegalGroup, g.name)
	case g.fl.isPlaceholder():
		return fmt.Errorf("%w: still joining %s", ErrIllegalGroup, g.name)
	}
	g.leaving = true
	return nil
}

func (g *Group) Name() string        { return g.name }
func (g *Group) State() State        { return g.state }
func (g *Group) Leaving() bool       { return g.leaving }
func (g *Group) FLView() *View       { return g.fl }
func (g *Group) SPView() *View       { return g.sp }
func (g *Group) PendingChanges() int { return g.pending.len() }

// IsMember reports whether member belongs to the installed view.
func (g *Group) IsMember(member string) bool {
	return g.fl.Has(member)
}

// Current returns the id of the change being agreed upon.
func (g *Group) Current() (network.ViewID, bool) {
	return g.current, g.hasCurrent
}

func (g *Group) onMembership(in *membershipInput) []Output {
	if _, ok := g.successors[in.id]; ok {
		g.logger.Info().Str("view", in.id.String()).Msg("membership event for discarded change")
		return nil
	}
	if p := g.pending.get(in.id); p != nil && p.received {
		g.logger.Info().Str("view", in.id.String()).Msg("duplicate membership event")
		return nil
	}
	spView, err := newView(g.name, g.self, in.id, in.cause, in.changed, in.members)
	if err != nil {
		g.logger.Error().Err(err).Msg("invalid membership event")
		return nil
	}
	changeView, _ := newView(g.name, g.self, in.id, in.cause, in.changed, in.members)

	left := g.sp.members.Difference(spView.members)
	g.sp = spView

	g.invalidate(left)

	change, _ := g.pending.getOrCreate(in.id)
	change.received = true
	change.view = changeView
	for m := range change.acks {
		if !changeView.inOriginal(m) {
			delete(change.acks, m)
		}
	}
	if g.carryPartition {
		g.carryPartition = false
		changeView.cause = CauseNetwork
		changeView.changed = ""
		change.buffered = append(g.carried, change.buffered...)
		g.carried = nil
		for id, next := range g.successors {
			if next.IsZero() {
				g.successors[id] = in.id
			}
		}
	}
	g.queue = append(g.queue, in.id)

	for _, p := range g.pending.age(g.params.PendingAgeLimit) {
		g.logger.Debug().
			Str("view", p.id.String()).
			Int("acks", len(p.acks)).
			Int("dropped", len(p.buffered)).
			Msg("pruned pending change without membership event")
	}

	g.logger.Debug().
		Str("view", in.id.String()).
		Str("cause", in.cause.String()).
		Strs("members", in.members).
		Str("state", g.state.String()).
		Msg("membership change")

	return g.advance()
}

// invalidate removes the members that left from every pending change. A change
// that still awaits the acknowledgement of a member that left can never
// complete and is discarded. The change following a discarded one is treated
// as caused by a partition and takes over the messages buffered for it.
func (g *Group) invalidate(left []string) {
	if len(left) == 0 {
		return
	}
	order := g.queue
	if g.hasCurrent {
		order = append([]network.ViewID{g.current}, g.queue...)
	}

	var (
		survivors []network.ViewID
		carried   []*Message
		orphans   []network.ViewID
	)
	inherit := false
	for _, id := range order {
		p := g.pending.get(id)
		discard := false
		for _, m := range left {
			if !p.view.Has(m) {
				continue
			}
			if !p.acked(m) {
				discard = true
				break
			}
			p.view.remove(m)
		}
		if discard {
			g.pending.remove(id)
			if g.hasCurrent && id == g.current {
				g.hasCurrent = false
			}
			inherit = true
			carried = append(carried, p.buffered...)
			orphans = append(orphans, id)
			g.logger.Info().
				Str("view", id.String()).
				Strs("left", left).
				Int("carried", len(p.buffered)).
				Msg("discarded pending change")
			continue
		}
		if inherit {
			p.view.cause = CauseNetwork
			p.view.changed = ""
			p.buffered = append(carried, p.buffered...)
			carried = nil
			inherit = false
			for _, o := range orphans {
				g.successors[o] = id
			}
			orphans = nil
		}
		survivors = append(survivors, id)
	}
	if inherit {
		g.carryPartition = true
		g.carried = append(g.carried, carried...)
		for _, o := range orphans {
			g.successors[o] = network.ViewID{}
		}
	}

	g.queue = g.queue[:0]
	for _, id := range survivors {
		if g.hasCurrent && id == g.current {
			continue
		}
		g.queue = append(g.queue, id)
	}
}

// advance promotes the next queued change when none is being agreed upon and
// installs the current change if it is complete.
func (g *Group) advance() []Output {
	var outputs []Output
	if !g.hasCurrent && len(g.queue) > 0 {
		g.promote()
		// in Authorize the application already holds a flush request
		if g.state != Authorize && !g.leaving {
			outputs = append(outputs, DeliverOutput(flushRequestMessage(g.name)))
		}
		g.state = Authorize
	}
	return append(outputs, g.tryInstall()...)
}

func (g *Group) promote() {
	g.current = g.queue[0]
	g.hasCurrent = true
	g.queue = g.queue[1:]
}

func (g *Group) tryInstall() []Output {
	if !g.hasCurrent {
		return nil
	}
	p := g.pending.get(g.current)
	if p == nil || !p.complete() {
		return nil
	}
	return g.install(p)
}

func (g *Group) install(p *pendingChange) []Output {
	g.pending.remove(p.id)
	g.hasCurrent = false

	prev := g.fl
	p.view.forming = false
	g.fl = p.view
	g.confirms = make(map[string]struct{})
	for m := range p.confirms {
		if g.fl.Has(m) {
			g.confirms[m] = struct{}{}
		}
	}

	outputs := []Output{DeliverOutput(&Message{
		Kind:    KindMembership,
		Service: network.RegMemb | g.fl.cause.Service(),
		Sender:  g.name,
		Groups:  g.fl.Members(),
		Type:    int16(g.fl.Index()),
		View:    g.fl.info(prev),
	})}
	for _, msg := range p.buffered {
		if !g.fl.Has(msg.Sender) {
			g.logger.Info().Str("sender", msg.Sender).Msg("dropped buffered message from departed member")
			continue
		}
		outputs = append(outputs, DeliverOutput(msg))
	}
	g.pruneSuccessors()

	g.logger.Info().
		Str("view", g.fl.id.String()).
		Strs("members", g.fl.Members()).
		Int("released", len(p.buffered)).
		Msg("installed view")

	if len(g.queue) > 0 {
		g.promote()
		if !g.leaving {
			outputs = append(outputs, DeliverOutput(flushRequestMessage(g.name)))
		}
		g.state = Authorize
		return outputs
	}
	g.state = Verify
	return append(outputs, ConfirmOutput(g.fl.id))
}

// successor follows the discarded changes starting at id to the change that
// inherited them. ok is false if id was never discarded.
func (g *Group) successor(id network.ViewID) (next network.ViewID, ok bool) {
	next, ok = g.successors[id]
	for ok && !next.IsZero() {
		later, discarded := g.successors[next]
		if !discarded {
			break
		}
		next = later
	}
	return next, ok
}

// pruneSuccessors forgets discarded changes whose successor is neither pending
// nor the installed view.
func (g *Group) pruneSuccessors() {
	for id := range g.successors {
		next, _ := g.successor(id)
		if next.IsZero() || next == g.fl.id || g.pending.get(next) != nil {
			continue
		}
		delete(g.successors, id)
	}
}

func (g *Group) onFlushAck(from string, id network.ViewID) []Output {
	if id == g.fl.id {
		return nil
	}
	if _, ok := g.successors[id]; ok {
		g.logger.Debug().
			Str("view", id.String()).
			Str("from", from).
			Msg("flush ack for discarded change")
		return nil
	}
	p, created := g.pending.getOrCreate(id)
	if created {
		g.logger.Debug().
			Str("view", id.String()).
			Str("from", from).
			Msg("flush ack ahead of its membership event")
	}
	if p.received && !p.view.inOriginal(from) {
		g.logger.Info().
			Str("view", id.String()).
			Str("from", from).
			Msg("flush ack from non member")
		return nil
	}
	p.acks[from] = struct{}{}
	if g.hasCurrent && id == g.current {
		return g.tryInstall()
	}
	return nil
}

func (g *Group) onFullyReceived(from string, id network.ViewID) []Output {
	if id != g.fl.id {
		if p := g.pending.get(id); p != nil {
			p.confirms[from] = struct{}{}
		}
		return nil
	}
	if !g.fl.Has(from) {
		return nil
	}
	g.confirms[from] = struct{}{}
	if g.state != Verify {
		return nil
	}
	for _, m := range g.fl.Members() {
		if _, ok := g.confirms[m]; !ok {
			return nil
		}
	}
	g.state = Steady
	return nil
}

func (g *Group) onMessage(in *messageInput) []Output {
	msg := in.msg
	target := in.target
	if in.vulnerable {
		if next, ok := g.successor(target); ok {
			if next.IsZero() {
				// the sender is checked once the inheriting view is installed
				g.carried = append(g.carried, msg)
				return nil
			}
			target = next
		}
	}
	if !in.vulnerable || target == g.fl.id {
		if !g.fl.Has(msg.Sender) {
			g.logger.Info().
				Str("sender", msg.Sender).
				Str("view", g.fl.id.String()).
				Msg("dropped message from non member")
			return nil
		}
		return []Output{DeliverOutput(msg)}
	}

	p, created := g.pending.getOrCreate(target)
	if created {
		g.logger.Debug().
			Str("view", target.String()).
			Str("from", msg.Sender).
			Msg("message ahead of its membership event")
	}
	if !p.received || p.view.Has(msg.Sender) {
		p.buffered = append(p.buffered, msg)
		return nil
	}
	g.logger.Info().
		Str("sender", msg.Sender).
		Str("target", target.String()).
		Msg("dropped vulnerable message from non member")
	return nil
}

type (
	Input struct {
		membership *membershipInput
		ack        *controlInput
		confirm    *controlInput
		message    *messageInput
	}

	membershipInput struct {
		id      network.ViewID
		cause   Cause
		changed string
		members []string
	}

	controlInput struct {
		from string
		view network.ViewID
	}

	messageInput struct {
		msg        *Message
		vulnerable bool
		target     network.ViewID
	}

	Output struct {
		message *Message
		ack     bool
		confirm bool
		view    network.ViewID
	}
)

func MembershipInput(id network.ViewID, cause Cause, changed string, members []string) Input {
	return Input{membership: &membershipInput{id: id, cause: cause, changed: changed, members: members}}
}

func FlushAckInput(from string, id network.ViewID) Input {
	return Input{ack: &controlInput{from: from, view: id}}
}

func FullyReceivedInput(from string, id network.ViewID) Input {
	return Input{confirm: &controlInput{from: from, view: id}}
}

// MessageInput is an application message. If vulnerable is set, target is the
// view the sender addressed it to.
func MessageInput(msg *Message, vulnerable bool, target network.ViewID) Input {
	return Input{message: &messageInput{msg: msg, vulnerable: vulnerable, target: target}}
}

func (i Input) String() string {
	switch {
	case i.membership != nil:
		return fmt.Sprintf("membership{%s %s %v}", i.membership.id, i.membership.cause, i.membership.members)
	case i.ack != nil:
		return fmt.Sprintf("flush-ack{%s from %s}", i.ack.view, i.ack.from)
	case i.confirm != nil:
		return fmt.Sprintf("fully-received{%s from %s}", i.confirm.view, i.confirm.from)
	case i.message != nil:
		if i.message.vulnerable {
			return fmt.Sprintf("vulnerable{from %s for %s}", i.message.msg.Sender, i.message.target)
		}
		return fmt.Sprintf("message{from %s}", i.message.msg.Sender)
	default:
		return "none"
	}
}

var NoOutput = Output{}

func DeliverOutput(msg *Message) Output {
	return Output{message: msg}
}

func AckOutput(id network.ViewID) Output {
	return Output{ack: true, view: id}
}

func ConfirmOutput(id network.ViewID) Output {
	return Output{confirm: true, view: id}
}

func (o Output) IsNone() bool {
	return o.message == nil && !o.ack && !o.confirm
}

func (o Output) IsDelivery() bool { return o.message != nil }
func (o Output) IsAck() bool      { return o.ack }
func (o Output) IsConfirm() bool  { return o.confirm }

// Message returns the message to deliver.
func (o Output) Message() *Message { return o.message }

// View returns the subject of a flush ack or fully received confirmation.
func (o Output) View() network.ViewID { return o.view }

func (o Output) String() string {
	switch {
	case o.message != nil:
		return "deliver " + o.message.String()
	case o.ack:
		return fmt.Sprintf("flush-ack{%s}", o.view)
	case o.confirm:
		return fmt.Sprintf("fully-received{%s}", o.view)
	default:
		return "none"
	}
}

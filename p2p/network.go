package p2p

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/cmwaters/vsync/network"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

var (
	_ network.Transport = (*Network)(nil)
	_ network.Session   = (*Session)(nil)
)

const (
	groupTopicPrefix   = "vsync/group/"
	privateTopicPrefix = "vsync/private/"

	// privateNameLength is the number of trailing characters of the peer id
	// used in private group names
	privateNameLength = 16
)

// Network is a transport over libp2p pubsub. Every group is a topic and every
// session has a private topic for unicasts.
//
// Pubsub has no agreed membership: the member of a group with the smallest
// private name acts as coordinator and announces a view on the group topic
// whenever it sees a peer subscribe or unsubscribe. Views are only as
// consistent as the coordinator's knowledge of the topic. Delivery follows
// the pubsub router and is not ordered across senders, whatever the requested
// service.
//
// A host carries a single session at a time.
type Network struct {
	ps      *pubsub.PubSub
	self    peer.ID
	private string

	proc    uint32
	epoch   uint32
	counter uint32

	mtx         sync.Mutex
	topics      map[string]*pubsub.Topic
	session     *Session
	nextMailbox network.Mailbox

	logger zerolog.Logger
}

func NewNetwork(self peer.ID, ps *pubsub.PubSub, logger zerolog.Logger) *Network {
	h := fnv.New32a()
	_, _ = h.Write([]byte(self))
	return &Network{
		ps:      ps,
		self:    self,
		private: PrivateName(self),
		proc:    h.Sum32(),
		epoch:   uint32(time.Now().Unix()),
		topics:  make(map[string]*pubsub.Topic),
		logger:  logger.With().Str("module", "p2p").Logger(),
	}
}

// PrivateName is the private group of the session hosted by the peer.
func PrivateName(id peer.ID) string {
	s := id.String()
	if len(s) > privateNameLength {
		s = s[len(s)-privateNameLength:]
	}
	return "#" + s
}

func topicName(group string) string {
	if network.IsPrivateGroup(group) {
		return privateTopicPrefix + group[1:]
	}
	return groupTopicPrefix + group
}

// Connect implements network.Transport. The daemon is either empty or the id
// of the local peer. The user name only appears in logs: the private group of
// the session is derived from the peer id so that other peers can name it.
func (n *Network) Connect(_ context.Context, daemon, user string, _ bool) (network.Session, error) {
	if daemon != "" && daemon != n.self.String() {
		return nil, fmt.Errorf("%w: %q is not the local peer", network.ErrIllegalDaemon, daemon)
	}

	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.session != nil {
		return nil, fmt.Errorf("%w: %s already has a session", network.ErrNotUnique, n.private)
	}
	topic, err := n.topicLocked(topicName(n.private))
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}

	n.nextMailbox++
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		net:     n,
		mailbox: n.nextMailbox,
		private: n.private,
		inbox:   network.NewInbox(),
		ctx:     ctx,
		cancel:  cancel,
		privSub: sub,
		groups:  make(map[string]*membership),
		logger:  n.logger.With().Str("user", user).Str("private", n.private).Logger(),
	}
	n.session = s
	go s.readLoop(ctx, s.private, sub)
	return s, nil
}

func (n *Network) topicLocked(name string) (*pubsub.Topic, error) {
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.ps.Join(name)
	if err != nil {
		return nil, err
	}
	n.topics[name] = t
	return t, nil
}

func (n *Network) topic(name string) (*pubsub.Topic, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.topicLocked(name)
}

func (n *Network) nextViewID() network.ViewID {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.counter++
	return network.ViewID{Proc: n.proc, Time: n.epoch, Index: n.counter}
}

func (n *Network) release(s *Session) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.session == s {
		n.session = nil
	}
}

// membership is the state of a joined group
type membership struct {
	name    string
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	handler *pubsub.TopicEventHandler
	cancel  context.CancelFunc
	// peers are the private names of the members known to be subscribed
	peers map[string]struct{}
	last  network.ViewID
}

func (m *membership) coordinator() string {
	first := ""
	for p := range m.peers {
		if first == "" || p < first {
			first = p
		}
	}
	return first
}

func (m *membership) members() []string {
	members := make([]string, 0, len(m.peers))
	for p := range m.peers {
		members = append(members, p)
	}
	sort.Strings(members)
	return members
}

// Session is the single session of a Network.
type Session struct {
	net     *Network
	mailbox network.Mailbox
	private string
	inbox   *network.Inbox

	ctx     context.Context
	cancel  context.CancelFunc
	privSub *pubsub.Subscription

	mtx    sync.Mutex
	closed bool
	groups map[string]*membership

	logger zerolog.Logger
}

func (s *Session) Mailbox() network.Mailbox { return s.mailbox }
func (s *Session) PrivateGroup() string     { return s.private }

func (s *Session) Join(ctx context.Context, group string) error {
	if err := network.ValidateGroupName(group); err != nil {
		return err
	}
	topic, err := s.net.topic(topicName(group))
	if err != nil {
		return err
	}

	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return network.ErrSessionClosed
	}
	if _, ok := s.groups[group]; ok {
		s.mtx.Unlock()
		return fmt.Errorf("%w: already joined %s", network.ErrIllegalGroup, group)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		s.mtx.Unlock()
		return err
	}
	handler, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		s.mtx.Unlock()
		return err
	}
	mctx, cancel := context.WithCancel(s.ctx)
	m := &membership{
		name:    group,
		topic:   topic,
		sub:     sub,
		handler: handler,
		cancel:  cancel,
		peers:   map[string]struct{}{s.private: {}},
	}
	s.groups[group] = m
	announce := s.announcementLocked(m, network.CausedByJoin, s.private)
	s.mtx.Unlock()

	go s.readLoop(mctx, group, sub)
	go s.peerLoop(mctx, m)
	return s.publish(ctx, topic, announce)
}

// Leave announces the departure to the group and unsubscribes. The session
// receives a self leave event.
func (s *Session) Leave(ctx context.Context, group string) error {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return network.ErrSessionClosed
	}
	m, ok := s.groups[group]
	if !ok {
		s.mtx.Unlock()
		return fmt.Errorf("%w: %s", network.ErrNotMember, group)
	}
	delete(s.groups, group)
	s.mtx.Unlock()

	bye := &envelope{kind: byeKind, sender: s.private, groups: []string{group}}
	err := s.publish(ctx, m.topic, bye)
	m.cancel()
	m.handler.Cancel()
	m.sub.Cancel()

	s.inbox.Push(&network.Event{
		Service:    network.CausedByLeave,
		Sender:     group,
		Membership: &network.MembershipInfo{Group: group, Changed: s.private},
	})
	return err
}

// Multicast publishes the message once on the topic of each group. A session
// reachable through several of the groups only keeps the copy published on
// the first one it belongs to.
func (s *Session) Multicast(ctx context.Context, service network.Service, groups []string, msgType int16, scatter [][]byte) (int, error) {
	if s.isClosed() {
		return 0, network.ErrSessionClosed
	}
	var data []byte
	for _, elem := range scatter {
		data = append(data, elem...)
	}
	env := &envelope{
		kind:    dataKind,
		sender:  s.private,
		groups:  groups,
		service: service,
		msgType: msgType,
		data:    data,
	}
	for _, g := range groups {
		if len(g) > network.MaxGroupName {
			return 0, fmt.Errorf("%w: %q", network.ErrIllegalGroup, g)
		}
		topic, err := s.net.topic(topicName(g))
		if err != nil {
			return 0, err
		}
		if err := s.publish(ctx, topic, env); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

func (s *Session) Receive(ctx context.Context, buf []byte) (*network.Event, error) {
	return s.inbox.Receive(ctx, buf)
}

func (s *Session) Poll() (int, error) {
	return s.inbox.Poll()
}

func (s *Session) Close() error {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return network.ErrSessionClosed
	}
	s.closed = true
	groups := s.groups
	s.groups = nil
	s.mtx.Unlock()

	for _, m := range groups {
		bye := &envelope{kind: byeKind, sender: s.private, groups: []string{m.name}}
		if err := s.publish(context.Background(), m.topic, bye); err != nil {
			s.logger.Debug().Err(err).Str("group", m.name).Msg("announcing departure")
		}
		m.handler.Cancel()
		m.sub.Cancel()
	}
	s.cancel()
	s.privSub.Cancel()
	s.inbox.Close()
	s.net.release(s)
	return nil
}

func (s *Session) isClosed() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.closed
}

func (s *Session) publish(ctx context.Context, topic *pubsub.Topic, env *envelope) error {
	if env == nil {
		return nil
	}
	if err := topic.Publish(ctx, env.marshal()); err != nil {
		if errors.Is(err, pubsub.ErrTopicClosed) {
			return network.ErrSessionClosed
		}
		return err
	}
	return nil
}

// announcementLocked returns the view to announce after a change of the known
// peers, or nil if the session does not coordinate the group.
func (s *Session) announcementLocked(m *membership, cause network.Service, changed string) *envelope {
	if m.coordinator() != s.private {
		return nil
	}
	members := m.members()
	return &envelope{
		kind:    viewKind,
		sender:  s.private,
		groups:  []string{m.name},
		service: network.RegMemb | cause,
		view:    s.net.nextViewID(),
		members: members,
		changed: changed,
	}
}

func (s *Session) readLoop(ctx context.Context, group string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			// happens when the subscription is cancelled
			return
		}
		env, err := unmarshalEnvelope(msg.Data)
		if err != nil {
			s.logger.Info().Err(err).Str("from", msg.GetFrom().String()).Msg("invalid envelope")
			continue
		}
		if env.sender != PrivateName(msg.GetFrom()) {
			s.logger.Info().Str("sender", env.sender).Str("from", msg.GetFrom().String()).Msg("spoofed sender")
			continue
		}

		switch env.kind {
		case dataKind:
			s.onData(group, env)
		case viewKind:
			s.onView(group, env)
		case byeKind:
			s.onBye(ctx, group, env)
		}
	}
}

func (s *Session) onData(group string, env *envelope) {
	if env.sender == s.private && env.service&network.SelfDiscard != 0 {
		return
	}
	s.mtx.Lock()
	first := ""
	for _, g := range env.groups {
		if _, ok := s.groups[g]; ok || g == s.private {
			first = g
			break
		}
	}
	s.mtx.Unlock()
	if first != group {
		return
	}
	s.inbox.Push(&network.Event{
		Service: env.service &^ network.SelfDiscard,
		Sender:  env.sender,
		Groups:  env.groups,
		Type:    env.msgType,
		Data:    env.data,
	})
}

func (s *Session) onView(group string, env *envelope) {
	idx := sort.SearchStrings(env.members, s.private)
	if idx == len(env.members) || env.members[idx] != s.private {
		return
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	m, ok := s.groups[group]
	if !ok || m.last == env.view {
		return
	}
	m.last = env.view
	s.inbox.Push(&network.Event{
		Service: env.service,
		Sender:  group,
		Groups:  env.members,
		Type:    int16(idx),
		Membership: &network.MembershipInfo{
			Group:   group,
			ID:      env.view,
			Changed: env.changed,
		},
	})
}

func (s *Session) onBye(ctx context.Context, group string, env *envelope) {
	if env.sender == s.private {
		return
	}
	s.mtx.Lock()
	m, ok := s.groups[group]
	if !ok {
		s.mtx.Unlock()
		return
	}
	if _, ok := m.peers[env.sender]; !ok {
		s.mtx.Unlock()
		return
	}
	delete(m.peers, env.sender)
	announce := s.announcementLocked(m, network.CausedByLeave, env.sender)
	s.mtx.Unlock()

	if err := s.publish(ctx, m.topic, announce); err != nil {
		s.logger.Debug().Err(err).Str("group", group).Msg("announcing view")
	}
}

// peerLoop follows the subscriptions to the group topic.
func (s *Session) peerLoop(ctx context.Context, m *membership) {
	for {
		ev, err := m.handler.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		name := PrivateName(ev.Peer)

		s.mtx.Lock()
		if s.groups[m.name] != m {
			s.mtx.Unlock()
			return
		}
		var announce *envelope
		_, known := m.peers[name]
		switch {
		case ev.Type == pubsub.PeerJoin && !known:
			m.peers[name] = struct{}{}
			announce = s.announcementLocked(m, network.CausedByJoin, name)
		case ev.Type == pubsub.PeerLeave && known:
			delete(m.peers, name)
			announce = s.announcementLocked(m, network.CausedByNetwork, "")
		}
		s.mtx.Unlock()

		if err := s.publish(ctx, m.topic, announce); err != nil {
			s.logger.Debug().Err(err).Str("group", m.name).Msg("announcing view")
		}
	}
}

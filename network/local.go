package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	_ Transport = (*LocalNetwork)(nil)
	_ Session   = (*LocalSession)(nil)
)

var localProcs atomic.Uint32

// LocalNetwork is an in-process daemon. Every send and membership change is
// applied under a single lock so that all sessions observe messages and
// membership events in the same total order, and messages sent before a
// membership change are delivered before it.
type LocalNetwork struct {
	name  string
	proc  uint32
	epoch uint32

	mtx         sync.Mutex
	index       uint32
	nextMailbox Mailbox
	sessions    map[string]*LocalSession
	groups      map[string][]string
}

func NewLocalNetwork(name string) *LocalNetwork {
	return &LocalNetwork{
		name:     name,
		proc:     localProcs.Add(1),
		epoch:    uint32(time.Now().Unix()),
		sessions: make(map[string]*LocalSession),
		groups:   make(map[string][]string),
	}
}

// Connect implements the Transport interface. An empty daemon name connects to
// this network.
func (n *LocalNetwork) Connect(_ context.Context, daemon, user string, _ bool) (Session, error) {
	if daemon != "" && daemon != n.name {
		return nil, fmt.Errorf("%w: %q, expected %q", ErrIllegalDaemon, daemon, n.name)
	}

	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.nextMailbox++
	if user == "" {
		user = fmt.Sprintf("u%d", n.nextMailbox)
	}
	private := "#" + user + "#" + n.name
	if len(private) > MaxGroupName {
		return nil, fmt.Errorf("%w: private group %q is longer than %d bytes", ErrIllegalGroup, private, MaxGroupName)
	}
	if _, ok := n.sessions[private]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNotUnique, user)
	}
	s := &LocalSession{
		net:     n,
		mailbox: n.nextMailbox,
		private: private,
		inbox:   NewInbox(),
	}
	n.sessions[private] = s
	return s, nil
}

// Members returns the current members of a group.
func (n *LocalNetwork) Members(group string) []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]string(nil), n.groups[group]...)
}

// Kill simulates the crash of a session. The remaining members of each of its
// groups receive a transitional signal followed by a network caused membership.
func (n *LocalNetwork) Kill(mailbox Mailbox) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	for _, s := range n.sessions {
		if s.mailbox == mailbox {
			n.removeLocked(s, CausedByNetwork)
			return nil
		}
	}
	return ErrSessionClosed
}

func (n *LocalNetwork) nextViewLocked() ViewID {
	n.index++
	return ViewID{Proc: n.proc, Time: n.epoch, Index: n.index}
}

// changeLocked installs a new view for the group and notifies every member.
func (n *LocalNetwork) changeLocked(group string, service Service, changed string) {
	id := n.nextViewLocked()
	members := n.groups[group]
	for idx, m := range members {
		n.sessions[m].inbox.Push(&Event{
			Service: service,
			Sender:  group,
			Groups:  append([]string(nil), members...),
			Type:    int16(idx),
			Membership: &MembershipInfo{
				Group:   group,
				ID:      id,
				Changed: changed,
			},
		})
	}
}

func (n *LocalNetwork) removeLocked(s *LocalSession, cause Service) {
	names := make([]string, 0, len(n.groups))
	for name := range n.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !removeMember(n.groups, name, s.private) {
			continue
		}
		if len(n.groups[name]) == 0 {
			continue
		}
		changed := s.private
		if cause == CausedByNetwork {
			changed = ""
			for _, m := range n.groups[name] {
				n.sessions[m].inbox.Push(&Event{
					Service:    TransitionMemb,
					Sender:     name,
					Membership: &MembershipInfo{Group: name},
				})
			}
		}
		n.changeLocked(name, RegMemb|cause, changed)
	}
	delete(n.sessions, s.private)
	s.inbox.Close()
}

func removeMember(groups map[string][]string, group, member string) bool {
	members := groups[group]
	for i, m := range members {
		if m == member {
			members = append(members[:i:i], members[i+1:]...)
			if len(members) == 0 {
				delete(groups, group)
			} else {
				groups[group] = members
			}
			return true
		}
	}
	return false
}

// LocalSession is a session with a LocalNetwork.
type LocalSession struct {
	net     *LocalNetwork
	mailbox Mailbox
	private string
	inbox   *Inbox
}

func (s *LocalSession) Mailbox() Mailbox { return s.mailbox }

func (s *LocalSession) PrivateGroup() string { return s.private }

// connectedLocked must be called with the network lock held.
func (s *LocalSession) connectedLocked() bool {
	return s.net.sessions[s.private] == s
}

func (s *LocalSession) Join(_ context.Context, group string) error {
	if err := ValidateGroupName(group); err != nil {
		return err
	}
	n := s.net
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if !s.connectedLocked() {
		return ErrSessionClosed
	}
	members := n.groups[group]
	idx := sort.SearchStrings(members, s.private)
	if idx < len(members) && members[idx] == s.private {
		return fmt.Errorf("%w: %s already joined %s", ErrIllegalGroup, s.private, group)
	}
	members = append(members, "")
	copy(members[idx+1:], members[idx:])
	members[idx] = s.private
	n.groups[group] = members
	n.changeLocked(group, RegMemb|CausedByJoin, s.private)
	return nil
}

func (s *LocalSession) Leave(_ context.Context, group string) error {
	n := s.net
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if !s.connectedLocked() {
		return ErrSessionClosed
	}
	if !removeMember(n.groups, group, s.private) {
		return fmt.Errorf("%w: %s", ErrNotMember, group)
	}
	if len(n.groups[group]) > 0 {
		n.changeLocked(group, RegMemb|CausedByLeave, s.private)
	}
	s.inbox.Push(&Event{
		Service:    CausedByLeave,
		Sender:     group,
		Membership: &MembershipInfo{Group: group, Changed: s.private},
	})
	return nil
}

func (s *LocalSession) Multicast(_ context.Context, service Service, groups []string, msgType int16, scatter [][]byte) (int, error) {
	var data []byte
	for _, elem := range scatter {
		data = append(data, elem...)
	}

	n := s.net
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if !s.connectedLocked() {
		return 0, ErrSessionClosed
	}

	seen := make(map[string]struct{})
	var recipients []*LocalSession
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		if name == s.private && service&SelfDiscard != 0 {
			return
		}
		if sess, ok := n.sessions[name]; ok {
			recipients = append(recipients, sess)
		}
	}
	for _, g := range groups {
		if IsPrivateGroup(g) {
			add(g)
			continue
		}
		for _, m := range n.groups[g] {
			add(m)
		}
	}

	for _, r := range recipients {
		r.inbox.Push(&Event{
			Service: service &^ SelfDiscard,
			Sender:  s.private,
			Groups:  append([]string(nil), groups...),
			Type:    msgType,
			Data:    data,
		})
	}
	return len(data), nil
}

func (s *LocalSession) Receive(ctx context.Context, buf []byte) (*Event, error) {
	return s.inbox.Receive(ctx, buf)
}

func (s *LocalSession) Poll() (int, error) {
	return s.inbox.Poll()
}

func (s *LocalSession) Close() error {
	n := s.net
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if !s.connectedLocked() {
		return ErrSessionClosed
	}
	n.removeLocked(s, CausedByDisconnect)
	return nil
}

package flush

import (
	"fmt"

	"github.com/cmwaters/vsync/network"
)

// Kind distinguishes what a received Message carries.
type Kind uint8

const (
	// KindRegular is an application message.
	KindRegular Kind = iota + 1
	// KindMembership announces the installation of a new agreed view.
	KindMembership
	// KindFlushRequest asks the application to call Flush for the group once it
	// has sent everything it wants delivered in the current view.
	KindFlushRequest
	// KindSelfLeave is the last message for a group the connection has left.
	KindSelfLeave
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindMembership:
		return "membership"
	case KindFlushRequest:
		return "flush-request"
	case KindSelfLeave:
		return "self-leave"
	default:
		return "unknown"
	}
}

// Message is a single item delivered to the application.
type Message struct {
	Kind    Kind
	Service network.Service
	// Sender is the private group of the sender of a regular message or the
	// group name for every other kind.
	Sender string
	// Groups are the destinations of a regular message or the members of the
	// installed view.
	Groups []string
	Type   int16
	// Subgroup is the group a subgroup or unicast message was sent within.
	Subgroup       string
	EndianMismatch bool
	Data           []byte
	// View is set for KindMembership.
	View *ViewInfo
}

// ViewInfo describes an installed view.
type ViewInfo struct {
	ID      network.ViewID
	Cause   Cause
	Changed string
	Members []string
	// Index is the position of the receiving member in Members.
	Index int
	// VSSet lists the members that move from the previous installed view to
	// this one together with the receiver, the receiver included.
	VSSet []string
}

func (m *Message) IsRegular() bool      { return m.Kind == KindRegular }
func (m *Message) IsMembership() bool   { return m.Kind == KindMembership }
func (m *Message) IsFlushRequest() bool { return m.Kind == KindFlushRequest }
func (m *Message) IsSelfLeave() bool    { return m.Kind == KindSelfLeave }

func (m *Message) String() string {
	switch m.Kind {
	case KindRegular:
		return fmt.Sprintf("regular{from %s to %v type %d, %d bytes}", m.Sender, m.Groups, m.Type, len(m.Data))
	case KindMembership:
		return fmt.Sprintf("membership{%s %s %s %v}", m.Sender, m.View.ID, m.View.Cause, m.View.Members)
	default:
		return fmt.Sprintf("%s{%s}", m.Kind, m.Sender)
	}
}

func flushRequestMessage(group string) *Message {
	return &Message{Kind: KindFlushRequest, Sender: group}
}

func selfLeaveMessage(group string) *Message {
	return &Message{
		Kind:    KindSelfLeave,
		Service: network.CausedByLeave,
		Sender:  group,
	}
}

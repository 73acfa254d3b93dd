package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Service describes how a message is to be ordered when sent and what kind of
// event it is when received.
type Service uint32

const (
	Unreliable Service = 1 << iota
	Reliable
	FIFO
	Causal
	Agreed
	Safe
	SelfDiscard
)

const (
	CausedByJoin Service = 0x100 << iota
	CausedByLeave
	CausedByDisconnect
	CausedByNetwork
	RegMemb
	TransitionMemb
)

const (
	// Subgroup marks messages that carry a referring group trailer. It is
	// reserved for the flush layer.
	Subgroup Service = 0x08000000

	// Ordering is the set of bits selecting the delivery guarantee of a message.
	Ordering   = Unreliable | Reliable | FIFO | Causal | Agreed | Safe
	Membership = CausedByJoin | CausedByLeave | CausedByDisconnect | CausedByNetwork | RegMemb | TransitionMemb
)

func (s Service) IsRegular() bool          { return s&Ordering != 0 && s&Membership == 0 }
func (s Service) IsMembership() bool       { return s&Membership != 0 }
func (s Service) IsRegMemb() bool          { return s&RegMemb != 0 }
func (s Service) IsTransitional() bool     { return s&TransitionMemb != 0 }
func (s Service) IsSubgroup() bool         { return s&Subgroup != 0 }
func (s Service) CausedByJoin() bool       { return s&CausedByJoin != 0 }
func (s Service) CausedByLeave() bool      { return s&CausedByLeave != 0 }
func (s Service) CausedByDisconnect() bool { return s&CausedByDisconnect != 0 }
func (s Service) CausedByNetwork() bool    { return s&CausedByNetwork != 0 }

// IsSelfLeave reports a membership event telling a session it has left a group.
func (s Service) IsSelfLeave() bool {
	return s&CausedByLeave != 0 && s&(RegMemb|TransitionMemb) == 0
}

func (s Service) String() string {
	var parts []string
	names := []struct {
		bit  Service
		name string
	}{
		{Unreliable, "unreliable"}, {Reliable, "reliable"}, {FIFO, "fifo"}, {Causal, "causal"},
		{Agreed, "agreed"}, {Safe, "safe"}, {SelfDiscard, "self-discard"},
		{RegMemb, "reg-memb"}, {TransitionMemb, "transition"}, {CausedByJoin, "join"},
		{CausedByLeave, "leave"}, {CausedByDisconnect, "disconnect"}, {CausedByNetwork, "network"},
		{Subgroup, "subgroup"},
	}
	for _, n := range names {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("service(%#x)", uint32(s))
	}
	return strings.Join(parts, "|")
}

// ViewID identifies a membership view produced by the transport. It may only be
// compared for equality.
type ViewID struct {
	Proc  uint32
	Time  uint32
	Index uint32
}

// ViewIDSize is the length of an encoded ViewID.
const ViewIDSize = 12

var ErrInvalidViewIDLength = errors.New("invalid view id length")

// IsZero reports whether the id was never assigned by a transport.
func (v ViewID) IsZero() bool {
	return v == ViewID{}
}

func (v ViewID) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Proc, v.Time, v.Index)
}

// AppendViewID appends the 12 byte big-endian encoding of id to buf.
func AppendViewID(buf []byte, id ViewID) []byte {
	buf = binary.BigEndian.AppendUint32(buf, id.Proc)
	buf = binary.BigEndian.AppendUint32(buf, id.Time)
	return binary.BigEndian.AppendUint32(buf, id.Index)
}

// DecodeViewID reads a ViewID from the first 12 bytes of buf.
func DecodeViewID(buf []byte) (ViewID, error) {
	if len(buf) < ViewIDSize {
		return ViewID{}, ErrInvalidViewIDLength
	}
	return ViewID{
		Proc:  binary.BigEndian.Uint32(buf[0:4]),
		Time:  binary.BigEndian.Uint32(buf[4:8]),
		Index: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// Event is a single item received from a session: either a regular message or a
// membership event.
type Event struct {
	Service Service
	// Sender is the private group of the sending session. For membership events
	// it is the name of the group that changed.
	Sender string
	// Groups are the destinations of a regular message or the members of the new
	// view for a regular membership event.
	Groups         []string
	Type           int16
	EndianMismatch bool
	// Data is the payload. Receive sets it to a prefix of the caller's buffer.
	Data []byte
	// Membership is set for membership events only.
	Membership *MembershipInfo
}

// MembershipInfo describes a change in a group's membership.
type MembershipInfo struct {
	Group string
	ID    ViewID
	// Changed is the member that joined, left or disconnected. It is empty for
	// network caused changes.
	Changed string
}

// Size is the number of bytes the event accounts for when polling. Membership
// events count as their encoded view id and member names.
func (e *Event) Size() int {
	if e.Membership == nil {
		return len(e.Data)
	}
	size := ViewIDSize
	for _, m := range e.Groups {
		size += len(m)
	}
	return size
}

func (e *Event) String() string {
	if e.Membership != nil {
		return fmt.Sprintf("membership{%s %s %s %v}", e.Membership.Group, e.Membership.ID, e.Service, e.Groups)
	}
	return fmt.Sprintf("message{from %s to %v type %d, %d bytes}", e.Sender, e.Groups, e.Type, len(e.Data))
}

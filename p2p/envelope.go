package p2p

import (
	"errors"
	"fmt"

	"github.com/cmwaters/vsync/network"
	"google.golang.org/protobuf/encoding/protowire"
)

type envelopeKind uint8

const (
	// dataKind carries an application or control message.
	dataKind envelopeKind = iota + 1
	// viewKind is a membership announcement by the coordinator of a group.
	viewKind
	// byeKind announces that the sender is leaving the group it is published on.
	byeKind
)

// field numbers of the envelope
const (
	kindField protowire.Number = iota + 1
	senderField
	groupsField
	serviceField
	typeField
	dataField
	viewField
	membersField
	changedField
)

var errUnknownKind = errors.New("unknown envelope kind")

// envelope is everything published on a topic.
type envelope struct {
	kind    envelopeKind
	sender  string
	groups  []string
	service network.Service
	msgType int16
	data    []byte
	// set for viewKind only
	view    network.ViewID
	members []string
	changed string
}

func (e *envelope) marshal() []byte {
	buf := make([]byte, 0, 64+len(e.data))
	buf = protowire.AppendTag(buf, kindField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.kind))
	buf = protowire.AppendTag(buf, senderField, protowire.BytesType)
	buf = protowire.AppendString(buf, e.sender)
	for _, g := range e.groups {
		buf = protowire.AppendTag(buf, groupsField, protowire.BytesType)
		buf = protowire.AppendString(buf, g)
	}
	if e.service != 0 {
		buf = protowire.AppendTag(buf, serviceField, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(e.service))
	}
	if e.msgType != 0 {
		buf = protowire.AppendTag(buf, typeField, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(e.msgType)))
	}
	if len(e.data) > 0 {
		buf = protowire.AppendTag(buf, dataField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, e.data)
	}
	if e.kind == viewKind {
		buf = protowire.AppendTag(buf, viewField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, network.AppendViewID(nil, e.view))
		for _, m := range e.members {
			buf = protowire.AppendTag(buf, membersField, protowire.BytesType)
			buf = protowire.AppendString(buf, m)
		}
	}
	if e.changed != "" {
		buf = protowire.AppendTag(buf, changedField, protowire.BytesType)
		buf = protowire.AppendString(buf, e.changed)
	}
	return buf
}

func unmarshalEnvelope(buf []byte) (*envelope, error) {
	e := &envelope{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]

		switch {
		case typ == protowire.VarintType && (num == kindField || num == serviceField || num == typeField):
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
			switch num {
			case kindField:
				e.kind = envelopeKind(v)
			case serviceField:
				e.service = network.Service(v)
			case typeField:
				e.msgType = int16(protowire.DecodeZigZag(v))
			}
		case typ == protowire.BytesType && num >= senderField && num <= changedField:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
			if err := e.setBytes(num, v); err != nil {
				return nil, err
			}
		default:
			// skip unknown fields
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}

	if e.kind < dataKind || e.kind > byeKind {
		return nil, fmt.Errorf("%w: %d", errUnknownKind, e.kind)
	}
	return e, nil
}

func (e *envelope) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case senderField:
		e.sender = string(v)
	case groupsField:
		e.groups = append(e.groups, string(v))
	case dataField:
		e.data = append([]byte(nil), v...)
	case viewField:
		id, err := network.DecodeViewID(v)
		if err != nil {
			return err
		}
		e.view = id
	case membersField:
		e.members = append(e.members, string(v))
	case changedField:
		e.changed = string(v)
	}
	return nil
}

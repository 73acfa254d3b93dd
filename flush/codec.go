package flush

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/cmwaters/vsync/network"
)

const (
	// vulnerableTrailerSize is the length of the trailer appended to messages
	// sent during an agreement: the target view id followed by the original
	// message type.
	vulnerableTrailerSize = network.ViewIDSize + 2
	// subgroupTrailerSize is the length of the trailer carrying the referring
	// group of subgroup messages, zero padded.
	subgroupTrailerSize = network.MaxGroupName
)

var ErrInvalidTrailer = errors.New("invalid trailer")

// EncodeVulnerableTrailer encodes the trailer of a vulnerable message.
//
// The format is:
// 4 bytes view proc
// 4 bytes view time
// 4 bytes view index
// 2 bytes original message type
func EncodeVulnerableTrailer(target network.ViewID, msgType int16) []byte {
	buf := make([]byte, 0, vulnerableTrailerSize)
	buf = network.AppendViewID(buf, target)
	return binary.BigEndian.AppendUint16(buf, uint16(msgType))
}

// DecodeVulnerableTrailer reverses EncodeVulnerableTrailer, splitting data into
// the original payload, the target view and the original message type.
func DecodeVulnerableTrailer(data []byte) (payload []byte, target network.ViewID, msgType int16, err error) {
	if len(data) < vulnerableTrailerSize {
		return nil, target, 0, ErrInvalidTrailer
	}
	trailer := data[len(data)-vulnerableTrailerSize:]
	target, err = network.DecodeViewID(trailer)
	if err != nil {
		return nil, target, 0, err
	}
	msgType = int16(binary.BigEndian.Uint16(trailer[network.ViewIDSize:]))
	return data[:len(data)-vulnerableTrailerSize], target, msgType, nil
}

// EncodeSubgroupTrailer encodes the referring group of a subgroup message.
// Names longer than the trailer are truncated, callers validate them first.
func EncodeSubgroupTrailer(group string) []byte {
	buf := make([]byte, subgroupTrailerSize)
	copy(buf, group)
	return buf
}

// DecodeSubgroupTrailer splits data into the original payload and the
// referring group name.
func DecodeSubgroupTrailer(data []byte) (payload []byte, group string, err error) {
	if len(data) < subgroupTrailerSize {
		return nil, "", ErrInvalidTrailer
	}
	trailer := data[len(data)-subgroupTrailerSize:]
	name := trailer
	if idx := bytes.IndexByte(trailer, 0); idx >= 0 {
		name = trailer[:idx]
	}
	if len(name) == 0 {
		return nil, "", ErrInvalidTrailer
	}
	return data[:len(data)-subgroupTrailerSize], string(name), nil
}

// EncodeControl encodes the payload of flush acknowledgements and fully
// received confirmations: the id of the view they refer to.
func EncodeControl(id network.ViewID) []byte {
	return network.AppendViewID(make([]byte, 0, network.ViewIDSize), id)
}

func DecodeControl(data []byte) (network.ViewID, error) {
	if len(data) != network.ViewIDSize {
		return network.ViewID{}, network.ErrInvalidViewIDLength
	}
	return network.DecodeViewID(data)
}

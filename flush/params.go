package flush

import "math"

// Parameters are the tunables of the flush layer. They only affect the local
// process and need not match across members.
type Parameters struct {
	// PendingAgeLimit is the number of transport membership events a pending
	// membership change may outlive without its own membership event having been
	// received. Such changes are created by flush acknowledgements that race ahead
	// of their membership event or that refer to views this member never belonged to.
	PendingAgeLimit int

	// InitialBufferSize is the starting size of the growable buffer used to read
	// from the transport.
	InitialBufferSize int
}

func DefaultParameters() Parameters {
	return Parameters{
		PendingAgeLimit:   3,
		InitialBufferSize: 4096,
	}
}

const (
	// MaxScatterElements is the largest number of elements a scatter may have.
	MaxScatterElements = 100
	// MaxMessageSize is the largest application payload that can be sent.
	MaxMessageSize = 140000

	// Message types below MinMessageType are reserved for the layer's own
	// control traffic.
	FlushAckMessageType      int16 = math.MinInt16
	FullyReceivedMessageType int16 = math.MinInt16 + 1
	VulnerableMessageType    int16 = math.MinInt16 + 2
	MinMessageType           int16 = math.MinInt16 + 3
)

package vsync

import (
	"github.com/cmwaters/vsync/flush"
	"github.com/cmwaters/vsync/p2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/rs/zerolog"
)

// New creates a flush layer whose groups are pubsub topics of the host.
func New(host host.Host, ps *pubsub.PubSub, logger zerolog.Logger, opts ...flush.Option) *flush.Layer {
	transport := p2p.NewNetwork(host.ID(), ps, logger)
	return flush.New(transport, append([]flush.Option{flush.WithLogger(logger)}, opts...)...)
}

// Package transport defines the message-substrate abstraction the core
// depends on: point-to-point send/receive, a small set of collectives
// (barrier, broadcast, reduce), and rank/size identity. Two
// implementations are provided: grpcfabric
// (a real mesh of gRPC streams) and emulator (N virtual ranks in one
// process, channel-based), so the core is testable without a cluster.
package transport

import (
	"context"

	"github.com/dmikushin/circle-go/wire"
)

// Fabric is the capability set the Worker Loop and Work-Request Protocol
// require from the message-passing substrate.
type Fabric interface {
	// Rank returns this process's rank, 0 <= Rank() < Size().
	Rank() int
	// Size returns the ensemble size, N.
	Size() int

	// Send delivers env to the rank dest. Delivery is FIFO per
	// sender-receiver pair; Send itself may return before the
	// peer has processed env.
	Send(ctx context.Context, dest int, env wire.Envelope) error

	// Inbox is the channel of envelopes addressed to this rank, in the
	// order the substrate delivered them. It is never closed while the
	// Fabric is open.
	Inbox() <-chan wire.Envelope

	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error

	// Broadcast, called by rank 0, delivers env to every other rank's
	// Inbox (rank 0 does not receive its own broadcast back). Non-root
	// ranks must not call Broadcast.
	Broadcast(ctx context.Context, env wire.Envelope) error

	// Reduce contributes local to a sum rooted at rank 0. Every rank must
	// call Reduce for a given round; rank 0's call returns the sum across
	// all ranks, non-root calls return 0. Reduce does not affect
	// termination detection.
	Reduce(ctx context.Context, local int64) (sum int64, err error)

	// Close releases substrate resources. It does not close Inbox, and
	// envelopes already buffered there can still be received.
	Close() error
}

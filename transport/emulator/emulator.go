// Package emulator provides an in-process implementation of
// transport.Fabric for N virtual ranks running as goroutines in a single
// process. It backs the circle package's tests, including every one that
// needs more than one rank.
package emulator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dmikushin/circle-go/transport"
	"github.com/dmikushin/circle-go/transport/internal/rendezvous"
	"github.com/dmikushin/circle-go/wire"
)

// inboxCapacity bounds how far a sender can run ahead of a slow receiver
// before Send blocks; generous enough that the work-stealing protocol's
// message volume never backs up under normal test workloads.
const inboxCapacity = 256

// Cluster is the shared state backing N emulator.Fabric instances: the
// per-rank inboxes, and the rendezvous point for Barrier and Reduce.
type Cluster struct {
	n       int
	inboxes []chan wire.Envelope
	group   *rendezvous.Group
}

// NewCluster allocates a Cluster for n virtual ranks.
func NewCluster(n int) *Cluster {
	if n <= 0 {
		panic("emulator: n must be positive")
	}
	c := &Cluster{
		n:       n,
		inboxes: make([]chan wire.Envelope, n),
		group:   rendezvous.New(n),
	}
	for i := range c.inboxes {
		c.inboxes[i] = make(chan wire.Envelope, inboxCapacity)
	}
	return c
}

// Fabric returns the transport.Fabric view for one virtual rank.
func (c *Cluster) Fabric(rank int) transport.Fabric {
	if rank < 0 || rank >= c.n {
		panic(fmt.Sprintf("emulator: rank %d out of range [0,%d)", rank, c.n))
	}
	return &fabric{rank: rank, cluster: c}
}

type fabric struct {
	rank    int
	cluster *Cluster
}

func (f *fabric) Rank() int { return f.rank }
func (f *fabric) Size() int { return f.cluster.n }

func (f *fabric) Inbox() <-chan wire.Envelope { return f.cluster.inboxes[f.rank] }

func (f *fabric) Send(ctx context.Context, dest int, env wire.Envelope) error {
	if dest < 0 || dest >= f.cluster.n {
		return fmt.Errorf("emulator: send to out-of-range rank %d", dest)
	}
	env.From = int32(f.rank)
	select {
	case f.cluster.inboxes[dest] <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fabric) Barrier(ctx context.Context) error {
	return f.cluster.group.Barrier(ctx)
}

// Reduce does not affect termination detection.
func (f *fabric) Reduce(ctx context.Context, local int64) (int64, error) {
	return f.cluster.group.Reduce(ctx, local, f.rank == 0)
}

// Broadcast may only be called by rank 0; it fans out env to every other
// rank's Inbox.
func (f *fabric) Broadcast(ctx context.Context, env wire.Envelope) error {
	if f.rank != 0 {
		return fmt.Errorf("emulator: Broadcast called by non-root rank %d", f.rank)
	}
	env.From = 0
	for dest := 0; dest < f.cluster.n; dest++ {
		if dest == f.rank {
			continue
		}
		select {
		case f.cluster.inboxes[dest] <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close is a no-op for the emulator: the Cluster's channels are shared
// across all ranks, so individual ranks don't own teardown. The Cluster
// is simply discarded once every Fabric's owning goroutine returns.
func (f *fabric) Close() error { return nil }

// Run launches n virtual ranks as goroutines sharing one Cluster, and
// waits for all of them to return, in the manner of an MPI job launcher.
// The first non-nil error from any rank cancels ctx for the rest and is
// returned (golang.org/x/sync/errgroup semantics).
func Run(ctx context.Context, n int, fn func(ctx context.Context, f transport.Fabric) error) error {
	c := NewCluster(n)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		rank := rank
		g.Go(func() error {
			return fn(gctx, c.Fabric(rank))
		})
	}
	return g.Wait()
}

// Package rendezvous implements the reusable counting-barrier and
// sum-reduction primitives shared by both transport.Fabric
// implementations. It has no notion of ranks or messages; callers
// are responsible for getting each participant's contribution to the
// same Group instance, whether that's a direct in-process call
// (emulator) or the result of decoding an inbound RPC (grpcfabric).
package rendezvous

import (
	"context"
	"sync"
)

// Group coordinates exactly n participants through repeated barrier and
// reduce rounds. The zero value is not usable; construct with New.
type Group struct {
	n int

	mu             sync.Mutex
	barrierArrived int
	barrierRelease chan struct{}
	reduceArrived  int
	reduceSum      int64
	reduceResult   int64
	reduceRelease  chan struct{}
}

// New creates a Group for n participants.
func New(n int) *Group {
	return &Group{
		n:              n,
		barrierRelease: make(chan struct{}),
		reduceRelease:  make(chan struct{}),
	}
}

// Barrier blocks the calling participant until all n have arrived, then
// releases everyone. It is reusable across repeated rounds (a cyclic
// barrier): the generation advances automatically on each release. A
// participant that bails out on ctx withdraws its arrival, so a timed-out
// round leaves the quorum count intact for later rounds.
func (g *Group) Barrier(ctx context.Context) error {
	g.mu.Lock()
	g.barrierArrived++
	if g.barrierArrived == g.n {
		g.barrierArrived = 0
		release := g.barrierRelease
		g.barrierRelease = make(chan struct{})
		// Closed under the lock: a concurrently cancelling participant
		// must observe either the closed channel or its own arrival
		// still counted, never neither.
		close(release)
		g.mu.Unlock()
		return nil
	}
	release := g.barrierRelease
	g.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-release:
			// The round completed while we were cancelling.
			g.mu.Unlock()
			return nil
		default:
		}
		g.barrierArrived--
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Reduce contributes local to the running sum for the current round and
// blocks until all n participants have contributed. It returns the total
// sum to every caller that passes root=true (intended for exactly one
// participant, the root, per round) and 0 to the rest, matching
// transport.Fabric.Reduce's contract. A participant that bails out on ctx
// withdraws both its arrival and its contribution, so an abandoned round
// doesn't skew the count or the sum of later rounds.
func (g *Group) Reduce(ctx context.Context, local int64, root bool) (int64, error) {
	g.mu.Lock()
	g.reduceSum += local
	g.reduceArrived++
	if g.reduceArrived == g.n {
		g.reduceResult = g.reduceSum
		g.reduceSum = 0
		g.reduceArrived = 0
		release := g.reduceRelease
		g.reduceRelease = make(chan struct{})
		// Closed under the lock, same as Barrier.
		close(release)
		g.mu.Unlock()
		return g.resultFor(root), nil
	}
	release := g.reduceRelease
	g.mu.Unlock()

	select {
	case <-release:
		return g.resultFor(root), nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-release:
			// The round completed while we were cancelling.
			g.mu.Unlock()
			return g.resultFor(root), nil
		default:
		}
		g.reduceSum -= local
		g.reduceArrived--
		g.mu.Unlock()
		return 0, ctx.Err()
	}
}

func (g *Group) resultFor(root bool) int64 {
	if !root {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reduceResult
}

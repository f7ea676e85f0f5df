// Package token implements colour-token termination detection: a
// Dijkstra-style protocol running on a unidirectional ring of ranks.
//
// This package is deliberately pure and I/O-free (no transport, no
// goroutines): State.Receive is a total function of the received colour
// and the rank's own accumulated colour, which is what makes the ring
// tractable to exhaustively model-check for small N.
package token

import "github.com/dmikushin/circle-go/wire"

// Colour aliases wire.Colour so callers outside this package don't need to
// import wire just to compare colours.
type Colour = wire.Colour

const (
	White = wire.ColourWhite
	Black = wire.ColourBlack
)

// State tracks one rank's participation in the token ring.
type State struct {
	Rank int
	Size int
	self Colour
}

// New creates ring-termination state for a rank. Every rank starts WHITE.
func New(rank, size int) *State {
	return &State{Rank: rank, Size: size, self: White}
}

// Colour returns the rank's current accumulated colour.
func (s *State) Colour() Colour { return s.self }

// Dirty marks this rank BLACK: it has sent work downstream to a
// lower-numbered rank, or received work while a candidate token-holder.
// It stays BLACK until it next forwards or
// originates a token.
func (s *State) Dirty() { s.self = Black }

// Downstream is the next rank in the ring, to which a held or received
// token is forwarded once this rank goes idle.
func (s *State) Downstream() int { return (s.Rank + 1) % s.Size }

// Originate produces the WHITE token rank 0 injects into the ring when it
// is itself idle with an empty queue.
func (s *State) Originate() Colour {
	s.self = White
	return White
}

// Result is the outcome of receiving a token while idle.
type Result struct {
	// Forward is the colour to send to Downstream(). Meaningless if Done
	// or Restart is set (rank 0 terminal cases never forward).
	Forward Colour
	// Done reports that rank 0 observed a WHITE token while itself WHITE:
	// global termination. Only ever set for Rank == 0.
	Done bool
	// Restart reports that rank 0 discarded a BLACK token (or was itself
	// BLACK) and should originate a fresh WHITE round. Only ever set for
	// Rank == 0.
	Restart bool
}

// Receive processes a token arriving at an idle rank. A BLACK rank
// blackens the token before forwarding; a WHITE rank forwards the
// received colour unchanged, so blackness survives all the way around
// to rank 0. The caller is
// responsible for only invoking Receive once the rank
// is actually idle; a busy rank holds an arrived token until it goes
// idle, then calls Receive exactly once for it.
func (s *State) Receive(received Colour) Result {
	if s.Rank == 0 {
		if received == White && s.self == White {
			return Result{Done: true}
		}
		// Either the token came back BLACK, or rank 0 dirtied itself
		// since the round began: discard and start a fresh round.
		s.self = White
		return Result{Restart: true}
	}

	forward := received
	if s.self == Black {
		forward = Black
	}
	s.self = White
	return Result{Forward: forward}
}

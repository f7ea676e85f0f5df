// Package wire defines the on-the-wire message format used between ranks.
//
// Per the protocol, items are opaque byte strings and the only structured
// payload is WORK_REPLY's length-prefixed sequence of length-prefixed byte
// strings. Everything here is encoded by hand, deliberately: there is no
// schema to generate, just a small fixed header plus that one repeated
// field.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag discriminates the kind of Envelope on the wire.
type Tag uint8

// Application-level protocol tags.
const (
	TagRequestWork Tag = iota + 1
	TagWorkReply
	TagNoWork
	TagToken
	TagAbort
	TagDone
)

// Substrate-level tags, reserved for fabrics that carry the collectives
// (barrier/broadcast/reduce) in-band on the point-to-point channel. The
// two bundled fabrics service collectives out of band instead (a shared
// rendezvous for the emulator, dedicated unary RPCs for grpcfabric), so
// these never appear on their wires; the values are pinned here so an
// in-band fabric can't collide with the protocol tags above.
const (
	TagReduceContribute Tag = iota + 64
	TagReduceResult
	TagBarrierJoin
	TagBarrierRelease
	TagBroadcast
)

func (t Tag) String() string {
	switch t {
	case TagRequestWork:
		return "REQUEST_WORK"
	case TagWorkReply:
		return "WORK_REPLY"
	case TagNoWork:
		return "NO_WORK"
	case TagToken:
		return "TOKEN"
	case TagAbort:
		return "ABORT"
	case TagDone:
		return "DONE"
	case TagReduceContribute:
		return "REDUCE_CONTRIBUTE"
	case TagReduceResult:
		return "REDUCE_RESULT"
	case TagBarrierJoin:
		return "BARRIER_JOIN"
	case TagBarrierRelease:
		return "BARRIER_RELEASE"
	case TagBroadcast:
		return "BROADCAST"
	default:
		return fmt.Sprintf("TAG(%d)", uint8(t))
	}
}

// Colour is the Dijkstra-style termination-detection token colour.
type Colour uint8

const (
	ColourWhite Colour = iota
	ColourBlack
)

func (c Colour) String() string {
	if c == ColourBlack {
		return "BLACK"
	}
	return "WHITE"
}

// Envelope is the discriminated record exchanged between ranks.
//
// Not every field is meaningful for every Tag: Items is populated only for
// TagWorkReply, Colour only for TagToken, Value only for the reduce tags.
type Envelope struct {
	Tag    Tag
	From   int32
	Colour Colour
	Value  int64
	Items  [][]byte
}

const maxItemsPerReply = 1 << 20 // generous sanity bound, not MAX_ITEM_LEN

// ErrMalformed is returned by Unmarshal for truncated or inconsistent frames.
var ErrMalformed = errors.New("wire: malformed envelope")

// Marshal encodes an Envelope as a flat byte frame:
//
//	[1]tag [4]from(BE int32) [1]colour [8]value(BE int64) [4]itemCount
//	{ [4]len(BE uint32) item-bytes } * itemCount
func Marshal(e Envelope) []byte {
	size := 1 + 4 + 1 + 8 + 4
	for _, it := range e.Items {
		size += 4 + len(it)
	}
	buf := make([]byte, size)
	buf[0] = byte(e.Tag)
	binary.BigEndian.PutUint32(buf[1:5], uint32(e.From))
	buf[5] = byte(e.Colour)
	binary.BigEndian.PutUint64(buf[6:14], uint64(e.Value))
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(e.Items)))
	off := 18
	for _, it := range e.Items {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(it)))
		off += 4
		copy(buf[off:], it)
		off += len(it)
	}
	return buf
}

// Unmarshal decodes a frame produced by Marshal. It returns ErrMalformed,
// wrapped with context, for any truncated or internally inconsistent input;
// callers should log and drop the message
// rather than treat this as fatal.
func Unmarshal(buf []byte) (Envelope, error) {
	if len(buf) < 18 {
		return Envelope{}, fmt.Errorf("%w: header truncated (%d bytes)", ErrMalformed, len(buf))
	}
	e := Envelope{
		Tag:    Tag(buf[0]),
		From:   int32(binary.BigEndian.Uint32(buf[1:5])),
		Colour: Colour(buf[5]),
		Value:  int64(binary.BigEndian.Uint64(buf[6:14])),
	}
	count := binary.BigEndian.Uint32(buf[14:18])
	if count > maxItemsPerReply {
		return Envelope{}, fmt.Errorf("%w: item count %d exceeds sanity bound", ErrMalformed, count)
	}
	off := 18
	items := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(buf) {
			return Envelope{}, fmt.Errorf("%w: item %d length truncated", ErrMalformed, i)
		}
		n := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		if n < 0 || off+n > len(buf) {
			return Envelope{}, fmt.Errorf("%w: item %d body truncated", ErrMalformed, i)
		}
		item := make([]byte, n)
		copy(item, buf[off:off+n])
		items = append(items, item)
		off += n
	}
	e.Items = items
	return e, nil
}

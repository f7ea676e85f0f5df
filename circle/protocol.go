package circle

import (
	"context"
	"fmt"

	"github.com/dmikushin/circle-go/wire"
)

// handleMessage dispatches one inbound Envelope. It reports done=true
// only for TagDone. Errors are non-fatal: the caller logs them and
// continues.
func (r *Rank) handleMessage(ctx context.Context, env wire.Envelope) (done bool, err error) {
	switch env.Tag {
	case wire.TagRequestWork:
		return false, r.handleRequestWork(ctx, env)

	case wire.TagWorkReply:
		return false, r.handleWorkReply(env)

	case wire.TagNoWork:
		r.requesting = false
		return false, nil

	case wire.TagToken:
		colour := env.Colour
		r.pendingToken = &colour
		return false, nil

	case wire.TagAbort:
		return false, r.handleAbort(ctx)

	case wire.TagDone:
		return true, nil

	default:
		return false, fmt.Errorf("%w: unexpected tag %s from rank %d", ErrProtocol, env.Tag, env.From)
	}
}

// handleRequestWork services a steal request: split off the bottom half
// when this rank has >=2 items, reply NO_WORK otherwise, and paint this
// rank BLACK if the requester's rank id is lower.
func (r *Rank) handleRequestWork(ctx context.Context, env wire.Envelope) error {
	size := r.queue.Size()
	if size < 2 {
		return r.fabric.Send(ctx, int(env.From), wire.Envelope{Tag: wire.TagNoWork})
	}

	k := size / 2
	batch, err := r.queue.SplitOff(k)
	if err != nil {
		return fmt.Errorf("circle: split queue for rank %d: %w", env.From, err)
	}

	if int(env.From) < r.fabric.Rank() {
		r.token.Dirty()
	}

	return r.fabric.Send(ctx, int(env.From), wire.Envelope{Tag: wire.TagWorkReply, Items: batch})
}

// handleWorkReply pushes replied items into the Local Queue and clears
// the requesting flag. Receiving work while holding an unforwarded token
// dirties this rank, preserving the ring invariant.
func (r *Rank) handleWorkReply(env wire.Envelope) error {
	r.requesting = false
	if r.pendingToken != nil {
		r.token.Dirty()
	}
	for _, item := range env.Items {
		if err := r.queue.Push(item); err != nil {
			return fmt.Errorf("circle: push item from WORK_REPLY: %w", err)
		}
	}
	return nil
}

// handleAbort actions a received ABORT: rank 0 relays it to
// every other rank; any rank sets its local flag so the next Worker Loop
// iteration checkpoints and exits.
func (r *Rank) handleAbort(ctx context.Context) error {
	r.abortFlag.Store(true)
	if r.fabric.Rank() == 0 {
		return r.fabric.Broadcast(ctx, wire.Envelope{Tag: wire.TagAbort})
	}
	return nil
}

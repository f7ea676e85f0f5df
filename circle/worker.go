package circle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/joeycumines/go-longpoll"

	"github.com/dmikushin/circle-go/checkpoint"
	"github.com/dmikushin/circle-go/wire"
)

// Begin runs the Worker Loop to termination. It returns nil
// once DONE has been observed (or this rank has acted on an abort).
// It returns ErrNoProcessor if no processor callback is registered, the
// checkpoint error if a requested restart cannot be loaded, an error
// wrapping ErrSubstrate if the fabric fails to send, and the context's
// error if ctx ends while messages are being serviced.
func (r *Rank) Begin(ctx context.Context) error {
	if r.processor == nil {
		if r.log != nil {
			r.log.Warning().Log("circle: no processor registered, exiting immediately")
		}
		return ErrNoProcessor
	}

	if r.restartRequested {
		if err := checkpoint.Read(r.log, r.cfg.CheckpointDir, r.fabric.Rank(), r.queue); err != nil {
			return err
		}
	}

	if r.fabric.Rank() == 0 || r.cfg.Flags&CreateGlobal != 0 {
		if r.creator != nil {
			r.creator(r.GetHandle())
		}
	}

	stopReduce := make(chan struct{})
	reduceExited := make(chan struct{})
	go func() {
		defer close(reduceExited)
		r.reduceLoop(ctx, stopReduce)
	}()
	defer func() {
		close(stopReduce)
		<-reduceExited
	}()

	for {
		if r.abortFlag.Load() {
			if err := r.Checkpoint(); err != nil && r.log != nil {
				r.log.Err().Err(err).Log("circle: checkpoint on abort failed")
			}
			return r.exitBarrier(ctx)
		}

		h := r.GetHandle()
		for i := 0; i < r.cfg.ProcessBatchSize && !r.queue.IsEmpty(); i++ {
			r.processor(h)
			r.processedCount.Add(1)
		}

		done, closed, err := r.serviceMessages(ctx)
		if err != nil {
			return err
		}
		if done {
			if closed {
				// The Fabric was torn down out of band; there is nobody
				// left to synchronise with.
				return nil
			}
			return r.exitBarrier(ctx)
		}

		if r.queue.IsEmpty() {
			if err := r.idleStep(ctx); err != nil {
				return fmt.Errorf("%w: %w", ErrSubstrate, err)
			}
		}

		tdone, err := r.advanceToken(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSubstrate, err)
		}
		if tdone {
			return r.exitBarrier(ctx)
		}
	}
}

// exitBarrier synchronises the ensemble on the way out of the Worker
// Loop, so a caller observing Begin return knows every rank has
// terminated. A barrier failure at this point is logged rather than
// returned: the run itself already completed.
func (r *Rank) exitBarrier(ctx context.Context) error {
	if err := r.fabric.Barrier(ctx); err != nil {
		if r.log != nil {
			r.log.Warning().Err(err).Log("circle: exit barrier failed")
		}
	}
	return nil
}

// serviceMessages drains all currently-pending inbound messages,
// non-blockingly: longpoll.Channel is configured with MinSize < 0 so it
// returns almost immediately rather than waiting for a message to arrive.
// It reports done=true once DONE has been observed. handleMessage never
// itself returns a fatal error (protocol errors are logged and dropped),
// so the only errors Channel can produce here are io.EOF (the Inbox
// closed, meaning this rank's Fabric was torn down out of band, reported
// as done with closed=true) or ctx cancellation.
func (r *Rank) serviceMessages(ctx context.Context) (done, closed bool, err error) {
	cfg := &longpoll.ChannelConfig{
		MaxSize:        64,
		MinSize:        -1,
		PartialTimeout: time.Microsecond,
	}
	cerr := longpoll.Channel(ctx, cfg, r.fabric.Inbox(), func(env wire.Envelope) error {
		d, herr := r.handleMessage(ctx, env)
		if herr != nil && r.log != nil {
			r.log.Err().Err(herr).Log("circle: dropping message")
		}
		if d {
			done = true
		}
		return nil
	})
	switch {
	case cerr == nil:
		return done, false, nil
	case errors.Is(cerr, io.EOF):
		return true, true, nil
	default:
		return done, false, cerr
	}
}

// idleStep runs the Work-Request Protocol's idle path: an empty-queued
// rank picks a target and (rate-limit permitting) sends
// REQUEST_WORK.
func (r *Rank) idleStep(ctx context.Context) error {
	if r.requesting {
		return nil
	}
	if r.fabric.Size() < 2 {
		// Nobody to steal from; the Token Ring alone detects termination.
		return nil
	}
	if r.limit != nil {
		if _, ok := r.limit.Allow("request"); !ok {
			return nil
		}
	}
	target := r.selectTarget()
	if err := r.fabric.Send(ctx, target, wire.Envelope{Tag: wire.TagRequestWork}); err != nil {
		return err
	}
	r.requesting = true
	r.requestedOf = target
	if r.log != nil {
		r.log.Debug().Int("target", r.requestedOf).Log("circle: requesting work")
	}
	return nil
}

// selectTarget picks a steal target per Config.Flags: uniform
// random under SplitRandom, round-robin from (self+1) mod N under
// SplitEqual.
func (r *Rank) selectTarget() int {
	n := r.fabric.Size()
	self := r.fabric.Rank()
	if r.cfg.Flags&SplitRandom != 0 {
		for {
			t := rand.IntN(n)
			if t != self {
				return t
			}
		}
	}
	for {
		t := (self + 1 + r.roundRobinNxt) % n
		r.roundRobinNxt++
		if t != self {
			return t
		}
	}
}

// advanceToken forwards a held token once this rank is idle and eligible.
// Rank 0 also originates the very first token of a round here. It reports
// done=true once rank 0 itself has observed global termination: rank 0
// declares this locally rather than waiting on its own DONE broadcast,
// which never loops back to the sender.
func (r *Rank) advanceToken(ctx context.Context) (done bool, err error) {
	if r.pendingToken != nil && r.queue.IsEmpty() {
		colour := *r.pendingToken
		r.pendingToken = nil
		r.awaitingToken = false

		result := r.token.Receive(colour)
		switch {
		case result.Done:
			return true, r.fabric.Broadcast(ctx, wire.Envelope{Tag: wire.TagDone})
		case result.Restart:
			fresh := r.token.Originate()
			r.awaitingToken = true
			return false, r.fabric.Send(ctx, r.token.Downstream(), wire.Envelope{Tag: wire.TagToken, Colour: fresh})
		default:
			return false, r.fabric.Send(ctx, r.token.Downstream(), wire.Envelope{Tag: wire.TagToken, Colour: result.Forward})
		}
	}

	if r.fabric.Rank() == 0 && r.queue.IsEmpty() && !r.requesting &&
		r.pendingToken == nil && !r.awaitingToken {
		colour := r.token.Originate()
		r.awaitingToken = true
		return false, r.fabric.Send(ctx, r.token.Downstream(), wire.Envelope{Tag: wire.TagToken, Colour: colour})
	}

	return false, nil
}

// reduceLoop periodically contributes this rank's progress count to the
// reduction rooted at rank 0, on its own goroutine so a round that's
// slow to converge never blocks message servicing. Each round is bounded
// by ReduceInterval: a round that can't complete in time is abandoned
// rather than left to hang indefinitely.
func (r *Rank) reduceLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.ReduceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, r.cfg.ReduceInterval)
			sum, err := r.fabric.Reduce(rctx, r.processedCount.Load())
			cancel()
			if err != nil {
				if r.log != nil {
					r.log.Debug().Err(err).Log("circle: reduce round abandoned")
				}
				continue
			}
			if r.fabric.Rank() == 0 && r.log != nil {
				r.log.Info().Int64("processed", sum).Log("circle: progress")
			}
		}
	}
}

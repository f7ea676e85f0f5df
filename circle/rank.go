package circle

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"

	izerolog "github.com/joeycumines/izerolog"

	"github.com/dmikushin/circle-go/checkpoint"
	"github.com/dmikushin/circle-go/queue"
	"github.com/dmikushin/circle-go/token"
	"github.com/dmikushin/circle-go/transport"
	"github.com/dmikushin/circle-go/wire"
)

// Rank is the per-process state record: the Local Queue, the registered
// callbacks, the Token Ring state, and the bookkeeping the Worker Loop
// and Work-Request Protocol need. A Rank is created by Init and torn down
// by Finalize; it must only be driven by one goroutine at a time.
type Rank struct {
	cfg    Config
	fabric transport.Fabric
	queue  *queue.Queue
	token  *token.State
	limit  *catrate.Limiter
	log    *logiface.Logger[*izerolog.Event]

	creator   CreateFunc
	processor ProcessFunc

	restartRequested bool
	abortFlag        atomic.Bool

	// Work-Request Protocol state.
	requesting    bool
	requestedOf   int
	roundRobinNxt int

	// pendingToken holds a received TOKEN colour this rank hasn't yet
	// forwarded: a busy rank holds the token until it goes idle.
	pendingToken *wire.Colour
	// awaitingToken is set by rank 0 between originating a token and
	// observing it complete the ring.
	awaitingToken bool

	processedCount atomic.Int64
}

// Init binds a Rank to fabric, applying DefaultConfig overridden by opts.
// The substrate (fabric) is assumed already connected; Init's job is only
// to construct local state.
func Init(fabric transport.Fabric, opts ...Option) (*Rank, error) {
	if fabric == nil {
		return nil, fmt.Errorf("circle: Init requires a non-nil transport.Fabric")
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	r := &Rank{
		cfg:    cfg,
		fabric: fabric,
		queue:  queue.New(cfg.QueueCapacity, cfg.MaxItemLen),
		token:  token.New(fabric.Rank(), fabric.Size()),
		log:    cfg.Logger,
	}
	if len(cfg.RequestRate) > 0 {
		r.limit = catrate.NewLimiter(cfg.RequestRate)
	}
	return r, nil
}

// SetOptions replaces the Rank's flag word.
func (r *Rank) SetOptions(flags Flags) {
	r.cfg.Flags = flags
}

// CbCreate registers (or replaces) the creator callback.
func (r *Rank) CbCreate(fn CreateFunc) {
	r.creator = fn
}

// CbProcess registers (or replaces) the processor callback.
func (r *Rank) CbProcess(fn ProcessFunc) {
	r.processor = fn
}

// ReadRestarts must be called between Init and Begin to load a prior
// checkpoint. Loading itself happens at the start of Begin.
func (r *Rank) ReadRestarts() {
	r.restartRequested = true
}

// Checkpoint writes the Rank's current Local Queue to
// <CheckpointDir>/circle<rank>.txt without otherwise altering state.
func (r *Rank) Checkpoint() error {
	return checkpoint.Write(r.log, r.cfg.CheckpointDir, r.fabric.Rank(), r.queue)
}

// Abort requests an orderly shutdown: every rank checkpoints and exits at
// its next Worker Loop iteration. It may be called from any
// rank; non-root ranks relay the request to rank 0, which broadcasts it
// (Broadcast is rank 0's privilege on transport.Fabric).
func (r *Rank) Abort(ctx context.Context) error {
	if r.fabric.Rank() == 0 {
		r.abortFlag.Store(true)
		return r.fabric.Broadcast(ctx, wire.Envelope{Tag: wire.TagAbort})
	}
	return r.fabric.Send(ctx, 0, wire.Envelope{Tag: wire.TagAbort})
}

// GetHandle returns a Handle valid only for the duration of the current
// callback invocation.
func (r *Rank) GetHandle() *Handle {
	return &Handle{rank: r}
}

// UnsafeHandle returns a Handle valid outside callback scope. Concurrent
// use from goroutines other than the one driving Begin is the caller's
// responsibility to serialize; the Local Queue performs no locking.
func (r *Rank) UnsafeHandle() *Handle {
	return &Handle{rank: r}
}

// Finalize releases the Rank's transport resources.
func (r *Rank) Finalize() error {
	return r.fabric.Close()
}

// RankID returns this process's rank id.
func (r *Rank) RankID() int { return r.fabric.Rank() }

// Size returns the ensemble size, N.
func (r *Rank) Size() int { return r.fabric.Size() }

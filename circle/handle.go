package circle

// CreateFunc seeds work into the Local Queue via h.Enqueue. It runs
// exactly once per rank that's eligible (rank 0, or every rank under
// CreateGlobal), before the steady-state loop begins.
type CreateFunc func(h *Handle)

// ProcessFunc consumes one item from the Local Queue via h.Dequeue, and
// may enqueue more via h.Enqueue. The Worker Loop invokes it repeatedly,
// up to Config.ProcessBatchSize times per iteration, for as long as the
// queue is non-empty.
type ProcessFunc func(h *Handle)

// Handle is the capability object passed to user callbacks: enqueue,
// dequeue, and size, delegating to the owning Rank's Local Queue. A
// Handle obtained through the normal callback invocation is valid only
// for the duration of that call; see Rank.UnsafeHandle for
// the documented escape hatch.
type Handle struct {
	rank *Rank
}

// Enqueue pushes item onto the Local Queue. It fails with
// queue.ErrEmptyItem, queue.ErrItemTooLarge, queue.ErrItemInvalid, or
// queue.ErrQueueFull.
func (h *Handle) Enqueue(item []byte) error {
	return h.rank.queue.Push(item)
}

// Dequeue pops the most recently pushed item (LIFO). It fails with
// queue.ErrQueueEmpty.
func (h *Handle) Dequeue() ([]byte, error) {
	return h.rank.queue.Pop()
}

// Size reports the Local Queue's current item count.
func (h *Handle) Size() int {
	return h.rank.queue.Size()
}

// Package grpcfabric is the real transport.Fabric implementation: a full
// mesh of persistent bidirectional gRPC streams, one per ordered rank
// pair, carrying this library's own wire.Envelope framing. Barrier and
// Reduce are serviced centrally by rank 0 over ordinary unary RPCs.
package grpcfabric

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joeycumines/logiface"

	izerolog "github.com/joeycumines/izerolog"

	"github.com/dmikushin/circle-go/transport"
	"github.com/dmikushin/circle-go/transport/internal/rendezvous"
	"github.com/dmikushin/circle-go/wire"
)

// errNotRoot is returned by the server-side Barrier/Reduce handlers if a
// misconfigured peer dials a non-root rank for a collective.
var errNotRoot = errors.New("grpcfabric: collectives RPC received by non-root rank")

const inboxCapacity = 256

// Fabric is a transport.Fabric backed by gRPC, addressed by a static list
// of listen addresses, one per rank, supplied up front, since there is no
// cluster launcher to discover peers dynamically.
type Fabric struct {
	rank  int
	addrs []string
	log   *logiface.Logger[*izerolog.Event]

	server    *grpc.Server
	listener  net.Listener
	inbox     chan wire.Envelope
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	conns   map[int]*grpc.ClientConn
	streams map[int]grpc.ClientStream

	// root is non-nil only for rank 0; it services Barrier/Reduce RPCs
	// from every other rank, and this rank's own local calls.
	root *rendezvous.Group
}

// New starts listening on addrs[rank] and returns a Fabric ready to Send,
// once peers have likewise started (Send dials lazily, on first use).
func New(rank int, addrs []string, log *logiface.Logger[*izerolog.Event]) (*Fabric, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, fmt.Errorf("grpcfabric: rank %d out of range [0,%d)", rank, len(addrs))
	}
	lis, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, fmt.Errorf("grpcfabric: listen on %s: %w", addrs[rank], err)
	}

	f := &Fabric{
		rank:     rank,
		addrs:    append([]string(nil), addrs...),
		log:      log,
		listener: lis,
		inbox:    make(chan wire.Envelope, inboxCapacity),
		done:     make(chan struct{}),
		conns:    make(map[int]*grpc.ClientConn),
		streams:  make(map[int]grpc.ClientStream),
	}
	if rank == 0 {
		f.root = rendezvous.New(len(addrs))
	}

	f.server = grpc.NewServer()
	desc := fabricServiceDesc(f)
	f.server.RegisterService(&desc, f)

	go func() {
		if err := f.server.Serve(lis); err != nil && f.log != nil {
			f.log.Err().Err(err).Log("grpcfabric: server exited")
		}
	}()

	return f, nil
}

func (f *Fabric) Rank() int { return f.rank }
func (f *Fabric) Size() int { return len(f.addrs) }

func (f *Fabric) Inbox() <-chan wire.Envelope { return f.inbox }

func (f *Fabric) conn(dest int) (*grpc.ClientConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.conns[dest]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(f.addrs[dest], grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpcfabric: dial rank %d (%s): %w", dest, f.addrs[dest], err)
	}
	f.conns[dest] = c
	return c, nil
}

func (f *Fabric) stream(dest int) (grpc.ClientStream, error) {
	f.mu.Lock()
	if s, ok := f.streams[dest]; ok {
		f.mu.Unlock()
		return s, nil
	}
	f.mu.Unlock()

	c, err := f.conn(dest)
	if err != nil {
		return nil, err
	}
	// The stream outlives any one Send's context, so it's opened against
	// a background context rather than the caller's.
	s, err := c.NewStream(context.Background(), &exchangeStreamDesc, exchangeMethod)
	if err != nil {
		return nil, fmt.Errorf("grpcfabric: open stream to rank %d: %w", dest, err)
	}

	f.mu.Lock()
	f.streams[dest] = s
	f.mu.Unlock()
	return s, nil
}

// Send delivers env to rank dest over that pair's persistent stream,
// opening it on first use. Per-pair FIFO delivery follows
// directly from gRPC's ordering guarantee within one stream.
func (f *Fabric) Send(ctx context.Context, dest int, env wire.Envelope) error {
	if dest < 0 || dest >= len(f.addrs) {
		return fmt.Errorf("grpcfabric: send to out-of-range rank %d", dest)
	}
	env.From = int32(f.rank)

	s, err := f.stream(dest)
	if err != nil {
		return err
	}
	if err := s.SendMsg(&wrapperspb.BytesValue{Value: wire.Marshal(env)}); err != nil {
		f.mu.Lock()
		delete(f.streams, dest)
		f.mu.Unlock()
		return fmt.Errorf("grpcfabric: send to rank %d: %w", dest, err)
	}
	return nil
}

// Barrier blocks until every rank has called Barrier, by forwarding to
// rank 0's rendezvous.Group (locally, if this is rank 0, over an RPC
// otherwise).
func (f *Fabric) Barrier(ctx context.Context) error {
	if f.root != nil {
		return f.root.Barrier(ctx)
	}
	c, err := f.conn(0)
	if err != nil {
		return err
	}
	return c.Invoke(ctx, barrierMethod, &emptypb.Empty{}, &emptypb.Empty{})
}

// Reduce contributes local to rank 0's running sum, returning the total
// only to rank 0's caller.
func (f *Fabric) Reduce(ctx context.Context, local int64) (int64, error) {
	if f.root != nil {
		return f.root.Reduce(ctx, local, true)
	}
	c, err := f.conn(0)
	if err != nil {
		return 0, err
	}
	var reply wrapperspb.Int64Value
	if err := c.Invoke(ctx, reduceMethod, &wrapperspb.Int64Value{Value: local}, &reply); err != nil {
		return 0, err
	}
	return 0, nil
}

// Broadcast may only be called by rank 0; it sends env to every other
// rank over the normal Exchange stream.
func (f *Fabric) Broadcast(ctx context.Context, env wire.Envelope) error {
	if f.rank != 0 {
		return fmt.Errorf("grpcfabric: Broadcast called by non-root rank %d", f.rank)
	}
	for dest := 1; dest < len(f.addrs); dest++ {
		if err := f.Send(ctx, dest, env); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the server, closes every client connection, and stops
// accepting further inbound frames.
func (f *Fabric) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		// Stop, not GracefulStop: peers hold persistent Exchange streams
		// open against this server, so a graceful stop would wait on
		// every peer to tear down first.
		f.server.Stop()

		f.mu.Lock()
		for _, c := range f.conns {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		f.mu.Unlock()
	})
	return err
}

var _ transport.Fabric = (*Fabric)(nil)

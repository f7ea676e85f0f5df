package grpcfabric

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmikushin/circle-go/wire"
)

// freeAddr picks a loopback address with an OS-assigned free port. There's
// an inherent race between releasing it here and New's own net.Listen, but
// it's the standard way to get an ephemeral port for a test fixture.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newMesh(t *testing.T, n int) []*Fabric {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = freeAddr(t)
	}
	fabrics := make([]*Fabric, n)
	for i := range fabrics {
		f, err := New(i, addrs, nil)
		require.NoError(t, err)
		fabrics[i] = f
	}
	t.Cleanup(func() {
		for _, f := range fabrics {
			_ = f.Close()
		}
	})
	return fabrics
}

func TestFabric_rankAndSize(t *testing.T) {
	t.Parallel()

	fabrics := newMesh(t, 3)
	for i, f := range fabrics {
		assert.Equal(t, i, f.Rank())
		assert.Equal(t, 3, f.Size())
	}
}

func TestFabric_sendDeliversAcrossMesh(t *testing.T) {
	t.Parallel()

	fabrics := newMesh(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, fabrics[0].Send(ctx, 1, wire.Envelope{Tag: wire.TagRequestWork, Value: 42}))

	select {
	case env := <-fabrics[1].Inbox():
		assert.Equal(t, wire.TagRequestWork, env.Tag)
		assert.Equal(t, int64(42), env.Value)
		assert.Equal(t, int32(0), env.From)
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}
}

func TestFabric_broadcastRejectedFromNonRoot(t *testing.T) {
	t.Parallel()

	fabrics := newMesh(t, 2)
	err := fabrics[1].Broadcast(context.Background(), wire.Envelope{Tag: wire.TagDone})
	assert.Error(t, err)
}

func TestFabric_broadcastReachesEveryOtherRank(t *testing.T) {
	t.Parallel()

	n := 3
	fabrics := newMesh(t, n)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, fabrics[0].Broadcast(ctx, wire.Envelope{Tag: wire.TagDone}))

	for i := 1; i < n; i++ {
		select {
		case env := <-fabrics[i].Inbox():
			assert.Equal(t, wire.TagDone, env.Tag)
		case <-ctx.Done():
			t.Fatalf("rank %d never received broadcast", i)
		}
	}
}

func TestFabric_barrierReleasesAllParticipants(t *testing.T) {
	t.Parallel()

	n := 3
	fabrics := newMesh(t, n)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, n)
	for _, f := range fabrics {
		f := f
		go func() { errs <- f.Barrier(ctx) }()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestFabric_reduceSumsAtRoot(t *testing.T) {
	t.Parallel()

	n := 3
	fabrics := newMesh(t, n)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		rank int
		sum  int64
		err  error
	}
	results := make(chan result, n)
	for i, f := range fabrics {
		i, f := i, f
		go func() {
			sum, err := f.Reduce(ctx, int64(i+1))
			results <- result{rank: i, sum: sum, err: err}
		}()
	}

	for i := 0; i < n; i++ {
		r := <-results
		require.NoError(t, r.err)
		if r.rank == 0 {
			assert.Equal(t, int64(1+2+3), r.sum)
		} else {
			assert.Equal(t, int64(0), r.sum)
		}
	}
}

func TestFabric_sendToOutOfRangeRank(t *testing.T) {
	t.Parallel()

	fabrics := newMesh(t, 2)
	err := fabrics[0].Send(context.Background(), 5, wire.Envelope{Tag: wire.TagRequestWork})
	assert.Error(t, err)
}

func TestNew_rejectsOutOfRangeRank(t *testing.T) {
	t.Parallel()

	addrs := []string{freeAddr(t)}
	_, err := New(1, addrs, nil)
	assert.Error(t, err)
}

func TestFabric_closeIsIdempotent(t *testing.T) {
	t.Parallel()

	fabrics := newMesh(t, 1)
	require.NoError(t, fabrics[0].Close())
	require.NoError(t, fabrics[0].Close())
}


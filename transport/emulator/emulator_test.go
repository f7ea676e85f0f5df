package emulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dmikushin/circle-go/transport"
	"github.com/dmikushin/circle-go/wire"
)

func TestFabric_sendDeliversToInbox(t *testing.T) {
	t.Parallel()

	c := NewCluster(2)
	a := c.Fabric(0)
	b := c.Fabric(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, 1, wire.Envelope{Tag: wire.TagRequestWork}))

	select {
	case env := <-b.Inbox():
		assert.Equal(t, wire.TagRequestWork, env.Tag)
		assert.Equal(t, int32(0), env.From)
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}
}

func TestFabric_sendRejectsOutOfRangeRank(t *testing.T) {
	t.Parallel()

	c := NewCluster(2)
	a := c.Fabric(0)
	err := a.Send(context.Background(), 5, wire.Envelope{Tag: wire.TagRequestWork})
	assert.Error(t, err)
}

func TestFabric_broadcastReachesEveryNonRootRank(t *testing.T) {
	t.Parallel()

	n := 4
	c := NewCluster(n)
	root := c.Fabric(0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, root.Broadcast(ctx, wire.Envelope{Tag: wire.TagDone}))

	for r := 1; r < n; r++ {
		select {
		case env := <-c.Fabric(r).Inbox():
			assert.Equal(t, wire.TagDone, env.Tag)
		case <-ctx.Done():
			t.Fatalf("rank %d never received broadcast", r)
		}
	}
}

func TestFabric_broadcastRejectedFromNonRoot(t *testing.T) {
	t.Parallel()

	c := NewCluster(3)
	err := c.Fabric(1).Broadcast(context.Background(), wire.Envelope{Tag: wire.TagDone})
	assert.Error(t, err)
}

func TestFabric_barrierReleasesAllParticipants(t *testing.T) {
	t.Parallel()

	n := 4
	c := NewCluster(n)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < n; r++ {
		f := c.Fabric(r)
		g.Go(func() error { return f.Barrier(gctx) })
	}
	require.NoError(t, g.Wait())
}

func TestFabric_reduceSumsAcrossRanksAtRoot(t *testing.T) {
	t.Parallel()

	n := 4
	c := NewCluster(n)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := make([]int64, n)
	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < n; r++ {
		r := r
		f := c.Fabric(r)
		g.Go(func() error {
			sum, err := f.Reduce(gctx, int64(r+1))
			results[r] = sum
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1+2+3+4), results[0])
	for r := 1; r < n; r++ {
		assert.Equal(t, int64(0), results[r])
	}
}

func TestRun_allRanksComplete(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	seen := make([]int, 3)
	err := Run(ctx, 3, func(ctx context.Context, f transport.Fabric) error {
		seen[f.Rank()] = f.Rank() + 1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

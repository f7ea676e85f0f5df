package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// freeAddr picks a loopback address with an OS-assigned free port. There's
// an inherent race between releasing it here and the fabric's own listen,
// but it's the standard way to get an ephemeral port for a test fixture.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRun_singleRankWalk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("world!"), 0o644))

	err := run([]string{
		"-rank", "0",
		"-peers", freeAddr(t),
		"-dir", dir,
		"-checkpoint-dir", t.TempDir(),
		"-reduce-every", "1s",
	})
	require.NoError(t, err)
}

func TestRun_rejectsOutOfRangeRank(t *testing.T) {
	err := run([]string{"-rank", "3", "-peers", "127.0.0.1:9100"})
	require.Error(t, err)
}

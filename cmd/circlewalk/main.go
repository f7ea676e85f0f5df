// Command circlewalk walks a directory tree across a ring of
// statically-addressed ranks, distributing the walk itself via the
// work-stealing protocol: the creator on rank 0 seeds the tree root, the
// processor expands directories back into the queue and sums file sizes,
// and the count of items processed is reported through the Reduction Tree.
// Each rank sums bytes locally; rank 0 prints its own total at the end. There is
// no cluster launcher involved: each rank is a separate process, wired
// together by -peers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/dmikushin/circle-go/circle"
	"github.com/dmikushin/circle-go/transport/grpcfabric"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "circlewalk:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("circlewalk", flag.ContinueOnError)
	rank := fs.Int("rank", 0, "this process's rank")
	peers := fs.String("peers", "127.0.0.1:9100", "comma-separated host:port list, one per rank, in rank order")
	dir := fs.String("dir", ".", "directory to walk (rank 0 only)")
	checkpointDir := fs.String("checkpoint-dir", ".", "directory for circle<rank>.txt restart files")
	restart := fs.Bool("restart", false, "resume from a prior checkpoint instead of walking -dir")
	reduceEvery := fs.Duration("reduce-every", 2*time.Second, "how often to report the running count of items processed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	addrs := strings.Split(*peers, ",")
	if *rank < 0 || *rank >= len(addrs) {
		return fmt.Errorf("rank %d out of range for %d peers", *rank, len(addrs))
	}

	fabric, err := grpcfabric.New(*rank, addrs, circle.DefaultLogger(circleLogLevel()))
	if err != nil {
		return fmt.Errorf("start fabric: %w", err)
	}

	r, err := circle.Init(fabric,
		circle.WithCheckpointDir(*checkpointDir),
		circle.WithReduceInterval(*reduceEvery),
	)
	if err != nil {
		return fmt.Errorf("init rank: %w", err)
	}

	var totalBytes atomic.Int64

	if !*restart {
		// On restart the checkpoint files already hold the frontier;
		// re-seeding the root would double-walk everything under it.
		r.CbCreate(func(h *circle.Handle) {
			if err := h.Enqueue([]byte(*dir)); err != nil {
				fmt.Fprintln(os.Stderr, "circlewalk: enqueue root:", err)
			}
		})
	}

	r.CbProcess(func(h *circle.Handle) {
		item, err := h.Dequeue()
		if err != nil {
			return
		}
		path := string(item)

		entries, err := os.ReadDir(path)
		if err != nil {
			// Not a directory (or unreadable): treat as a leaf file.
			if info, statErr := os.Stat(path); statErr == nil && !info.IsDir() {
				totalBytes.Add(info.Size())
			}
			return
		}
		for _, entry := range entries {
			child := path + string(os.PathSeparator) + entry.Name()
			if err := h.Enqueue([]byte(child)); err != nil {
				fmt.Fprintln(os.Stderr, "circlewalk: enqueue", child, ":", err)
			}
		}
	})

	if *restart {
		r.ReadRestarts()
	}

	// The signal context only triggers the cooperative abort; Begin keeps
	// its own context so the abort can still drain messages and write the
	// checkpoint before returning.
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan struct{})
	go func() {
		select {
		case <-sigCtx.Done():
			if err := r.Abort(context.Background()); err != nil {
				fmt.Fprintln(os.Stderr, "circlewalk: abort:", err)
			}
		case <-finished:
		}
	}()

	err = r.Begin(context.Background())
	close(finished)
	if err != nil && !errors.Is(err, context.Canceled) {
		_ = r.Finalize()
		return fmt.Errorf("begin: %w", err)
	}

	if *rank == 0 {
		fmt.Printf("circlewalk: rank 0 observed %d bytes locally\n", totalBytes.Load())
	}

	return r.Finalize()
}

// circleLogLevel reads the CIRCLE_LOGLEVEL environment variable,
// defaulting to informational.
func circleLogLevel() logiface.Level {
	const defaultLevel = logiface.LevelInformational
	v := os.Getenv("CIRCLE_LOGLEVEL")
	if v == "" {
		return defaultLevel
	}
	n, err := strconv.ParseInt(v, 10, 8)
	if err != nil {
		return defaultLevel
	}
	return logiface.Level(n)
}

// Package checkpoint serialises and restores a Local Queue to/from a
// per-rank restart file: one item per line, LF-terminated, in push
// (insertion) order.
package checkpoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joeycumines/logiface"

	izerolog "github.com/joeycumines/izerolog"
)

// FileName returns the conventional checkpoint file name for a rank,
// circle<rank>.txt.
func FileName(rank int) string {
	return fmt.Sprintf("circle%d.txt", rank)
}

// queue is the minimal surface this package needs from queue.Queue, kept
// narrow so checkpoint doesn't import queue directly and the two packages
// can evolve independently.
type queue interface {
	Items() [][]byte
	Push(item []byte) error
	IsEmpty() bool
}

// Write serialises q's items, in push order, one per line, to
// <dir>/circle<rank>.txt. If q is empty, no file is created and Write
// returns nil.
func Write(log *logiface.Logger[*izerolog.Event], dir string, rank int, q queue) error {
	items := q.Items()
	if len(items) == 0 {
		if log != nil {
			log.Info().Int("rank", rank).Log("checkpoint: queue empty, skipping write")
		}
		return nil
	}

	path := filepath.Join(dir, FileName(rank))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: open %s for write: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, item := range items {
		if _, err := w.Write(item); err != nil {
			return fmt.Errorf("checkpoint: write item to %s: %w", path, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("checkpoint: write item to %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("checkpoint: flush %s: %w", path, err)
	}

	if log != nil {
		log.Info().Int("rank", rank).Int("items", len(items)).Log("checkpoint: wrote restart file")
	}
	return nil
}

// Read opens <dir>/circle<rank>.txt and pushes each line (LF stripped)
// onto q in file order. A missing file means "empty starting queue" and
// is not an error during restart. Reading into a non-empty queue is allowed
// but logs a warning; the resulting order places restored items above
// whatever was already present.
func Read(log *logiface.Logger[*izerolog.Event], dir string, rank int, q queue) error {
	if !q.IsEmpty() && log != nil {
		log.Warning().Int("rank", rank).Log("checkpoint: restoring into a non-empty queue")
	}

	path := filepath.Join(dir, FileName(rank))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if log != nil {
				log.Debug().Int("rank", rank).Log("checkpoint: no restart file, starting empty")
			}
			return nil
		}
		return fmt.Errorf("checkpoint: open %s for read: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue // blank lines carry no item
		}
		item := make([]byte, len(line))
		copy(item, line)
		if err := q.Push(item); err != nil {
			return fmt.Errorf("checkpoint: push restored item from %s: %w", path, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	if log != nil {
		log.Info().Int("rank", rank).Int("items", n).Log("checkpoint: restored from file")
	}
	return nil
}

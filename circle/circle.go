// Package circle drives a distributed work-stealing and termination
// protocol across a ring of cooperating ranks. A user program supplies a
// creator and a processor callback; the library seeds, balances, and
// drains work items across the ensemble until every rank agrees there is
// nothing left to do.
//
// The heavy lifting, namely the Local Queue (queue package), the
// Checkpoint Codec (checkpoint package), and the Token Ring (token
// package), lives
// in sibling packages so they can be tested in isolation. This package
// wires them together behind the Rank/Handle lifecycle and drives the
// Worker Loop over a transport.Fabric.
package circle

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/logiface"

	izerolog "github.com/joeycumines/izerolog"
	"github.com/rs/zerolog"

	"github.com/dmikushin/circle-go/queue"
)

// Flags is the option bitmask a caller passes to Init or SetOptions.
type Flags uint32

const (
	// SplitRandom selects steal targets uniformly at random. This is the
	// default.
	SplitRandom Flags = 1 << iota
	// CreateGlobal invokes the creator callback on every rank, not only
	// rank 0.
	CreateGlobal
)

// SplitEqual is the absence of SplitRandom: target selection round-robins
// over ranks starting at (self+1) mod N. It is not a distinct bit, simply
// what is left when SplitRandom is cleared.
const SplitEqual Flags = 0

// Error taxonomy of this package. Where one of these applies it is wrapped
// with fmt.Errorf("%w", ...) for context, so errors.Is/errors.As recovers
// the category. Local Queue failures carry the queue package's sentinels;
// Init's configuration errors and checkpoint I/O errors carry none.
var (
	// ErrProtocol marks a malformed or unexpected message. The Worker Loop
	// logs and drops the message rather than treating this as fatal.
	ErrProtocol = errors.New("circle: protocol error")
	// ErrSubstrate marks a fatal failure of the message-passing fabric.
	ErrSubstrate = errors.New("circle: substrate failure")
	// ErrNoProcessor is returned by Begin if no processor callback was
	// registered: per contract, the library exits immediately.
	ErrNoProcessor = errors.New("circle: no processor callback registered")
)

// Config holds the tunables passed to Init. Use DefaultConfig to obtain
// sane defaults, or build one up via Option values.
type Config struct {
	// MaxItemLen bounds the length of a single Item, in bytes.
	MaxItemLen int
	// QueueCapacity bounds the Local Queue's arena, in bytes.
	QueueCapacity int
	// ProcessBatchSize caps how many items the Worker Loop pops and hands
	// to the processor callback before it services messages again.
	ProcessBatchSize int
	// ReduceInterval is how often this rank contributes to the Reduction
	// Tree.
	ReduceInterval time.Duration
	// CheckpointDir is where circle<rank>.txt files are read and written.
	CheckpointDir string
	// Flags is the initial option bitmask.
	Flags Flags
	// RequestRate bounds how often an idle rank may (re-)issue
	// REQUEST_WORK, keyed by sliding window, enforced with
	// go-catrate. Prevents request storms during the pathological
	// all-but-one-idle state.
	RequestRate map[time.Duration]int
	// Logger receives structured diagnostic output. A nil Logger disables
	// logging entirely.
	Logger *logiface.Logger[*izerolog.Event]
}

// DefaultConfig returns the Config Init uses when no Option overrides a
// field.
func DefaultConfig() Config {
	return Config{
		MaxItemLen:       queue.DefaultMaxItemLen,
		QueueCapacity:    64 << 10,
		ProcessBatchSize: 16,
		ReduceInterval:   10 * time.Second,
		CheckpointDir:    ".",
		Flags:            SplitRandom,
		RequestRate:      map[time.Duration]int{100 * time.Millisecond: 1},
		Logger:           DefaultLogger(logiface.LevelInformational),
	}
}

// Option configures a Config field, in the manner of logiface.Option[E].
type Option func(*Config)

// WithMaxItemLen overrides Config.MaxItemLen.
func WithMaxItemLen(n int) Option { return func(c *Config) { c.MaxItemLen = n } }

// WithQueueCapacity overrides Config.QueueCapacity.
func WithQueueCapacity(n int) Option { return func(c *Config) { c.QueueCapacity = n } }

// WithProcessBatchSize overrides Config.ProcessBatchSize.
func WithProcessBatchSize(n int) Option { return func(c *Config) { c.ProcessBatchSize = n } }

// WithReduceInterval overrides Config.ReduceInterval.
func WithReduceInterval(d time.Duration) Option { return func(c *Config) { c.ReduceInterval = d } }

// WithCheckpointDir overrides Config.CheckpointDir.
func WithCheckpointDir(dir string) Option { return func(c *Config) { c.CheckpointDir = dir } }

// WithFlags overrides Config.Flags.
func WithFlags(f Flags) Option { return func(c *Config) { c.Flags = f } }

// WithRequestRate overrides Config.RequestRate.
func WithRequestRate(rates map[time.Duration]int) Option {
	return func(c *Config) { c.RequestRate = rates }
}

// WithLogger overrides Config.Logger. A nil logger disables logging.
func WithLogger(l *logiface.Logger[*izerolog.Event]) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultLogger builds the package's default logger: zerolog writing to
// stderr, filtered at level, bridged through logiface the same way the
// rest of this repository's ambient stack is wired.
func DefaultLogger(level logiface.Level) *logiface.Logger[*izerolog.Event] {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	return izerolog.L.New(izerolog.L.WithZerolog(zl), izerolog.L.WithLevel(level))
}

// processStart anchors WallTime.
var processStart = time.Now()

// WallTime returns elapsed time since this process started, for callers
// instrumenting their own callbacks.
func WallTime() time.Duration { return time.Since(processStart) }

func validateConfig(cfg *Config) error {
	if cfg.MaxItemLen <= 0 {
		return fmt.Errorf("circle: MaxItemLen must be positive, got %d", cfg.MaxItemLen)
	}
	if cfg.QueueCapacity <= 0 {
		return fmt.Errorf("circle: QueueCapacity must be positive, got %d", cfg.QueueCapacity)
	}
	if cfg.ProcessBatchSize <= 0 {
		return fmt.Errorf("circle: ProcessBatchSize must be positive, got %d", cfg.ProcessBatchSize)
	}
	if cfg.ReduceInterval <= 0 {
		return fmt.Errorf("circle: ReduceInterval must be positive, got %s", cfg.ReduceInterval)
	}
	return nil
}

package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/meigma/ibstore/internal/sizing"
)

// State is the lifecycle state of an epoch index.
type State uint32

const (
	// NotStarted means no sample was requested yet.
	NotStarted State = iota

	// Iterating means at least one sample was returned.
	Iterating

	// EpochDone means the end of the epoch was reached. It is terminal.
	EpochDone
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Iterating:
		return "iterating"
	case EpochDone:
		return "epoch done"
	default:
		return "unknown"
	}
}

// Sample is one sample handed to the prefetch pipeline.
type Sample struct {
	// Data holds the sample bytes.
	Data []byte

	// Label is the low byte of Index for index-based reads and 0 for
	// sequential reads.
	Label uint8

	// ID is the position of the sample in the epoch: the global id before
	// permutation.
	ID int64

	// Index is the sample id the reader was asked for.
	Index int64
}

// Config describes one worker's view of one epoch.
type Config struct {
	// Format and Dataset identify what is read. They are informational.
	Format  string
	Dataset string

	Epoch   int
	Worker  int
	Workers int

	// TotalSamples is the number of samples in the dataset.
	TotalSamples int64

	// SamplesPerWorker is the size of each worker's contiguous block of
	// permutation positions.
	SamplesPerWorker int64

	BatchSize int
	Shuffle   Shuffle
	Seed      uint64
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("worker count must be positive, got %d", c.Workers))
	} else if c.Worker < 0 || c.Worker >= c.Workers {
		errs = append(errs, fmt.Errorf("worker %d out of range [0, %d)", c.Worker, c.Workers))
	}
	if c.TotalSamples < 0 {
		errs = append(errs, fmt.Errorf("total samples must not be negative, got %d", c.TotalSamples))
	}
	if c.SamplesPerWorker < 0 {
		errs = append(errs, fmt.Errorf("samples per worker must not be negative, got %d", c.SamplesPerWorker))
	} else if _, ok := sizing.MulInt64(c.SamplesPerWorker, int64(c.Workers)); !ok {
		errs = append(errs, fmt.Errorf("%d samples per worker overflows", c.SamplesPerWorker))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.Shuffle > ShuffleSeeded {
		errs = append(errs, fmt.Errorf("unknown shuffle policy %d", c.Shuffle))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Steps returns the number of batches each worker reads per epoch.
func (c Config) Steps() int64 {
	return c.SamplesPerWorker / int64(c.BatchSize)
}

// SamplesPerWorker splits total samples evenly over pipelines and workers,
// dropping the remainder.
func SamplesPerWorker(total int64, workers, pipelines int) int64 {
	if workers < 1 || pipelines < 1 {
		return 0
	}
	return total / int64(pipelines) / int64(workers)
}

type options struct {
	logger *slog.Logger
}

// Option configures an index.
type Option func(*options)

// WithLogger sets the logger for an index.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func (o options) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.logger
}

// SampleIndex maps (position, step) requests of one worker to samples of
// one epoch.
//
// The permutation is built when the index is constructed and never
// changes. Sample is safe for concurrent use.
type SampleIndex struct {
	cfg    Config
	reader IndexReader
	opts   []Option
	o      options
	perm   []int64
	state  atomic.Uint32
}

// NewSampleIndex returns the index of cfg.Epoch over an index-capable
// adapter. It fails with ErrCapabilityMismatch for any other adapter.
func NewSampleIndex(cfg Config, a Adapter, opts ...Option) (*SampleIndex, error) {
	ia, ok := a.(IndexAdapter)
	if !ok || ia.Reader == nil {
		return nil, fmt.Errorf("%w: sample index needs an IndexAdapter, got %T", ErrCapabilityMismatch, a)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ix := &SampleIndex{
		cfg:    cfg,
		reader: ia.Reader,
		opts:   opts,
		perm:   Permutation(cfg.Shuffle, cfg.Seed, cfg.TotalSamples),
	}
	for _, opt := range opts {
		opt(&ix.o)
	}
	ix.o.log().Debug("built sample index",
		"dataset", cfg.Dataset,
		"epoch", cfg.Epoch,
		"worker", cfg.Worker,
		"samples", cfg.TotalSamples,
		"steps", cfg.Steps(),
		"shuffle", cfg.Shuffle.String(),
	)
	return ix, nil
}

// Config returns the configuration of the index.
func (ix *SampleIndex) Config() Config { return ix.cfg }

// State returns the current lifecycle state.
func (ix *SampleIndex) State() State { return State(ix.state.Load()) }

// Permutation returns a copy of the epoch's ordering.
func (ix *SampleIndex) Permutation() []int64 { return slices.Clone(ix.perm) }

// Sample returns the sample at position idx of this worker's block.
//
// When step reaches the epoch's step count or the global id passes the
// dataset, Sample reports the end of the epoch with ok == false and a nil
// error. From then on every call reports the end of the epoch.
func (ix *SampleIndex) Sample(idx int64, step int) (s Sample, ok bool, err error) {
	if idx < 0 || step < 0 {
		return Sample{}, false, fmt.Errorf("%w: position %d, step %d", ErrInvalidRequest, idx, step)
	}
	if ix.State() == EpochDone {
		return Sample{}, false, nil
	}
	global := idx + ix.cfg.SamplesPerWorker*int64(ix.cfg.Worker)
	if int64(step) >= ix.cfg.Steps() || global >= ix.cfg.TotalSamples {
		if ix.state.Swap(uint32(EpochDone)) != uint32(EpochDone) {
			ix.o.log().Debug("epoch done", "epoch", ix.cfg.Epoch, "worker", ix.cfg.Worker, "position", idx, "step", step)
		}
		return Sample{}, false, nil
	}
	ix.state.CompareAndSwap(uint32(NotStarted), uint32(Iterating))

	id := ix.perm[global]
	data, err := ix.reader.ReadIndex(id, step)
	if err != nil {
		return Sample{}, false, fmt.Errorf("read sample %d: %w", id, err)
	}
	return Sample{
		Data:  data,
		Label: uint8(id), //nolint:gosec // label keeps the low byte
		ID:    global,
		Index: id,
	}, true, nil
}

// Next returns a fresh index for the following epoch over the same reader.
func (ix *SampleIndex) Next() (*SampleIndex, error) {
	cfg := ix.cfg
	cfg.Epoch++
	return NewSampleIndex(cfg, IndexAdapter{Reader: ix.reader}, ix.opts...)
}

package loader

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
)

// IteratorIndex reads one worker's share of an epoch front to back, for
// readers without random access.
//
// Shuffling selects and orders shards; samples within a shard keep their
// stored order. Shards are dealt round-robin over workers; a seeded shuffle
// permutes the dealing order, a random one only each worker's own share.
type IteratorIndex struct {
	cfg      Config
	reader   IterReader
	o        options
	shards   []int
	consumed atomic.Bool
}

// NewIteratorIndex returns the sequential index of cfg.Epoch over an
// iteration-capable adapter. It fails with ErrCapabilityMismatch for any
// other adapter.
//
// Only Worker, Workers, Shuffle, and Seed of cfg affect which samples are
// read; the sequence ends when the reader is exhausted.
func NewIteratorIndex(cfg Config, a Adapter, opts ...Option) (*IteratorIndex, error) {
	ia, ok := a.(IterAdapter)
	if !ok || ia.Reader == nil {
		return nil, fmt.Errorf("%w: iterator index needs an IterAdapter, got %T", ErrCapabilityMismatch, a)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ix := &IteratorIndex{cfg: cfg, reader: ia.Reader}
	for _, opt := range opts {
		opt(&ix.o)
	}

	// Workers must agree on the dealing order, so an unseeded shuffle only
	// reorders the shards already dealt to this worker.
	dealing := cfg.Shuffle
	if dealing == ShuffleRandom {
		dealing = ShuffleOff
	}
	order := Permutation(dealing, cfg.Seed, int64(ia.Reader.Shards()))
	for pos, shard := range order {
		if pos%cfg.Workers == cfg.Worker {
			ix.shards = append(ix.shards, int(shard))
		}
	}
	if cfg.Shuffle == ShuffleRandom {
		local := Permutation(ShuffleRandom, 0, int64(len(ix.shards)))
		shuffled := make([]int, len(local))
		for i, j := range local {
			shuffled[i] = ix.shards[j]
		}
		ix.shards = shuffled
	}
	ix.o.log().Debug("built iterator index",
		"dataset", cfg.Dataset,
		"epoch", cfg.Epoch,
		"worker", cfg.Worker,
		"shards", ix.shards,
		"shuffle", cfg.Shuffle.String(),
	)
	return ix, nil
}

// Shards returns the shards this worker reads, in reading order.
func (ix *IteratorIndex) Shards() []int {
	return append([]int(nil), ix.shards...)
}

// All returns the worker's samples for the epoch. Every label is 0 and
// ID counts samples from 0.
//
// The sequence can be ranged over once; later attempts yield ErrConsumed.
func (ix *IteratorIndex) All(ctx context.Context) iter.Seq2[Sample, error] {
	return func(yield func(Sample, error) bool) {
		if ix.consumed.Swap(true) {
			yield(Sample{}, ErrConsumed)
			return
		}
		var n int64
		for data, err := range ix.reader.Samples(ctx, ix.shards) {
			if err != nil {
				yield(Sample{}, err)
				return
			}
			if !yield(Sample{Data: data, ID: n, Index: n}, nil) {
				return
			}
			n++
		}
		ix.o.log().Debug("epoch done", "epoch", ix.cfg.Epoch, "worker", ix.cfg.Worker, "samples", n)
	}
}

// Pull returns the sequence of All as a Source. The caller must Close it.
func (ix *IteratorIndex) Pull(ctx context.Context) *PullSource {
	next, stop := iter.Pull2(ix.All(ctx))
	return &PullSource{next: next, stop: stop}
}

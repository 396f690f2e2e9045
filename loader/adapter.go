package loader

import (
	"context"
	"iter"
)

// IndexReader reads samples by global sample id.
type IndexReader interface {
	// ReadIndex returns the bytes of sample id. step is the batch the
	// request belongs to.
	ReadIndex(id int64, step int) ([]byte, error)
}

// IterReader reads samples front to back, shard by shard.
type IterReader interface {
	// Shards returns the number of shards available.
	Shards() int

	// Samples yields the samples of shards in the given order.
	Samples(ctx context.Context, shards []int) iter.Seq2[[]byte, error]
}

// Adapter is a reader with exactly one capability: IndexAdapter or
// IterAdapter. No other implementations exist.
type Adapter interface {
	adapter()
}

// IndexAdapter is the index-based read capability.
type IndexAdapter struct {
	Reader IndexReader
}

// IterAdapter is the forward-iteration capability.
type IterAdapter struct {
	Reader IterReader
}

func (IndexAdapter) adapter() {}
func (IterAdapter) adapter()  {}

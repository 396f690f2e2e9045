package ibstore

import (
	"fmt"

	"github.com/meigma/ibstore/internal/sizing"
)

// ShapePolicy derives a two-dimensional sample shape from a record length.
//
// Shape derivation is configurable; callers must not assume the default
// policy describes non-square payloads.
type ShapePolicy interface {
	Shape(recordLength int64) (dim1, dim2 int64, err error)
}

// ShapeFunc adapts a function to ShapePolicy.
type ShapeFunc func(recordLength int64) (dim1, dim2 int64, err error)

// Shape implements ShapePolicy.
func (f ShapeFunc) Shape(recordLength int64) (dim1, dim2 int64, err error) {
	return f(recordLength)
}

// SquareRootShape is the default policy: a square sample with
// dim = floor(sqrt(recordLength / 8)).
var SquareRootShape ShapePolicy = ShapeFunc(func(recordLength int64) (dim1, dim2 int64, err error) {
	dim := sizing.ISqrt(recordLength / 8)
	return dim, dim, nil
})

// FixedShape returns a policy that ignores the record length.
func FixedShape(dim1, dim2 int64) ShapePolicy {
	return ShapeFunc(func(int64) (int64, int64, error) {
		return dim1, dim2, nil
	})
}

// ShardLayout describes the samples of one shard file.
type ShardLayout struct {
	Dim1       int64 `json:"dim1"`
	Dim2       int64 `json:"dim2"`
	SampleSize int64 `json:"sample_size"`
	NumSamples int64 `json:"num_samples"`
}

// NewShardLayout computes the layout of a shard holding numSamples samples.
//
// The result is a pure function of its inputs. A nil policy uses
// SquareRootShape.
func NewShardLayout(recordLength, numSamples int64, policy ShapePolicy) (ShardLayout, error) {
	if policy == nil {
		policy = SquareRootShape
	}
	if recordLength <= 0 {
		return ShardLayout{}, fmt.Errorf("%w: record length %d", ErrInvalidLayout, recordLength)
	}
	if numSamples <= 0 {
		return ShardLayout{}, fmt.Errorf("%w: sample count %d", ErrInvalidLayout, numSamples)
	}
	dim1, dim2, err := policy.Shape(recordLength)
	if err != nil {
		return ShardLayout{}, fmt.Errorf("%w: %w", ErrInvalidLayout, err)
	}
	if dim1 <= 0 || dim2 <= 0 {
		return ShardLayout{}, fmt.Errorf("%w: dimensions %dx%d from record length %d",
			ErrInvalidLayout, dim1, dim2, recordLength)
	}
	size, ok := sizing.MulInt64(dim1, dim2)
	if !ok {
		return ShardLayout{}, fmt.Errorf("%w: sample size %dx%d", ErrSizeOverflow, dim1, dim2)
	}
	if _, ok := sizing.MulInt64(size, numSamples); !ok {
		return ShardLayout{}, fmt.Errorf("%w: shard size %d x %d", ErrSizeOverflow, size, numSamples)
	}
	return ShardLayout{
		Dim1:       dim1,
		Dim2:       dim2,
		SampleSize: size,
		NumSamples: numSamples,
	}, nil
}

// Bytes returns the total data size of the shard.
func (l ShardLayout) Bytes() int64 {
	return l.SampleSize * l.NumSamples
}

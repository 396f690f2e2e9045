package ibstore

import (
	"errors"
	"fmt"
	"iter"
	"path/filepath"

	"github.com/meigma/ibstore/internal/format"
	"github.com/meigma/ibstore/internal/sizing"
)

// DefaultBufferSize is the generation buffer used when a plan sets none.
const DefaultBufferSize = 1 << 30

// Mode is the coordination strategy used to generate a dataset.
type Mode uint8

const (
	// ModeCollective has every worker write a disjoint part of every shard.
	// It is chosen when there are no more files than workers.
	ModeCollective Mode = iota

	// ModeIndependent assigns whole shards to workers round-robin.
	ModeIndependent
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeCollective:
		return "collective"
	case ModeIndependent:
		return "independent"
	default:
		return "unknown"
	}
}

// DatasetType identifies the split a shard belongs to.
type DatasetType uint8

const (
	// Train is the training split.
	Train DatasetType = iota

	// Eval is the evaluation split.
	Eval
)

// String returns the directory name used for the split.
func (d DatasetType) String() string {
	switch d {
	case Train:
		return "train"
	case Eval:
		return "valid"
	default:
		return "unknown"
	}
}

// GenerationPlan describes one generation run. It is immutable once
// generation starts.
type GenerationPlan struct {
	// DataDir is the root directory of the dataset.
	DataDir string

	// FilePrefix is the shard file name prefix. Defaults to "img".
	FilePrefix string

	// RecordLength drives the shard layout through Shape.
	RecordLength int64

	// NumFilesTrain and NumFilesEval are the shard counts per split.
	NumFilesTrain int
	NumFilesEval  int

	// NumSamples is the nominal sample count per shard.
	NumSamples int64

	// Workers is the number of cooperating workers.
	Workers int

	// BufferSize bounds the bytes held in memory per write chunk.
	// Zero uses DefaultBufferSize.
	BufferSize int64

	// Shape derives sample dimensions. Nil uses SquareRootShape.
	Shape ShapePolicy
}

// ShardFile identifies one shard of a plan.
type ShardFile struct {
	// Index is the global file index; training files come first.
	Index int

	// Dataset is the split the shard belongs to.
	Dataset DatasetType

	// Local is the index of the shard within its split.
	Local int

	// Base is the shard base path (the data file path).
	Base string
}

// TotalFiles returns the number of shards to generate across both splits.
func (p GenerationPlan) TotalFiles() int {
	return p.NumFilesTrain + p.NumFilesEval
}

// Mode returns the coordination strategy for the plan.
func (p GenerationPlan) Mode() Mode {
	if p.TotalFiles() <= p.Workers {
		return ModeCollective
	}
	return ModeIndependent
}

// Buffer returns the effective generation buffer size.
func (p GenerationPlan) Buffer() int64 {
	if p.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return p.BufferSize
}

func (p GenerationPlan) prefix() string {
	if p.FilePrefix == "" {
		return "img"
	}
	return p.FilePrefix
}

// Layout returns the layout of the nominal shard for file index i.
//
// Every file shares the same shape under the built-in policies; the file
// index is accepted so that per-file policies can be added without changing
// callers.
func (p GenerationPlan) Layout(i int) (ShardLayout, error) {
	if i < 0 || i >= p.TotalFiles() {
		return ShardLayout{}, fmt.Errorf("%w: file %d of %d", ErrSampleOutOfRange, i, p.TotalFiles())
	}
	return NewShardLayout(p.RecordLength, p.NumSamples, p.Shape)
}

// Files returns every shard of the plan in global file order.
func (p GenerationPlan) Files() []ShardFile {
	files := make([]ShardFile, 0, p.TotalFiles())
	add := func(ds DatasetType, n int) {
		dir := filepath.Join(p.DataDir, ds.String())
		for i := range n {
			files = append(files, ShardFile{
				Index:   len(files),
				Dataset: ds,
				Local:   i,
				Base:    filepath.Join(dir, fmt.Sprintf("%s_%d_of_%d.bin", p.prefix(), i, n)),
			})
		}
	}
	add(Train, p.NumFilesTrain)
	add(Eval, p.NumFilesEval)
	return files
}

// Validate reports configuration errors in the plan.
func (p GenerationPlan) Validate() error {
	var errs []error
	if p.DataDir == "" {
		errs = append(errs, errors.New("data dir is empty"))
	}
	if p.NumFilesTrain < 0 || p.NumFilesEval < 0 {
		errs = append(errs, fmt.Errorf("negative file count (train %d, eval %d)", p.NumFilesTrain, p.NumFilesEval))
	} else if p.TotalFiles() == 0 {
		errs = append(errs, errors.New("no files to generate"))
	}
	if p.NumSamples <= 0 {
		errs = append(errs, fmt.Errorf("samples per file must be positive, got %d", p.NumSamples))
	}
	if p.Workers < 1 {
		errs = append(errs, fmt.Errorf("%w: worker count must be positive, got %d", ErrInvalidWorker, p.Workers))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	layout, err := NewShardLayout(p.RecordLength, p.NumSamples, p.Shape)
	if err != nil {
		return err
	}
	if p.Buffer() < layout.SampleSize {
		return fmt.Errorf("%w: %d bytes cannot hold a %d byte sample", ErrBufferTooSmall, p.Buffer(), layout.SampleSize)
	}
	if p.Buffer() < format.EntrySize {
		return fmt.Errorf("%w: %d bytes cannot hold an index entry", ErrBufferTooSmall, p.Buffer())
	}
	return nil
}

// RankRange is one worker's share of a shard in collective mode.
type RankRange struct {
	Rank    int
	Workers int

	// SamplesPerRank is ceil_to_multiple(numSamples, workers) / workers.
	SamplesPerRank int64

	// Start and End delimit the worker's samples: [Start, End).
	Start int64
	End   int64
}

// CollectiveAssignment computes worker rank's sample range in a shard of
// numSamples nominal samples shared by workers.
//
// Rounding up to a multiple of workers means the shard holds
// ShardSamples() samples, which can exceed numSamples.
func CollectiveAssignment(rank, workers int, numSamples int64) (RankRange, error) {
	if workers < 1 || rank < 0 || rank >= workers {
		return RankRange{}, fmt.Errorf("%w: rank %d of %d", ErrInvalidWorker, rank, workers)
	}
	if numSamples <= 0 {
		return RankRange{}, fmt.Errorf("%w: sample count %d", ErrInvalidConfig, numSamples)
	}
	w := int64(workers)
	spr := sizing.CeilToMultiple(numSamples, w) / w
	start := int64(rank) * spr
	return RankRange{
		Rank:           rank,
		Workers:        workers,
		SamplesPerRank: spr,
		Start:          start,
		End:            start + spr,
	}, nil
}

// Len returns the number of samples in the range.
func (r RankRange) Len() int64 { return r.End - r.Start }

// ShardSamples returns the total samples in the shard across all workers.
func (r RankRange) ShardSamples() int64 { return r.SamplesPerRank * int64(r.Workers) }

// IndependentAssignment returns the global file indexes owned by rank
// when files are assigned round-robin.
func IndependentAssignment(rank, workers, totalFiles int) []int {
	if workers < 1 || rank < 0 || rank >= workers {
		return nil
	}
	var files []int
	for i := rank; i < totalFiles; i += workers {
		files = append(files, i)
	}
	return files
}

// Chunk is one bounded write: a run of whole samples.
type Chunk struct {
	// First is the file-relative index of the first sample.
	First int64

	// Samples is the number of samples in the chunk.
	Samples int64

	// Offset is the byte offset of the chunk in the target file.
	Offset int64

	// Length is the byte length of the chunk.
	Length int64
}

// ChunkPlan splits a run of samples into bounded chunks.
type ChunkPlan struct {
	// FirstSample is the file-relative index where the run starts.
	FirstSample int64

	// Samples is the number of samples in the run.
	Samples int64

	// Width is the encoded width of one sample in the target file.
	Width int64

	// ChunkSamples is the nominal number of samples per chunk.
	ChunkSamples int64
}

// IndependentChunks plans the writes of a whole shard by a single owner.
//
// The nominal chunk is min(shard bytes, buffer) snapped down to a whole
// number of samples; the last chunk carries the remainder.
func IndependentChunks(layout ShardLayout, buffer int64) (ChunkPlan, error) {
	nominal := min(layout.Bytes(), buffer)
	nominal = sizing.FloorToMultiple(nominal, layout.SampleSize)
	if nominal == 0 {
		return ChunkPlan{}, fmt.Errorf("%w: %d bytes cannot hold a %d byte sample", ErrBufferTooSmall, buffer, layout.SampleSize)
	}
	return ChunkPlan{
		Samples:      layout.NumSamples,
		Width:        layout.SampleSize,
		ChunkSamples: nominal / layout.SampleSize,
	}, nil
}

// IndexChunks plans the index writes of a worker's range in collective mode.
// Offsets are byte positions within the index files.
func IndexChunks(r RankRange, buffer int64) (ChunkPlan, error) {
	per := min(buffer/format.EntrySize, r.SamplesPerRank)
	if per <= 0 {
		return ChunkPlan{}, fmt.Errorf("%w: %d bytes cannot hold an index entry", ErrBufferTooSmall, buffer)
	}
	return ChunkPlan{
		FirstSample:  r.Start,
		Samples:      r.Len(),
		Width:        format.EntrySize,
		ChunkSamples: per,
	}, nil
}

// SampleChunks plans the data writes of a worker's range in collective mode.
// Chunks never extend past the end of the range.
func SampleChunks(r RankRange, sampleSize, buffer int64) (ChunkPlan, error) {
	per := buffer / sampleSize
	if per <= 0 {
		return ChunkPlan{}, fmt.Errorf("%w: %d bytes cannot hold a %d byte sample", ErrBufferTooSmall, buffer, sampleSize)
	}
	return ChunkPlan{
		FirstSample:  r.Start,
		Samples:      r.Len(),
		Width:        sampleSize,
		ChunkSamples: per,
	}, nil
}

// Count returns the number of chunks.
func (c ChunkPlan) Count() int64 {
	if c.Samples <= 0 {
		return 0
	}
	return (c.Samples + c.ChunkSamples - 1) / c.ChunkSamples
}

// Chunk returns chunk i.
func (c ChunkPlan) Chunk(i int64) Chunk {
	rel := i * c.ChunkSamples
	n := min(c.ChunkSamples, c.Samples-rel)
	first := c.FirstSample + rel
	return Chunk{
		First:   first,
		Samples: n,
		Offset:  first * c.Width,
		Length:  n * c.Width,
	}
}

// All yields every chunk in order.
func (c ChunkPlan) All() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		for i := range c.Count() {
			if !yield(c.Chunk(i)) {
				return
			}
		}
	}
}

// MaxChunkBytes returns the length of the largest chunk.
func (c ChunkPlan) MaxChunkBytes() int64 {
	return min(c.ChunkSamples, max(c.Samples, 0)) * c.Width
}

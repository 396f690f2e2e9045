package ibstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShardLayout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		recordLength int64
		policy       ShapePolicy
		want         ShardLayout
		wantErr      error
	}{
		{
			name:         "square root of record length over eight",
			recordLength: 800,
			want:         ShardLayout{Dim1: 10, Dim2: 10, SampleSize: 100, NumSamples: 5},
		},
		{
			name:         "rounds down",
			recordLength: 65536,
			want:         ShardLayout{Dim1: 90, Dim2: 90, SampleSize: 8100, NumSamples: 5},
		},
		{
			name:         "fixed shape",
			recordLength: 1,
			policy:       FixedShape(3, 7),
			want:         ShardLayout{Dim1: 3, Dim2: 7, SampleSize: 21, NumSamples: 5},
		},
		{name: "record too short", recordLength: 7, wantErr: ErrInvalidLayout},
		{name: "zero record", recordLength: 0, wantErr: ErrInvalidLayout},
		{name: "negative dims", recordLength: 800, policy: FixedShape(-1, 4), wantErr: ErrInvalidLayout},
		{
			name:         "policy error",
			recordLength: 800,
			policy: ShapeFunc(func(int64) (int64, int64, error) {
				return 0, 0, errors.New("no shape")
			}),
			wantErr: ErrInvalidLayout,
		},
		{name: "overflow", recordLength: 8, policy: FixedShape(1<<40, 1<<40), wantErr: ErrSizeOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewShardLayout(tt.recordLength, 5, tt.policy)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.SampleSize*5, got.Bytes())
		})
	}
}

func TestPlanMode(t *testing.T) {
	t.Parallel()

	p := GenerationPlan{NumFilesTrain: 2, Workers: 4}
	assert.Equal(t, ModeCollective, p.Mode())
	p.Workers = 2
	assert.Equal(t, ModeCollective, p.Mode(), "equal counts stay collective")
	p.NumFilesEval = 1
	assert.Equal(t, ModeIndependent, p.Mode())
}

func TestPlanFiles(t *testing.T) {
	t.Parallel()

	p := GenerationPlan{DataDir: "/data", NumFilesTrain: 2, NumFilesEval: 1, Workers: 1}
	files := p.Files()
	require.Len(t, files, 3)
	assert.Equal(t, ShardFile{Index: 0, Dataset: Train, Local: 0, Base: filepath.Join("/data", "train", "img_0_of_2.bin")}, files[0])
	assert.Equal(t, ShardFile{Index: 1, Dataset: Train, Local: 1, Base: filepath.Join("/data", "train", "img_1_of_2.bin")}, files[1])
	assert.Equal(t, ShardFile{Index: 2, Dataset: Eval, Local: 0, Base: filepath.Join("/data", "valid", "img_0_of_1.bin")}, files[2])

	p.FilePrefix = "sample"
	assert.Equal(t, filepath.Join("/data", "train", "sample_0_of_2.bin"), p.Files()[0].Base)
}

func TestPlanValidate(t *testing.T) {
	t.Parallel()

	valid := GenerationPlan{DataDir: "d", RecordLength: 800, NumFilesTrain: 1, NumSamples: 5, Workers: 1}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*GenerationPlan)
		wantErr error
	}{
		{"no data dir", func(p *GenerationPlan) { p.DataDir = "" }, ErrInvalidConfig},
		{"no files", func(p *GenerationPlan) { p.NumFilesTrain = 0 }, ErrInvalidConfig},
		{"negative files", func(p *GenerationPlan) { p.NumFilesEval = -1 }, ErrInvalidConfig},
		{"no samples", func(p *GenerationPlan) { p.NumSamples = 0 }, ErrInvalidConfig},
		{"zero workers", func(p *GenerationPlan) { p.Workers = 0 }, ErrInvalidWorker},
		{"bad layout", func(p *GenerationPlan) { p.RecordLength = 4 }, ErrInvalidLayout},
		{"small buffer", func(p *GenerationPlan) { p.BufferSize = 99 }, ErrBufferTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := valid
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), tt.wantErr)
		})
	}
}

func TestCollectiveAssignmentOverGenerates(t *testing.T) {
	t.Parallel()

	// record_length=800, 2 files, 5 samples, 4 workers.
	p := GenerationPlan{DataDir: "d", RecordLength: 800, NumFilesTrain: 2, NumSamples: 5, Workers: 4}
	require.Equal(t, ModeCollective, p.Mode())

	var total int64
	var prevEnd int64
	for rank := range 4 {
		r, err := CollectiveAssignment(rank, 4, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(2), r.SamplesPerRank)
		assert.Equal(t, prevEnd, r.Start, "ranges are contiguous and disjoint")
		assert.Equal(t, int64(8), r.ShardSamples())
		prevEnd = r.End
		total += r.Len() * int64(len(p.Files()))
	}
	assert.Equal(t, int64(16), total)
}

func TestCollectiveAssignmentRejects(t *testing.T) {
	t.Parallel()

	_, err := CollectiveAssignment(4, 4, 5)
	require.ErrorIs(t, err, ErrInvalidWorker)
	_, err = CollectiveAssignment(0, 0, 5)
	require.ErrorIs(t, err, ErrInvalidWorker)
	_, err = CollectiveAssignment(0, 2, 0)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestIndependentAssignment(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []int{0, 3, 6, 9}, IndependentAssignment(0, 3, 10))
	assert.Equal(t, []int{1, 4, 7}, IndependentAssignment(1, 3, 10))
	assert.Equal(t, []int{2, 5, 8}, IndependentAssignment(2, 3, 10))
	assert.Nil(t, IndependentAssignment(3, 3, 10))
}

func TestIndependentChunksRemainder(t *testing.T) {
	t.Parallel()

	layout := ShardLayout{Dim1: 10, Dim2: 10, SampleSize: 100, NumSamples: 10}
	plan, err := IndependentChunks(layout, 350)
	require.NoError(t, err)

	var lengths []int64
	var next int64
	for c := range plan.All() {
		assert.Equal(t, next, c.Offset)
		assert.Equal(t, c.Samples*100, c.Length)
		next += c.Length
		lengths = append(lengths, c.Length)
	}
	assert.Equal(t, []int64{300, 300, 300, 100}, lengths)
	assert.Equal(t, layout.Bytes(), next)
	assert.Equal(t, int64(300), plan.MaxChunkBytes())
}

func TestIndependentChunksWholeShard(t *testing.T) {
	t.Parallel()

	layout := ShardLayout{Dim1: 10, Dim2: 10, SampleSize: 100, NumSamples: 4}
	plan, err := IndependentChunks(layout, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), plan.Count())
	assert.Equal(t, Chunk{First: 0, Samples: 4, Offset: 0, Length: 400}, plan.Chunk(0))

	_, err = IndependentChunks(layout, 99)
	require.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestCollectiveChunks(t *testing.T) {
	t.Parallel()

	r, err := CollectiveAssignment(1, 2, 20)
	require.NoError(t, err)
	require.Equal(t, int64(10), r.Start)

	idx, err := IndexChunks(r, 24)
	require.NoError(t, err)
	var got []Chunk
	for c := range idx.All() {
		got = append(got, c)
	}
	assert.Equal(t, []Chunk{
		{First: 10, Samples: 3, Offset: 80, Length: 24},
		{First: 13, Samples: 3, Offset: 104, Length: 24},
		{First: 16, Samples: 3, Offset: 128, Length: 24},
		{First: 19, Samples: 1, Offset: 152, Length: 8},
	}, got)

	// The index chunk never exceeds the worker's range.
	big, err := IndexChunks(r, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), big.Count())
	assert.Equal(t, int64(80), big.MaxChunkBytes())

	data, err := SampleChunks(r, 100, 450)
	require.NoError(t, err)
	assert.Equal(t, int64(3), data.Count())
	last := data.Chunk(2)
	assert.Equal(t, Chunk{First: 18, Samples: 2, Offset: 1800, Length: 200}, last)
	assert.Equal(t, r.End, last.First+last.Samples)

	_, err = IndexChunks(r, 7)
	require.ErrorIs(t, err, ErrBufferTooSmall)
	_, err = SampleChunks(r, 100, 99)
	require.ErrorIs(t, err, ErrBufferTooSmall)
}

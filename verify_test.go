package ibstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/ibstore/internal/format"
	"github.com/meigma/ibstore/internal/testutil"
)

func TestVerifyShard(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "img_0_of_1.bin")
	testutil.WriteShard(t, base, []uint64{3, 1, 4})

	stats, err := VerifyShard(base)
	require.NoError(t, err)
	assert.Equal(t, &ShardStats{Samples: 3, Bytes: 8}, stats)
}

func TestVerifyShardRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, base string)
	}{
		{
			name: "offset gap",
			setup: func(t *testing.T, base string) {
				testutil.WriteShard(t, base, []uint64{3, 1, 4})
				testutil.WriteIndex(t, format.Paths(base).Offsets, []uint64{0, 3, 5})
			},
		},
		{
			name: "first offset not zero",
			setup: func(t *testing.T, base string) {
				testutil.WriteShard(t, base, []uint64{3, 1})
				testutil.WriteIndex(t, format.Paths(base).Offsets, []uint64{1, 4})
			},
		},
		{
			name: "empty sample",
			setup: func(t *testing.T, base string) {
				testutil.WriteShard(t, base, []uint64{3, 0, 4})
			},
		},
		{
			name: "sizes exceed data",
			setup: func(t *testing.T, base string) {
				testutil.WriteShard(t, base, []uint64{3, 1, 4})
				require.NoError(t, os.Truncate(base, 7))
			},
		},
		{
			name: "trailing data",
			setup: func(t *testing.T, base string) {
				testutil.WriteShard(t, base, []uint64{3, 1, 4})
				require.NoError(t, os.WriteFile(base, make([]byte, 9), 0o644))
			},
		},
		{
			name: "count mismatch",
			setup: func(t *testing.T, base string) {
				testutil.WriteShard(t, base, []uint64{3, 1, 4})
				testutil.WriteIndex(t, format.Paths(base).Sizes, []uint64{3, 1})
			},
		},
		{
			name: "misaligned index",
			setup: func(t *testing.T, base string) {
				testutil.WriteShard(t, base, []uint64{3, 1, 4})
				require.NoError(t, os.WriteFile(format.Paths(base).Sizes, make([]byte, 7), 0o644))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			base := filepath.Join(t.TempDir(), "img_0_of_1.bin")
			tt.setup(t, base)
			_, err := VerifyShard(base)
			require.ErrorIs(t, err, ErrCorruptIndex)
		})
	}
}

func TestVerifyShardMissingFiles(t *testing.T) {
	t.Parallel()

	_, err := VerifyShard(filepath.Join(t.TempDir(), "absent.bin"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestVerifyManifestCountMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	plan := independentPlan(dir)
	generate(t, plan)

	// A structurally valid shard that is shorter than the manifest says.
	testutil.WriteShard(t, plan.Files()[1].Base, []uint64{100, 100})

	_, err := Verify(context.Background(), dir)
	require.ErrorIs(t, err, ErrCorruptIndex)
}

func TestVerifyProgress(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	generate(t, independentPlan(dir))

	var done []int64
	report, err := Verify(context.Background(), dir, VerifyWithProgress(func(ev ProgressEvent) {
		assert.Equal(t, StageVerifying, ev.Stage)
		assert.Equal(t, int64(5), ev.SamplesTotal)
		done = append(done, ev.SamplesDone)
	}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, done)
	assert.Equal(t, uint64(3500), report.Bytes)
}

func TestVerifyHonorsContext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	generate(t, independentPlan(dir))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Verify(ctx, dir)
	require.ErrorIs(t, err, context.Canceled)
}

package ibstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/ibstore/internal/format"
)

func collectivePlan(dir string) GenerationPlan {
	return GenerationPlan{
		DataDir:       dir,
		RecordLength:  800,
		NumFilesTrain: 2,
		NumSamples:    5,
		Workers:       4,
		BufferSize:    250,
	}
}

func independentPlan(dir string) GenerationPlan {
	return GenerationPlan{
		DataDir:       dir,
		RecordLength:  800,
		NumFilesTrain: 3,
		NumFilesEval:  2,
		NumSamples:    7,
		Workers:       2,
		BufferSize:    250,
	}
}

func generate(t *testing.T, plan GenerationPlan, opts ...GenerateOption) []*Report {
	t.Helper()
	reports, err := GenerateLocal(context.Background(), plan, opts...)
	require.NoError(t, err)
	require.Len(t, reports, plan.Workers)
	return reports
}

func assertNoPartials(t *testing.T, dir string) {
	t.Helper()
	err := filepath.WalkDir(dir, func(path string, _ os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		assert.NotContains(t, filepath.Base(path), format.PartialSuffix, "unpublished artifact left behind")
		return nil
	})
	require.NoError(t, err)
}

func TestGenerateCollective(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	plan := collectivePlan(dir)
	reports := generate(t, plan)

	for rank, r := range reports {
		assert.Equal(t, rank, r.Rank)
		assert.Equal(t, ModeCollective, r.Mode)
		assert.Len(t, r.Files, 2)
		assert.Equal(t, int64(4), r.Samples, "2 samples per rank in each of 2 files")
		assert.Equal(t, int64(400), r.Bytes)
	}

	for _, f := range plan.Files() {
		stats, err := VerifyShard(f.Base)
		require.NoError(t, err)
		assert.Equal(t, int64(8), stats.Samples, "5 samples round up to 8 with 4 workers")
		assert.Equal(t, uint64(800), stats.Bytes)
	}

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "collective", m.Mode)
	require.Len(t, m.Shards, 2)
	assert.Equal(t, "train/img_0_of_2.bin", m.Shards[0].Path)
	assert.Equal(t, int64(8), m.Shards[0].Layout.NumSamples)

	_, err = Verify(context.Background(), dir)
	require.NoError(t, err)
	assertNoPartials(t, dir)
}

func TestGenerateIndependent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	plan := independentPlan(dir)
	reports := generate(t, plan)

	files := plan.Files()
	assert.Equal(t, ModeIndependent, reports[0].Mode)
	assert.Equal(t, []string{files[0].Base, files[2].Base, files[4].Base}, reports[0].Files)
	assert.Equal(t, []string{files[1].Base, files[3].Base}, reports[1].Files)
	assert.Equal(t, int64(21), reports[0].Samples)
	assert.Equal(t, int64(1400), reports[1].Bytes)

	for _, f := range files {
		stats, err := VerifyShard(f.Base)
		require.NoError(t, err)
		assert.Equal(t, int64(7), stats.Samples)
		assert.Equal(t, uint64(700), stats.Bytes)
	}
	assert.FileExists(t, filepath.Join(dir, "valid", "img_1_of_2.bin"))

	report, err := Verify(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Shards)
	assert.Equal(t, int64(35), report.Samples)
	assertNoPartials(t, dir)
}

func TestGeneratePayloadIsReproducible(t *testing.T) {
	t.Parallel()

	read := func(seed uint64) []byte {
		dir := t.TempDir()
		plan := independentPlan(dir)
		generate(t, plan, GenerateWithSeed(seed))
		data, err := os.ReadFile(plan.Files()[3].Base)
		require.NoError(t, err)
		return data
	}

	a, b := read(1), read(1)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, read(2))
	for _, v := range a {
		require.Less(t, v, byte(255))
	}
}

func TestGenerateSolo(t *testing.T) {
	t.Parallel()

	plan := independentPlan(t.TempDir())
	plan.Workers = 1
	gen, err := NewGenerator(plan, Solo())
	require.NoError(t, err)
	r, err := gen.Generate(context.Background())
	require.NoError(t, err)
	assert.Len(t, r.Files, 5)
	assert.Equal(t, ModeIndependent, r.Mode)
}

func TestNewGeneratorRejectsGroupMismatch(t *testing.T) {
	t.Parallel()

	_, err := NewGenerator(collectivePlan(t.TempDir()), Solo())
	require.ErrorIs(t, err, ErrInvalidWorker)

	_, err = NewGenerator(collectivePlan(t.TempDir()), nil)
	require.ErrorIs(t, err, ErrInvalidWorker)

	bad := collectivePlan(t.TempDir())
	bad.RecordLength = 0
	_, err = NewGenerator(bad, Solo())
	require.ErrorIs(t, err, ErrInvalidLayout)
}

func TestGenerateLeaderFailureReleasesPeers(t *testing.T) {
	t.Parallel()

	// A data dir that is a regular file makes the leader fail to create it.
	dir := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))

	_, err := GenerateLocal(context.Background(), collectivePlan(dir))
	require.Error(t, err)
}

func TestGenerateRemovesStalePartials(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	plan := collectivePlan(dir)
	base := plan.Files()[0].Base
	require.NoError(t, os.MkdirAll(filepath.Dir(base), 0o755))
	stale := format.Partial(base)
	require.NoError(t, os.WriteFile(stale.Data, make([]byte, 10_000), 0o644))
	require.NoError(t, os.WriteFile(stale.Offsets, make([]byte, 800), 0o644))

	generate(t, plan)

	stats, err := VerifyShard(base)
	require.NoError(t, err)
	assert.Equal(t, uint64(800), stats.Bytes)
	assertNoPartials(t, dir)
}

func TestGenerateProgress(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	stages := map[ProgressStage]int{}
	generate(t, collectivePlan(t.TempDir()), GenerateWithProgress(func(ev ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		stages[ev.Stage]++
		if ev.Stage == StageWritingSamples {
			assert.LessOrEqual(t, ev.BytesDone, ev.BytesTotal)
		}
	}))

	assert.Equal(t, 4, stages[StagePreparing])
	assert.Positive(t, stages[StageWritingIndex])
	assert.Positive(t, stages[StageWritingSamples])
	assert.Equal(t, 2, stages[StagePublishing], "the leader publishes each shared shard once")
	assert.Zero(t, stages[StageWritingShard])
}

func TestGenerateWithoutManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	generate(t, independentPlan(dir), GenerateWithoutManifest())
	_, err := ReadManifest(dir)
	require.ErrorIs(t, err, ErrNoManifest)
	_, err = Open(dir)
	require.ErrorIs(t, err, ErrNoManifest)
}

func TestGenerateWithDigests(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	plan := independentPlan(dir)
	generate(t, plan, GenerateWithDigests(true), GenerateWithSync(true))

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	for _, s := range m.Shards {
		require.NotNil(t, s.Digests)
		assert.NoError(t, s.Digests.Data.Validate())
	}

	report, err := Verify(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Digested)

	// Same length, different bytes: only the digest notices.
	base := plan.Files()[2].Base
	data, err := os.ReadFile(base)
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(base, data, 0o644))

	_, err = Verify(context.Background(), dir)
	require.ErrorIs(t, err, ErrDigestMismatch)

	report, err = Verify(context.Background(), dir, VerifyWithDigests(false))
	require.NoError(t, err)
	assert.Zero(t, report.Digested)
}

// generateProcesses runs one generator per rank, each joining its own
// FileGroup, as separate processes would.
func generateProcesses(t *testing.T, plan GenerationPlan) ([]*Report, []error) {
	t.Helper()
	coordDir := t.TempDir()
	reports := make([]*Report, plan.Workers)
	errs := make([]error, plan.Workers)
	var wg sync.WaitGroup
	for rank := range plan.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := JoinFileGroup(coordDir, rank, plan.Workers,
				WithPollInterval(time.Millisecond, 5*time.Millisecond),
				WithBarrierTimeout(30*time.Second),
			)
			if err != nil {
				errs[rank] = err
				return
			}
			gen, err := NewGenerator(plan, g)
			if err != nil {
				errs[rank] = err
				g.Abort(err)
				return
			}
			reports[rank], errs[rank] = gen.Generate(context.Background())
		}()
	}
	wg.Wait()
	return reports, errs
}

func TestGenerateAcrossFileGroup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		plan    func(dir string) GenerationPlan
		mode    Mode
		samples int64
	}{
		{"collective", collectivePlan, ModeCollective, 16},
		{"independent", independentPlan, ModeIndependent, 35},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			plan := tt.plan(dir)
			reports, errs := generateProcesses(t, plan)
			for rank, err := range errs {
				require.NoError(t, err, "rank %d", rank)
				assert.Equal(t, rank, reports[rank].Rank)
				assert.Equal(t, tt.mode, reports[rank].Mode)
			}

			report, err := Verify(context.Background(), dir)
			require.NoError(t, err)
			assert.Equal(t, len(plan.Files()), report.Shards)
			assert.Equal(t, tt.samples, report.Samples)
			assertNoPartials(t, dir)
		})
	}
}

func TestGenerateAcrossFileGroupAbortsPeers(t *testing.T) {
	t.Parallel()

	// The leader cannot create a data dir that is a regular file.
	dir := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))

	_, errs := generateProcesses(t, collectivePlan(dir))
	require.Error(t, errs[0])
	require.NotErrorIs(t, errs[0], ErrAborted)
	for rank := 1; rank < len(errs); rank++ {
		require.ErrorIs(t, errs[rank], ErrAborted, "rank %d", rank)
	}
}

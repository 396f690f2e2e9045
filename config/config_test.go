package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/ibstore"
	"github.com/meigma/ibstore/loader"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ByteSize(1<<30), cfg.GenerationBufferSize)
	assert.Equal(t, loader.ShuffleOff, cfg.Shuffle)
}

func TestParse(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`
data_dir: /tmp/bench
record_length: 800
num_files_train: 2
num_files_eval: 1
num_samples: 5
worker_count: 4
worker_id: 3
generation_buffer_size: 256MiB
shuffle: seeded
seed: 42
batch_size: 8
prefetch_depth: 4
read_threads: 2
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/bench", cfg.DataDir)
	assert.Equal(t, "img", cfg.FilePrefix, "unset options keep their defaults")
	assert.Equal(t, ByteSize(256<<20), cfg.GenerationBufferSize)
	assert.Equal(t, loader.ShuffleSeeded, cfg.Shuffle)
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, 3, cfg.WorkerID)

	plan := cfg.Plan()
	assert.Equal(t, 3, plan.TotalFiles())
	assert.Equal(t, ibstore.ModeCollective, plan.Mode())
	assert.Equal(t, int64(256<<20), plan.Buffer())
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown option", "num_threads: 3\n"},
		{"bad size", "generation_buffer_size: lots\n"},
		{"bad shuffle", "shuffle: sideways\n"},
		{"size mapping", "generation_buffer_size: {a: 1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }},
		{"worker id too large", func(c *Config) { c.WorkerID = 1 }},
		{"no files", func(c *Config) { c.NumFilesTrain = 0 }},
		{"tiny record", func(c *Config) { c.RecordLength = 4 }},
		{"buffer below sample", func(c *Config) { c.GenerationBufferSize = 16 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"negative prefetch", func(c *Config) { c.PrefetchDepth = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadAndMarshal(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.GenerationBufferSize = 64 << 20
	cfg.Shuffle = loader.ShuffleRandom
	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "generation_buffer_size: 64 MiB")
	assert.Contains(t, string(data), "shuffle: random")

	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestIndexConfig(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.WorkerCount = 4
	cfg.WorkerID = 2
	cfg.BatchSize = 5
	cfg.Shuffle = loader.ShuffleSeeded

	ic := cfg.IndexConfig(ibstore.Eval, 3, 102)
	require.NoError(t, ic.Validate())
	assert.Equal(t, "valid", ic.Dataset)
	assert.Equal(t, 3, ic.Epoch)
	assert.Equal(t, int64(25), ic.SamplesPerWorker)
	assert.Equal(t, int64(5), ic.Steps())
	assert.Equal(t, cfg.Seed, ic.Seed)
}

func TestByteSizeFlag(t *testing.T) {
	t.Parallel()

	var b ByteSize
	require.NoError(t, b.Set("2GiB"))
	assert.Equal(t, ByteSize(2<<30), b)
	assert.Equal(t, "2.0 GiB", b.String())
	assert.Equal(t, "bytes", b.Type())
	assert.Error(t, b.Set("-3"))
}

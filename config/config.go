// Package config holds the run configuration of a dataset benchmark.
//
// A Config is built once at startup, from defaults, a YAML file, and
// command-line overrides, and passed explicitly to the components that need
// it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/meigma/ibstore"
	"github.com/meigma/ibstore/loader"
)

// ErrInvalidConfig is returned when a configuration cannot be used.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the recognized set of run options.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	FilePrefix string `yaml:"file_prefix"`

	RecordLength  int64 `yaml:"record_length"`
	NumFilesTrain int   `yaml:"num_files_train"`
	NumFilesEval  int   `yaml:"num_files_eval"`
	NumSamples    int64 `yaml:"num_samples"`

	WorkerCount int `yaml:"worker_count"`
	WorkerID    int `yaml:"worker_id"`

	GenerationBufferSize ByteSize `yaml:"generation_buffer_size"`

	Shuffle   loader.Shuffle `yaml:"shuffle"`
	Seed      uint64         `yaml:"seed"`
	BatchSize int            `yaml:"batch_size"`

	// PrefetchDepth and ReadThreads are consumed by the read pipeline only.
	PrefetchDepth int `yaml:"prefetch_depth"`
	ReadThreads   int `yaml:"read_threads"`
}

// Defaults returns the configuration used for unset options.
func Defaults() Config {
	return Config{
		DataDir:              "data",
		FilePrefix:           "img",
		RecordLength:         64 * 1024,
		NumFilesTrain:        8,
		NumSamples:           1,
		WorkerCount:          1,
		GenerationBufferSize: ibstore.DefaultBufferSize,
		Seed:                 123,
		BatchSize:            1,
		PrefetchDepth:        2,
		ReadThreads:          1,
	}
}

// Load reads a YAML configuration file over Defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Defaults. Unknown options are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	if err := c.Plan().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.WorkerCount >= 1 && (c.WorkerID < 0 || c.WorkerID >= c.WorkerCount) {
		errs = append(errs, fmt.Errorf("worker_id %d out of range [0, %d)", c.WorkerID, c.WorkerCount))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.PrefetchDepth < 0 {
		errs = append(errs, fmt.Errorf("prefetch_depth must not be negative, got %d", c.PrefetchDepth))
	}
	if c.ReadThreads < 0 {
		errs = append(errs, fmt.Errorf("read_threads must not be negative, got %d", c.ReadThreads))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Plan returns the generation plan described by the configuration.
func (c Config) Plan() ibstore.GenerationPlan {
	return ibstore.GenerationPlan{
		DataDir:       c.DataDir,
		FilePrefix:    c.FilePrefix,
		RecordLength:  c.RecordLength,
		NumFilesTrain: c.NumFilesTrain,
		NumFilesEval:  c.NumFilesEval,
		NumSamples:    c.NumSamples,
		Workers:       c.WorkerCount,
		BufferSize:    int64(min(c.GenerationBufferSize, ByteSize(1<<62))), //nolint:gosec // clamped
	}
}

// IndexConfig returns this worker's index configuration for one epoch of
// a split holding totalSamples samples.
func (c Config) IndexConfig(ds ibstore.DatasetType, epoch int, totalSamples int64) loader.Config {
	return loader.Config{
		Format:           "indexed_binary",
		Dataset:          ds.String(),
		Epoch:            epoch,
		Worker:           c.WorkerID,
		Workers:          c.WorkerCount,
		TotalSamples:     totalSamples,
		SamplesPerWorker: loader.SamplesPerWorker(totalSamples, c.WorkerCount, 1),
		BatchSize:        c.BatchSize,
		Shuffle:          c.Shuffle,
		Seed:             c.Seed,
	}
}

// ByteSize is a byte count written as an integer or a human-readable size
// such as "256MiB" or "1 GB".
type ByteSize uint64

// ParseByteSize parses a byte count.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: byte size %q: %w", ErrInvalidConfig, s, err)
	}
	return ByteSize(n), nil
}

// String formats the size with IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d: byte size must be a scalar", ErrInvalidConfig, node.Line)
	}
	v, err := ParseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Set implements pflag.Value.
func (b *ByteSize) Set(s string) error {
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Type implements pflag.Value.
func (b *ByteSize) Type() string { return "bytes" }

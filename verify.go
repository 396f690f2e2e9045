package ibstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/ibstore/internal/format"
)

// ShardStats describes a shard triplet that passed VerifyShard.
type ShardStats struct {
	Samples int64
	Bytes   uint64
}

// VerifyReport summarizes a Verify run.
type VerifyReport struct {
	Shards   int
	Samples  int64
	Bytes    uint64
	Digested int
}

type verifyConfig struct {
	logger   *slog.Logger
	progress ProgressFunc
	digests  bool
}

// VerifyOption configures Verify.
type VerifyOption func(*verifyConfig)

// VerifyWithLogger sets the logger for verification.
func VerifyWithLogger(logger *slog.Logger) VerifyOption {
	return func(cfg *verifyConfig) {
		cfg.logger = logger
	}
}

// VerifyWithProgress sets a callback that receives one event per shard.
func VerifyWithProgress(fn ProgressFunc) VerifyOption {
	return func(cfg *verifyConfig) {
		cfg.progress = fn
	}
}

// VerifyWithDigests controls whether manifest digests are checked (default: true).
// Shards without recorded digests are never digested.
func VerifyWithDigests(enabled bool) VerifyOption {
	return func(cfg *verifyConfig) {
		cfg.digests = enabled
	}
}

// Verify checks every shard listed in the manifest of dataDir.
//
// Each shard must pass VerifyShard, hold exactly the number of samples the
// manifest records, and match its recorded digests.
func Verify(ctx context.Context, dataDir string, opts ...VerifyOption) (*VerifyReport, error) {
	cfg := verifyConfig{digests: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	m, err := ReadManifest(dataDir)
	if err != nil {
		return nil, err
	}
	report := &VerifyReport{}
	for i, ms := range m.Shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base := filepath.Join(dataDir, filepath.FromSlash(ms.Path))
		stats, err := VerifyShard(base)
		if err != nil {
			return nil, err
		}
		if stats.Samples != ms.Layout.NumSamples {
			return nil, fmt.Errorf("%w: %s has %d samples, manifest expects %d",
				ErrCorruptIndex, ms.Path, stats.Samples, ms.Layout.NumSamples)
		}
		if cfg.digests && ms.Digests != nil {
			got, err := digestShard(base)
			if err != nil {
				return nil, err
			}
			if err := compareDigests(ms.Path, *ms.Digests, *got); err != nil {
				return nil, err
			}
			report.Digested++
		}
		log.Debug("verified shard", "path", ms.Path, "samples", stats.Samples, "bytes", stats.Bytes)
		report.Shards++
		report.Samples += stats.Samples
		report.Bytes += stats.Bytes
		if cfg.progress != nil {
			cfg.progress(ProgressEvent{
				Stage:        StageVerifying,
				File:         ms.Path,
				SamplesDone:  int64(i + 1),
				SamplesTotal: int64(len(m.Shards)),
				BytesDone:    report.Bytes,
			})
		}
	}
	log.Info("verified store", "dir", dataDir, "shards", report.Shards, "samples", report.Samples, "digested", report.Digested)
	return report, nil
}

// VerifyShard checks the structural invariants of the triplet at base:
// both indexes hold the same number of entries, the first offset is zero,
// every size is positive, each offset is the previous offset plus the
// previous size, and the sizes sum to the data file length.
func VerifyShard(base string) (*ShardStats, error) {
	p := format.Paths(base)
	info, err := os.Stat(p.Data)
	if err != nil {
		return nil, err
	}
	offsets, err := format.ReadIndex(p.Offsets)
	if err != nil {
		return nil, corrupt(err)
	}
	sizes, err := format.ReadIndex(p.Sizes)
	if err != nil {
		return nil, corrupt(err)
	}
	if len(offsets) != len(sizes) {
		return nil, fmt.Errorf("%w: %s has %d offsets and %d sizes", ErrCorruptIndex, base, len(offsets), len(sizes))
	}

	var next uint64
	for i, off := range offsets {
		if off != next {
			return nil, fmt.Errorf("%w: %s sample %d at offset %d, want %d", ErrCorruptIndex, base, i, off, next)
		}
		if sizes[i] == 0 {
			return nil, fmt.Errorf("%w: %s sample %d is empty", ErrCorruptIndex, base, i)
		}
		next = off + sizes[i]
		if next < off {
			return nil, fmt.Errorf("%w: %s sample %d: %w", ErrCorruptIndex, base, i, ErrSizeOverflow)
		}
	}
	if size := uint64(info.Size()); next != size { //nolint:gosec // file sizes are non-negative
		return nil, fmt.Errorf("%w: %s sizes sum to %d, data file has %d bytes", ErrCorruptIndex, base, next, size)
	}
	return &ShardStats{Samples: int64(len(offsets)), Bytes: next}, nil
}

func compareDigests(path string, want, got ShardDigests) error {
	for _, c := range []struct {
		name      string
		want, got digest.Digest
	}{
		{"data", want.Data, got.Data},
		{"offsets", want.Offsets, got.Offsets},
		{"sizes", want.Sizes, got.Sizes},
	} {
		if c.want != c.got {
			return fmt.Errorf("%w: %s %s: recorded %s, computed %s", ErrDigestMismatch, path, c.name, c.want, c.got)
		}
	}
	return nil
}

func corrupt(err error) error {
	if errors.Is(err, format.ErrMisaligned) {
		return fmt.Errorf("%w: %w", ErrCorruptIndex, err)
	}
	return err
}

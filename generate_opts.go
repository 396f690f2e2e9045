package ibstore

import "log/slog"

// DefaultPayloadSeed seeds the payload generator when no seed is set.
const DefaultPayloadSeed = 10

// generateConfig holds configuration for dataset generation.
type generateConfig struct {
	logger     *slog.Logger
	progress   ProgressFunc
	seed       uint64
	noManifest bool
	digests    bool
	sync       bool
}

// GenerateOption configures a Generator.
type GenerateOption func(*generateConfig)

// GenerateWithLogger sets the logger for generation.
// If not set, logging is disabled.
func GenerateWithLogger(logger *slog.Logger) GenerateOption {
	return func(cfg *generateConfig) {
		cfg.logger = logger
	}
}

// GenerateWithProgress sets a callback that receives one event per written chunk.
func GenerateWithProgress(fn ProgressFunc) GenerateOption {
	return func(cfg *generateConfig) {
		cfg.progress = fn
	}
}

// GenerateWithSeed sets the seed of the random payload bytes.
// Payloads are reproducible for a given seed, plan, and worker count.
func GenerateWithSeed(seed uint64) GenerateOption {
	return func(cfg *generateConfig) {
		cfg.seed = seed
	}
}

// GenerateWithoutManifest skips writing the dataset manifest.
// A store without a manifest cannot be opened with Open; shards can still be
// checked with VerifyShard.
func GenerateWithoutManifest() GenerateOption {
	return func(cfg *generateConfig) {
		cfg.noManifest = true
	}
}

// GenerateWithDigests records a sha256 digest of every artifact in the
// manifest. This reads every generated byte once more on the leader.
func GenerateWithDigests(enabled bool) GenerateOption {
	return func(cfg *generateConfig) {
		cfg.digests = enabled
	}
}

// GenerateWithSync flushes artifacts to stable storage before publishing them.
func GenerateWithSync(enabled bool) GenerateOption {
	return func(cfg *generateConfig) {
		cfg.sync = enabled
	}
}

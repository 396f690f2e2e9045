package ibstore

import "log/slog"

// defaultReadThreads bounds ReadMany when no OpenWithReadThreads option is set.
const defaultReadThreads = 4

type openConfig struct {
	logger      *slog.Logger
	readThreads int
	noMmap      bool
}

// OpenOption configures a Store.
type OpenOption func(*openConfig)

// OpenWithLogger sets the logger for store operations.
// If not set, logging is disabled.
func OpenWithLogger(logger *slog.Logger) OpenOption {
	return func(cfg *openConfig) {
		cfg.logger = logger
	}
}

// OpenWithReadThreads sets the number of concurrent reads used by ReadMany.
// Values < 1 force serial reads.
func OpenWithReadThreads(n int) OpenOption {
	return func(cfg *openConfig) {
		if n < 1 {
			n = 1
		}
		cfg.readThreads = n
	}
}

// OpenWithMmap controls whether index files are memory-mapped (default: true
// on Unix systems). When disabled, indexes are read into memory on first use.
func OpenWithMmap(enabled bool) OpenOption {
	return func(cfg *openConfig) {
		cfg.noMmap = !enabled
	}
}

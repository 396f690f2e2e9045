package ibstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/ibstore/internal/format"
	"github.com/meigma/ibstore/internal/sizing"
)

// Store provides O(1) random access to the samples of a generated dataset.
//
// Shard files are opened on first use and their indexes memory-mapped.
// Concurrent first reads of the same shard open it once. Store is safe for
// concurrent use.
type Store struct {
	dir      string
	manifest *Manifest
	cfg      openConfig
	sem      *semaphore.Weighted
	opening  singleflight.Group

	// life guards closed against in-flight reads of mapped memory.
	life   sync.RWMutex
	closed bool

	mu     sync.Mutex
	shards map[int]*shard
}

// shard is an open shard: its data file and both indexes.
type shard struct {
	data     *os.File
	dataSize uint64
	offsets  []byte
	sizes    []byte
	count    int64
	release  []func() error
}

// Open opens the store in dataDir using its manifest.
func Open(dataDir string, opts ...OpenOption) (*Store, error) {
	m, err := ReadManifest(dataDir)
	if err != nil {
		return nil, err
	}
	cfg := openConfig{readThreads: defaultReadThreads}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Store{
		dir:      dataDir,
		manifest: m,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.readThreads)),
		shards:   make(map[int]*shard),
	}
	s.log().Debug("opened store", "dir", dataDir, "shards", len(m.Shards), "mode", m.Mode)
	return s, nil
}

// Manifest returns the store's manifest. Callers must not modify it.
func (s *Store) Manifest() *Manifest {
	return s.manifest
}

// NumShards returns the number of shards across all splits.
func (s *Store) NumShards() int {
	return len(s.manifest.Shards)
}

// ShardBase returns the base path of shard i.
func (s *Store) ShardBase(i int) string {
	return filepath.Join(s.dir, filepath.FromSlash(s.manifest.Shards[i].Path))
}

// ReadSample returns a copy of sample within shard i.
func (s *Store) ReadSample(i int, sample int64) ([]byte, error) {
	s.life.RLock()
	defer s.life.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	sh, err := s.shard(i)
	if err != nil {
		return nil, err
	}
	data, err := sh.read(sample)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.manifest.Shards[i].Path, err)
	}
	return data, nil
}

// Close unmaps indexes and closes every open shard.
func (s *Store) Close() error {
	s.life.Lock()
	defer s.life.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for i, sh := range s.shards {
		errs = append(errs, sh.close())
		delete(s.shards, i)
	}
	return errors.Join(errs...)
}

// shard returns the open shard i, opening it if needed.
// Callers must hold s.life for reading.
func (s *Store) shard(i int) (*shard, error) {
	if i < 0 || i >= len(s.manifest.Shards) {
		return nil, fmt.Errorf("%w: shard %d of %d", ErrSampleOutOfRange, i, len(s.manifest.Shards))
	}
	s.mu.Lock()
	sh, ok := s.shards[i]
	s.mu.Unlock()
	if ok {
		return sh, nil
	}

	v, err, _ := s.opening.Do(strconv.Itoa(i), func() (any, error) {
		s.mu.Lock()
		if sh, ok := s.shards[i]; ok {
			s.mu.Unlock()
			return sh, nil
		}
		s.mu.Unlock()

		sh, err := s.openShard(i)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.shards[i] = sh
		s.mu.Unlock()
		return sh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*shard), nil //nolint:errcheck // type is guaranteed by the Do callback
}

func (s *Store) openShard(i int) (*shard, error) {
	ms := s.manifest.Shards[i]
	p := format.Paths(s.ShardBase(i))
	sh := &shard{count: ms.Layout.NumSamples}
	opened := false
	defer func() {
		if !opened {
			_ = sh.close() //nolint:errcheck // best-effort cleanup
		}
	}()

	var err error
	if sh.data, err = os.Open(p.Data); err != nil {
		return nil, err
	}
	info, err := sh.data.Stat()
	if err != nil {
		return nil, err
	}
	sh.dataSize = uint64(info.Size()) //nolint:gosec // file sizes are non-negative

	var release func() error
	if sh.offsets, release, err = mapIndex(p.Offsets, !s.cfg.noMmap); err != nil {
		return nil, err
	}
	sh.release = append(sh.release, release)
	if sh.sizes, release, err = mapIndex(p.Sizes, !s.cfg.noMmap); err != nil {
		return nil, err
	}
	sh.release = append(sh.release, release)

	nOff, err := format.Count(sh.offsets)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptIndex, p.Offsets, err)
	}
	nSz, err := format.Count(sh.sizes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptIndex, p.Sizes, err)
	}
	if int64(nOff) != sh.count || int64(nSz) != sh.count {
		return nil, fmt.Errorf("%w: %s has %d offsets and %d sizes, manifest expects %d",
			ErrCorruptIndex, ms.Path, nOff, nSz, sh.count)
	}
	opened = true
	s.log().Debug("opened shard", "path", ms.Path, "samples", sh.count, "bytes", sh.dataSize)
	return sh, nil
}

func (sh *shard) read(sample int64) ([]byte, error) {
	if sample < 0 || sample >= sh.count {
		return nil, fmt.Errorf("%w: sample %d of %d", ErrSampleOutOfRange, sample, sh.count)
	}
	off := format.Entry(sh.offsets, int(sample))
	size := format.Entry(sh.sizes, int(sample))
	end, ok := sizing.AddUint64(off, size)
	if !ok || end > sh.dataSize {
		return nil, fmt.Errorf("%w: sample %d spans [%d, %d) past data size %d",
			ErrCorruptIndex, sample, off, off+size, sh.dataSize)
	}
	n, err := sizing.ToInt(size, ErrSizeOverflow)
	if err != nil {
		return nil, err
	}
	at, err := sizing.ToInt64(off, ErrCorruptIndex)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read, err := sh.data.ReadAt(buf, at)
	if err != nil && !(errors.Is(err, io.EOF) && read == n) {
		return nil, err
	}
	return buf, nil
}

func (sh *shard) close() error {
	var errs []error
	for _, release := range sh.release {
		if release != nil {
			errs = append(errs, release())
		}
	}
	sh.release = nil
	if sh.data != nil {
		errs = append(errs, sh.data.Close())
	}
	return errors.Join(errs...)
}

// readIndex reads an index file into memory.
func readIndex(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, func() error { return nil }, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Store) log() *slog.Logger {
	if s.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.cfg.logger
}

// Split is a view over the shards of one dataset split, addressed by a
// split-wide sample id. Ids number the samples of the split's shards
// consecutively in file order.
type Split struct {
	store  *Store
	shards []int   // store shard indexes
	starts []int64 // first split-wide id of each shard
	total  int64
}

// Split returns the view over the shards of ds.
func (s *Store) Split(ds DatasetType) *Split {
	v := &Split{store: s}
	for i, ms := range s.manifest.Shards {
		if ms.Dataset != ds.String() {
			continue
		}
		v.shards = append(v.shards, i)
		v.starts = append(v.starts, v.total)
		v.total += ms.Layout.NumSamples
	}
	return v
}

// TotalSamples returns the number of samples in the split.
func (v *Split) TotalSamples() int64 { return v.total }

// Shards returns the number of shards in the split.
func (v *Split) Shards() int { return len(v.shards) }

// Locate maps a split-wide sample id to a shard-local position.
// The returned shard is a split-local index.
func (v *Split) Locate(id int64) (shard int, sample int64, err error) {
	if id < 0 || id >= v.total {
		return 0, 0, fmt.Errorf("%w: sample %d of %d", ErrSampleOutOfRange, id, v.total)
	}
	shard = sort.Search(len(v.starts), func(i int) bool { return v.starts[i] > id }) - 1
	return shard, id - v.starts[shard], nil
}

// ReadIndex returns sample id of the split. It gives the split the
// index-based read capability; step only identifies the caller's batch.
func (v *Split) ReadIndex(id int64, _ int) ([]byte, error) {
	shard, sample, err := v.Locate(id)
	if err != nil {
		return nil, err
	}
	return v.store.ReadSample(v.shards[shard], sample)
}

// ReadMany reads ids concurrently, bounded by the store's read threads.
// Results are returned in the order of ids.
func (v *Split) ReadMany(ctx context.Context, ids []int64) ([][]byte, error) {
	out := make([][]byte, len(ids))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, id := range ids {
		if err := v.store.sem.Acquire(egCtx, 1); err != nil {
			break
		}
		eg.Go(func() error {
			defer v.store.sem.Release(1)
			data, err := v.ReadIndex(id, 0)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Samples yields the samples of the given split-local shards in order,
// giving the split the forward-iteration capability.
func (v *Split) Samples(ctx context.Context, shards []int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, i := range shards {
			if i < 0 || i >= len(v.shards) {
				yield(nil, fmt.Errorf("%w: shard %d of %d", ErrSampleOutOfRange, i, len(v.shards)))
				return
			}
			n := v.store.manifest.Shards[v.shards[i]].Layout.NumSamples
			for sample := range n {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				data, err := v.store.ReadSample(v.shards[i], sample)
				if !yield(data, err) || err != nil {
					return
				}
			}
		}
	}
}

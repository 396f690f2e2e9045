package coord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errNotReady = errors.New("coord: barrier not complete")

// FileGroup synchronizes worker processes through marker files in a
// directory on a filesystem shared by every worker.
//
// Each barrier round k creates barrier-<k>-<rank>; a worker passes round k
// once all Size() markers exist. Abort writes abort-<rank>, which fails the
// current and every later barrier on all peers. The directory must be unique
// to one run; markers are never removed.
type FileGroup struct {
	dir        string
	rank       int
	size       int
	round      int
	initial    time.Duration
	maxPoll    time.Duration
	maxElapsed time.Duration
}

// FileGroupOption configures a FileGroup.
type FileGroupOption func(*FileGroup)

// WithPollInterval sets the initial and maximum interval between polls.
func WithPollInterval(initial, maxInterval time.Duration) FileGroupOption {
	return func(g *FileGroup) {
		g.initial = initial
		g.maxPoll = maxInterval
	}
}

// WithBarrierTimeout bounds how long a single barrier may wait.
// Zero (the default) waits until the context is done.
func WithBarrierTimeout(d time.Duration) FileGroupOption {
	return func(g *FileGroup) {
		g.maxElapsed = d
	}
}

// NewFileGroup joins the group coordinated through dir as worker rank.
func NewFileGroup(dir string, rank, size int, opts ...FileGroupOption) (*FileGroup, error) {
	if size < 1 {
		return nil, fmt.Errorf("coord: worker count must be positive, got %d", size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("coord: rank %d outside [0, %d)", rank, size)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("coord: create %s: %w", dir, err)
	}
	g := &FileGroup{
		dir:     dir,
		rank:    rank,
		size:    size,
		initial: 10 * time.Millisecond,
		maxPoll: time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Rank implements Group.
func (g *FileGroup) Rank() int { return g.rank }

// Size implements Group.
func (g *FileGroup) Size() int { return g.size }

// Barrier implements Group.
func (g *FileGroup) Barrier(ctx context.Context) error {
	g.round++
	marker := filepath.Join(g.dir, fmt.Sprintf("barrier-%06d-%06d", g.round, g.rank))
	if err := os.WriteFile(marker, nil, 0o640); err != nil {
		return fmt.Errorf("coord: write barrier marker: %w", err)
	}

	pattern := filepath.Join(g.dir, fmt.Sprintf("barrier-%06d-*", g.round))
	poll := func() error {
		if err := g.aborted(); err != nil {
			return backoff.Permanent(err)
		}
		arrived, err := filepath.Glob(pattern)
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(arrived) < g.size {
			return errNotReady
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.initial
	b.MaxInterval = g.maxPoll
	b.MaxElapsedTime = g.maxElapsed
	if err := backoff.Retry(poll, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errNotReady) {
			return fmt.Errorf("coord: barrier %d timed out after %s", g.round, g.maxElapsed)
		}
		return err
	}
	return nil
}

// Abort implements Group.
func (g *FileGroup) Abort(cause error) {
	marker := filepath.Join(g.dir, fmt.Sprintf("abort-%06d", g.rank))
	_ = os.WriteFile(marker, []byte(cause.Error()), 0o640) //nolint:errcheck // peers time out if this fails
}

// aborted returns an error wrapping ErrAborted if any worker aborted.
func (g *FileGroup) aborted() error {
	markers, err := filepath.Glob(filepath.Join(g.dir, "abort-*"))
	if err != nil || len(markers) == 0 {
		return nil
	}
	msg, _ := os.ReadFile(markers[0]) //nolint:errcheck // message is informational
	return fmt.Errorf("%w: %s: %s", ErrAborted, filepath.Base(markers[0]), msg)
}

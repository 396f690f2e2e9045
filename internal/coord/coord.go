// Package coord provides the synchronization primitives shared by cooperating
// workers: a stable rank within a fixed-size group, a reusable barrier, and an
// abort signal that releases peers blocked at a barrier.
package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrAborted is returned from Barrier when a peer aborted the group.
var ErrAborted = errors.New("coord: group aborted")

// Group is one worker's view of a fixed-size worker group.
type Group interface {
	// Rank returns this worker's id in [0, Size()).
	Rank() int

	// Size returns the number of workers in the group.
	Size() int

	// Barrier blocks until every worker has reached the same barrier,
	// a peer aborts the group, or ctx is done.
	Barrier(ctx context.Context) error

	// Abort releases all current and future barriers with an error
	// wrapping ErrAborted and cause.
	Abort(cause error)
}

// Solo returns a single-worker group. Its barriers only check ctx.
func Solo() Group { return solo{} }

type solo struct{}

func (solo) Rank() int                         { return 0 }
func (solo) Size() int                         { return 1 }
func (solo) Barrier(ctx context.Context) error { return ctx.Err() }
func (solo) Abort(error)                       {}

// RunLocal runs n workers as goroutines sharing one in-process barrier.
//
// If any worker returns an error the barrier is aborted so that no peer
// stalls, and RunLocal returns the first worker error.
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, g Group) error) error {
	if n < 1 {
		return fmt.Errorf("coord: worker count must be positive, got %d", n)
	}
	b := newBarrier(n)
	eg, egCtx := errgroup.WithContext(ctx)
	for rank := range n {
		g := &localGroup{rank: rank, size: n, barrier: b}
		eg.Go(func() error {
			if err := fn(egCtx, g); err != nil {
				b.abort(fmt.Errorf("worker %d: %w", rank, err))
				return err
			}
			return nil
		})
	}
	err := eg.Wait()
	if cause := b.cause(); cause != nil {
		return cause
	}
	return err
}

type localGroup struct {
	rank    int
	size    int
	barrier *barrier
}

func (g *localGroup) Rank() int { return g.rank }
func (g *localGroup) Size() int { return g.size }

func (g *localGroup) Barrier(ctx context.Context) error {
	return g.barrier.wait(ctx)
}

func (g *localGroup) Abort(cause error) {
	g.barrier.abort(fmt.Errorf("worker %d: %w", g.rank, cause))
}

// generation is one round of the barrier. done is closed when every worker
// arrived or the barrier was aborted; err is set before done is closed.
type generation struct {
	done chan struct{}
	err  error
}

// barrier is a cyclic barrier that can be aborted.
type barrier struct {
	mu      sync.Mutex
	n       int
	arrived int
	cur     *generation
	first   error
	err     error
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, cur: &generation{done: make(chan struct{})}}
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return b.err
	}
	g := b.cur
	b.arrived++
	if b.arrived == b.n {
		b.arrived = 0
		b.cur = &generation{done: make(chan struct{})}
		close(g.done)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		select {
		case <-g.done:
			return g.err
		default:
		}
		// A worker leaving mid-round would strand its peers.
		b.abort(ctx.Err())
		return ctx.Err()
	}
}

func (b *barrier) abort(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return
	}
	b.first = cause
	b.err = fmt.Errorf("%w: %w", ErrAborted, cause)
	b.cur.err = b.err
	close(b.cur.done)
}

func (b *barrier) cause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.first
}

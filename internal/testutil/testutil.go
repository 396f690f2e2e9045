// Package testutil provides in-memory readers and on-disk shard builders
// for tests.
package testutil

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"
	"testing"
)

// ErrMissing is returned by mock readers for ids or shards they do not hold.
var ErrMissing = errors.New("testutil: no such sample")

// SampleBytes returns the deterministic payload MockIndexReader serves for id.
func SampleBytes(id int64) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(id)) //nolint:gosec // test ids are non-negative
}

// MockIndexReader serves SampleBytes(id) for ids in [0, Total) and records
// every request. It is safe for concurrent use.
type MockIndexReader struct {
	Total int64

	// Fail, if set, makes ReadIndex return it for that id.
	Fail map[int64]error

	mu    sync.Mutex
	calls []IndexCall
}

// IndexCall records one ReadIndex request.
type IndexCall struct {
	ID   int64
	Step int
}

// NewMockIndexReader returns a reader over total samples.
func NewMockIndexReader(total int64) *MockIndexReader {
	return &MockIndexReader{Total: total}
}

// ReadIndex implements the index-based read capability.
func (m *MockIndexReader) ReadIndex(id int64, step int) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, IndexCall{ID: id, Step: step})
	m.mu.Unlock()
	if err := m.Fail[id]; err != nil {
		return nil, err
	}
	if id < 0 || id >= m.Total {
		return nil, fmt.Errorf("%w: %d", ErrMissing, id)
	}
	return SampleBytes(id), nil
}

// Calls returns a copy of the recorded requests.
func (m *MockIndexReader) Calls() []IndexCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]IndexCall(nil), m.calls...)
}

// MockIterReader serves in-memory shards front to back.
type MockIterReader struct {
	Data [][][]byte

	// FailAfter, if positive, makes the sequence fail after that many samples.
	FailAfter int
}

// NewMockIterReader returns a reader over shards of samples-per-shard
// records. Record j of shard i holds the bytes {i, j}.
func NewMockIterReader(shards, samplesPerShard int) *MockIterReader {
	m := &MockIterReader{Data: make([][][]byte, shards)}
	for i := range shards {
		for j := range samplesPerShard {
			m.Data[i] = append(m.Data[i], []byte{byte(i), byte(j)})
		}
	}
	return m
}

// Shards returns the number of shards.
func (m *MockIterReader) Shards() int { return len(m.Data) }

// Samples yields the records of shards in order.
func (m *MockIterReader) Samples(ctx context.Context, shards []int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		n := 0
		for _, i := range shards {
			if i < 0 || i >= len(m.Data) {
				yield(nil, fmt.Errorf("%w: shard %d", ErrMissing, i))
				return
			}
			for _, rec := range m.Data[i] {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if m.FailAfter > 0 && n == m.FailAfter {
					yield(nil, errors.New("testutil: injected failure"))
					return
				}
				if !yield(rec, nil) {
					return
				}
				n++
			}
		}
	}
}

// WriteIndex writes vals as a native-endian uint64 index file.
func WriteIndex(tb testing.TB, path string, vals []uint64) {
	tb.Helper()
	buf := make([]byte, 0, len(vals)*8)
	for _, v := range vals {
		buf = binary.NativeEndian.AppendUint64(buf, v)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		tb.Fatalf("write index %s: %v", path, err)
	}
}

// WriteShard writes a triplet at base holding one record per size, with
// offsets derived from the sizes. Record i is filled with byte i.
func WriteShard(tb testing.TB, base string, sizes []uint64) {
	tb.Helper()
	var data []byte
	offsets := make([]uint64, len(sizes))
	for i, sz := range sizes {
		offsets[i] = uint64(len(data))
		for range sz {
			data = append(data, byte(i))
		}
	}
	if err := os.WriteFile(base, data, 0o644); err != nil {
		tb.Fatalf("write data %s: %v", base, err)
	}
	WriteIndex(tb, base+".off.idx", offsets)
	WriteIndex(tb, base+".sz.idx", sizes)
}

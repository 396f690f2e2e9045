// Package format defines the on-disk layout of an indexed binary shard.
//
// A shard with base name N has three artifacts:
//   - N: concatenated raw sample bytes in shard-local order
//   - N.off.idx: uint64 byte offsets, native byte order, one per sample
//   - N.sz.idx: uint64 byte sizes, native byte order, one per sample
//
// Artifacts are written under partial names in the same directory and
// renamed into place by Publish. The data file is renamed last, so its
// presence implies a complete triplet.
package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// OffsetSuffix is appended to the base name for the offset index.
	OffsetSuffix = ".off.idx"

	// SizeSuffix is appended to the base name for the size index.
	SizeSuffix = ".sz.idx"

	// PartialSuffix marks an artifact that has not been published yet.
	PartialSuffix = ".partial"

	// EntrySize is the width in bytes of one index entry.
	EntrySize = 8
)

// ErrMisaligned is returned when an index file is not a whole number of entries.
var ErrMisaligned = errors.New("format: index length is not a multiple of 8")

// Triplet holds the paths of a shard's three artifacts.
type Triplet struct {
	Data    string
	Offsets string
	Sizes   string
}

// Paths returns the published artifact paths for base.
func Paths(base string) Triplet {
	return Triplet{
		Data:    base,
		Offsets: base + OffsetSuffix,
		Sizes:   base + SizeSuffix,
	}
}

// Partial returns the unpublished artifact paths for base.
//
// Partial names are deterministic so that every worker writing a shared
// shard opens the same files.
func Partial(base string) Triplet {
	dir, name := filepath.Split(base)
	hidden := filepath.Join(dir, "."+name)
	return Triplet{
		Data:    hidden + PartialSuffix,
		Offsets: hidden + OffsetSuffix + PartialSuffix,
		Sizes:   hidden + SizeSuffix + PartialSuffix,
	}
}

// All returns the three paths in publish order: offsets, sizes, data.
func (t Triplet) All() []string {
	return []string{t.Offsets, t.Sizes, t.Data}
}

// Files holds open handles to a shard's partial artifacts.
type Files struct {
	Data    *os.File
	Offsets *os.File
	Sizes   *os.File
	base    string
}

// OpenPartial opens the partial artifacts of base for writing.
//
// When truncate is false the files are opened without truncation so that
// several workers can write disjoint ranges of the same shard.
func OpenPartial(base string, truncate bool) (*Files, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if truncate {
		flags |= os.O_TRUNC
	}
	p := Partial(base)
	f := &Files{base: base}
	var err error
	if f.Offsets, err = os.OpenFile(p.Offsets, flags, 0o644); err != nil {
		return nil, fmt.Errorf("open %s: %w", p.Offsets, err)
	}
	if f.Sizes, err = os.OpenFile(p.Sizes, flags, 0o644); err != nil {
		_ = f.Offsets.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("open %s: %w", p.Sizes, err)
	}
	if f.Data, err = os.OpenFile(p.Data, flags, 0o644); err != nil {
		_ = f.Offsets.Close() //nolint:errcheck // best-effort cleanup
		_ = f.Sizes.Close()   //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("open %s: %w", p.Data, err)
	}
	return f, nil
}

// Sync flushes all three files to stable storage.
func (f *Files) Sync() error {
	for _, h := range []*os.File{f.Offsets, f.Sizes, f.Data} {
		if err := h.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", h.Name(), err)
		}
	}
	return nil
}

// Close closes all three files and returns the first error.
func (f *Files) Close() error {
	return errors.Join(f.Offsets.Close(), f.Sizes.Close(), f.Data.Close())
}

// Discard closes the files and removes the partial artifacts.
func (f *Files) Discard() error {
	_ = f.Close() //nolint:errcheck // we're cleaning up
	return RemovePartial(f.base)
}

// Publish renames the partial artifacts of base to their final names.
//
// Offsets and sizes are renamed before the data file. Any previously
// published triplet is replaced.
func Publish(base string) error {
	from, to := Partial(base).All(), Paths(base).All()
	for i := range from {
		if err := os.Rename(from[i], to[i]); err != nil {
			return fmt.Errorf("publish %s: %w", to[i], err)
		}
	}
	return nil
}

// RemovePartial deletes any partial artifacts of base. Missing files are ignored.
func RemovePartial(base string) error {
	var errs []error
	for _, p := range Partial(base).All() {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AppendOffsets appends n offsets starting at first and spaced step apart.
func AppendOffsets(dst []byte, first, step uint64, n int) []byte {
	for i := range n {
		dst = binary.NativeEndian.AppendUint64(dst, first+uint64(i)*step) //nolint:gosec // i is non-negative
	}
	return dst
}

// AppendConstant appends n copies of v.
func AppendConstant(dst []byte, v uint64, n int) []byte {
	for range n {
		dst = binary.NativeEndian.AppendUint64(dst, v)
	}
	return dst
}

// Entry returns index entry i of an encoded index.
func Entry(b []byte, i int) uint64 {
	return binary.NativeEndian.Uint64(b[i*EntrySize:])
}

// Count returns the number of entries in an encoded index.
func Count(b []byte) (int, error) {
	if len(b)%EntrySize != 0 {
		return 0, ErrMisaligned
	}
	return len(b) / EntrySize, nil
}

// Decode converts an encoded index to a slice of values.
func Decode(b []byte) ([]uint64, error) {
	n, err := Count(b)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = Entry(b, i)
	}
	return out, nil
}

// ReadIndex reads and decodes a whole index file.
func ReadIndex(path string) ([]uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vals, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vals, nil
}

package ibstore

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/klauspost/compress/zstd"
)

// streamMagic opens every sample stream.
var streamMagic = [4]byte{'i', 'b', 's', 1}

// maxStreamSample bounds the declared length of one stream record.
const maxStreamSample = 1 << 30

// ExportStream writes the samples of shard as a zstd-compressed stream of
// length-prefixed records and returns the number of samples written.
//
// A stream has no index: it can only be read front to back, through a
// StreamReader.
func ExportStream(ctx context.Context, s *Store, shard int, w io.Writer, progress ProgressFunc) (int64, error) {
	if shard < 0 || shard >= s.NumShards() {
		return 0, fmt.Errorf("%w: shard %d of %d", ErrSampleOutOfRange, shard, s.NumShards())
	}
	ms := s.manifest.Shards[shard]
	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return 0, err
	}
	if _, err := enc.Write(streamMagic[:]); err != nil {
		enc.Close()
		return 0, err
	}

	var prefix [binary.MaxVarintLen64]byte
	var written uint64
	for i := range ms.Layout.NumSamples {
		if err := ctx.Err(); err != nil {
			enc.Close()
			return i, err
		}
		data, err := s.ReadSample(shard, i)
		if err != nil {
			enc.Close()
			return i, err
		}
		n := binary.PutUvarint(prefix[:], uint64(len(data)))
		if _, err := enc.Write(prefix[:n]); err != nil {
			enc.Close()
			return i, err
		}
		if _, err := enc.Write(data); err != nil {
			enc.Close()
			return i, err
		}
		written += uint64(len(data))
		if progress != nil {
			progress(ProgressEvent{
				Stage:        StageExporting,
				File:         ms.Path,
				SamplesDone:  i + 1,
				SamplesTotal: ms.Layout.NumSamples,
				BytesDone:    written,
				BytesTotal:   uint64(ms.Layout.Bytes()), //nolint:gosec // non-negative by construction
			})
		}
	}
	if err := enc.Close(); err != nil {
		return ms.Layout.NumSamples, err
	}
	s.log().Info("exported shard", "path", ms.Path, "samples", ms.Layout.NumSamples, "bytes", written)
	return ms.Layout.NumSamples, nil
}

// StreamReader reads sample streams written by ExportStream. Each path is
// one shard. It offers forward iteration only.
type StreamReader struct {
	paths []string
}

// NewStreamReader returns a reader over the stream files at paths.
func NewStreamReader(paths ...string) *StreamReader {
	return &StreamReader{paths: paths}
}

// Shards returns the number of stream files.
func (r *StreamReader) Shards() int { return len(r.paths) }

// Samples yields every record of the given shards in order.
func (r *StreamReader) Samples(ctx context.Context, shards []int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, i := range shards {
			if i < 0 || i >= len(r.paths) {
				yield(nil, fmt.Errorf("%w: shard %d of %d", ErrSampleOutOfRange, i, len(r.paths)))
				return
			}
			if !r.readStream(ctx, r.paths[i], yield) {
				return
			}
		}
	}
}

// readStream yields the records of one stream file. It reports whether
// iteration should continue.
func (r *StreamReader) readStream(ctx context.Context, path string, yield func([]byte, error) bool) bool {
	f, err := os.Open(path)
	if err != nil {
		yield(nil, err)
		return false
	}
	defer f.Close()
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		yield(nil, err)
		return false
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	var magic [len(streamMagic)]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil || magic != streamMagic {
		yield(nil, fmt.Errorf("%w: %s: bad header", ErrBadStream, path))
		return false
	}
	for {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return false
		}
		n, err := binary.ReadUvarint(br)
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			yield(nil, fmt.Errorf("%w: %s: %w", ErrBadStream, path, err))
			return false
		}
		if n == 0 || n > maxStreamSample {
			yield(nil, fmt.Errorf("%w: %s: record of %d bytes", ErrBadStream, path, n))
			return false
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			yield(nil, fmt.Errorf("%w: %s: truncated record: %w", ErrBadStream, path, err))
			return false
		}
		if !yield(buf, nil) {
			return false
		}
	}
}

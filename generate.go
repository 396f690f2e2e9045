package ibstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"github.com/meigma/ibstore/internal/coord"
	"github.com/meigma/ibstore/internal/format"
)

// Group is one worker's view of a fixed-size worker group.
type Group = coord.Group

// FileGroupOption configures a group joined with JoinFileGroup.
type FileGroupOption = coord.FileGroupOption

// Re-exported FileGroup options.
var (
	WithPollInterval   = coord.WithPollInterval
	WithBarrierTimeout = coord.WithBarrierTimeout
)

// JoinFileGroup joins a group of worker processes coordinated through marker
// files in dir, which must be on a filesystem shared by every worker and
// unique to one run.
func JoinFileGroup(dir string, rank, size int, opts ...FileGroupOption) (Group, error) {
	g, err := coord.NewFileGroup(dir, rank, size, opts...)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Solo returns a group with a single worker.
func Solo() Group { return coord.Solo() }

// Report summarizes one worker's part of a generation run.
type Report struct {
	// Rank is the reporting worker.
	Rank int

	// Mode is the coordination strategy that was used.
	Mode Mode

	// Files lists the shard base paths this worker wrote to.
	Files []string

	// Samples is the number of samples this worker wrote.
	Samples int64

	// Bytes is the number of sample bytes this worker wrote.
	Bytes int64
}

// Generator writes an indexed binary dataset as one worker of a group.
type Generator struct {
	plan  GenerationPlan
	group coord.Group
	cfg   generateConfig
	files []ShardFile
}

// NewGenerator validates plan and binds it to worker group g.
// The group size must equal plan.Workers.
func NewGenerator(plan GenerationPlan, g Group, opts ...GenerateOption) (*Generator, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: nil group", ErrInvalidWorker)
	}
	if g.Size() != plan.Workers {
		return nil, fmt.Errorf("%w: group has %d workers, plan expects %d", ErrInvalidWorker, g.Size(), plan.Workers)
	}
	if g.Rank() < 0 || g.Rank() >= g.Size() {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrInvalidWorker, g.Rank(), g.Size())
	}
	cfg := generateConfig{seed: DefaultPayloadSeed}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Generator{
		plan:  plan,
		group: g,
		cfg:   cfg,
		files: plan.Files(),
	}, nil
}

// GenerateLocal runs plan.Workers generators as goroutines in this process
// and returns their reports ordered by rank.
func GenerateLocal(ctx context.Context, plan GenerationPlan, opts ...GenerateOption) ([]*Report, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	reports := make([]*Report, plan.Workers)
	var mu sync.Mutex
	err := coord.RunLocal(ctx, plan.Workers, func(ctx context.Context, g coord.Group) error {
		gen, err := NewGenerator(plan, g, opts...)
		if err != nil {
			return err
		}
		r, err := gen.Generate(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		reports[g.Rank()] = r
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// Generate writes this worker's share of the dataset.
//
// Generate returns only after every worker of the group finished and the
// manifest was written, so a successful return means the whole store is
// readable. On failure the group is aborted so that peers blocked at a
// barrier return ErrAborted instead of stalling. Unpublished artifacts stay
// hidden under partial names.
func (g *Generator) Generate(ctx context.Context) (*Report, error) {
	r, err := g.generate(ctx)
	if err != nil {
		g.group.Abort(err)
		return nil, err
	}
	return r, nil
}

func (g *Generator) generate(ctx context.Context) (*Report, error) {
	rank := g.group.Rank()
	mode := g.plan.Mode()
	g.log().Info("generating dataset",
		"rank", rank,
		"workers", g.plan.Workers,
		"mode", mode.String(),
		"files", len(g.files),
		"samples_per_file", g.plan.NumSamples,
	)

	g.reportProgress(ProgressEvent{Stage: StagePreparing, Rank: rank})
	if rank == 0 {
		if err := g.prepare(); err != nil {
			return nil, err
		}
	}
	if err := g.group.Barrier(ctx); err != nil {
		return nil, err
	}

	report := &Report{Rank: rank, Mode: mode}
	var err error
	if mode == ModeCollective {
		err = g.generateCollective(ctx, report)
	} else {
		err = g.generateIndependent(ctx, report)
	}
	if err != nil {
		return nil, err
	}

	// Completion times vary; nobody proceeds until every shard is published.
	if err := g.group.Barrier(ctx); err != nil {
		return nil, err
	}
	if rank == 0 && !g.cfg.noManifest {
		if err := g.writeManifest(ctx); err != nil {
			return nil, err
		}
	}
	if err := g.group.Barrier(ctx); err != nil {
		return nil, err
	}

	g.log().Info("dataset generated", "rank", rank, "files", len(report.Files), "samples", report.Samples, "bytes", report.Bytes)
	return report, nil
}

// prepare creates the split directories and clears stale partial artifacts.
func (g *Generator) prepare() error {
	dirs := map[string]struct{}{}
	for _, f := range g.files {
		dirs[filepath.Dir(f.Base)] = struct{}{}
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	for _, f := range g.files {
		if err := format.RemovePartial(f.Base); err != nil {
			return fmt.Errorf("remove stale partials of %s: %w", f.Base, err)
		}
	}
	return nil
}

// generateCollective has every worker write its sample range of every shard.
func (g *Generator) generateCollective(ctx context.Context, report *Report) error {
	rank := g.group.Rank()
	for _, f := range g.files {
		layout, err := g.plan.Layout(f.Index)
		if err != nil {
			return err
		}
		r, err := CollectiveAssignment(rank, g.plan.Workers, layout.NumSamples)
		if err != nil {
			return err
		}
		if rank == 0 && r.ShardSamples() != layout.NumSamples {
			g.log().Warn("collective mode rounds samples up to a multiple of the worker count",
				"file", f.Base, "requested", layout.NumSamples, "generated", r.ShardSamples())
		}
		if err := g.writeCollectiveShard(ctx, f, layout, r); err != nil {
			return err
		}
		report.Files = append(report.Files, f.Base)
		report.Samples += r.Len()
		report.Bytes += r.Len() * layout.SampleSize
	}
	return nil
}

func (g *Generator) writeCollectiveShard(ctx context.Context, f ShardFile, layout ShardLayout, r RankRange) (err error) {
	rank := g.group.Rank()
	indexPlan, err := IndexChunks(r, g.plan.Buffer())
	if err != nil {
		return err
	}
	samplePlan, err := SampleChunks(r, layout.SampleSize, g.plan.Buffer())
	if err != nil {
		return err
	}

	files, err := format.OpenPartial(f.Base, false)
	if err != nil {
		return err
	}
	defer func() {
		if files != nil {
			err = errors.Join(err, files.Close())
		}
	}()

	if rank == 0 {
		g.log().Info("writing shard index", "file", f.Base, "samples", r.ShardSamples())
	}
	buf := make([]byte, 0, indexPlan.MaxChunkBytes())
	for c := range indexPlan.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int(c.Samples)
		buf = format.AppendOffsets(buf[:0], uint64(c.First*layout.SampleSize), uint64(layout.SampleSize), n) //nolint:gosec // non-negative by construction
		if _, err := files.Offsets.WriteAt(buf, c.Offset); err != nil {
			return fmt.Errorf("write offsets of %s: %w", f.Base, err)
		}
		buf = format.AppendConstant(buf[:0], uint64(layout.SampleSize), n) //nolint:gosec // non-negative by construction
		if _, err := files.Sizes.WriteAt(buf, c.Offset); err != nil {
			return fmt.Errorf("write sizes of %s: %w", f.Base, err)
		}
		g.reportProgress(ProgressEvent{
			Stage:        StageWritingIndex,
			Rank:         rank,
			File:         f.Base,
			SamplesDone:  c.First + c.Samples - r.Start,
			SamplesTotal: r.Len(),
		})
	}

	// Every worker's index entries are written before any sample bytes.
	if err := g.group.Barrier(ctx); err != nil {
		return err
	}

	if rank == 0 {
		g.log().Info("writing shard samples", "file", f.Base)
	}
	payload := g.payload(f.Index, samplePlan.MaxChunkBytes())
	var written uint64
	for c := range samplePlan.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := files.Data.WriteAt(payload[:c.Length], c.Offset); err != nil {
			return fmt.Errorf("write samples of %s: %w", f.Base, err)
		}
		written += uint64(c.Length) //nolint:gosec // non-negative by construction
		g.reportProgress(ProgressEvent{
			Stage:        StageWritingSamples,
			Rank:         rank,
			File:         f.Base,
			SamplesDone:  c.First + c.Samples - r.Start,
			SamplesTotal: r.Len(),
			BytesDone:    written,
			BytesTotal:   uint64(r.Len() * layout.SampleSize), //nolint:gosec // non-negative by construction
		})
	}

	if g.cfg.sync {
		if err := files.Sync(); err != nil {
			return err
		}
	}
	closeErr := files.Close()
	files = nil
	if closeErr != nil {
		return closeErr
	}

	if err := g.group.Barrier(ctx); err != nil {
		return err
	}
	if rank == 0 {
		g.reportProgress(ProgressEvent{Stage: StagePublishing, Rank: rank, File: f.Base})
		if err := format.Publish(f.Base); err != nil {
			return err
		}
	}
	return nil
}

// generateIndependent writes the shards owned by this worker.
func (g *Generator) generateIndependent(ctx context.Context, report *Report) error {
	rank := g.group.Rank()
	owned := IndependentAssignment(rank, g.plan.Workers, len(g.files))
	g.log().Debug("assigned shards", "rank", rank, "files", owned)
	for _, i := range owned {
		f := g.files[i]
		layout, err := g.plan.Layout(f.Index)
		if err != nil {
			return err
		}
		if err := g.writeShard(ctx, f, layout); err != nil {
			return err
		}
		report.Files = append(report.Files, f.Base)
		report.Samples += layout.NumSamples
		report.Bytes += layout.Bytes()
	}
	return nil
}

// writeShard writes a whole shard, emitting data, offsets, and sizes in
// lockstep per chunk.
func (g *Generator) writeShard(ctx context.Context, f ShardFile, layout ShardLayout) (err error) {
	rank := g.group.Rank()
	plan, err := IndependentChunks(layout, g.plan.Buffer())
	if err != nil {
		return err
	}
	g.log().Debug("writing shard", "rank", rank, "file", f.Base, "chunks", plan.Count(), "chunk_bytes", plan.MaxChunkBytes())

	files, err := format.OpenPartial(f.Base, true)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, files.Discard())
		}
	}()

	payload := g.payload(f.Index, plan.MaxChunkBytes())
	meta := make([]byte, 0, plan.ChunkSamples*format.EntrySize)
	var written int64
	for c := range plan.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := files.Data.Write(payload[:c.Length]); err != nil {
			return fmt.Errorf("write samples of %s: %w", f.Base, err)
		}
		n := int(c.Samples)
		meta = format.AppendOffsets(meta[:0], uint64(c.Offset), uint64(layout.SampleSize), n) //nolint:gosec // non-negative by construction
		if _, err := files.Offsets.Write(meta); err != nil {
			return fmt.Errorf("write offsets of %s: %w", f.Base, err)
		}
		meta = format.AppendConstant(meta[:0], uint64(layout.SampleSize), n) //nolint:gosec // non-negative by construction
		if _, err := files.Sizes.Write(meta); err != nil {
			return fmt.Errorf("write sizes of %s: %w", f.Base, err)
		}
		written += c.Length
		g.reportProgress(ProgressEvent{
			Stage:        StageWritingShard,
			Rank:         rank,
			File:         f.Base,
			SamplesDone:  c.First + c.Samples,
			SamplesTotal: layout.NumSamples,
			BytesDone:    uint64(written),        //nolint:gosec // non-negative by construction
			BytesTotal:   uint64(layout.Bytes()), //nolint:gosec // non-negative by construction
		})
	}

	if g.cfg.sync {
		if err := files.Sync(); err != nil {
			return err
		}
	}
	if err := files.Close(); err != nil {
		return err
	}
	g.reportProgress(ProgressEvent{Stage: StagePublishing, Rank: rank, File: f.Base})
	return format.Publish(f.Base)
}

// payload returns n random bytes in [0, 255) for file. The bytes depend only
// on the configured seed, the worker rank, and the file index.
func (g *Generator) payload(file int, n int64) []byte {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[0:], g.cfg.seed)
	binary.LittleEndian.PutUint64(seed[8:], uint64(g.group.Rank())) //nolint:gosec // rank is non-negative
	binary.LittleEndian.PutUint64(seed[16:], uint64(file))          //nolint:gosec // file is non-negative
	buf := make([]byte, n)
	_, _ = rand.NewChaCha8(seed).Read(buf) //nolint:errcheck // ChaCha8.Read never fails
	for i := range buf {
		buf[i] %= 255
	}
	return buf
}

// reportProgress sends a progress event if a callback is configured.
func (g *Generator) reportProgress(ev ProgressEvent) {
	if g.cfg.progress == nil {
		return
	}
	g.cfg.progress(ev)
}

// log returns the logger, falling back to a discard logger if nil.
func (g *Generator) log() *slog.Logger {
	if g.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return g.cfg.logger
}

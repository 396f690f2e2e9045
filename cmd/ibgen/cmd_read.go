package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/ibstore"
	"github.com/meigma/ibstore/config"
	"github.com/meigma/ibstore/loader"
)

var cmdRead = &cobra.Command{
	Use:   "read",
	Short: "Read a dataset for a number of epochs and report throughput",
	Long: `Read a dataset for a number of epochs and report throughput.

By default samples are read by index from the dataset in --data-dir. With
--stream, exported sample streams are read front to back instead.`,
	Args: cobra.NoArgs,
	RunE: runRead,
}

var flagRead struct {
	Epochs   int
	Split    string
	Shuffle  string
	Seed     uint64
	Batch    int
	Threads  int
	Prefetch int
	Workers  int
	WorkerID int
	Streams  []string
}

func init() {
	cmdMain.AddCommand(cmdRead)

	f := cmdRead.Flags()
	f.IntVarP(&flagRead.Epochs, "epochs", "e", 1, "Number of epochs")
	f.StringVar(&flagRead.Split, "split", "train", "Split to read: train or eval")
	f.StringVar(&flagRead.Shuffle, "shuffle", "", "Shuffle policy: off, random, seeded (overrides shuffle)")
	f.Uint64Var(&flagRead.Seed, "seed", 0, "Shuffle seed (overrides seed)")
	f.IntVarP(&flagRead.Batch, "batch-size", "b", 0, "Batch size (overrides batch_size)")
	f.IntVarP(&flagRead.Threads, "read-threads", "t", 0, "Concurrent reads (overrides read_threads)")
	f.IntVar(&flagRead.Prefetch, "prefetch-depth", -1, "Samples buffered ahead of the consumer (overrides prefetch_depth)")
	f.IntVarP(&flagRead.Workers, "workers", "w", 0, "Reader worker count (overrides worker_count)")
	f.IntVar(&flagRead.WorkerID, "worker-id", -1, "Reader rank (overrides worker_id)")
	f.StringSliceVar(&flagRead.Streams, "stream", nil, "Exported stream files to read sequentially")
}

func runRead(cmd *cobra.Command, _ []string) (err error) {
	log, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := readConfig(cmd)
	if err != nil {
		return err
	}

	if len(flagRead.Streams) > 0 {
		return readStreams(cmd, log, cfg)
	}

	var ds ibstore.DatasetType
	switch flagRead.Split {
	case "train":
		ds = ibstore.Train
	case "eval", "valid":
		ds = ibstore.Eval
	default:
		return fmt.Errorf("unknown split %q", flagRead.Split)
	}

	s, err := ibstore.Open(cfg.DataDir,
		ibstore.OpenWithLogger(log),
		ibstore.OpenWithReadThreads(cfg.ReadThreads),
	)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.Close()) }()

	split := s.Split(ds)
	ix, err := loader.NewSampleIndex(cfg.IndexConfig(ds, 0, split.TotalSamples()),
		loader.IndexAdapter{Reader: split}, loader.WithLogger(log))
	if err != nil {
		return err
	}

	var total epochStats
	for epoch := range flagRead.Epochs {
		if epoch > 0 {
			if ix, err = ix.Next(); err != nil {
				return err
			}
		}
		st, err := readEpoch(cmd.Context(), ix, max(cfg.ReadThreads, 1), cfg.PrefetchDepth)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		st.log(log, epoch)
		total.add(st)
	}
	total.print(cmd, flagRead.Epochs)
	return nil
}

func readConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	if f.Changed("shuffle") {
		if cfg.Shuffle, err = loader.ParseShuffle(flagRead.Shuffle); err != nil {
			return cfg, err
		}
	}
	if f.Changed("seed") {
		cfg.Seed = flagRead.Seed
	}
	if flagRead.Batch > 0 {
		cfg.BatchSize = flagRead.Batch
	}
	if flagRead.Threads > 0 {
		cfg.ReadThreads = flagRead.Threads
	}
	if flagRead.Prefetch >= 0 {
		cfg.PrefetchDepth = flagRead.Prefetch
	}
	if flagRead.Workers > 0 {
		cfg.WorkerCount = flagRead.Workers
	}
	if flagRead.WorkerID >= 0 {
		cfg.WorkerID = flagRead.WorkerID
	}
	return cfg, nil
}

type epochStats struct {
	samples int64
	bytes   uint64
	elapsed time.Duration
}

func (s *epochStats) add(o epochStats) {
	s.samples += o.samples
	s.bytes += o.bytes
	s.elapsed += o.elapsed
}

func (s epochStats) rate() string {
	if s.elapsed <= 0 {
		return "n/a"
	}
	return humanize.IBytes(uint64(float64(s.bytes)/s.elapsed.Seconds())) + "/s"
}

func (s epochStats) log(log *slog.Logger, epoch int) {
	log.Info("epoch done",
		"epoch", epoch,
		"samples", s.samples,
		"bytes", humanize.IBytes(s.bytes),
		"elapsed", s.elapsed.Round(time.Millisecond),
		"throughput", s.rate(),
	)
}

func (s epochStats) print(cmd *cobra.Command, epochs int) {
	fmt.Fprintf(cmd.OutOrStdout(), "%d epochs, %d samples, %s in %s (%s)\n",
		epochs, s.samples, humanize.IBytes(s.bytes), s.elapsed.Round(time.Millisecond), s.rate())
}

// readEpoch reads every position of ix with threads concurrent readers,
// buffering up to depth samples ahead of the consumer.
func readEpoch(ctx context.Context, ix *loader.SampleIndex, threads, depth int) (epochStats, error) {
	start := time.Now()
	cfg := ix.Config()
	limit := min(cfg.Steps()*int64(cfg.BatchSize), cfg.SamplesPerWorker)

	eg, ctx := errgroup.WithContext(ctx)
	positions := make(chan int64)
	results := make(chan loader.Sample, depth)

	eg.Go(func() error {
		defer close(positions)
		for pos := range limit {
			select {
			case positions <- pos:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	for range threads {
		wg.Add(1)
		eg.Go(func() error {
			defer wg.Done()
			for pos := range positions {
				s, ok, err := ix.Sample(pos, int(pos/int64(cfg.BatchSize)))
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				select {
				case results <- s:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var st epochStats
	for s := range results {
		st.samples++
		st.bytes += uint64(len(s.Data))
	}
	if err := eg.Wait(); err != nil {
		return st, err
	}

	// The first position past the last full batch closes the epoch.
	if _, ok, err := ix.Sample(limit, int(limit/int64(cfg.BatchSize))); err != nil || ok {
		return st, errors.Join(err, fmt.Errorf("epoch did not end after %d samples", limit))
	}
	st.elapsed = time.Since(start)
	return st, nil
}

func readStreams(cmd *cobra.Command, log *slog.Logger, cfg config.Config) error {
	reader := ibstore.NewStreamReader(flagRead.Streams...)
	var total epochStats
	for epoch := range flagRead.Epochs {
		lc := cfg.IndexConfig(ibstore.Train, epoch, 0)
		ix, err := loader.NewIteratorIndex(lc, loader.IterAdapter{Reader: reader}, loader.WithLogger(log))
		if err != nil {
			return err
		}
		start := time.Now()
		var st epochStats
		src := ix.Pull(cmd.Context())
		for {
			s, ok, err := src.Next(cmd.Context())
			if err != nil {
				src.Close()
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			if !ok {
				break
			}
			st.samples++
			st.bytes += uint64(len(s.Data))
		}
		src.Close()
		st.elapsed = time.Since(start)
		st.log(log, epoch)
		total.add(st)
	}
	total.print(cmd, flagRead.Epochs)
	return nil
}

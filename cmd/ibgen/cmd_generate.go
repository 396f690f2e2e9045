package main

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/meigma/ibstore"
	"github.com/meigma/ibstore/config"
)

var cmdGenerate = &cobra.Command{
	Use:   "generate",
	Short: "Generate a dataset",
	Long: `Generate a dataset.

Without --worker-id all workers run in this process. With --worker-id, this
process is one worker of a group that meets through marker files in
--coord-dir, which must be shared by every worker.`,
	Args: cobra.NoArgs,
	RunE: runGenerate,
}

var flagGenerate struct {
	Workers     int
	WorkerID    int
	CoordDir    string
	Buffer      config.ByteSize
	PayloadSeed uint64
	Digests     bool
	Sync        bool
	Timeout     time.Duration
}

func init() {
	cmdMain.AddCommand(cmdGenerate)

	f := cmdGenerate.Flags()
	f.IntVarP(&flagGenerate.Workers, "workers", "w", 0, "Worker count (overrides worker_count)")
	f.IntVar(&flagGenerate.WorkerID, "worker-id", -1, "Rank of this process in a multi-process run")
	f.StringVar(&flagGenerate.CoordDir, "coord-dir", "", "Shared directory for multi-process barriers")
	f.Var(&flagGenerate.Buffer, "buffer", "Generation buffer size, e.g. 256MiB (overrides generation_buffer_size)")
	f.Uint64Var(&flagGenerate.PayloadSeed, "payload-seed", ibstore.DefaultPayloadSeed, "Seed of the random sample bytes")
	f.BoolVar(&flagGenerate.Digests, "digests", false, "Record sha256 digests of every artifact in the manifest")
	f.BoolVar(&flagGenerate.Sync, "sync", false, "Flush artifacts to stable storage before publishing")
	f.DurationVar(&flagGenerate.Timeout, "barrier-timeout", 0, "Fail a multi-process barrier after this long (0 waits forever)")
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagGenerate.Workers > 0 {
		cfg.WorkerCount = flagGenerate.Workers
	}
	if flagGenerate.WorkerID >= 0 {
		cfg.WorkerID = flagGenerate.WorkerID
	}
	if cmd.Flags().Changed("buffer") {
		cfg.GenerationBufferSize = flagGenerate.Buffer
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	plan := cfg.Plan()
	opts := []ibstore.GenerateOption{
		ibstore.GenerateWithLogger(log),
		ibstore.GenerateWithSeed(flagGenerate.PayloadSeed),
		ibstore.GenerateWithDigests(flagGenerate.Digests),
		ibstore.GenerateWithSync(flagGenerate.Sync),
		ibstore.GenerateWithProgress(func(ev ibstore.ProgressEvent) {
			if ev.Stage == ibstore.StagePublishing {
				log.Debug("publishing shard", "rank", ev.Rank, "file", ev.File)
			}
		}),
	}

	start := time.Now()
	var reports []*ibstore.Report
	if flagGenerate.WorkerID < 0 {
		reports, err = ibstore.GenerateLocal(cmd.Context(), plan, opts...)
	} else {
		var r *ibstore.Report
		r, err = generateRank(cmd, log, plan, cfg.WorkerID, opts)
		reports = []*ibstore.Report{r}
	}
	if err != nil {
		return err
	}

	var samples, bytes int64
	for _, r := range reports {
		samples += r.Samples
		bytes += r.Bytes
	}
	elapsed := time.Since(start)
	log.Info("generation complete",
		"mode", plan.Mode().String(),
		"samples", samples,
		"bytes", humanize.IBytes(uint64(bytes)), //nolint:gosec // non-negative
		"elapsed", elapsed.Round(time.Millisecond),
		"throughput", humanize.IBytes(uint64(float64(bytes)/elapsed.Seconds()))+"/s",
	)
	return nil
}

func generateRank(cmd *cobra.Command, log *slog.Logger, plan ibstore.GenerationPlan, rank int, opts []ibstore.GenerateOption) (*ibstore.Report, error) {
	if flagGenerate.CoordDir == "" {
		return nil, errors.New("--coord-dir is required with --worker-id")
	}
	var groupOpts []ibstore.FileGroupOption
	if flagGenerate.Timeout > 0 {
		groupOpts = append(groupOpts, ibstore.WithBarrierTimeout(flagGenerate.Timeout))
	}
	g, err := ibstore.JoinFileGroup(flagGenerate.CoordDir, rank, plan.Workers, groupOpts...)
	if err != nil {
		return nil, err
	}
	gen, err := ibstore.NewGenerator(plan, g, opts...)
	if err != nil {
		return nil, err
	}
	log.Debug("joined worker group", "rank", rank, "workers", plan.Workers, "dir", flagGenerate.CoordDir)
	return gen.Generate(cmd.Context())
}

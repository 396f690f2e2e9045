package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/meigma/ibstore"
)

var cmdPlan = &cobra.Command{
	Use:   "plan",
	Short: "Print the generation plan without writing anything",
	Args:  cobra.NoArgs,
	RunE:  runPlan,
}

var flagPlan struct {
	Workers int
}

func init() {
	cmdMain.AddCommand(cmdPlan)
	cmdPlan.Flags().IntVarP(&flagPlan.Workers, "workers", "w", 0, "Worker count (overrides worker_count)")
}

func runPlan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagPlan.Workers > 0 {
		cfg.WorkerCount = flagPlan.Workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	plan := cfg.Plan()
	layout, err := plan.Layout(0)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "mode:     %s\n", plan.Mode())
	fmt.Fprintf(out, "files:    %d train, %d eval\n", plan.NumFilesTrain, plan.NumFilesEval)
	fmt.Fprintf(out, "sample:   %dx%d (%s)\n", layout.Dim1, layout.Dim2, humanize.IBytes(uint64(layout.SampleSize))) //nolint:gosec // positive
	fmt.Fprintf(out, "buffer:   %s\n\n", humanize.IBytes(uint64(plan.Buffer())))                                  //nolint:gosec // positive

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if plan.Mode() == ibstore.ModeCollective {
		fmt.Fprintln(tw, "RANK\tSAMPLES\tRANGE\tINDEX CHUNKS\tDATA CHUNKS")
		for rank := range plan.Workers {
			r, err := ibstore.CollectiveAssignment(rank, plan.Workers, layout.NumSamples)
			if err != nil {
				return err
			}
			ic, err := ibstore.IndexChunks(r, plan.Buffer())
			if err != nil {
				return err
			}
			sc, err := ibstore.SampleChunks(r, layout.SampleSize, plan.Buffer())
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%d\t%d\t[%d, %d)\t%d\t%d\n", rank, r.Len(), r.Start, r.End, ic.Count(), sc.Count())
			if rank == plan.Workers-1 && r.ShardSamples() != layout.NumSamples {
				fmt.Fprintf(tw, "\t%d per shard (%d requested)\t\t\t\n", r.ShardSamples(), layout.NumSamples)
			}
		}
		return nil
	}

	chunks, err := ibstore.IndependentChunks(layout, plan.Buffer())
	if err != nil {
		return err
	}
	files := plan.Files()
	fmt.Fprintln(tw, "RANK\tFILES\tBYTES\tCHUNKS/FILE")
	for rank := range plan.Workers {
		owned := ibstore.IndependentAssignment(rank, plan.Workers, len(files))
		fmt.Fprintf(tw, "%d\t%v\t%s\t%d\n", rank, owned,
			humanize.IBytes(uint64(int64(len(owned))*layout.Bytes())), chunks.Count()) //nolint:gosec // non-negative
	}
	return nil
}

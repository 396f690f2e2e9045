package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/meigma/ibstore"
)

var cmdVerify = &cobra.Command{
	Use:   "verify [shard...]",
	Short: "Check the index invariants of a dataset",
	Long: `Check the index invariants of every shard in the dataset manifest and,
when recorded, their digests. With arguments, check the given shard data
files directly, without a manifest.`,
	RunE: runVerify,
}

var flagVerify struct {
	NoDigests bool
}

func init() {
	cmdMain.AddCommand(cmdVerify)
	cmdVerify.Flags().BoolVar(&flagVerify.NoDigests, "no-digests", false, "Skip digest checks")
}

func runVerify(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) > 0 {
		for _, base := range args {
			stats, err := ibstore.VerifyShard(base)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %d samples, %s\n", base, stats.Samples, humanize.IBytes(stats.Bytes))
		}
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	report, err := ibstore.Verify(cmd.Context(), cfg.DataDir,
		ibstore.VerifyWithLogger(log),
		ibstore.VerifyWithDigests(!flagVerify.NoDigests),
	)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d shards, %d samples, %s, %d digested\n",
		report.Shards, report.Samples, humanize.IBytes(report.Bytes), report.Digested)
	return nil
}

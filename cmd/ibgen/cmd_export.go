package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meigma/ibstore"
)

var cmdExport = &cobra.Command{
	Use:   "export",
	Short: "Export a shard as a compressed sample stream",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

var flagExport struct {
	Shard int
	Out   string
}

func init() {
	cmdMain.AddCommand(cmdExport)
	cmdExport.Flags().IntVar(&flagExport.Shard, "shard", 0, "Shard index in the manifest")
	cmdExport.Flags().StringVarP(&flagExport.Out, "out", "o", "", "Output file")
	_ = cmdExport.MarkFlagRequired("out")
}

func runExport(cmd *cobra.Command, _ []string) (err error) {
	log, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := ibstore.Open(cfg.DataDir, ibstore.OpenWithLogger(log))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.Close()) }()

	f, err := os.Create(flagExport.Out)
	if err != nil {
		return err
	}
	n, err := ibstore.ExportStream(cmd.Context(), s, flagExport.Shard, f, nil)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(flagExport.Out) //nolint:errcheck // best-effort cleanup
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exported %d samples to %s\n", n, flagExport.Out)
	return nil
}

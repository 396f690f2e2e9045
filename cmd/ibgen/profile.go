package main

import (
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // opt-in profiling endpoint
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	"github.com/felixge/fgprof"
	"github.com/spf13/cobra"
)

var flagProfile struct {
	CPU   string
	Mem   string
	Trace string
	FG    string
	Addr  string
}

// profiling holds the profiles started for the current command.
var profiling struct {
	stops []func() error
	mem   string
}

func init() {
	f := cmdMain.PersistentFlags()
	f.StringVar(&flagProfile.CPU, "cpu-profile", "", "Write a CPU profile to file")
	f.StringVar(&flagProfile.Mem, "mem-profile", "", "Write a heap profile to file on exit")
	f.StringVar(&flagProfile.Trace, "trace", "", "Write an execution trace to file")
	f.StringVar(&flagProfile.FG, "fgprofile", "", "Write a wall clock (fgprof) profile to file")
	f.StringVar(&flagProfile.Addr, "pprof-addr", "", "Serve net/http/pprof on this address")

	cmdMain.PersistentPreRunE = startProfiling
}

func startProfiling(_ *cobra.Command, _ []string) error {
	if flagProfile.Addr != "" {
		go func() {
			//nolint:gosec // profiling server without timeouts
			if err := http.ListenAndServe(flagProfile.Addr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server: %v\n", err)
			}
		}()
	}
	if flagProfile.FG != "" {
		f, err := os.Create(flagProfile.FG)
		if err != nil {
			return err
		}
		stop := fgprof.Start(f, fgprof.FormatPprof)
		profiling.stops = append(profiling.stops, func() error {
			return errors.Join(stop(), f.Close())
		})
	}
	if flagProfile.CPU != "" {
		f, err := os.Create(flagProfile.CPU)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return err
		}
		profiling.stops = append(profiling.stops, func() error {
			pprof.StopCPUProfile()
			return f.Close()
		})
	}
	if flagProfile.Trace != "" {
		f, err := os.Create(flagProfile.Trace)
		if err != nil {
			return err
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			return err
		}
		profiling.stops = append(profiling.stops, func() error {
			trace.Stop()
			return f.Close()
		})
	}
	profiling.mem = flagProfile.Mem
	return nil
}

// stopProfiling flushes every profile started by startProfiling. It is
// safe to call when none were started.
func stopProfiling() error {
	var errs []error
	for i := len(profiling.stops) - 1; i >= 0; i-- {
		errs = append(errs, profiling.stops[i]())
	}
	profiling.stops = nil
	if profiling.mem != "" {
		runtime.GC()
		f, err := os.Create(profiling.mem)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		errs = append(errs, pprof.WriteHeapProfile(f), f.Close())
		profiling.mem = ""
	}
	return errors.Join(errs...)
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sunrise2575/PrimeSieve/internal/accel"
	"github.com/sunrise2575/PrimeSieve/internal/config"
	"github.com/sunrise2575/PrimeSieve/internal/logx"
	"github.com/sunrise2575/PrimeSieve/internal/sieve"
)

var (
	configPath string
	v          = config.New()
	console    = logx.NewConsole(os.Stderr)
)

var rootCmd = &cobra.Command{
	Use:           "primesieve",
	Short:         "Segmented sieve of every prime below 2^32 on a compute device",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sieve all primes below the limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := load(cmd)
		if err != nil {
			return err
		}
		return run(cmd, cfg)
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Show the compute adapter and the display controllers on the PCI bus",
	RunE: func(cmd *cobra.Command, args []string) error {
		adapter, err := accel.RequestAdapter(accel.AdapterOptions{})
		if err != nil {
			return err
		}
		info := adapter.Info()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "adapter\t%s\t%s\t%d lanes\n", info.Name, info.Backend, info.Lanes)

		if len(info.PCI) == 0 {
			console.Log(logx.Warning, "no GPU found on the PCI bus")
			return nil
		}
		for i, d := range info.PCI {
			fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", i, d.Address, d.Vendor, d.Product)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := load(cmd)
		if err != nil {
			return err
		}
		return cfg.Dump(cmd.OutOrStdout())
	},
}

func init() {
	d := config.Default()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")

	for _, cmd := range []*cobra.Command{runCmd, configCmd} {
		f := cmd.Flags()
		f.Uint64("limit", d.Sieve.Limit, "exclusive upper bound of the search, at most 2^32")
		f.Int("segments", d.Sieve.Segments, "number of kernel batches, reduced for limits too small to fill them")
		f.String("dedup", d.Sieve.Dedup, "base prime de-duplication: floor or merge")
		f.Uint32("base-bound", d.Sieve.BaseBound, "exclusive bound of CPU base primes, 0 = derive from limit")
		f.String("backend", d.Device.Backend, "compute backend")
		f.Uint32("group-width", d.Device.GroupWidth, "lanes per workgroup")
		f.Uint32("max-groups", d.Device.MaxDispatchGroups, "maximum workgroups per dispatch")
		f.Int("lanes", d.Device.Lanes, "host goroutines per dispatch, 0 = one per CPU")
		f.Int("depth", d.Pipeline.Depth, "staging buffers: 1 = barrier per segment, 2 = double buffered")
		f.Duration("timeout", d.Pipeline.SegmentTimeout, "per segment completion deadline, 0 = none")
		f.Int("retries", d.Pipeline.TransferRetries, "retries of a failed buffer transfer")
		f.StringP("output", "o", d.Output.Path, "result sink, - = stdout")
		f.Bool("list", d.Output.List, "print every prime")
		f.String("log-level", d.Output.LogLevel, "debug, info, warn or error")
		f.BoolP("verbose", "v", d.Output.Verbose, "debug logging")
	}

	rootCmd.AddCommand(runCmd, devicesCmd, configCmd)
}

func load(cmd *cobra.Command) (*config.Config, error) {
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return config.Load(v, configPath)
}

func run(cmd *cobra.Command, cfg *config.Config) error {
	logger, err := logx.New(cmd.ErrOrStderr(), cfg.Output.LogLevel, cfg.Output.Verbose)
	if err != nil {
		return err
	}

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	if opts.Segments != cfg.Sieve.Segments {
		console.Log(logx.Warning, "limit %d fits %d segments, not %d", opts.Limit, opts.Segments, cfg.Sieve.Segments)
	}

	out, closeOut, err := openSink(cmd.OutOrStdout(), cfg.Output.Path)
	if err != nil {
		return err
	}
	defer closeOut()

	progress := logx.NewConsole(out)
	opts.Logger = logger
	opts.OnSegment = func(r sieve.SegmentResult) {
		progress.Log(logx.Info, "segment %2d/%d  offset %10d  %8d primes  %.6fs",
			r.Index+1, opts.Segments, r.Offset, r.Primes, r.Elapsed.Seconds())
	}

	e, err := sieve.New(opts)
	if err != nil {
		return err
	}
	defer e.Close()
	console.Log(logx.Info, "geometry %v, segment width %d, %d base primes",
		e.Geometry(), e.SegmentWidth(), len(e.BasePrimes()))

	res, err := e.Run(cmd.Context())
	if err != nil {
		return err
	}

	w := bufio.NewWriter(out)
	if cfg.Output.List {
		for _, p := range res.Primes {
			w.WriteString(strconv.FormatUint(uint64(p), 10))
			w.WriteByte('\n')
		}
	}
	largest, _ := res.Largest()
	fmt.Fprintf(w, "primes below %d: %d, largest %d\n", opts.Limit, len(res.Primes), largest)
	if err := w.Flush(); err != nil {
		return err
	}

	console.Log(logx.Success, "%d segments sieved in %.6fs", res.Segments, res.Elapsed.Seconds())
	return nil
}

func openSink(stdout io.Writer, path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	code := report(console, rootCmd.ExecuteContext(ctx))
	stop()
	os.Exit(code)
}

// report prints err, naming its stage when it has one, and returns the exit
// status.
func report(c *logx.Console, err error) int {
	if err == nil {
		return 0
	}
	if stage := sieve.StageOf(err); stage != "" {
		c.Log(logx.Error, "[%s] %v", stage, err)
	} else {
		c.Log(logx.Error, "%v", err)
	}
	return 1
}

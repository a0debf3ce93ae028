package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/ftl/config"
	"github.com/sarchlab/ftl/sectors"
	"github.com/sarchlab/ftl/simulation"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured workload and verify every read",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}

		return run(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

var runFlags = []struct {
	key, name, usage string
	value            any
}{
	{"log_level", "log-level", "logrus level of the simulation log", ""},
	{"verify", "verify", "check the data of every read", true},
	{"ftl.pool_size", "pool-size", "number of tasks in flight", 0},
	{"ftl.num_lpns", "num-lpns", "logical pages exposed to the host", 0},
	{"workload.pattern", "pattern", "sequential or random", ""},
	{"workload.num_ios", "num-ios", "number of host I/Os", 0},
	{"workload.sectors_per_io", "sectors-per-io", "sectors per host I/O", 0},
	{"workload.read_ratio", "read-ratio", "share of reads in [0, 1]", 0.0},
	{"workload.seed", "seed", "workload seed", uint64(0)},
	{"recording.enabled", "record", "record the run into SQLite", false},
	{"recording.path", "record-path", "database file without suffix", ""},
	{"recording.trace", "trace", "record every task and flash command", false},
	{"monitoring.enabled", "monitor", "serve the monitor", false},
	{"monitoring.port", "port", "monitor port, random if unset", 0},
	{"monitoring.open_browser", "open-browser", "open the monitor", false},
}

func init() {
	f := runCmd.Flags()

	for _, rf := range runFlags {
		switch def := rf.value.(type) {
		case string:
			f.String(rf.name, def, rf.usage)
		case bool:
			f.Bool(rf.name, def, rf.usage)
		case int:
			f.Int(rf.name, def, rf.usage)
		case uint64:
			f.Uint64(rf.name, def, rf.usage)
		case float64:
			f.Float64(rf.name, def, rf.usage)
		default:
			panic(fmt.Sprintf("flag %s has unsupported type %T", rf.name, def))
		}

		err := v.BindPFlag(rf.key, f.Lookup(rf.name))
		if err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(runCmd)
}

func run(
	ctx context.Context,
	cfg config.Config,
	out, errOut io.Writer,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	log := logrus.New()
	log.SetOutput(errOut)

	sim, err := simulation.MakeBuilder().
		WithConfig(cfg).
		WithLogger(log).
		Build()
	if err != nil {
		return err
	}

	atexit.Register(sim.Terminate)

	if m := sim.GetMonitor(); m != nil {
		fmt.Fprintf(errOut, "Monitoring at %s\n", m.URL())
	}

	bar := progressbar.NewOptions(cfg.Workload.NumIOs,
		progressbar.OptionSetWriter(errOut),
		progressbar.OptionSetDescription("I/Os"),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionFullWidth(),
	)

	report, err := sim.Run(ctx, func(done int) {
		_ = bar.Set(done)
	})
	_ = bar.Finish()

	printReport(out, report)

	return err
}

func printReport(w io.Writer, r simulation.Report) {
	s := r.Stats

	fmt.Fprintf(w, "Run %s finished in %s\n",
		r.ID, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  I/Os:          %s in %s requests (%s reads, %s writes)\n",
		humanize.Comma(int64(r.IOs)), humanize.Comma(int64(r.Requests)),
		humanize.Comma(int64(r.Reads)), humanize.Comma(int64(r.Writes)))
	fmt.Fprintf(w, "  Host data:     %s read, %s written\n",
		humanize.IBytes(s.SectorsRead*sectors.BytesPerSector),
		humanize.IBytes(s.SectorsWritten*sectors.BytesPerSector))
	fmt.Fprintf(w, "  Flash data:    %s read, %s written, %s erases\n",
		humanize.IBytes(r.Device.SectorsRead*sectors.BytesPerSector),
		humanize.IBytes(r.Device.SectorsWritten*sectors.BytesPerSector),
		humanize.Comma(int64(r.Device.Erases)))
	fmt.Fprintf(w, "  Write buffer:  %s flushes, %s bypasses\n",
		humanize.Comma(int64(s.Flushes)), humanize.Comma(int64(s.Bypasses)))
	fmt.Fprintf(w, "  Device time:   %s intervals, busy %s\n",
		humanize.Commaf(r.Now), humanize.Commaf(r.BusyTime))
	fmt.Fprintf(w, "  Avg latency:   read %.1f, write %.1f\n",
		r.ReadLatency, r.WriteLatency)
	fmt.Fprintf(w, "  CMT:           %.1f%% hits, %s evictions\n",
		100*s.CMT.HitRatio(), humanize.Comma(int64(s.CMT.Evictions)))
	fmt.Fprintf(w, "  Buffer cache:  %.1f%% hits, %s flash reads\n",
		100*s.BufferCache.HitRatio(),
		humanize.Comma(int64(s.BufferCache.FlashReads)))
	fmt.Fprintf(w, "  Engine:        %s passes, %s blocked\n",
		humanize.Comma(int64(s.Engine.Passes)),
		humanize.Comma(int64(s.Engine.BlockedPasses)))

	if r.Mismatches > 0 {
		fmt.Fprintf(w, "  Mismatches:    %d\n", r.Mismatches)
	}
}

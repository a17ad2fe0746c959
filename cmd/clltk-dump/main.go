// Command clltk-dump is a thin exerciser of this repository's decoder and
// live-streaming layer. It is not the snapshot/list/decode front-end spec.md
// §1 places out of scope — it only proves the library wires together, in
// the shape of the teacher's cmd/yncp-director/main.go: a package-level
// cobra.Command, flags bound in init(), and an errgroup running the work
// loop alongside a signal-wait goroutine.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clltk/tracekit/catalog"
	"github.com/clltk/tracekit/decoder"
	"github.com/clltk/tracekit/internal/config"
	"github.com/clltk/tracekit/internal/logging"
	"github.com/clltk/tracekit/internal/xcmd"
	"github.com/clltk/tracekit/streaming"
)

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath string
	Dir        string
	Pattern    string
	CatalogSrc string
	Follow     bool
	PollEvery  time.Duration
}

var cmdFlags Cmd

var rootCmd = &cobra.Command{
	Use:   "clltk-dump",
	Short: "Decode clltk tracebuffer files to stdout",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := run(cmdFlags); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmdFlags.ConfigPath, "config", "c", "", "Path to a YAML config file (optional, see internal/config)")
	rootCmd.Flags().StringVarP(&cmdFlags.Dir, "dir", "d", "", "Directory to scan for tracebuffer files (overrides config tracing_path)")
	rootCmd.Flags().StringVarP(&cmdFlags.Pattern, "pattern", "p", "", "gobwas/glob pattern selecting trace files (default *.clltk_trace)")
	rootCmd.Flags().StringVar(&cmdFlags.CatalogSrc, "catalog", "", "Path to a YAML sidecar catalog (see catalog.YAMLSource)")
	rootCmd.Flags().BoolVar(&cmdFlags.Follow, "follow", false, "Keep polling for new records and print them in watermark order")
	rootCmd.Flags().DurationVar(&cmdFlags.PollEvery, "poll-every", 200*time.Millisecond, "Polling interval in --follow mode")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(f Cmd) error {
	cfg := config.DefaultConfig()
	if f.ConfigPath != "" {
		loaded, err := config.LoadConfig(f.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if f.Dir != "" {
		cfg.TracingPath = f.Dir
	}

	log, _, err := logging.Init(logging.Config{Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	var source catalog.Source
	if f.CatalogSrc != "" {
		source, err = catalog.LoadYAMLSource(f.CatalogSrc)
		if err != nil {
			return fmt.Errorf("load catalog sidecar: %w", err)
		}
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		if f.Follow {
			return followLoop(ctx, cfg, source, f.Pattern, f.PollEvery, log)
		}
		return dumpOnce(cfg, source, f.Pattern)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

// dumpOnce decodes every matching trace file once and prints the merged,
// timestamp-ordered event stream to stdout.
func dumpOnce(cfg *config.Config, source catalog.Source, pattern string) error {
	paths, err := decoder.Discover(cfg.TracingPath, pattern)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	snapshots, err := decoder.OpenAll(paths, source, nil)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() {
		for _, s := range snapshots {
			s.Close()
		}
	}()

	for ev := range decoder.Merge(snapshots) {
		printEvent(ev)
	}
	return nil
}

// followLoop polls cfg.TracingPath every interval for newly-arrived
// records, forwarding each record whose timestamp is newer than the newest
// one already forwarded from its tracebuffer into an OrderedBuffer so
// concurrently-updated tracebuffers still print in timestamp order (spec
// §4.7 "Live streaming"). A file-discovery failure (e.g. the directory not
// existing yet) retries with exponential backoff rather than exiting,
// mirroring the teacher's bird-adapter reconnect loop; the backoff resets
// after every successful poll.
func followLoop(ctx context.Context, cfg *config.Config, source catalog.Source, pattern string, interval time.Duration, log *zap.SugaredLogger) error {
	events := make(chan decoder.Event, cfg.Streaming.Capacity)
	ordered := streaming.NewOrderedBuffer(cfg.Streaming.Capacity, cfg.Streaming.DelayNS, nil)
	out := make(chan decoder.Event, cfg.Streaming.Capacity)

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return ordered.Run(ctx, []<-chan decoder.Event{events}, out, interval)
	})
	wg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-out:
				if !ok {
					return nil
				}
				printEvent(ev)
			}
		}
	})
	wg.Go(func() error {
		defer close(events)
		return pollTraceDir(ctx, cfg, source, pattern, interval, events, log)
	})

	return wg.Wait()
}

func pollTraceDir(ctx context.Context, cfg *config.Config, source catalog.Source, pattern string, interval time.Duration, events chan<- decoder.Event, log *zap.SugaredLogger) error {
	bo := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Second,
	}
	bo.Reset()

	seen := map[string]uint64{} // tracebuffer name -> highest TimestampNS forwarded so far

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := pollOnce(cfg, source, pattern, seen, events); err != nil {
			log.Warnw("poll failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func pollOnce(cfg *config.Config, source catalog.Source, pattern string, seen map[string]uint64, events chan<- decoder.Event) error {
	paths, err := decoder.Discover(cfg.TracingPath, pattern)
	if err != nil {
		return err
	}

	snapshots, err := decoder.OpenAll(paths, source, nil)
	if err != nil && len(snapshots) == 0 {
		return err
	}
	for _, s := range snapshots {
		high := seen[s.Name]
		newHigh := high
		for ev := range s.Iterate() {
			if ev.TimestampNS <= high {
				continue
			}
			events <- ev
			if ev.TimestampNS > newHigh {
				newHigh = ev.TimestampNS
			}
		}
		seen[s.Name] = newHigh
		s.Close()
	}
	return nil
}

func printEvent(ev decoder.Event) {
	if ev.Kind == decoder.KindError {
		fmt.Printf("[%s] ERROR ordinal=%d raw=%d bytes\n", ev.Tracebuffer, ev.Ordinal, len(ev.RawBytes))
		return
	}
	fmt.Printf("[%s] %d pid=%d tid=%d %s:%d %s\n", ev.Tracebuffer, ev.TimestampNS, ev.PID, ev.TID, ev.SourceFile, ev.SourceLine, ev.RenderedMessage)
}

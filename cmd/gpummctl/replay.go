package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"sigs.k8s.io/yaml"

	"github.com/quietfold/gpumm"
	"github.com/quietfold/gpumm/backend"
	"github.com/quietfold/gpumm/replay"
	"github.com/quietfold/gpumm/trace"
)

// Exit codes of the replay command.
const (
	exitOK       = 0
	exitParse    = 1
	exitMismatch = 2
)

var replayFlags struct {
	iterations      int
	playbackFile    string
	profile         string
	configFile      string
	recordLevel     string
	traceOut        string
	neverAllocate   bool
	forceStandalone bool
	maxHeapSize     uint64
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a captured allocation trace",
	Long: `Replay parses a chrome-tracing capture produced by the allocator and
re-issues every CreateResource and Free call against a freshly built
allocator stack, configured by the selected profile.

Exit codes: 0 success, 1 trace parse error, 2 playback mismatch.`,
	RunE: runReplay,
}

func init() {
	f := replayCmd.Flags()
	f.IntVar(&replayFlags.iterations, "iterations", 1, "Number of times to replay the capture")
	f.StringVar(&replayFlags.playbackFile, "playback-file", "", "Capture file to replay (required)")
	f.StringVar(&replayFlags.profile, "profile", "default",
		"Allocator profile: max-perf, low-mem, captured, or default")
	f.StringVar(&replayFlags.configFile, "config", "", "YAML file overriding allocator options")
	f.StringVar(&replayFlags.recordLevel, "record-level", "info",
		"Record level for --trace-out: debug, info, warn, or error")
	f.StringVar(&replayFlags.traceOut, "trace-out", "", "Re-record the replay into this trace file")
	f.BoolVar(&replayFlags.neverAllocate, "never-allocate", false,
		"Add the never-allocate flag to every replayed create")
	f.BoolVar(&replayFlags.forceStandalone, "force-standalone", false,
		"Disable sub-allocation for every replayed create")
	f.Uint64Var(&replayFlags.maxHeapSize, "max-heap-size", 0, "Cap for a single heap in bytes")
	_ = replayCmd.MarkFlagRequired("playback-file")

	rootCmd.AddCommand(replayCmd)
}

// exitError carries a replay exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(replayFlags.playbackFile)
	if err != nil {
		return &exitError{code: exitParse, err: err}
	}
	capture, perr := replay.Parse(f)
	f.Close()
	if perr != nil {
		return &exitError{code: exitParse, err: perr}
	}
	printVerbose("parsed %d ops from %s\n", len(capture.Ops), replayFlags.playbackFile)

	opts, err := profileOptions(replayFlags.profile, capture)
	if err != nil {
		return err
	}
	if replayFlags.configFile != "" {
		data, rerr := os.ReadFile(replayFlags.configFile)
		if rerr != nil {
			return rerr
		}
		if uerr := yaml.UnmarshalStrict(data, &opts); uerr != nil {
			return uerr
		}
	}
	if replayFlags.maxHeapSize > 0 {
		opts.MaxHeapSize = replayFlags.maxHeapSize
	}
	if replayFlags.traceOut != "" {
		opts.Trace = trace.NewWriter(replayFlags.traceOut,
			trace.WithLevel(recordLevel(replayFlags.recordLevel)))
	}

	ra, err := gpumm.NewResourceAllocator(backend.NewSimProvider(), nil, opts)
	if err != nil {
		return err
	}
	defer ra.Close()

	start := time.Now()
	report, rerr := replay.Run(ra, capture, replay.Params{
		Iterations:      replayFlags.iterations,
		NeverAllocate:   replayFlags.neverAllocate,
		ForceStandalone: replayFlags.forceStandalone,
	})
	elapsed := time.Since(start)
	if rerr != nil {
		if errors.Is(rerr, replay.ErrMismatch) {
			return &exitError{code: exitMismatch, err: rerr}
		}
		return rerr
	}

	printReport(ra, report, elapsed)
	return nil
}

// profileOptions maps a profile name to allocator options.
func profileOptions(profile string, capture *replay.Capture) (gpumm.Options, error) {
	switch strings.ToLower(profile) {
	case "default", "":
		return gpumm.Options{}, nil
	case "max-perf":
		// Bigger heaps, unbounded pooling, everything warm.
		return gpumm.Options{PreferredHeapSize: 16 << 20}, nil
	case "low-mem":
		// No pooling, no speculative capacity, small heaps.
		return gpumm.Options{
			PreferredHeapSize: 1 << 20,
			AlwaysOnDemand:    true,
			DisablePrefetch:   true,
			DisableSizeCache:  true,
		}, nil
	case "captured":
		return capture.Options, nil
	default:
		return gpumm.Options{}, fmt.Errorf("unknown profile %q", profile)
	}
}

func recordLevel(name string) trace.Level {
	switch strings.ToLower(name) {
	case "debug":
		return trace.LevelDebug
	case "warn":
		return trace.LevelWarn
	case "error":
		return trace.LevelError
	default:
		return trace.LevelInfo
	}
}

func printReport(ra *gpumm.ResourceAllocator, report replay.Report, elapsed time.Duration) {
	p := message.NewPrinter(language.English)
	info := ra.QueryInfo()

	printInfo("replay finished in %s\n", elapsed.Round(time.Millisecond))
	printInfo("%s\n", p.Sprintf("  iterations:        %d", report.Iterations))
	printInfo("%s\n", p.Sprintf("  creates / frees:   %d / %d", report.Creates, report.Frees))
	printInfo("%s\n", p.Sprintf("  peak used:         %d bytes", report.PeakUsedBytes))
	printInfo("%s\n", p.Sprintf("  peak used blocks:  %d bytes", report.PeakUsedBlockBytes))
	printInfo("%s\n", p.Sprintf("  still reserved:    %d bytes", info.FreeMemoryBytes))
	printInfo("%s\n", p.Sprintf("  prefetch hits:     %d", info.PrefetchedMemoryHits))
	printInfo("%s\n", p.Sprintf("  size-cache hits:   %d", info.SizeCacheHits))
}

package main

import (
	"os"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/quietfold/gpumm/replay"
)

var statsCmd = &cobra.Command{
	Use:   "stats <capture-file>",
	Short: "Summarize a captured allocation trace",
	Long: `Stats parses a capture and reports the request mix without replaying:
operation counts, total and peak requested bytes, and the most common
request sizes.`,
	Args: cobra.ExactArgs(1),
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return &exitError{code: exitParse, err: err}
	}
	defer f.Close()

	capture, err := replay.Parse(f)
	if err != nil {
		return &exitError{code: exitParse, err: err}
	}

	var (
		creates, frees int
		totalBytes     uint64
		liveBytes      uint64
		peakBytes      uint64
		sizes          = map[uint64]int{}
		liveSize       = map[uint64]uint64{}
	)
	for _, op := range capture.Ops {
		switch op.Kind {
		case replay.OpCreate:
			creates++
			totalBytes += op.Size
			sizes[op.Size]++
			liveSize[op.Seq] = op.Size
			liveBytes += op.Size
			if liveBytes > peakBytes {
				peakBytes = liveBytes
			}
		case replay.OpFree:
			frees++
			liveBytes -= liveSize[op.Seq]
			delete(liveSize, op.Seq)
		}
	}

	type bucket struct {
		size  uint64
		count int
	}
	top := make([]bucket, 0, len(sizes))
	for size, count := range sizes {
		top = append(top, bucket{size, count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].count != top[j].count {
			return top[i].count > top[j].count
		}
		return top[i].size < top[j].size
	})
	if len(top) > 10 {
		top = top[:10]
	}

	p := message.NewPrinter(language.English)
	printInfo("%s\n", p.Sprintf("creates / frees:    %d / %d", creates, frees))
	printInfo("%s\n", p.Sprintf("requested total:    %d bytes", totalBytes))
	printInfo("%s\n", p.Sprintf("peak live request:  %d bytes", peakBytes))
	printInfo("%s\n", p.Sprintf("leaked in capture:  %d allocations", len(liveSize)))
	printInfo("top request sizes:\n")
	for _, b := range top {
		printInfo("%s\n", p.Sprintf("  %12d bytes x %d", b.size, b.count))
	}
	return nil
}

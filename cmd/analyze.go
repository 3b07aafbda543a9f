package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/segscope/internal/capture"
	"firestige.xyz/segscope/internal/config"
	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/engine"
	"firestige.xyz/segscope/internal/log"
	"firestige.xyz/segscope/internal/metrics"
	"firestige.xyz/segscope/internal/report"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze the TCP conversations of a capture file or a live interface",
	Long: `Analyze runs sequence analysis and desegmentation over every TCP segment
of a capture and writes one report entry per segment, followed by entries for
data flushed at the end of the capture and an expert summary.

With -i the segments are captured live from an interface until --count
packets were seen or the capture is interrupted, and then analyzed.

With --frames only the listed packets are reported; every packet is still
analyzed. With --replay N the identical packet list is processed N more
times; every pass must reproduce the first pass exactly.

Examples:
  segscope analyze -r call.pcap
  segscope analyze -r call.pcapng -f json -o report.jsonl
  segscope analyze -r call.pcap --frames 4,10-12
  segscope analyze -i eth0 --filter "tcp port 5060" --count 1000
  segscope analyze -c segscope.yml -r call.pcap --filter "tcp port 5060" --replay 1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runAnalyze(ctx, cfg, analyzeOpts, cmd.OutOrStdout())
	},
}

type analyzeOptions struct {
	Capture   string
	Interface string
	Count     uint64
	Filter    string
	Frames    string
	Format    string
	Output    string
	Replay    int
}

var analyzeOpts analyzeOptions

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOpts.Capture, "read", "r", "", "capture file to read")
	analyzeCmd.Flags().StringVarP(&analyzeOpts.Interface, "interface", "i", "", "capture live from this interface, overrides capture.interface")
	analyzeCmd.Flags().Uint64Var(&analyzeOpts.Count, "count", 0, "stop after this many packets, 0 for no limit")
	analyzeCmd.Flags().StringVar(&analyzeOpts.Filter, "filter", "", "capture filter, overrides capture.filter")
	analyzeCmd.Flags().StringVar(&analyzeOpts.Frames, "frames", "", "report only these packet numbers, e.g. 4,10-12")
	analyzeCmd.Flags().StringVarP(&analyzeOpts.Format, "format", "f", "", "report format: text, json, yaml or msgpack")
	analyzeCmd.Flags().StringVarP(&analyzeOpts.Output, "output", "o", "", "report file, stdout when empty")
	analyzeCmd.Flags().IntVar(&analyzeOpts.Replay, "replay", 0, "extra passes that must reproduce the first one")
	analyzeCmd.MarkFlagsMutuallyExclusive("read", "interface")
}

func runAnalyze(ctx context.Context, cfg *config.Config, opts analyzeOptions, stdout io.Writer) error {
	if opts.Replay < 0 {
		return fmt.Errorf("replay passes must not be negative")
	}
	frames, err := capture.ParseFrameSet(opts.Frames)
	if err != nil {
		return err
	}
	logger := log.GetLogger()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	in := captureInput{Path: opts.Capture, Interface: opts.Interface, Filter: opts.Filter, Count: opts.Count}.withDefaults(cfg)
	segs, _, err := readCapture(ctx, cfg, in)
	if err != nil {
		return err
	}
	if in.live() {
		// The interrupt ended the capture, not the analysis.
		ctx = context.WithoutCancel(ctx)
	}
	sel, err := newSelector(cfg)
	if err != nil {
		return err
	}
	e := engine.New(cfg.EngineOptions(), sel)

	w, closeOut, err := openReport(cfg, opts, stdout)
	if err != nil {
		return err
	}
	defer closeOut()

	summary := report.NewSummary()
	first := make([]*engine.Output, len(segs))
	for i, seg := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := e.Process(seg)
		first[i] = out
		summary.Add(out)
		if !frames.Empty() && !frames.Contains(uint64(out.Packet)) {
			continue
		}
		if err := w.Write(out); err != nil {
			return err
		}
	}

	for pass := 1; pass <= opts.Replay; pass++ {
		if err := verifyReplay(ctx, e, segs, first); err != nil {
			return fmt.Errorf("replay pass %d: %w", pass, err)
		}
		logger.WithField("pass", pass).Info("replay pass reproduced the first pass")
	}

	for _, out := range e.Finish() {
		summary.Add(out)
		if !frames.Empty() {
			continue
		}
		if err := w.Write(out); err != nil {
			return err
		}
	}
	summary.AddConversations(e.Conversations())
	if err := w.Close(summary); err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"segments":      len(segs),
		"conversations": len(summary.Conversations),
		"messages":      summary.Messages,
		"reported":      w.Reported(),
	}).Info("analysis complete")
	return nil
}

// verifyReplay processes segs again and compares every output with the
// first pass.
func verifyReplay(ctx context.Context, e *engine.Engine, segs []*core.Segment, first []*engine.Output) error {
	for i, seg := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.Replayed(seg.ID) {
			return fmt.Errorf("packet %d was not recorded", seg.ID)
		}
		if out := e.Process(seg); !reflect.DeepEqual(out, first[i]) {
			return fmt.Errorf("packet %d differs from the first pass", seg.ID)
		}
	}
	return nil
}

func openReport(cfg *config.Config, opts analyzeOptions, stdout io.Writer) (report.Writer, func(), error) {
	format := cfg.Output.Format
	if opts.Format != "" {
		format = opts.Format
	}
	path := cfg.Output.Path
	if opts.Output != "" {
		path = opts.Output
	}

	out, closeOut := stdout, func() {}
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, fmt.Errorf("create report file: %w", err)
		}
		out, closeOut = f, func() { f.Close() }
	}

	w, err := report.New(format, out, report.Options{Relative: cfg.Analysis.RelativeSequence})
	if err != nil {
		closeOut()
		return nil, nil, err
	}
	return w, closeOut, nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/segscope/internal/capture"
	"firestige.xyz/segscope/internal/config"
	"firestige.xyz/segscope/internal/report"
)

var hexdumpCmd = &cobra.Command{
	Use:   "hexdump",
	Short: "Print the raw bytes of selected frames",
	Long: `Hexdump prints selected frames of a capture as offset, hex and ASCII
columns, 16 bytes per row. Frames are numbered from 1 in file order, the
same numbers analyze reports as packets.

Examples:
  segscope hexdump -r call.pcap --frames 4
  segscope hexdump -r call.pcap --frames 4,10-12 -f json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runHexdump(ctx, cfg, hexdumpOpts, cmd.OutOrStdout())
	},
}

type hexdumpOptions struct {
	Capture string
	Frames  string
	Format  string
}

var hexdumpOpts hexdumpOptions

func init() {
	hexdumpCmd.Flags().StringVarP(&hexdumpOpts.Capture, "read", "r", "", "capture file to read (required)")
	hexdumpCmd.Flags().StringVar(&hexdumpOpts.Frames, "frames", "", "frame numbers, e.g. 4,10-12 (required)")
	hexdumpCmd.Flags().StringVarP(&hexdumpOpts.Format, "format", "f", "text", "output format: text, json, yaml or msgpack")
	hexdumpCmd.MarkFlagRequired("read")
	hexdumpCmd.MarkFlagRequired("frames")
}

func runHexdump(ctx context.Context, cfg *config.Config, opts hexdumpOptions, stdout io.Writer) error {
	frames, err := capture.ParseFrameSet(opts.Frames)
	if err != nil {
		return err
	}
	if frames.Empty() {
		return fmt.Errorf("no frames selected")
	}
	if opts.Capture == "" {
		return fmt.Errorf("no capture file given")
	}
	src, err := openCapture(cfg, captureInput{Path: opts.Capture})
	if err != nil {
		return err
	}
	defer src.Close()

	var dumps []report.FrameDump
	var read uint64
	for read < frames.Last() {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := src.NextFrame()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("frames %s: the capture has %d frame(s)", frames, read)
		}
		if err != nil {
			return err
		}
		read = f.Number
		if frames.Contains(f.Number) {
			dumps = append(dumps, report.NewFrameDump(f.Number, f.Info.Timestamp, f.Info.Length, f.Data))
		}
	}
	return report.WriteFrameDumps(opts.Format, stdout, dumps)
}

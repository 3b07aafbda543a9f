package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/segscope/internal/config"
	"firestige.xyz/segscope/internal/engine"
	"firestige.xyz/segscope/internal/follow"
)

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Print the reassembled byte stream of one conversation",
	Long: `Follow prints the bytes both peers of a conversation delivered, in the
order they became contiguous. Conversations are numbered from 0 in the order
they appear in the capture.

Examples:
  segscope follow -r call.pcap --stream 0
  segscope follow -r call.pcap --stream 3 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runFollow(ctx, cfg, followOpts, cmd.OutOrStdout())
	},
}

type followOptions struct {
	Capture string
	Filter  string
	Stream  uint64
	JSON    bool
}

var followOpts followOptions

func init() {
	followCmd.Flags().StringVarP(&followOpts.Capture, "read", "r", "", "capture file to read (required)")
	followCmd.Flags().StringVar(&followOpts.Filter, "filter", "", "capture filter, overrides capture.filter")
	followCmd.Flags().Uint64Var(&followOpts.Stream, "stream", 0, "conversation index")
	followCmd.Flags().BoolVar(&followOpts.JSON, "json", false, "print JSON with base64 payloads")
	followCmd.MarkFlagRequired("read")
}

func runFollow(ctx context.Context, cfg *config.Config, opts followOptions, stdout io.Writer) error {
	segs, _, err := readCapture(ctx, cfg, captureInput{Path: opts.Capture, Filter: opts.Filter})
	if err != nil {
		return err
	}
	sel, err := newSelector(cfg)
	if err != nil {
		return err
	}

	store := follow.NewStore(opts.Stream)
	e := engine.New(cfg.EngineOptions(), sel, engine.WithObserver(store))
	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.Process(seg)
	}
	e.Finish()

	found := false
	for _, c := range e.Conversations() {
		if c.Stream == opts.Stream {
			store.SetNodes(c.Stream, c.Client)
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("stream %d not found, the capture has %d conversation(s)", opts.Stream, len(e.Conversations()))
	}

	st, _ := store.Stream(opts.Stream)
	if opts.JSON {
		return follow.WriteJSON(stdout, st)
	}
	return follow.WriteText(stdout, st)
}

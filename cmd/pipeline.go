package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"firestige.xyz/segscope/internal/capture"
	"firestige.xyz/segscope/internal/config"
	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/decoder"
	"firestige.xyz/segscope/internal/decoder/builtin"
	"firestige.xyz/segscope/internal/log"
)

// captureInput names where segments come from: a file or, when Interface is
// set, a live capture. Filter overrides the configured capture filter.
type captureInput struct {
	Path      string
	Interface string
	Filter    string
	Count     uint64
}

// withDefaults fills what the command line left empty from the configuration.
func (in captureInput) withDefaults(cfg *config.Config) captureInput {
	if in.Filter == "" {
		in.Filter = cfg.Capture.Filter
	}
	if in.Interface == "" && in.Path == "" {
		in.Interface = cfg.Capture.Interface
	}
	return in
}

func (in captureInput) live() bool { return in.Interface != "" }

func (in captureInput) name() string {
	if in.live() {
		return "live:" + in.Interface
	}
	return in.Path
}

func openCapture(cfg *config.Config, in captureInput) (*capture.Source, error) {
	opts := capture.Options{
		Filter:      in.Filter,
		SnapLen:     cfg.Capture.SnapLen,
		MaxPackets:  in.Count,
		Promiscuous: cfg.Capture.Promiscuous,
		Timeout:     cfg.Capture.Timeout,
	}
	switch {
	case in.Path != "" && in.live():
		return nil, fmt.Errorf("read a capture file or an interface, not both")
	case in.live():
		return capture.OpenLive(in.Interface, opts)
	case in.Path != "":
		return capture.Open(in.Path, opts)
	default:
		return nil, fmt.Errorf("no capture file given")
	}
}

// readCapture loads every TCP segment of a capture. A live capture runs
// until ctx is done or Count packets were seen; the segments gathered so far
// are returned without error.
func readCapture(ctx context.Context, cfg *config.Config, in captureInput) ([]*core.Segment, capture.Stats, error) {
	in = in.withDefaults(cfg)
	src, err := openCapture(cfg, in)
	if err != nil {
		return nil, capture.Stats{}, err
	}
	defer src.Close()

	logger := log.GetLogger()
	if in.live() {
		logger.WithField("interface", in.Interface).Info("live capture started, interrupt to analyze")
	}

	var segs []*core.Segment
	for {
		if err := ctx.Err(); err != nil {
			if in.live() {
				break
			}
			return nil, src.Stats(), err
		}
		seg, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, core.ErrCaptureTimeout) {
			continue
		}
		if err != nil {
			return nil, src.Stats(), err
		}
		segs = append(segs, seg)
	}

	stats := src.Stats()
	logger.WithFields(map[string]interface{}{
		"source":    in.name(),
		"filter":    in.Filter,
		"packets":   stats.Packets,
		"tcp":       stats.TCP,
		"filtered":  stats.Filtered,
		"non_tcp":   stats.NonTCP,
		"fragments": stats.Fragments,
		"malformed": stats.Malformed,
	}).Info("capture loaded")
	return segs, stats, nil
}

// newSelector binds the configured decoders to their ports. Conversations
// on other ports are sniffed.
func newSelector(cfg *config.Config) (*decoder.PortSelector, error) {
	auto, err := decoder.Build(builtin.AutoName, nil)
	if err != nil {
		return nil, err
	}
	return decoder.NewPortSelector(cfg.Decoders, auto)
}

// Package lenprefix decodes frames that carry a big-endian length header.
// The payload of each frame can be handed to an inner decoder through a
// nested stream, so that inner messages may span frames.
package lenprefix

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/decoder"
	"firestige.xyz/segscope/internal/engine"
)

const Name = "lenprefix"

// DefaultMaxFrame bounds the payload length when Config.MaxFrame is 0.
const DefaultMaxFrame = 16 << 20

// Config holds the decoder options.
type Config struct {
	// Width is the header size in bytes: 1, 2 or 4.
	Width int `mapstructure:"width"`
	// MaxFrame bounds the payload length; 0 selects DefaultMaxFrame.
	MaxFrame int `mapstructure:"max_frame"`
	// Inner names the decoder for the concatenated payloads.
	Inner        string         `mapstructure:"inner"`
	InnerOptions map[string]any `mapstructure:"inner_options"`
}

type Decoder struct {
	cfg   Config
	inner engine.Decoder
}

// New returns a decoder; inner may be nil.
func New(cfg Config, inner engine.Decoder) (*Decoder, error) {
	if cfg.Width == 0 {
		cfg.Width = 2
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	switch cfg.Width {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("width must be 1, 2 or 4, got %d", cfg.Width)
	}
	return &Decoder{cfg: cfg, inner: inner}, nil
}

// Factory builds a decoder from raw options, resolving the inner decoder by
// name.
func Factory(options map[string]any) (engine.Decoder, error) {
	var cfg Config
	if err := decoder.DecodeOptions(options, &cfg); err != nil {
		return nil, err
	}
	var inner engine.Decoder
	if cfg.Inner != "" {
		var err error
		if inner, err = decoder.Build(cfg.Inner, cfg.InnerOptions); err != nil {
			return nil, err
		}
	}
	return New(cfg, inner)
}

func (d *Decoder) Name() string { return Name }

func (d *Decoder) Decode(ctx *engine.DecodeContext, data []byte) engine.Verdict {
	w := d.cfg.Width
	if len(data) < w {
		return engine.NeedMore(0, w-len(data))
	}

	var n int
	switch w {
	case 1:
		n = int(data[0])
	case 2:
		n = int(binary.BigEndian.Uint16(data))
	case 4:
		n = int(binary.BigEndian.Uint32(data))
	}
	if n > d.cfg.MaxFrame {
		return engine.Failed(0, fmt.Errorf("frame length %d exceeds %d", n, d.cfg.MaxFrame))
	}
	if len(data)-w < n {
		return engine.NeedMore(0, w+n-len(data))
	}

	labels := core.Labels{core.LabelFrameLen: strconv.Itoa(n)}
	summary := fmt.Sprintf("frame, %d bytes", n)
	if d.inner != nil && n > 0 {
		msgs, err := ctx.Reassemble(0, data[w:w+n], d.inner)
		if err != nil {
			return engine.Failed(0, err)
		}
		if len(msgs) > 0 {
			summary = fmt.Sprintf("frame, %d bytes, %d inner messages", n, len(msgs))
		}
	}
	return engine.Consumed(w+n, summary, labels)
}

// Package eof decodes a direction as one message that ends with the stream.
package eof

import (
	"fmt"
	"strconv"

	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/engine"
)

const Name = "eof"

type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func Factory(map[string]any) (engine.Decoder, error) { return New(), nil }

func (d *Decoder) Name() string { return Name }

func (d *Decoder) Decode(ctx *engine.DecodeContext, data []byte) engine.Verdict {
	if !ctx.AtStreamEnd {
		return engine.Verdict{Need: engine.NeedUntilStreamEnd}
	}
	return engine.Consumed(len(data), fmt.Sprintf("%d bytes until stream end", len(data)),
		core.Labels{core.LabelEOFBytes: strconv.Itoa(len(data))})
}

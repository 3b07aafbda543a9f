// Package raw reports every delivered chunk as a message of its own.
package raw

import (
	"fmt"

	"firestige.xyz/segscope/internal/engine"
)

const Name = "raw"

type Decoder struct{}

func New() *Decoder { return &Decoder{} }

func Factory(map[string]any) (engine.Decoder, error) { return New(), nil }

func (d *Decoder) Name() string { return Name }

func (d *Decoder) Decode(_ *engine.DecodeContext, data []byte) engine.Verdict {
	return engine.Consumed(len(data), fmt.Sprintf("%d bytes", len(data)), nil)
}

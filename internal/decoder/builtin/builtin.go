// Package builtin registers all built-in decoders.
package builtin

import (
	"firestige.xyz/segscope/internal/decoder"
	"firestige.xyz/segscope/internal/decoder/eof"
	"firestige.xyz/segscope/internal/decoder/lenprefix"
	"firestige.xyz/segscope/internal/decoder/raw"
	"firestige.xyz/segscope/internal/decoder/sip"
	"firestige.xyz/segscope/internal/engine"
)

// AutoName is the content-sniffing decoder used for unbound ports.
const AutoName = "auto"

func init() {
	decoder.Register(sip.Name, sip.Factory)
	decoder.Register(lenprefix.Name, lenprefix.Factory)
	decoder.Register(eof.Name, eof.Factory)
	decoder.Register(raw.Name, raw.Factory)
	decoder.Register(AutoName, autoFactory)
}

func autoFactory(options map[string]any) (engine.Decoder, error) {
	s, err := sip.Factory(options)
	if err != nil {
		return nil, err
	}
	return decoder.NewSniffer(decoder.Candidate{Detect: decoder.LooksLikeSIP, Decoder: s}), nil
}

package decoder

import (
	"fmt"

	"firestige.xyz/segscope/internal/config"
	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/engine"
)

// PortSelector chooses decoders by server port, falling back to the client
// port and then to a default decoder.
type PortSelector struct {
	byPort   map[uint16]engine.Decoder
	fallback engine.Decoder
}

// NewPortSelector builds every configured decoder. fallback may be nil, in
// which case unmatched conversations are not decoded.
func NewPortSelector(bindings []config.DecoderConfig, fallback engine.Decoder) (*PortSelector, error) {
	s := &PortSelector{byPort: make(map[uint16]engine.Decoder), fallback: fallback}
	for _, b := range bindings {
		d, err := Build(b.Name, b.Options)
		if err != nil {
			return nil, err
		}
		for _, p := range b.Ports {
			if _, dup := s.byPort[p]; dup {
				return nil, fmt.Errorf("port %d bound twice", p)
			}
			s.byPort[p] = d
		}
	}
	return s, nil
}

// Select implements engine.Selector. flow runs from client to server.
func (s *PortSelector) Select(flow core.FlowKey) engine.Decoder {
	if d, ok := s.byPort[flow.Dst.Port]; ok {
		return d
	}
	if d, ok := s.byPort[flow.Src.Port]; ok {
		return d
	}
	return s.fallback
}

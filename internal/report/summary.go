package report

import (
	"firestige.xyz/segscope/internal/conversation"
	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/engine"
)

// Summary aggregates the findings of a whole capture.
type Summary struct {
	Packets     uint64 `json:"packets" yaml:"packets" msgpack:"packets"`
	Malformed   uint64 `json:"malformed" yaml:"malformed" msgpack:"malformed"`
	Messages    uint64 `json:"messages" yaml:"messages" msgpack:"messages"`
	Reassembled uint64 `json:"reassembled" yaml:"reassembled" msgpack:"reassembled"`
	RawBytes    uint64 `json:"raw_bytes" yaml:"raw_bytes" msgpack:"raw_bytes"`

	Tags       map[string]uint64 `json:"tags" yaml:"tags" msgpack:"tags"`
	Severities map[string]uint64 `json:"severities" yaml:"severities" msgpack:"severities"`
	Groups     map[string]uint64 `json:"groups" yaml:"groups" msgpack:"groups"`

	Conversations []ConversationSummary `json:"conversations" yaml:"conversations" msgpack:"conversations"`
}

// ConversationSummary describes one conversation at the end of the capture.
type ConversationSummary struct {
	Stream       uint64 `json:"stream" yaml:"stream" msgpack:"stream"`
	Client       string `json:"client" yaml:"client" msgpack:"client"`
	Server       string `json:"server" yaml:"server" msgpack:"server"`
	Completeness string `json:"completeness" yaml:"completeness" msgpack:"completeness"`
	ReusedPorts  bool   `json:"reused_ports,omitempty" yaml:"reused_ports,omitempty" msgpack:"reused_ports,omitempty"`
	IRTT         string `json:"irtt,omitempty" yaml:"irtt,omitempty" msgpack:"irtt,omitempty"`
	Packets      uint64 `json:"packets" yaml:"packets" msgpack:"packets"`
	Bytes        uint64 `json:"bytes" yaml:"bytes" msgpack:"bytes"`
}

func NewSummary() *Summary {
	return &Summary{
		Tags:       make(map[string]uint64),
		Severities: make(map[string]uint64),
		Groups:     make(map[string]uint64),
	}
}

// Add folds one output into the summary. End-of-capture outputs only
// contribute their messages and annotations.
func (s *Summary) Add(out *engine.Output) {
	if !out.EndOfCapture {
		s.Packets++
		if out.Malformed {
			s.Malformed++
		}
		for _, tag := range out.Analysis.Tags.Strings() {
			s.Tags[tag]++
		}
	}
	for _, m := range out.Messages {
		s.Messages++
		if m.Reassembled {
			s.Reassembled++
		}
	}
	for _, r := range out.Raw {
		s.RawBytes += uint64(r.Len)
	}
	for _, a := range out.Annotations {
		s.Severities[a.Severity.String()]++
		s.Groups[string(a.Group)]++
	}
}

// AddConversations records the final state of every conversation.
func (s *Summary) AddConversations(convs []*conversation.Conversation) {
	for _, c := range convs {
		cs := ConversationSummary{
			Stream:       c.Stream,
			Client:       c.Client.Src.String(),
			Server:       c.Client.Dst.String(),
			Completeness: c.Completeness.String(),
			ReusedPorts:  c.ReusedPorts,
		}
		if c.IRTT > 0 {
			cs.IRTT = c.IRTT.String()
		}
		for _, d := range c.Dirs {
			if d != nil {
				cs.Packets += d.Packets
				cs.Bytes += d.Bytes
			}
		}
		s.Conversations = append(s.Conversations, cs)
	}
}

// severityOrder lists severities from most to least severe.
var severityOrder = []core.Severity{core.SeverityError, core.SeverityWarning, core.SeverityNote, core.SeverityChat}

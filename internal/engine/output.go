package engine

import (
	"fmt"
	"time"

	"firestige.xyz/segscope/internal/analysis"
	"firestige.xyz/segscope/internal/conversation"
	"firestige.xyz/segscope/internal/core"
)

// Reasons bytes were left undecoded.
const (
	RawOldData           = "old data"
	RawSegmentOfPDU      = "segment of a reassembled PDU"
	RawUntrustedChecksum = "checksum unverifiable"
	RawDecoderError      = "decoder error"
	RawNotDecoded        = "not decoded"
	RawDesegmentDisabled = "desegmentation disabled"
	RawRecursionLimit    = "recursion limit"
	RawIncomplete        = "incomplete message"
	RawTooLarge          = "message too large"
)

// RawRange is a run of bytes that was not handed to a decoder as a message.
type RawRange struct {
	Seq    uint32 `json:"seq" yaml:"seq" msgpack:"seq"`
	Len    int    `json:"len" yaml:"len" msgpack:"len"`
	Depth  int    `json:"depth,omitempty" yaml:"depth,omitempty" msgpack:"depth,omitempty"`
	Reason string `json:"reason" yaml:"reason" msgpack:"reason"`
}

// Annotation is a finding attached to a segment.
type Annotation struct {
	Severity core.Severity `json:"severity" yaml:"severity" msgpack:"severity"`
	Group    core.Group    `json:"group" yaml:"group" msgpack:"group"`
	Text     string        `json:"text" yaml:"text" msgpack:"text"`
}

// Message is one decoded higher-layer message.
type Message struct {
	Decoder     string          `json:"decoder" yaml:"decoder" msgpack:"decoder"`
	Seq         uint32          `json:"seq" yaml:"seq" msgpack:"seq"`
	Len         int             `json:"len" yaml:"len" msgpack:"len"`
	Depth       int             `json:"depth,omitempty" yaml:"depth,omitempty" msgpack:"depth,omitempty"`
	Reassembled bool            `json:"reassembled" yaml:"reassembled" msgpack:"reassembled"`
	FirstPacket core.PacketID   `json:"first_packet" yaml:"first_packet" msgpack:"first_packet"`
	Packets     []core.PacketID `json:"packets,omitempty" yaml:"packets,omitempty" msgpack:"packets,omitempty"`
	Summary     string          `json:"summary,omitempty" yaml:"summary,omitempty" msgpack:"summary,omitempty"`
	Labels      core.Labels     `json:"labels,omitempty" yaml:"labels,omitempty" msgpack:"labels,omitempty"`
}

// Output is everything the engine determined about one packet.
type Output struct {
	Packet    core.PacketID
	Time      time.Time
	Flow      core.FlowKey
	Identity  core.FlowKey
	Stream    uint64
	Direction int

	Seq   uint32
	Ack   uint32
	Flags core.Flags
	Len   int

	Malformed    bool
	EndOfCapture bool
	Analysis     analysis.Result
	Completeness conversation.Completeness

	OldData  bool
	OldBytes int
	Buffered bool

	Raw         []RawRange
	Messages    []Message
	Annotations []Annotation
}

func (o *Output) annotate(sev core.Severity, group core.Group, format string, args ...interface{}) {
	o.Annotations = append(o.Annotations, Annotation{Severity: sev, Group: group, Text: fmt.Sprintf(format, args...)})
}

func (o *Output) raw(seq uint32, n int, depth int, reason string) {
	if n <= 0 {
		return
	}
	o.Raw = append(o.Raw, RawRange{Seq: seq, Len: n, Depth: depth, Reason: reason})
}

// Severity returns the highest severity among the annotations.
func (o *Output) Severity() (core.Severity, bool) {
	if len(o.Annotations) == 0 {
		return 0, false
	}
	max := o.Annotations[0].Severity
	for _, a := range o.Annotations[1:] {
		if a.Severity > max {
			max = a.Severity
		}
	}
	return max, true
}

func (o *Output) clone() *Output {
	c := *o
	c.Raw = append([]RawRange(nil), o.Raw...)
	c.Annotations = append([]Annotation(nil), o.Annotations...)
	c.Messages = cloneMessages(o.Messages)
	return &c
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		m.Packets = append([]core.PacketID(nil), m.Packets...)
		m.Labels = cloneLabels(m.Labels)
		out[i] = m
	}
	return out
}

func cloneLabels(in core.Labels) core.Labels {
	if in == nil {
		return nil
	}
	out := make(core.Labels, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

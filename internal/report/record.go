// Package report renders per-segment engine output and the expert summary.
package report

import (
	"time"

	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/engine"
)

// Record is the serialisable form of one engine output.
type Record struct {
	Packet    core.PacketID `json:"packet" yaml:"packet" msgpack:"packet"`
	Time      time.Time     `json:"time" yaml:"time" msgpack:"time"`
	Stream    uint64        `json:"stream" yaml:"stream" msgpack:"stream"`
	Direction int           `json:"direction" yaml:"direction" msgpack:"direction"`
	Src       string        `json:"src,omitempty" yaml:"src,omitempty" msgpack:"src,omitempty"`
	Dst       string        `json:"dst,omitempty" yaml:"dst,omitempty" msgpack:"dst,omitempty"`
	Identity  string        `json:"identity,omitempty" yaml:"identity,omitempty" msgpack:"identity,omitempty"`

	Seq     uint32 `json:"seq" yaml:"seq" msgpack:"seq"`
	Ack     uint32 `json:"ack" yaml:"ack" msgpack:"ack"`
	RelSeq  uint32 `json:"rel_seq" yaml:"rel_seq" msgpack:"rel_seq"`
	RelAck  uint32 `json:"rel_ack" yaml:"rel_ack" msgpack:"rel_ack"`
	NextSeq uint32 `json:"rel_next_seq" yaml:"rel_next_seq" msgpack:"rel_next_seq"`
	Flags   string `json:"flags" yaml:"flags" msgpack:"flags"`
	Len     int    `json:"len" yaml:"len" msgpack:"len"`
	Window  uint32 `json:"window" yaml:"window" msgpack:"window"`

	Tags              []string      `json:"tags,omitempty" yaml:"tags,omitempty" msgpack:"tags,omitempty"`
	DupAckNum         uint32        `json:"dup_ack_num,omitempty" yaml:"dup_ack_num,omitempty" msgpack:"dup_ack_num,omitempty"`
	DupAckOf          core.PacketID `json:"dup_ack_of,omitempty" yaml:"dup_ack_of,omitempty" msgpack:"dup_ack_of,omitempty"`
	RetransmissionOf  core.PacketID `json:"retransmission_of,omitempty" yaml:"retransmission_of,omitempty" msgpack:"retransmission_of,omitempty"`
	RetransmissionGap string        `json:"retransmission_delay,omitempty" yaml:"retransmission_delay,omitempty" msgpack:"retransmission_delay,omitempty"`
	BytesInFlight     *uint32       `json:"bytes_in_flight,omitempty" yaml:"bytes_in_flight,omitempty" msgpack:"bytes_in_flight,omitempty"`
	RTT               string        `json:"ack_rtt,omitempty" yaml:"ack_rtt,omitempty" msgpack:"ack_rtt,omitempty"`
	AckedPacket       core.PacketID `json:"acked_packet,omitempty" yaml:"acked_packet,omitempty" msgpack:"acked_packet,omitempty"`
	Completeness      string        `json:"completeness,omitempty" yaml:"completeness,omitempty" msgpack:"completeness,omitempty"`

	Malformed    bool   `json:"malformed,omitempty" yaml:"malformed,omitempty" msgpack:"malformed,omitempty"`
	EndOfCapture bool   `json:"end_of_capture,omitempty" yaml:"end_of_capture,omitempty" msgpack:"end_of_capture,omitempty"`
	Buffered     bool   `json:"buffered,omitempty" yaml:"buffered,omitempty" msgpack:"buffered,omitempty"`
	OldBytes     int    `json:"old_bytes,omitempty" yaml:"old_bytes,omitempty" msgpack:"old_bytes,omitempty"`
	Severity     string `json:"severity,omitempty" yaml:"severity,omitempty" msgpack:"severity,omitempty"`

	Messages    []engine.Message    `json:"messages,omitempty" yaml:"messages,omitempty" msgpack:"messages,omitempty"`
	Raw         []engine.RawRange   `json:"raw,omitempty" yaml:"raw,omitempty" msgpack:"raw,omitempty"`
	Annotations []engine.Annotation `json:"annotations,omitempty" yaml:"annotations,omitempty" msgpack:"annotations,omitempty"`
}

// NewRecord flattens an engine output.
func NewRecord(out *engine.Output) Record {
	res := &out.Analysis
	r := Record{
		Packet:       out.Packet,
		Time:         out.Time,
		Stream:       out.Stream,
		Direction:    out.Direction,
		Seq:          out.Seq,
		Ack:          out.Ack,
		RelSeq:       res.RelSeq,
		RelAck:       res.RelAck,
		NextSeq:      res.RelNextSeq,
		Flags:        out.Flags.String(),
		Len:          out.Len,
		Window:       res.WindowSize,
		Tags:         res.Tags.Strings(),
		DupAckNum:    res.DupAckNum,
		DupAckOf:     res.DupAckRef,
		Malformed:    out.Malformed,
		EndOfCapture: out.EndOfCapture,
		Buffered:     out.Buffered,
		OldBytes:     out.OldBytes,
		Messages:     out.Messages,
		Raw:          out.Raw,
		Annotations:  out.Annotations,
	}
	if out.Flow.Src.Addr.IsValid() {
		r.Src, r.Dst = out.Flow.Src.String(), out.Flow.Dst.String()
	}
	if out.Identity != out.Flow && out.Identity.Src.Addr.IsValid() {
		r.Identity = out.Identity.String()
	}
	if res.RetransmissionRef != 0 {
		r.RetransmissionOf = res.RetransmissionRef
		r.RetransmissionGap = res.RetransmissionDelay.String()
	}
	if res.HasBytesInFlight {
		n := res.BytesInFlight
		r.BytesInFlight = &n
	}
	if res.HasRTT {
		r.RTT = res.RTT.String()
		r.AckedPacket = res.AckedPacket
	}
	if out.Completeness != 0 {
		r.Completeness = out.Completeness.String()
	}
	if sev, ok := out.Severity(); ok {
		r.Severity = sev.String()
	}
	return r
}

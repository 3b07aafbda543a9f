package analysis

import (
	"time"

	"firestige.xyz/segscope/internal/core"
)

// Window scale states besides a shift count.
const (
	ScaleUnknown  int8 = -1 // no SYN seen
	ScaleDisabled int8 = -2 // handshake seen, scaling not negotiated
)

// maxWindowShift is the largest shift RFC 7323 allows.
const maxWindowShift = 14

// Unacked records a segment sent but not yet acknowledged by the reverse flow.
type Unacked struct {
	Seq     uint32
	NextSeq uint32
	Packet  core.PacketID
	Time    time.Time
}

type prevSegment struct {
	Seq    uint32
	Ack    uint32
	Window uint32
	Len    uint32
	Flags  core.Flags
	Valid  bool
}

// FlowState is the sequence state of one direction of a connection. Classify
// only reads it; Apply is the single place it changes.
type FlowState struct {
	BaseSeq uint32
	HasBase bool

	// NextSeq is the highest sequence end observed in this direction.
	NextSeq       uint32
	NextSeqTime   time.Time
	NextSeqPacket core.PacketID
	HasNext       bool

	// MaxSeqToBeAcked is the boundary the reverse flow may legitimately acknowledge.
	MaxSeqToBeAcked uint32
	HasMaxSeq       bool

	LastAck     uint32
	LastAckTime time.Time
	HasAck      bool

	LastNonDupAck core.PacketID
	DupAckNum     uint32
	DupAckTime    time.Time

	Window    uint32 // scaled
	HasWindow bool
	WinScale  int8

	SACK []core.SACKBlock

	LastTags TagSet
	prev     prevSegment

	Unacked         []Unacked
	UnackedDegraded bool

	ValidBIF bool
}

// NewFlowState returns the state of a direction that has not been observed yet.
func NewFlowState() *FlowState {
	return &FlowState{WinScale: ScaleUnknown, ValidBIF: true}
}

// scaledWindow returns the effective receive window advertised by seg.
func (f *FlowState) scaledWindow(seg *core.Segment) uint32 {
	w := uint32(seg.Window)
	if seg.Flags.Has(core.FlagSYN) {
		return w
	}
	if f.WinScale > 0 {
		return w << uint(f.WinScale)
	}
	return w
}

// unackedHas reports whether a record starting at seq is outstanding.
func (f *FlowState) unackedHas(seq uint32) bool {
	for _, u := range f.Unacked {
		if u.Seq == seq {
			return true
		}
	}
	return false
}

// earliestUnackedFrom returns the oldest outstanding record starting at or after seq.
func (f *FlowState) earliestUnackedFrom(seq uint32) (Unacked, bool) {
	var best Unacked
	found := false
	for _, u := range f.Unacked {
		if !core.SeqGE(u.Seq, seq) {
			continue
		}
		if !found || u.Time.Before(best.Time) {
			best = u
			found = true
		}
	}
	return best, found
}

// unackedEndingAt returns the outstanding record whose end is exactly ack.
func (f *FlowState) unackedEndingAt(ack uint32) (Unacked, bool) {
	for _, u := range f.Unacked {
		if u.NextSeq == ack {
			return u, true
		}
	}
	return Unacked{}, false
}

// pruneAcked drops records fully covered by ack and trims partially covered ones.
func (f *FlowState) pruneAcked(ack uint32) {
	kept := f.Unacked[:0]
	for _, u := range f.Unacked {
		if core.SeqLE(u.NextSeq, ack) {
			continue
		}
		if core.SeqLT(u.Seq, ack) {
			u.Seq = ack
		}
		kept = append(kept, u)
	}
	f.Unacked = kept
}

// sackCovers reports whether the SACK blocks cover [left, right).
func sackCovers(blocks []core.SACKBlock, left, right uint32) bool {
	for _, b := range blocks {
		if core.SeqLE(b.Left, left) && core.SeqGE(b.Right, right) {
			return true
		}
	}
	return false
}

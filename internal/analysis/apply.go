package analysis

import (
	"firestige.xyz/segscope/internal/core"
)

// Effects reports side conditions raised while applying a segment.
type Effects struct {
	// UnackedCapped is set the first time the unacked list of fwd hits its cap.
	UnackedCapped bool
}

// Apply advances fwd and rev after seg was classified as res. It must run
// exactly once per packet, after Classify.
func (c *Classifier) Apply(seg *core.Segment, res *Result, fwd, rev *FlowState) Effects {
	var eff Effects

	l := seg.Len()
	end := seg.End()
	zwp := res.Has(TagZeroWindowProbe)

	if !fwd.HasBase {
		fwd.BaseSeq = seg.Seq
		fwd.HasBase = true
	}

	if seg.Flags.Has(core.FlagSYN) {
		applyWindowScale(seg, fwd, rev)
	}
	fwd.Window = res.WindowSize
	fwd.HasWindow = true

	if !zwp && (!fwd.HasNext || core.SeqGT(end, fwd.NextSeq)) {
		fwd.NextSeq = end
		fwd.NextSeqTime = seg.Timestamp
		fwd.NextSeqPacket = seg.ID
		fwd.HasNext = true
	}
	if !zwp && (!fwd.HasMaxSeq || core.SeqGT(end, fwd.MaxSeqToBeAcked)) {
		fwd.MaxSeqToBeAcked = end
		fwd.HasMaxSeq = true
	}

	switch {
	case res.Has(TagAckedUnseen):
		rev.MaxSeqToBeAcked = seg.Ack
	case res.Has(TagWindowUpdate) && rev.LastTags.Has(TagZeroWindowProbe) &&
		rev.HasMaxSeq && seg.Ack == rev.MaxSeqToBeAcked+1:
		// The probe byte was accepted by the receiver.
		rev.MaxSeqToBeAcked = seg.Ack
		if rev.HasNext && core.SeqGT(seg.Ack, rev.NextSeq) {
			rev.NextSeq = seg.Ack
		}
	}

	if res.Has(TagDuplicateAck) {
		fwd.DupAckNum = res.DupAckNum
		fwd.DupAckTime = seg.Timestamp
	} else {
		fwd.DupAckNum = 0
		fwd.LastNonDupAck = seg.ID
	}

	if seg.Flags.Has(core.FlagACK) {
		ackMoved := !fwd.HasAck || seg.Ack != fwd.LastAck
		fwd.LastAck = seg.Ack
		fwd.LastAckTime = seg.Timestamp
		fwd.HasAck = true

		switch {
		case len(seg.SACK) > 0:
			fwd.SACK = append(fwd.SACK[:0], seg.SACK...)
		case ackMoved:
			fwd.SACK = nil
		}

		rev.pruneAcked(seg.Ack)
		if rev.HasNext && core.SeqGE(seg.Ack, rev.NextSeq) {
			rev.ValidBIF = true
		}
	}

	if res.Has(TagLostSegment) {
		fwd.ValidBIF = false
	}

	if (l > 0 || seg.Flags.Any(core.FlagSYN|core.FlagFIN)) && !res.Has(TagKeepAlive) && !zwp {
		if len(fwd.Unacked) < c.opts.MaxUnackedSegments {
			fwd.Unacked = append(fwd.Unacked, Unacked{
				Seq:     seg.Seq,
				NextSeq: end,
				Packet:  seg.ID,
				Time:    seg.Timestamp,
			})
		} else if !fwd.UnackedDegraded {
			fwd.UnackedDegraded = true
			eff.UnackedCapped = true
		}
	}

	fwd.prev = prevSegment{
		Seq:    seg.Seq,
		Ack:    seg.Ack,
		Window: res.WindowSize,
		Len:    l,
		Flags:  seg.Flags,
		Valid:  true,
	}
	fwd.LastTags = res.Tags
	return eff
}

// applyWindowScale records the shift negotiated in the handshake. Scaling is
// only in effect when both SYNs carried the option.
func applyWindowScale(seg *core.Segment, fwd, rev *FlowState) {
	if seg.WindowScale == core.NoWindowScale {
		fwd.WinScale = ScaleDisabled
	} else {
		ws := seg.WindowScale
		if ws > maxWindowShift {
			ws = maxWindowShift
		}
		fwd.WinScale = ws
	}

	if !seg.Flags.Has(core.FlagACK) {
		if fwd.WinScale == ScaleDisabled {
			rev.WinScale = ScaleDisabled
		}
		return
	}
	if fwd.WinScale == ScaleDisabled || rev.WinScale == ScaleDisabled {
		fwd.WinScale = ScaleDisabled
		rev.WinScale = ScaleDisabled
	}
}

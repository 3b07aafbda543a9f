package analysis

import (
	"time"

	"firestige.xyz/segscope/internal/core"
)

// Options tune the classifier heuristics.
type Options struct {
	// PreferOutOfOrder resolves the tie between fast retransmission and
	// out-of-order in favour of out-of-order.
	PreferOutOfOrder bool

	// OutOfOrderThreshold applies when no initial RTT is known.
	OutOfOrderThreshold time.Duration

	FastRetransmissionWindow  time.Duration
	FastRetransmissionDupAcks uint32

	// MaxUnackedSegments caps the per-flow unacked list.
	MaxUnackedSegments int
}

// DefaultOptions returns the stock heuristic parameters.
func DefaultOptions() Options {
	return Options{
		OutOfOrderThreshold:       3 * time.Millisecond,
		FastRetransmissionWindow:  20 * time.Millisecond,
		FastRetransmissionDupAcks: 2,
		MaxUnackedSegments:        10000,
	}
}

// ConnInfo carries connection-level facts the classifier needs.
type ConnInfo struct {
	IRTT        time.Duration
	ReusedPorts bool
}

// Classifier diagnoses segments against flow state.
type Classifier struct {
	opts Options
}

// NewClassifier returns a classifier using opts; zero fields fall back to defaults.
func NewClassifier(opts Options) *Classifier {
	def := DefaultOptions()
	if opts.OutOfOrderThreshold <= 0 {
		opts.OutOfOrderThreshold = def.OutOfOrderThreshold
	}
	if opts.FastRetransmissionWindow <= 0 {
		opts.FastRetransmissionWindow = def.FastRetransmissionWindow
	}
	if opts.FastRetransmissionDupAcks == 0 {
		opts.FastRetransmissionDupAcks = def.FastRetransmissionDupAcks
	}
	if opts.MaxUnackedSegments <= 0 {
		opts.MaxUnackedSegments = def.MaxUnackedSegments
	}
	return &Classifier{opts: opts}
}

// Options returns the effective options.
func (c *Classifier) Options() Options { return c.opts }

// Classify diagnoses seg sent in the fwd direction. It never modifies fwd or
// rev; Apply performs the state transition afterwards.
func (c *Classifier) Classify(seg *core.Segment, fwd, rev *FlowState, conn ConnInfo) Result {
	var res Result

	l := seg.Len()
	ctrl := seg.Control()
	end := seg.DataSeq() + l

	res.WindowSize = fwd.scaledWindow(seg)
	base := seg.Seq
	if fwd.HasBase {
		base = fwd.BaseSeq
	}
	res.RelSeq = seg.Seq - base
	res.RelNextSeq = seg.End() - base
	if seg.Flags.Has(core.FlagACK) && rev.HasBase {
		res.RelAck = seg.Ack - rev.BaseSeq
	}

	if conn.ReusedPorts {
		res.add(TagReusedPorts)
	}

	zwp := l == 1 && fwd.HasNext && seg.Seq == fwd.NextSeq &&
		rev.HasWindow && rev.Window == 0
	if zwp {
		res.add(TagZeroWindowProbe)
	}

	if seg.Window == 0 && !ctrl {
		res.add(TagZeroWindow)
	}

	if !zwp {
		if fwd.HasNext && core.SeqGT(seg.Seq, fwd.NextSeq) && !seg.Flags.Has(core.FlagRST) {
			res.add(TagLostSegment)
		}
		if l <= 1 && !ctrl && fwd.HasNext && seg.Seq == fwd.NextSeq-1 {
			res.add(TagKeepAlive)
		}
	}

	// Pure acknowledgments repeating the previous seq/ack of this direction.
	repeat := l == 0 && !ctrl && seg.Flags.Has(core.FlagACK) &&
		fwd.HasNext && fwd.HasAck && fwd.HasWindow &&
		seg.Seq == fwd.NextSeq && seg.Ack == fwd.LastAck

	if repeat && res.WindowSize != 0 && res.WindowSize != fwd.Window {
		res.add(TagWindowUpdate)
	}

	if l > 0 && !ctrl && rev.WinScale != ScaleUnknown && rev.HasAck && rev.HasWindow &&
		end == rev.LastAck+rev.Window {
		res.add(TagWindowFull)
	}

	if repeat && res.WindowSize == fwd.Window {
		switch {
		case rev.LastTags.Has(TagKeepAlive):
			res.add(TagKeepAliveAck)
		case rev.LastTags.Has(TagZeroWindowProbe):
			res.add(TagZeroWindowProbeAck)
		default:
			res.add(TagDuplicateAck)
			res.DupAckNum = fwd.DupAckNum + 1
			res.DupAckRef = fwd.LastNonDupAck
		}
	}

	if seg.Flags.Has(core.FlagACK) && rev.HasMaxSeq && core.SeqGT(seg.Ack, rev.MaxSeqToBeAcked) {
		if seg.Ack == rev.MaxSeqToBeAcked+1 && rev.LastTags.Has(TagZeroWindowProbe) {
			res.add(TagWindowUpdate)
		} else {
			res.add(TagAckedUnseen)
		}
	}

	if (l > 0 || seg.Flags.Any(core.FlagSYN|core.FlagFIN)) && !res.Has(TagKeepAlive) && !zwp &&
		fwd.HasNext && core.SeqLT(seg.Seq, fwd.NextSeq) &&
		!(l > 1 && seg.Seq == fwd.NextSeq-1) {
		c.classifyRetransmission(seg, fwd, rev, conn, &res)
	}

	if l > 0 && fwd.ValidBIF && !res.Has(TagLostSegment) && rev.HasAck {
		top := end
		if fwd.HasNext {
			top = core.SeqMax(end, fwd.NextSeq)
		}
		if d := core.SeqDiff(rev.LastAck, top); d > 0 {
			res.BytesInFlight = uint32(d)
			res.HasBytesInFlight = true
		}
	}

	if seg.Flags.Has(core.FlagACK) && (!fwd.HasAck || seg.Ack != fwd.LastAck) {
		if u, ok := rev.unackedEndingAt(seg.Ack); ok {
			res.RTT = seg.Timestamp.Sub(u.Time)
			res.AckedPacket = u.Packet
			res.HasRTT = true
		}
	}

	res.Tags = res.Tags.keepPrimary()
	return res
}

func (c *Classifier) classifyRetransmission(seg *core.Segment, fwd, rev *FlowState, conn ConnInfo, res *Result) {
	l := seg.Len()
	start := seg.DataSeq()
	end := start + l

	if l > 0 && rev.HasAck && core.SeqLE(end, rev.LastAck) {
		res.add(TagSpuriousRetransmission)
		c.retransmissionDelay(seg, fwd, res)
		return
	}

	fast := rev.DupAckNum >= c.opts.FastRetransmissionDupAcks &&
		seg.Timestamp.Sub(rev.DupAckTime) < c.opts.FastRetransmissionWindow &&
		(rev.LastAck == seg.Seq || (len(rev.SACK) > 0 && !sackCovers(rev.SACK, start, end)))

	threshold := c.opts.OutOfOrderThreshold
	if conn.IRTT > 0 {
		threshold = conn.IRTT
	}
	pureAckBefore := fwd.prev.Valid && fwd.prev.Len == 0 && !fwd.prev.Flags.Any(core.FlagSYN|core.FlagFIN|core.FlagRST)
	ooo := seg.Timestamp.Sub(fwd.NextSeqTime) < threshold &&
		!fwd.unackedHas(seg.Seq) &&
		(fwd.NextSeq != end || pureAckBefore)

	switch {
	case fast && ooo && c.opts.PreferOutOfOrder:
		res.add(TagOutOfOrder)
	case fast:
		res.add(TagFastRetransmission)
		c.retransmissionDelay(seg, fwd, res)
	case ooo:
		res.add(TagOutOfOrder)
	default:
		res.add(TagRetransmission)
		c.retransmissionDelay(seg, fwd, res)
	}
}

func (c *Classifier) retransmissionDelay(seg *core.Segment, fwd *FlowState, res *Result) {
	if u, ok := fwd.earliestUnackedFrom(seg.Seq); ok {
		res.RetransmissionDelay = seg.Timestamp.Sub(u.Time)
		res.RetransmissionRef = u.Packet
		return
	}
	res.RetransmissionDelay = seg.Timestamp.Sub(fwd.NextSeqTime)
	res.RetransmissionRef = fwd.NextSeqPacket
}

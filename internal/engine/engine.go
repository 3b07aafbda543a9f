// Package engine reconstructs TCP byte streams segment by segment: it runs
// the sequence classifier, orders payload, gathers multi-segment messages
// and hands complete messages to the stream's decoder.
package engine

import (
	"fmt"

	"firestige.xyz/segscope/internal/analysis"
	"firestige.xyz/segscope/internal/conversation"
	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/desegment"
	"firestige.xyz/segscope/internal/log"
	"firestige.xyz/segscope/internal/metrics"
)

// DefaultMaxDepth bounds nested stream reassembly.
const DefaultMaxDepth = 4

// Options configures an Engine.
type Options struct {
	Analysis analysis.Options
	Stream   desegment.StreamConfig

	// Desegment enables gathering of messages that span segments.
	Desegment bool
	// MaxDepth bounds how deep decoders may nest streams.
	MaxDepth int
}

// DefaultOptions returns options with desegmentation on.
func DefaultOptions() Options {
	return Options{
		Analysis:  analysis.DefaultOptions(),
		Desegment: true,
		MaxDepth:  DefaultMaxDepth,
	}
}

// ChecksumOracle reports whether a segment's bytes can be trusted.
type ChecksumOracle func(seg *core.Segment) bool

// TruncationOracle distrusts segments captured shorter than their wire length.
func TruncationOracle(seg *core.Segment) bool { return !seg.Truncated }

// Observer receives stream bytes in delivery order.
type Observer interface {
	Delivered(stream uint64, dir int, c desegment.Chunk)
}

// Option customises an Engine.
type Option func(*Engine)

// WithObserver registers o for delivered stream bytes.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithChecksumOracle replaces the default TruncationOracle.
func WithChecksumOracle(fn ChecksumOracle) Option {
	return func(e *Engine) { e.oracle = fn }
}

// Engine processes segments of a capture in order. It is not safe for
// concurrent use.
type Engine struct {
	opts       Options
	classifier *analysis.Classifier
	table      *conversation.Table
	selector   Selector
	decoders   map[uint64]Decoder
	nested     map[laneKey]*lane
	journal    map[core.PacketID]*journalEntry
	observer   Observer
	oracle     ChecksumOracle
	log        log.Logger
}

// New returns an engine choosing decoders through sel.
func New(opts Options, sel Selector, options ...Option) *Engine {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	e := &Engine{
		opts:       opts,
		classifier: analysis.NewClassifier(opts.Analysis),
		table:      conversation.NewTable(opts.Stream),
		selector:   sel,
		decoders:   make(map[uint64]Decoder),
		nested:     make(map[laneKey]*lane),
		journal:    make(map[core.PacketID]*journalEntry),
		oracle:     TruncationOracle,
		log:        log.GetLogger().WithField("component", "engine"),
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Conversations returns every conversation seen, in stream order.
func (e *Engine) Conversations() []*conversation.Conversation { return e.table.All() }

// Process analyses seg. Processing a packet identity a second time returns
// the same output without touching any state.
func (e *Engine) Process(seg *core.Segment) *Output {
	if ent, ok := e.journal[seg.ID]; ok {
		return e.replay(ent)
	}

	out := &Output{
		Packet:   seg.ID,
		Time:     seg.Timestamp,
		Flow:     seg.Flow,
		Identity: seg.Flow,
		Seq:      seg.Seq,
		Ack:      seg.Ack,
		Flags:    seg.Flags,
		Len:      len(seg.Payload),
	}
	p := &pass{seg: seg, out: out, entry: &journalEntry{}}
	e.process(p)

	if p.hasIdentity {
		out.Identity = p.identity
	}
	p.entry.out = out.clone()
	e.journal[seg.ID] = p.entry
	return out
}

func (e *Engine) process(p *pass) {
	seg, out := p.seg, p.out
	metrics.SegmentsTotal.Inc()

	if seg.Malformed() {
		out.Malformed = true
		out.annotate(core.SeverityError, core.GroupMalformed,
			"bogus TCP header length (%d, must be at least %d)", seg.HeaderLen, core.TCPHeaderMinLen)
		e.log.WithField("packet", seg.ID).WithField("header_len", seg.HeaderLen).Warn("malformed segment")
		return
	}

	conv, dir := e.table.Lookup(seg)
	conv.Observe(seg, dir)
	p.conv, p.dir = conv, dir
	out.Stream, out.Direction = conv.Stream, dir

	fwd, rev := conv.Dirs[dir], conv.Dirs[1-dir]
	info := analysis.ConnInfo{
		IRTT:        conv.IRTT,
		ReusedPorts: conv.ReusedPorts && conv.Dirs[0].Packets+conv.Dirs[1].Packets == 1,
	}
	res := e.classifier.Classify(seg, fwd.Flow, rev.Flow, info)
	if eff := e.classifier.Apply(seg, &res, fwd.Flow, rev.Flow); eff.UnackedCapped {
		metrics.UnackedCapped.Inc()
		e.log.WithField("stream", conv.Stream).WithField("direction", dir).
			Warn("unacked segment list full, retransmission heuristics degraded")
	}
	out.Analysis = res
	out.Completeness = conv.Completeness

	for _, tag := range res.Tags.Tags() {
		metrics.SegmentTagsTotal.WithLabelValues(tag.String()).Inc()
		out.annotate(tag.Severity(), core.GroupSequence, "%s", describeTag(tag, &res))
	}
	if e.log.IsDebugEnabled() && !res.Tags.Empty() {
		e.log.WithFields(map[string]interface{}{
			"packet": seg.ID,
			"stream": conv.Stream,
			"tags":   res.Tags.String(),
		}).Debug("segment classified")
	}

	if seg.Flags.Has(core.FlagSYN) {
		fwd.Stream.Start(seg.Seq + 1)
	}

	l := e.topLane(conv, dir)
	if len(seg.Payload) > 0 {
		e.desegment(p, l, fwd)
	}

	if seg.Flags.Has(core.FlagFIN) {
		if next, ok := fwd.Stream.Next(); ok && next == seg.DataSeq()+seg.Len() {
			e.closeUntilEnd(p, l)
		}
	}
}

func (e *Engine) desegment(p *pass, l *lane, d *conversation.Direction) {
	seg, out := p.seg, p.out
	p.untrusted = !e.oracle(seg)
	chunk := desegment.Chunk{
		Seq:       seg.DataSeq(),
		Data:      seg.Payload,
		Packet:    seg.ID,
		Time:      seg.Timestamp,
		Untrusted: p.untrusted,
	}

	if p.untrusted {
		out.annotate(core.SeverityWarning, core.GroupChecksum, "checksum cannot be verified, desegmentation skipped")
	}

	if !e.opts.Desegment {
		e.run(p, l, []desegment.Chunk{chunk})
		return
	}

	mr := d.Stream.Accept(chunk)
	switch mr.Outcome {
	case desegment.OutcomeOld:
		out.OldData = true
		out.OldBytes = mr.OldBytes
		out.raw(chunk.Seq, len(seg.Payload), 0, RawOldData)
		return
	case desegment.OutcomeBuffered:
		out.Buffered = true
		out.annotate(core.SeverityChat, core.GroupReassembly, "segment held until the preceding gap is filled")
		return
	}

	if mr.Overflow {
		out.annotate(core.SeverityWarning, core.GroupReassembly,
			"out-of-order buffer full, skipped %d missing bytes", mr.Skipped)
		e.log.WithField("stream", p.conv.Stream).WithField("skipped", mr.Skipped).
			WithError(core.ErrBufferFull).Warn("out-of-order buffer overflow")
	}
	if mr.OldBytes > 0 {
		out.OldBytes = mr.OldBytes
		out.raw(chunk.Seq, mr.OldBytes, 0, RawOldData)
	}
	e.run(p, l, mr.Chunks)
}

// run delivers chunks in order, including any released by a decoder that
// switched the lane to until-end mode.
func (e *Engine) run(p *pass, l *lane, chunks []desegment.Chunk) {
	queue := chunks
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]

		if l.depth == 0 && e.observer != nil {
			e.observer.Delivered(p.conv.Stream, p.dir, c)
		}
		if c.Untrusted {
			p.out.raw(c.Seq, len(c.Data), 0, RawUntrustedChecksum)
			continue
		}
		queue = append(queue, e.deliver(p, l, c)...)
	}
}

// Finish flushes what is still pending when the capture ends: bytes held
// behind gaps, messages waiting for the stream end, and incomplete messages.
// It returns one output per conversation direction that produced anything.
func (e *Engine) Finish() []*Output {
	var outs []*Output
	for _, conv := range e.table.All() {
		for dir := 0; dir < 2; dir++ {
			if out := e.finishDirection(conv, dir); out != nil {
				outs = append(outs, out)
			}
		}
	}
	return outs
}

func (e *Engine) finishDirection(conv *conversation.Conversation, dir int) *Output {
	flow := conv.Client
	if dir == 1 {
		flow = flow.Reverse()
	}
	seg := &core.Segment{Flow: flow, Timestamp: conv.Last, HeaderLen: core.TCPHeaderMinLen}
	out := &Output{
		Time:         conv.Last,
		Flow:         flow,
		Identity:     flow,
		Stream:       conv.Stream,
		Direction:    dir,
		EndOfCapture: true,
		Completeness: conv.Completeness,
	}
	p := &pass{seg: seg, out: out, conv: conv, dir: dir, entry: &journalEntry{}}
	d := conv.Dirs[dir]
	l := e.topLane(conv, dir)

	if chunks := d.Stream.Flush(); len(chunks) > 0 {
		out.annotate(core.SeverityWarning, core.GroupReassembly,
			"%d segments still held behind a gap at end of capture", len(chunks))
		e.run(p, l, chunks)
	}
	e.closeUntilEnd(p, l)

	for _, h := range l.reg.OpenHandles() {
		m, err := l.reg.Get(h)
		if err != nil {
			continue
		}
		out.annotate(core.SeverityWarning, core.GroupReassembly,
			"incomplete message at %d: %d of %d bytes", m.Seq, m.Stored(), m.Len())
		out.raw(m.Seq, m.Stored(), 0, RawIncomplete)
		_ = l.reg.Close(h, 0)
		l.reg.Release(h)
	}

	if len(out.Messages) == 0 && len(out.Annotations) == 0 && len(out.Raw) == 0 {
		return nil
	}
	if p.hasIdentity {
		out.Identity = p.identity
	}
	return out
}

// decoderFor returns the decoder bound to the conversation.
func (e *Engine) decoderFor(conv *conversation.Conversation) Decoder {
	if d, ok := e.decoders[conv.Stream]; ok {
		return d
	}
	var d Decoder
	if e.selector != nil {
		d = e.selector.Select(conv.Client)
	}
	e.decoders[conv.Stream] = d
	return d
}

func (e *Engine) topLane(conv *conversation.Conversation, dir int) *lane {
	d := conv.Dirs[dir]
	return &lane{stream: d.Stream, reg: d.Messages, dec: e.decoderFor(conv)}
}

func describeTag(t analysis.Tag, r *analysis.Result) string {
	switch t {
	case analysis.TagDuplicateAck:
		return fmt.Sprintf("Duplicate ACK (#%d) of packet %d", r.DupAckNum, r.DupAckRef)
	case analysis.TagRetransmission, analysis.TagFastRetransmission, analysis.TagSpuriousRetransmission:
		return fmt.Sprintf("%s, %s after packet %d", tagTitles[t], r.RetransmissionDelay, r.RetransmissionRef)
	default:
		return tagTitles[t]
	}
}

var tagTitles = map[analysis.Tag]string{
	analysis.TagReusedPorts:            "A new tcp session is started with the same ports as an earlier session",
	analysis.TagLostSegment:            "Previous segment(s) not captured",
	analysis.TagAckedUnseen:            "ACKed segment that wasn't captured",
	analysis.TagZeroWindowProbe:        "TCP Zero Window Probe",
	analysis.TagZeroWindowProbeAck:     "TCP Zero Window Probe ACK",
	analysis.TagZeroWindow:             "TCP Zero Window",
	analysis.TagWindowFull:             "TCP Window Full",
	analysis.TagWindowUpdate:           "TCP Window Update",
	analysis.TagKeepAlive:              "TCP Keep-Alive",
	analysis.TagKeepAliveAck:           "TCP Keep-Alive ACK",
	analysis.TagDuplicateAck:           "Duplicate ACK",
	analysis.TagSpuriousRetransmission: "Spurious retransmission",
	analysis.TagFastRetransmission:     "Fast retransmission",
	analysis.TagOutOfOrder:             "Out-of-order segment",
	analysis.TagRetransmission:         "Retransmission",
}

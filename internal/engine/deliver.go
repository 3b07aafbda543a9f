package engine

import (
	"errors"
	"fmt"
	"math"

	"firestige.xyz/segscope/internal/conversation"
	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/desegment"
	"firestige.xyz/segscope/internal/metrics"
)

// pass is the processing of one packet.
type pass struct {
	seg   *core.Segment
	out   *Output
	conv  *conversation.Conversation
	dir   int
	entry *journalEntry

	untrusted bool
	atEnd     bool

	identity    core.FlowKey
	hasIdentity bool
}

// lane is one ordered byte stream with its message registry and decoder.
// Depth 0 is the TCP payload; deeper lanes are streams nested inside it.
type lane struct {
	stream *desegment.Stream
	reg    *desegment.Registry
	dec    Decoder
	depth  int
}

type laneKey struct {
	stream  uint64
	dir     int
	depth   int
	channel uint32
}

// deliver hands one in-order chunk to the lane, appending to an open message
// where one covers the bytes and decoding directly otherwise.
func (e *Engine) deliver(p *pass, l *lane, c desegment.Chunk) []desegment.Chunk {
	var extra []desegment.Chunk
	seq, data := c.Seq, c.Data

	for len(data) > 0 {
		h, m, ok := l.reg.Lookup(seq)
		if !ok {
			n, more := e.decodeDirect(p, l, c.Packet, seq, data)
			extra = append(extra, more...)
			seq += uint32(n)
			data = data[n:]
			continue
		}

		take := len(data)
		if !m.UntilStreamEnd && !m.EntireNextSegment {
			if n := int(m.End - seq); n < take {
				take = n
			}
		}
		if err := l.reg.Append(h, seq, data[:take], c.Packet); errors.Is(err, core.ErrMessageTooLarge) {
			e.tooLarge(p, l, h, m, err)
			continue
		} else if err != nil {
			e.log.WithError(err).WithField("packet", p.seg.ID).Debug("append refused")
			p.out.raw(seq, take, l.depth, RawSegmentOfPDU)
		} else if l.reg.MaybeClose(h) {
			extra = append(extra, e.decodeMessage(p, l, h)...)
		} else {
			p.out.raw(seq, take, l.depth, RawSegmentOfPDU)
		}
		seq += uint32(take)
		data = data[take:]
	}
	return extra
}

// decodeDirect decodes bytes of a single segment and returns how many of
// them it settled.
func (e *Engine) decodeDirect(p *pass, l *lane, pkt core.PacketID, seq uint32, data []byte) (int, []desegment.Chunk) {
	if l.dec == nil {
		p.out.raw(seq, len(data), l.depth, RawNotDecoded)
		return len(data), nil
	}

	c := &call{dec: l.dec, seq: seq, data: data, first: pkt, packets: []core.PacketID{pkt}, depth: l.depth, msg: -1}
	v := e.invoke(p, l, c)
	k := v.Consumed

	if v.Err != nil {
		e.decodeFailed(p, l, c, v)
		return len(data), nil
	}
	if v.Need == NeedNone {
		if k == 0 {
			p.out.raw(seq, len(data), l.depth, RawNotDecoded)
			return len(data), nil
		}
		e.emit(p, l, c, v, k)
		return k, nil
	}

	if k > 0 {
		e.emit(p, l, c, v, k)
	}
	start := seq + uint32(k)
	rest := data[k:]
	if !e.opts.Desegment || p.atEnd {
		p.out.raw(start, len(rest), l.depth, RawDesegmentDisabled)
		return len(data), nil
	}

	h := l.reg.Create(start, start+uint32(len(rest)), pkt)
	if err := l.reg.Append(h, start, rest, pkt); err != nil {
		p.out.raw(start, len(rest), l.depth, RawNotDecoded)
		return len(data), nil
	}
	more, ok := e.applyNeed(p, l, h, v, len(rest))
	if ok {
		p.out.raw(start, len(rest), l.depth, RawSegmentOfPDU)
	}
	return len(data), more
}

// decodeMessage decodes a complete multi-segment message. A partial
// consumption splits the message and decoding continues with the remainder.
func (e *Engine) decodeMessage(p *pass, l *lane, h desegment.Handle) []desegment.Chunk {
	for {
		m, err := l.reg.Get(h)
		if err != nil {
			return nil
		}
		buf, err := l.reg.Bytes(h)
		if err != nil || len(buf) == 0 {
			e.release(p, l, h)
			return nil
		}
		c := &call{
			dec: l.dec, seq: m.Seq, data: buf, reassembled: true,
			first: m.FirstPacket, packets: m.Packets(), depth: l.depth, msg: -1,
		}
		v := e.invoke(p, l, c)
		metrics.ReassembledMessageBytes.WithLabelValues(l.dec.Name()).Observe(float64(len(buf)))
		k := v.Consumed

		if v.Err != nil {
			e.decodeFailed(p, l, c, v)
			e.release(p, l, h)
			return nil
		}

		if v.Need == NeedNone || p.atEnd {
			if k == 0 {
				if v.Need != NeedNone {
					p.out.annotate(core.SeverityWarning, core.GroupReassembly,
						"incomplete message at %d: stream ended after %d bytes", m.Seq, len(buf))
					p.out.raw(m.Seq, len(buf), l.depth, RawIncomplete)
				} else {
					p.out.annotate(core.SeverityNote, core.GroupReassembly,
						"%s did not consume the reassembled message at %d", l.dec.Name(), m.Seq)
					p.out.raw(m.Seq, len(buf), l.depth, RawNotDecoded)
				}
				e.release(p, l, h)
				return nil
			}
			if k >= len(buf) {
				e.emit(p, l, c, v, len(buf))
				e.release(p, l, h)
				return nil
			}
			child, err := l.reg.Split(h, uint32(k))
			e.emit(p, l, c, v, k)
			e.release(p, l, h)
			if err != nil {
				return nil
			}
			h = child
			if p.atEnd {
				_ = l.reg.Finalize(h)
				continue
			}
			if !l.reg.MaybeClose(h) {
				return nil
			}
			continue
		}

		target := h
		if k > 0 {
			child, err := l.reg.Split(h, uint32(k))
			e.emit(p, l, c, v, k)
			e.release(p, l, h)
			if err != nil {
				return nil
			}
			target = child
		}
		more, _ := e.applyNeed(p, l, target, v, len(buf)-k)
		return more
	}
}

// applyNeed records what the message at h still requires. have is the
// number of its bytes already present. It reports false when the message was
// dropped for exceeding the size bound.
func (e *Engine) applyNeed(p *pass, l *lane, h desegment.Handle, v Verdict, have int) ([]desegment.Chunk, bool) {
	m, err := l.reg.Get(h)
	if err != nil {
		return nil, false
	}
	switch v.Need {
	case NeedBytes:
		if v.More <= 0 {
			_ = l.reg.ExpectNextSegment(h)
			return nil, true
		}
		end := m.Seq + uint32(have) + uint32(v.More)
		if err := l.reg.Extend(h, end); err != nil {
			e.tooLarge(p, l, h, m, err)
			return nil, false
		}
	case NeedOneMoreSegment:
		_ = l.reg.ExpectNextSegment(h)
	case NeedUntilStreamEnd:
		_ = l.reg.ExpectUntilEnd(h)
		if !l.stream.UntilEnd() {
			return l.stream.EnterUntilEnd(), true
		}
	}
	return nil, true
}

// tooLarge drops a message that outgrew the registry bound; its stored bytes
// stay undecoded.
func (e *Engine) tooLarge(p *pass, l *lane, h desegment.Handle, m *desegment.Message, err error) {
	p.out.annotate(core.SeverityWarning, core.GroupReassembly, "message at %d dropped: %v", m.Seq, err)
	p.out.raw(m.Seq, m.Stored(), l.depth, RawTooLarge)
	e.log.WithError(err).WithField("packet", p.seg.ID).WithField("seq", m.Seq).Warn("message dropped")
	e.release(p, l, h)
}

// closeUntilEnd decodes every message of the lane that waited for the end of
// the stream.
func (e *Engine) closeUntilEnd(p *pass, l *lane) {
	p.atEnd = true
	defer func() { p.atEnd = false }()

	for _, h := range l.reg.OpenHandles() {
		m, err := l.reg.Get(h)
		if err != nil || !m.UntilStreamEnd {
			continue
		}
		if err := l.reg.Finalize(h); err != nil {
			continue
		}
		e.decodeMessage(p, l, h)
	}
}

func (e *Engine) release(p *pass, l *lane, h desegment.Handle) {
	_ = l.reg.Close(h, p.seg.ID)
	l.reg.Release(h)
}

func (e *Engine) decodeFailed(p *pass, l *lane, c *call, v Verdict) {
	k := v.Consumed
	if k > 0 {
		e.emit(p, l, c, v, k)
	}
	p.out.annotate(core.SeverityError, core.GroupProtocol, "%s: %v", l.dec.Name(), v.Err)
	p.out.raw(c.seq+uint32(k), len(c.data)-k, l.depth, RawDecoderError)
	e.log.WithError(v.Err).WithField("packet", p.seg.ID).WithField("decoder", l.dec.Name()).
		Warn("decoder error")
}

// invoke runs the decoder with a fresh context. Identity changes made by the
// decoder never leak into the next call; the last one of a successful call
// is reported for the packet.
func (e *Engine) invoke(p *pass, l *lane, c *call) Verdict {
	ctx := e.newContext(p, c)
	ctx.nested = func(channel uint32, data []byte, dec Decoder) ([]Message, error) {
		msgs, err := e.reassembleNested(p, l, channel, data, dec)
		c.nested = append(c.nested, nestedResult{msgs: cloneMessages(msgs), err: err})
		return msgs, err
	}
	v := safeDecode(c.dec, ctx, c.data)

	if v.Err == nil && ctx.identity != ctx.flow {
		p.identity = ctx.identity
		p.hasIdentity = true
	}

	result := "consumed"
	switch {
	case v.Err != nil:
		result = "error"
	case v.Need != NeedNone:
		result = "need_more"
	}
	metrics.DecodedMessagesTotal.WithLabelValues(c.dec.Name(), result).Inc()

	c.atEnd = p.atEnd
	p.entry.calls = append(p.entry.calls, c)
	return v
}

func (e *Engine) newContext(p *pass, c *call) *DecodeContext {
	ctx := &DecodeContext{
		Packet:      p.seg.ID,
		Time:        p.seg.Timestamp,
		Direction:   p.dir,
		Depth:       c.depth,
		Seq:         c.seq,
		Reassembled: c.reassembled,
		AtStreamEnd: p.atEnd,
		flow:        p.seg.Flow,
		identity:    p.seg.Flow,
	}
	if p.conv != nil {
		ctx.Stream = p.conv.Stream
	}
	return ctx
}

// safeDecode runs dec and clamps its verdict; a panicking decoder becomes a
// decoder error.
func safeDecode(dec Decoder, ctx *DecodeContext, data []byte) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = Failed(0, fmt.Errorf("decoder panic: %v", r))
		}
	}()
	v = dec.Decode(ctx, data)
	if v.Consumed < 0 {
		v.Consumed = 0
	}
	if v.Consumed > len(data) {
		v.Consumed = len(data)
	}
	// The whole message must fit in half the sequence space.
	if v.Err == nil && v.Need == NeedBytes && int64(v.More) > math.MaxInt32-int64(len(data)) {
		v = Failed(v.Consumed, fmt.Errorf("need %d more bytes: %w", v.More, core.ErrMessageTooLarge))
	}
	return v
}

func (e *Engine) emit(p *pass, l *lane, c *call, v Verdict, n int) {
	p.out.Messages = append(p.out.Messages, Message{
		Decoder:     c.dec.Name(),
		Seq:         c.seq,
		Len:         n,
		Depth:       l.depth,
		Reassembled: c.reassembled,
		FirstPacket: c.first,
		Packets:     append([]core.PacketID(nil), c.packets...),
		Summary:     v.Summary,
		Labels:      cloneLabels(v.Labels),
	})
	c.msg = len(p.out.Messages) - 1
}

// reassembleNested feeds bytes into a stream nested one level below l.
func (e *Engine) reassembleNested(p *pass, parent *lane, channel uint32, data []byte, dec Decoder) ([]Message, error) {
	depth := parent.depth + 1
	if depth > e.opts.MaxDepth || p.conv == nil {
		p.out.annotate(core.SeverityWarning, core.GroupReassembly,
			"nested stream depth %d exceeds limit %d", depth, e.opts.MaxDepth)
		p.out.raw(0, len(data), depth, RawRecursionLimit)
		e.log.WithField("packet", p.seg.ID).WithField("depth", depth).Warn("decoder recursion limit reached")
		return nil, core.ErrRecursionLimit
	}

	key := laneKey{stream: p.conv.Stream, dir: p.dir, depth: depth, channel: channel}
	l, ok := e.nested[key]
	if !ok {
		l = &lane{
			stream: desegment.NewStream(e.opts.Stream),
			reg:    desegment.NewRegistry(),
			depth:  depth,
		}
		l.stream.Start(0)
		e.nested[key] = l
	}
	l.dec = dec
	if len(data) == 0 {
		return nil, nil
	}

	before := len(p.out.Messages)
	seq, _ := l.stream.Next()
	chunk := desegment.Chunk{Seq: seq, Data: data, Packet: p.seg.ID, Time: p.seg.Timestamp}
	e.run(p, l, l.stream.Accept(chunk).Chunks)
	return p.out.Messages[before:len(p.out.Messages):len(p.out.Messages)], nil
}

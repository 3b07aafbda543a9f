package engine

import (
	"firestige.xyz/segscope/internal/core"
)

// nestedResult is what one DecodeContext.Reassemble call returned.
type nestedResult struct {
	msgs []Message
	err  error
}

// call is one decoder invocation made while processing a packet.
type call struct {
	dec         Decoder
	seq         uint32
	data        []byte
	reassembled bool
	atEnd       bool
	first       core.PacketID
	packets     []core.PacketID
	depth       int

	msg    int // index of the message it produced, -1 if none
	nested []nestedResult
}

// journalEntry is the recorded first pass over a packet.
type journalEntry struct {
	out   *Output
	calls []*call
}

// replay rebuilds the output of an already processed packet. Decoders are
// invoked again on the recorded bytes; flow state, stream buffers and message
// registries are left untouched.
func (e *Engine) replay(ent *journalEntry) *Output {
	out := ent.out.clone()
	for _, c := range ent.calls {
		cursor := 0
		ctx := &DecodeContext{
			Packet:      out.Packet,
			Time:        out.Time,
			Stream:      out.Stream,
			Direction:   out.Direction,
			Depth:       c.depth,
			Seq:         c.seq,
			Reassembled: c.reassembled,
			AtStreamEnd: c.atEnd,
			flow:        out.Flow,
			identity:    out.Flow,
		}
		ctx.nested = func(uint32, []byte, Decoder) ([]Message, error) {
			if cursor >= len(c.nested) {
				return nil, core.ErrRecursionLimit
			}
			r := c.nested[cursor]
			cursor++
			return cloneMessages(r.msgs), r.err
		}

		v := safeDecode(c.dec, ctx, c.data)
		if c.msg >= 0 && c.msg < len(out.Messages) {
			out.Messages[c.msg].Summary = v.Summary
			out.Messages[c.msg].Labels = cloneLabels(v.Labels)
		}
	}
	return out
}

// Replayed reports whether id has already been processed.
func (e *Engine) Replayed(id core.PacketID) bool {
	_, ok := e.journal[id]
	return ok
}

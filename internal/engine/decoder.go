package engine

import (
	"time"

	"firestige.xyz/segscope/internal/core"
)

// Need says what a decoder requires to finish the message it started.
type Need int

const (
	NeedNone           Need = iota
	NeedBytes               // Verdict.More additional bytes
	NeedOneMoreSegment      // the whole next segment, length unknown
	NeedUntilStreamEnd      // everything until the direction ends
)

func (n Need) String() string {
	switch n {
	case NeedNone:
		return "none"
	case NeedBytes:
		return "bytes"
	case NeedOneMoreSegment:
		return "one_more_segment"
	case NeedUntilStreamEnd:
		return "until_stream_end"
	default:
		return "unknown"
	}
}

// Verdict is the result of one Decode call.
//
// Consumed bytes from the start of data form one decoded message described by
// Summary and Labels. With Need set, the bytes after Consumed start a message
// that is incomplete. With Err set, the bytes after Consumed are undecodable.
type Verdict struct {
	Consumed int
	Need     Need
	More     int
	Err      error

	Summary string
	Labels  core.Labels
}

// Consumed returns a verdict for a message of n bytes.
func Consumed(n int, summary string, labels core.Labels) Verdict {
	return Verdict{Consumed: n, Summary: summary, Labels: labels}
}

// NeedMore returns a verdict asking for more bytes after a decoded prefix of k bytes.
func NeedMore(k, more int) Verdict {
	return Verdict{Consumed: k, Need: NeedBytes, More: more}
}

// Failed returns a verdict for undecodable bytes after a decoded prefix of k bytes.
func Failed(k int, err error) Verdict {
	return Verdict{Consumed: k, Err: err}
}

// Decoder decodes the application payload of a stream direction.
type Decoder interface {
	Name() string
	Decode(ctx *DecodeContext, data []byte) Verdict
}

// Selector chooses the decoder for a new conversation from its client flow.
type Selector interface {
	Select(flow core.FlowKey) Decoder
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(flow core.FlowKey) Decoder

func (f SelectorFunc) Select(flow core.FlowKey) Decoder { return f(flow) }

// DecodeContext describes the bytes handed to a decoder.
type DecodeContext struct {
	Packet    core.PacketID
	Time      time.Time
	Stream    uint64
	Direction int
	Depth     int

	// Seq is the stream sequence number of the first byte.
	Seq uint32
	// Reassembled is set when the bytes were gathered from several segments.
	Reassembled bool
	// AtStreamEnd is set when no more bytes will follow in this direction.
	AtStreamEnd bool

	flow     core.FlowKey
	identity core.FlowKey
	nested   func(channel uint32, data []byte, dec Decoder) ([]Message, error)
}

// Flow returns the transport flow the bytes travelled on.
func (c *DecodeContext) Flow() core.FlowKey { return c.flow }

// Identity returns the logical source and destination currently in effect.
func (c *DecodeContext) Identity() core.FlowKey { return c.identity }

// SetIdentity declares a new logical source and destination for the bytes,
// as tunnelling protocols do.
func (c *DecodeContext) SetIdentity(k core.FlowKey) { c.identity = k }

// Reassemble appends data to the nested stream identified by channel, one
// level below the current one, and decodes it with dec. Nested streams carry
// their own sequence space starting at zero. It returns the messages produced
// by this call.
func (c *DecodeContext) Reassemble(channel uint32, data []byte, dec Decoder) ([]Message, error) {
	if c.nested == nil {
		return nil, core.ErrRecursionLimit
	}
	return c.nested(channel, data, dec)
}

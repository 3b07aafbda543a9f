package desegment

import (
	"container/list"
	"time"

	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/metrics"
)

// Default out-of-order buffer limits.
const (
	DefaultMaxBufferedSegments = 1024
	DefaultMaxBufferedBytes    = 4 << 20
)

// Chunk is a run of stream bytes contributed by one packet.
type Chunk struct {
	Seq    uint32
	Data   []byte
	Packet core.PacketID
	Time   time.Time
	// Untrusted marks bytes whose checksum could not be verified. They keep
	// their place in the stream but are never reassembled.
	Untrusted bool
}

// End returns the sequence number following the chunk.
func (c Chunk) End() uint32 { return c.Seq + uint32(len(c.Data)) }

// Outcome classifies what the stream did with a chunk.
type Outcome int

const (
	// OutcomeOld means every byte precedes the stream boundary.
	OutcomeOld Outcome = iota
	// OutcomeBuffered means the chunk is held behind a gap.
	OutcomeBuffered
	// OutcomeDelivered means the boundary advanced and Chunks are in order.
	OutcomeDelivered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOld:
		return "old"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// MergeResult is the result of Stream.Accept.
type MergeResult struct {
	Outcome Outcome
	// Chunks are the bytes now in order, the accepted chunk first followed by
	// anything drained from the buffer.
	Chunks []Chunk
	// OldBytes counts leading bytes that had already been delivered.
	OldBytes int
	// Skipped is the number of missing bytes jumped over after an overflow.
	Skipped uint32
	// Overflow is set when the buffer hit its limits on this chunk.
	Overflow bool
}

// StreamConfig bounds the out-of-order buffer.
type StreamConfig struct {
	MaxSegments int
	MaxBytes    int
}

// Stream tracks the contiguous delivery boundary of one direction and holds
// segments that arrive beyond it, sorted by (sequence, arrival).
type Stream struct {
	cfg StreamConfig

	next    uint32
	hasNext bool

	untilEnd bool
	// anchor is the boundary when until-end mode began; bytes before it were
	// delivered in order and stay old.
	anchor   uint32
	degraded bool

	buf      list.List // of Chunk
	bufBytes int
}

// NewStream returns an empty stream.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = DefaultMaxBufferedSegments
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBufferedBytes
	}
	return &Stream{cfg: cfg}
}

// Start anchors the boundary at seq if none is known yet.
func (s *Stream) Start(seq uint32) {
	if !s.hasNext {
		s.next = seq
		s.hasNext = true
	}
}

// Next returns the boundary: the first sequence number not yet delivered.
func (s *Stream) Next() (uint32, bool) { return s.next, s.hasNext }

// Degraded reports whether the buffer ever overflowed.
func (s *Stream) Degraded() bool { return s.degraded }

// UntilEnd reports whether gap detection is bypassed.
func (s *Stream) UntilEnd() bool { return s.untilEnd }

// Buffered returns the number of held chunks.
func (s *Stream) Buffered() int { return s.buf.Len() }

// Accept merges c into the stream.
func (s *Stream) Accept(c Chunk) MergeResult {
	if len(c.Data) == 0 {
		return MergeResult{Outcome: OutcomeOld}
	}
	if !s.hasNext {
		s.next = c.Seq
		s.hasNext = true
	}

	if s.untilEnd {
		return s.acceptUntilEnd(c)
	}

	if core.SeqLE(c.End(), s.next) {
		return MergeResult{Outcome: OutcomeOld, OldBytes: len(c.Data)}
	}

	if core.SeqGT(c.Seq, s.next) {
		s.insert(c)
		if s.buf.Len() <= s.cfg.MaxSegments && s.bufBytes <= s.cfg.MaxBytes {
			return MergeResult{Outcome: OutcomeBuffered}
		}
		// Best effort: give up on the gap and resume at the earliest held byte.
		s.degraded = true
		metrics.BufferOverflows.Inc()
		head := s.buf.Front().Value.(Chunk)
		res := MergeResult{Outcome: OutcomeDelivered, Overflow: true, Skipped: head.Seq - s.next}
		s.next = head.Seq
		res.Chunks = s.drain(nil)
		return res
	}

	res := MergeResult{Outcome: OutcomeDelivered}
	if core.SeqLT(c.Seq, s.next) {
		cut := s.next - c.Seq
		res.OldBytes = int(cut)
		c.Data = c.Data[cut:]
		c.Seq = s.next
	}
	s.next = c.End()
	res.Chunks = s.drain([]Chunk{c})
	return res
}

func (s *Stream) acceptUntilEnd(c Chunk) MergeResult {
	if core.SeqLE(c.End(), s.anchor) {
		return MergeResult{Outcome: OutcomeOld, OldBytes: len(c.Data)}
	}
	res := MergeResult{Outcome: OutcomeDelivered}
	if core.SeqLT(c.Seq, s.anchor) {
		cut := s.anchor - c.Seq
		res.OldBytes = int(cut)
		c.Data = c.Data[cut:]
		c.Seq = s.anchor
	}
	res.Chunks = []Chunk{c}
	if core.SeqGT(c.End(), s.next) {
		s.next = c.End()
	}
	return res
}

// EnterUntilEnd disables gap detection for the rest of the stream's life and
// returns whatever was held in the buffer, in sequence order. Bytes before the
// current boundary are still reported as old.
func (s *Stream) EnterUntilEnd() []Chunk {
	s.untilEnd = true
	s.anchor = s.next
	return s.Flush()
}

// Flush empties the buffer, skipping over gaps, and returns the held chunks
// with already delivered prefixes trimmed.
func (s *Stream) Flush() []Chunk {
	var out []Chunk
	for s.buf.Len() > 0 {
		head := s.buf.Front().Value.(Chunk)
		if core.SeqGT(head.Seq, s.next) {
			s.next = head.Seq
		}
		out = s.drain(out)
	}
	return out
}

// insert places c after every held chunk with a sequence <= c.Seq.
func (s *Stream) insert(c Chunk) {
	data := make([]byte, len(c.Data))
	copy(data, c.Data)
	c.Data = data

	var at *list.Element
	for e := s.buf.Back(); e != nil; e = e.Prev() {
		if core.SeqLE(e.Value.(Chunk).Seq, c.Seq) {
			at = e
			break
		}
	}
	if at != nil {
		s.buf.InsertAfter(c, at)
	} else {
		s.buf.PushFront(c)
	}
	s.bufBytes += len(c.Data)
	metrics.OutOfOrderBuffered.Inc()
}

// drain moves held chunks that are now contiguous onto out.
func (s *Stream) drain(out []Chunk) []Chunk {
	for e := s.buf.Front(); e != nil; e = s.buf.Front() {
		c := e.Value.(Chunk)
		if core.SeqGT(c.Seq, s.next) {
			break
		}
		s.buf.Remove(e)
		s.bufBytes -= len(c.Data)
		metrics.OutOfOrderBuffered.Dec()

		if core.SeqLE(c.End(), s.next) {
			continue
		}
		if core.SeqLT(c.Seq, s.next) {
			c.Data = c.Data[s.next-c.Seq:]
			c.Seq = s.next
		}
		s.next = c.End()
		out = append(out, c)
	}
	return out
}

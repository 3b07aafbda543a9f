package desegment

import (
	"fmt"
	"sort"

	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/metrics"
)

// State is the lifecycle stage of a multi-segment message.
type State int

const (
	StateOpen    State = iota // accepting bytes
	StateClosing              // complete, being decoded
	StateClosed               // decoded; kept only for reference
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handle addresses a message in a Registry. A handle whose slot has been
// reused no longer resolves.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether h was ever issued.
func (h Handle) Valid() bool { return h.gen != 0 }

func (h Handle) String() string { return fmt.Sprintf("msp#%d.%d", h.index, h.gen) }

// Message is a higher-layer PDU that spans several segments.
type Message struct {
	Seq uint32
	// End is exclusive. With UntilStreamEnd it only tracks the highest byte seen.
	End uint32

	State State

	// EntireNextSegment extends the message over the whole next segment.
	EntireNextSegment bool
	// UntilStreamEnd keeps the message open until the stream finishes.
	UntilStreamEnd bool

	FirstPacket   core.PacketID
	ReassembledIn core.PacketID

	chunks chunkStore
	child  Handle
}

// Len returns the expected message length.
func (m *Message) Len() uint32 { return m.End - m.Seq }

// Contains reports whether seq falls inside the message.
func (m *Message) Contains(seq uint32) bool {
	if !core.SeqGE(seq, m.Seq) {
		return false
	}
	return m.UntilStreamEnd || core.SeqLT(seq, m.End)
}

// Complete reports whether every byte of [Seq, End) is present.
func (m *Message) Complete() bool {
	if m.UntilStreamEnd || m.EntireNextSegment {
		return false
	}
	return m.chunks.contiguous() >= m.Len()
}

// Packets returns the distinct packets that contributed bytes.
func (m *Message) Packets() []core.PacketID { return m.chunks.packets() }

type slot struct {
	gen uint32
	msg *Message
}

// DefaultMaxMessageBytes bounds the length of one message.
const DefaultMaxMessageBytes = 16 << 20

// Registry owns the messages of one direction of a stream.
type Registry struct {
	slots    []slot
	free     []uint32
	open     []Handle // not closed, ascending Seq
	maxBytes uint32
}

// NewRegistry returns an empty registry bounding messages to
// DefaultMaxMessageBytes.
func NewRegistry() *Registry {
	return &Registry{maxBytes: DefaultMaxMessageBytes}
}

// SetMaxBytes changes the message size bound; n <= 0 restores the default.
func (r *Registry) SetMaxBytes(n int) {
	if n <= 0 {
		n = DefaultMaxMessageBytes
	}
	r.maxBytes = uint32(n)
}

// Get resolves h.
func (r *Registry) Get(h Handle) (*Message, error) {
	if !h.Valid() || int(h.index) >= len(r.slots) {
		return nil, core.ErrMessageNotFound
	}
	s := r.slots[h.index]
	if s.gen != h.gen || s.msg == nil {
		return nil, core.ErrStaleHandle
	}
	return s.msg, nil
}

// Lookup returns the most recent unclosed message containing seq.
func (r *Registry) Lookup(seq uint32) (Handle, *Message, bool) {
	for i := len(r.open) - 1; i >= 0; i-- {
		h := r.open[i]
		m := r.slots[h.index].msg
		if m.Contains(seq) {
			return h, m, true
		}
	}
	return Handle{}, nil, false
}

// Create opens a message covering [seq, end) first seen in pkt.
func (r *Registry) Create(seq, end uint32, pkt core.PacketID) Handle {
	m := &Message{Seq: seq, End: end, FirstPacket: pkt}
	h := r.alloc(m)
	r.index(h)
	metrics.MessagesOpen.Inc()
	return h
}

// LookupOrCreate returns the message containing seq, opening one over
// [seq, end) when none exists.
func (r *Registry) LookupOrCreate(seq, end uint32, pkt core.PacketID) (Handle, *Message) {
	if h, m, ok := r.Lookup(seq); ok {
		return h, m
	}
	h := r.Create(seq, end, pkt)
	return h, r.slots[h.index].msg
}

// Append stores data at seq. Gaps inside the message are tolerated; bytes
// outside it are ignored unless the message grows over the next segment or
// until stream end.
func (r *Registry) Append(h Handle, seq uint32, data []byte, pkt core.PacketID) error {
	m, err := r.Get(h)
	if err != nil {
		return err
	}
	if m.State != StateOpen {
		return fmt.Errorf("append to %s: %w", h, core.ErrMessageClosed)
	}
	if core.SeqLT(seq, m.Seq) {
		cut := m.Seq - seq
		if cut >= uint32(len(data)) {
			return nil
		}
		data = data[cut:]
		seq = m.Seq
	}
	end := seq + uint32(len(data))
	if (m.UntilStreamEnd || m.EntireNextSegment) && end-m.Seq > r.maxBytes {
		return fmt.Errorf("append to %s: %w", h, core.ErrMessageTooLarge)
	}

	switch {
	case m.EntireNextSegment:
		m.EntireNextSegment = false
		m.End = end
	case m.UntilStreamEnd:
		if core.SeqGT(end, m.End) {
			m.End = end
		}
	case core.SeqGT(end, m.End):
		data = data[:m.End-seq]
	}
	if len(data) == 0 {
		return nil
	}
	m.chunks.insert(seq-m.Seq, data, pkt)
	return nil
}

// MaybeClose moves a complete open message to closing.
func (r *Registry) MaybeClose(h Handle) bool {
	m, err := r.Get(h)
	if err != nil || m.State != StateOpen || !m.Complete() {
		return false
	}
	m.State = StateClosing
	return true
}

// Bytes returns the contiguous bytes of the message from its start.
func (r *Registry) Bytes(h Handle) ([]byte, error) {
	m, err := r.Get(h)
	if err != nil {
		return nil, err
	}
	n := m.chunks.contiguous()
	if !m.UntilStreamEnd && n > m.Len() {
		n = m.Len()
	}
	return m.chunks.prefix(n), nil
}

// Close marks the message decoded in pkt and drops it from the open index.
func (r *Registry) Close(h Handle, pkt core.PacketID) error {
	m, err := r.Get(h)
	if err != nil {
		return err
	}
	if m.State == StateClosed {
		return nil
	}
	m.State = StateClosed
	m.ReassembledIn = pkt
	r.unindex(h)
	metrics.MessagesOpen.Dec()
	metrics.MessagesReassembled.Inc()
	return nil
}

// Split cuts the message at offset: the message keeps [Seq, Seq+offset) and a
// new open message receives the remaining bytes and end. Splitting again at
// the same offset returns the same second message.
func (r *Registry) Split(h Handle, offset uint32) (Handle, error) {
	m, err := r.Get(h)
	if err != nil {
		return Handle{}, err
	}
	at := m.Seq + offset
	if m.child.Valid() {
		if c, err := r.Get(m.child); err == nil && c.Seq == at {
			return m.child, nil
		}
	}
	if offset == 0 || (!m.UntilStreamEnd && offset >= m.Len()) {
		return Handle{}, fmt.Errorf("split %s at %d outside (0,%d)", h, offset, m.Len())
	}

	first, ok := m.chunks.packetAt(offset)
	if !ok {
		first = m.FirstPacket
	}
	child := &Message{
		Seq:            at,
		End:            m.End,
		UntilStreamEnd: m.UntilStreamEnd,
		FirstPacket:    first,
	}
	tail := m.chunks.splitAt(offset)
	child.chunks.pieces.PushBackList(&tail.pieces)
	child.chunks.bytes = tail.bytes

	m.End = at
	m.UntilStreamEnd = false

	ch := r.alloc(child)
	m.child = ch
	if m.State != StateClosed {
		r.index(ch)
		metrics.MessagesOpen.Inc()
	}
	return ch, nil
}

// Extend grows the message end to end and reopens a closing message.
func (r *Registry) Extend(h Handle, end uint32) error {
	m, err := r.Get(h)
	if err != nil {
		return err
	}
	if m.State == StateClosed {
		return fmt.Errorf("extend %s: %w", h, core.ErrMessageClosed)
	}
	if core.SeqGT(end, m.Seq+r.maxBytes) {
		return fmt.Errorf("extend %s to %d bytes: %w", h, end-m.Seq, core.ErrMessageTooLarge)
	}
	if core.SeqGT(end, m.End) {
		m.End = end
	}
	m.State = StateOpen
	return nil
}

// ExpectNextSegment extends the message over the entire next segment.
func (r *Registry) ExpectNextSegment(h Handle) error {
	m, err := r.Get(h)
	if err != nil {
		return err
	}
	if m.State == StateClosed {
		return fmt.Errorf("extend %s: %w", h, core.ErrMessageClosed)
	}
	m.State = StateOpen
	m.EntireNextSegment = true
	m.End = m.Seq + m.chunks.contiguous() + 1
	return nil
}

// ExpectUntilEnd keeps the message open until the stream ends.
func (r *Registry) ExpectUntilEnd(h Handle) error {
	m, err := r.Get(h)
	if err != nil {
		return err
	}
	if m.State == StateClosed {
		return fmt.Errorf("extend %s: %w", h, core.ErrMessageClosed)
	}
	m.State = StateOpen
	m.UntilStreamEnd = true
	return nil
}

// OpenHandles returns the unclosed messages in ascending start order.
func (r *Registry) OpenHandles() []Handle {
	out := make([]Handle, len(r.open))
	copy(out, r.open)
	return out
}

// Release frees a closed message slot. Its handle becomes stale.
func (r *Registry) Release(h Handle) {
	m, err := r.Get(h)
	if err != nil || m.State != StateClosed {
		return
	}
	r.slots[h.index].msg = nil
	r.free = append(r.free, h.index)
}

// Len returns the number of live messages.
func (r *Registry) Len() int { return len(r.slots) - len(r.free) }

func (r *Registry) alloc(m *Message) Handle {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		s := &r.slots[idx]
		s.gen++
		s.msg = m
		return Handle{index: idx, gen: s.gen}
	}
	r.slots = append(r.slots, slot{gen: 1, msg: m})
	return Handle{index: uint32(len(r.slots) - 1), gen: 1}
}

func (r *Registry) index(h Handle) {
	seq := r.slots[h.index].msg.Seq
	i := sort.Search(len(r.open), func(i int) bool {
		return core.SeqGT(r.slots[r.open[i].index].msg.Seq, seq)
	})
	r.open = append(r.open, Handle{})
	copy(r.open[i+1:], r.open[i:])
	r.open[i] = h
}

func (r *Registry) unindex(h Handle) {
	for i, o := range r.open {
		if o == h {
			r.open = append(r.open[:i], r.open[i+1:]...)
			return
		}
	}
}

// Finalize ends a message that was waiting for the stream end: its end is
// fixed at the bytes received so far and it moves to closing.
func (r *Registry) Finalize(h Handle) error {
	m, err := r.Get(h)
	if err != nil {
		return err
	}
	if m.State == StateClosed {
		return fmt.Errorf("finalize %s: %w", h, core.ErrMessageClosed)
	}
	m.UntilStreamEnd = false
	m.EntireNextSegment = false
	m.End = m.Seq + m.chunks.contiguous()
	m.State = StateClosing
	return nil
}

// Stored returns the number of bytes held, gaps excluded.
func (m *Message) Stored() int { return m.chunks.bytes }

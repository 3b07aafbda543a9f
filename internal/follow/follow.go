// Package follow records the reassembled byte stream of conversations, in
// the order the bytes were delivered to decoders.
package follow

import (
	"sort"
	"sync"
	"time"

	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/desegment"
)

// Chunk is one contiguous run of delivered bytes.
type Chunk struct {
	// Peer is 0 for the first sender of the conversation, 1 for the other side.
	Peer   int           `json:"peer"`
	Packet core.PacketID `json:"packet"`
	Time   time.Time     `json:"time"`
	Seq    uint32        `json:"seq"`
	Data   []byte        `json:"data"`
}

// Stream is the delivered data of one conversation.
type Stream struct {
	Index  uint64           `json:"stream"`
	Nodes  [2]core.Endpoint `json:"-"`
	Chunks []Chunk          `json:"chunks"`
	Bytes  [2]uint64        `json:"bytes"`
}

// Store collects delivered chunks. It implements engine.Observer.
type Store struct {
	mu      sync.Mutex
	only    map[uint64]struct{}
	streams map[uint64]*Stream
}

// NewStore returns a store that keeps the given streams, or every stream
// when none are given.
func NewStore(streams ...uint64) *Store {
	s := &Store{streams: make(map[uint64]*Stream)}
	if len(streams) > 0 {
		s.only = make(map[uint64]struct{}, len(streams))
		for _, i := range streams {
			s.only[i] = struct{}{}
		}
	}
	return s
}

func (s *Store) wants(stream uint64) bool {
	if s.only == nil {
		return true
	}
	_, ok := s.only[stream]
	return ok
}

// Delivered records c as sent by peer dir of the stream.
func (s *Store) Delivered(stream uint64, dir int, c desegment.Chunk) {
	if len(c.Data) == 0 || !s.wants(stream) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[stream]
	if !ok {
		st = &Stream{Index: stream}
		s.streams[stream] = st
	}
	st.Chunks = append(st.Chunks, Chunk{
		Peer:   dir,
		Packet: c.Packet,
		Time:   c.Time,
		Seq:    c.Seq,
		Data:   append([]byte(nil), c.Data...),
	})
	st.Bytes[dir&1] += uint64(len(c.Data))
}

// SetNodes records the endpoints of a stream's peers for display. The
// stream is created if no bytes were delivered on it.
func (s *Store) SetNodes(stream uint64, client core.FlowKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[stream]
	if !ok {
		st = &Stream{Index: stream}
		s.streams[stream] = st
	}
	st.Nodes = [2]core.Endpoint{client.Src, client.Dst}
}

// Stream returns the recorded data of one stream.
func (s *Store) Stream(index uint64) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[index]
	return st, ok
}

// Streams returns the indices of the recorded streams in ascending order.
func (s *Store) Streams() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.streams))
	for i := range s.streams {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

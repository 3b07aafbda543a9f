// Package desegment implements per-direction stream ordering and the
// multi-segment message registry used to reassemble higher-layer PDUs.
package desegment

import (
	"container/list"

	"firestige.xyz/segscope/internal/core"
)

// piece is a run of message bytes at an offset relative to the message start.
type piece struct {
	off    uint32
	data   []byte
	packet core.PacketID
}

func (p *piece) end() uint32 { return p.off + uint32(len(p.data)) }

// chunkStore keeps message bytes sorted by offset and tolerates gaps. On
// overlap the bytes already stored win and only the uncovered parts of new
// data are kept.
type chunkStore struct {
	pieces list.List // of *piece, ascending off, non-overlapping
	bytes  int
}

// insert stores data at off and returns the number of new bytes kept.
func (s *chunkStore) insert(off uint32, data []byte, pkt core.PacketID) int {
	start, end := off, off+uint32(len(data))
	added := 0

	e := s.pieces.Front()
	for start < end {
		// Skip pieces entirely before start.
		for e != nil && e.Value.(*piece).end() <= start {
			e = e.Next()
		}

		gapEnd := end
		if e != nil {
			p := e.Value.(*piece)
			if p.off <= start {
				// start is covered; continue after this piece.
				start = p.end()
				e = e.Next()
				continue
			}
			if p.off < gapEnd {
				gapEnd = p.off
			}
		}

		buf := make([]byte, gapEnd-start)
		copy(buf, data[start-off:gapEnd-off])
		np := &piece{off: start, data: buf, packet: pkt}
		if e != nil {
			s.pieces.InsertBefore(np, e)
		} else {
			s.pieces.PushBack(np)
		}
		added += len(buf)
		start = gapEnd
	}
	s.bytes += added
	return added
}

// contiguous returns the length of the gap-free prefix starting at offset 0.
func (s *chunkStore) contiguous() uint32 {
	var n uint32
	for e := s.pieces.Front(); e != nil; e = e.Next() {
		p := e.Value.(*piece)
		if p.off > n {
			break
		}
		if p.end() > n {
			n = p.end()
		}
	}
	return n
}

// prefix copies the first n contiguous bytes.
func (s *chunkStore) prefix(n uint32) []byte {
	out := make([]byte, 0, n)
	for e := s.pieces.Front(); e != nil && uint32(len(out)) < n; e = e.Next() {
		p := e.Value.(*piece)
		if p.off > uint32(len(out)) {
			break
		}
		from := uint32(len(out)) - p.off
		to := uint32(len(p.data))
		if p.off+to > n {
			to = n - p.off
		}
		out = append(out, p.data[from:to]...)
	}
	return out
}

// packetAt returns the packet contributing the byte at off, or the first
// packet contributing a byte after it.
func (s *chunkStore) packetAt(off uint32) (core.PacketID, bool) {
	for e := s.pieces.Front(); e != nil; e = e.Next() {
		p := e.Value.(*piece)
		if p.end() > off {
			return p.packet, true
		}
	}
	return 0, false
}

// splitAt moves every byte at or after off into a new store rebased to 0.
func (s *chunkStore) splitAt(off uint32) *chunkStore {
	tail := &chunkStore{}
	var next *list.Element
	for e := s.pieces.Front(); e != nil; e = next {
		next = e.Next()
		p := e.Value.(*piece)
		if p.end() <= off {
			continue
		}
		if p.off >= off {
			tail.pieces.PushBack(&piece{off: p.off - off, data: p.data, packet: p.packet})
			s.pieces.Remove(e)
			continue
		}
		cut := off - p.off
		tail.pieces.PushBack(&piece{off: 0, data: p.data[cut:], packet: p.packet})
		p.data = p.data[:cut]
	}
	for e := tail.pieces.Front(); e != nil; e = e.Next() {
		n := len(e.Value.(*piece).data)
		tail.bytes += n
		s.bytes -= n
	}
	return tail
}

// packets returns the distinct contributing packets in offset order.
func (s *chunkStore) packets() []core.PacketID {
	var out []core.PacketID
	seen := make(map[core.PacketID]struct{})
	for e := s.pieces.Front(); e != nil; e = e.Next() {
		id := e.Value.(*piece).packet
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

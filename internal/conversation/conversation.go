// Package conversation tracks bidirectional TCP conversations: stream
// numbering, handshake completeness, port reuse and per-direction state.
package conversation

import (
	"strings"
	"time"

	"firestige.xyz/segscope/internal/analysis"
	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/desegment"
)

// Completeness is the monotonic set of handshake and teardown events seen.
type Completeness uint8

const (
	SeenSYN    Completeness = 0x01
	SeenSYNACK Completeness = 0x02
	SeenACK    Completeness = 0x04
	SeenData   Completeness = 0x08
	SeenFIN    Completeness = 0x10
	SeenRST    Completeness = 0x20
)

var completenessNames = []struct {
	c    Completeness
	name string
}{
	{SeenSYN, "SYN"}, {SeenSYNACK, "SYN-ACK"}, {SeenACK, "ACK"},
	{SeenData, "DATA"}, {SeenFIN, "FIN"}, {SeenRST, "RST"},
}

func (c Completeness) Has(x Completeness) bool { return c&x == x }

// Handshake reports whether the three-way handshake was fully observed.
func (c Completeness) Handshake() bool { return c.Has(SeenSYN | SeenSYNACK | SeenACK) }

func (c Completeness) String() string {
	if c == 0 {
		return "<none>"
	}
	var parts []string
	for _, n := range completenessNames {
		if c.Has(n.c) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// Direction is the state kept for one side of a conversation.
type Direction struct {
	Flow     *analysis.FlowState
	Stream   *desegment.Stream
	Messages *desegment.Registry

	synSeq  uint32
	synSeen bool

	Packets uint64
	Bytes   uint64
}

// Conversation is one instance of a TCP connection between two endpoints.
type Conversation struct {
	// Stream numbers conversations in creation order.
	Stream uint64
	// Client is the direction of the first sender, peer 0.
	Client core.FlowKey

	Dirs [2]*Direction

	Completeness Completeness
	ReusedPorts  bool

	IRTT     time.Duration
	synTime  time.Time
	synAckAt uint32 // ack expected from the client to finish the handshake
	synAcked bool

	First time.Time
	Last  time.Time
}

// Dir returns the direction index of key: 0 for the client, 1 otherwise.
func (c *Conversation) Dir(key core.FlowKey) int {
	if key == c.Client {
		return 0
	}
	return 1
}

// Observe folds seg, sent in direction dir, into the completeness bitmask
// and the handshake timing.
func (c *Conversation) Observe(seg *core.Segment, dir int) {
	if c.First.IsZero() {
		c.First = seg.Timestamp
	}
	c.Last = seg.Timestamp
	d := c.Dirs[dir]
	d.Packets++
	d.Bytes += uint64(seg.Len())

	f := seg.Flags
	switch {
	case f.Has(core.FlagSYN) && f.Has(core.FlagACK):
		c.Completeness |= SeenSYNACK
		c.synAckAt = seg.Seq + 1
		c.synAcked = true
	case f.Has(core.FlagSYN):
		c.Completeness |= SeenSYN
		if c.synTime.IsZero() {
			c.synTime = seg.Timestamp
		}
	}
	if f.Has(core.FlagSYN) && !d.synSeen {
		d.synSeq = seg.Seq
		d.synSeen = true
	}

	if seg.Len() > 0 {
		c.Completeness |= SeenData
	} else if f.Has(core.FlagACK) && !seg.Control() {
		c.Completeness |= SeenACK
		if dir == 0 && c.IRTT == 0 && c.synAcked && !c.synTime.IsZero() && seg.Ack == c.synAckAt {
			c.IRTT = seg.Timestamp.Sub(c.synTime)
		}
	}
	if f.Has(core.FlagFIN) {
		c.Completeness |= SeenFIN
	}
	if f.Has(core.FlagRST) {
		c.Completeness |= SeenRST
	}
}

// reusedBy reports whether seg opens a new connection on this conversation's
// ports.
func (c *Conversation) reusedBy(seg *core.Segment) bool {
	if !seg.Flags.Has(core.FlagSYN) {
		return false
	}
	if c.Completeness&(SeenFIN|SeenRST) != 0 {
		return true
	}
	d := c.Dirs[c.Dir(seg.Flow)]
	return d.synSeen && d.synSeq != seg.Seq
}

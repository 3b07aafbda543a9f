package conversation

import (
	"firestige.xyz/segscope/internal/analysis"
	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/desegment"
	"firestige.xyz/segscope/internal/metrics"
)

// Table maps endpoint pairs to their current conversation.
type Table struct {
	stream desegment.StreamConfig
	cur    map[core.FlowKey]*Conversation
	all    []*Conversation
}

// NewTable returns an empty table; cfg bounds each direction's out-of-order buffer.
func NewTable(cfg desegment.StreamConfig) *Table {
	return &Table{
		stream: cfg,
		cur:    make(map[core.FlowKey]*Conversation),
	}
}

// Lookup returns the conversation seg belongs to and the direction index of
// seg, creating a conversation for a new endpoint pair or a reused one.
func (t *Table) Lookup(seg *core.Segment) (*Conversation, int) {
	key := seg.Flow.Canonical()
	c, ok := t.cur[key]
	if !ok {
		c = t.create(seg, false)
		t.cur[key] = c
	} else if c.reusedBy(seg) {
		c = t.create(seg, true)
		t.cur[key] = c
	}
	return c, c.Dir(seg.Flow)
}

// Get returns the conversation with the given stream index.
func (t *Table) Get(stream uint64) (*Conversation, bool) {
	if stream >= uint64(len(t.all)) {
		return nil, false
	}
	return t.all[stream], true
}

// All returns every conversation in stream order.
func (t *Table) All() []*Conversation { return t.all }

// Len returns the number of conversations created.
func (t *Table) Len() int { return len(t.all) }

func (t *Table) create(seg *core.Segment, reused bool) *Conversation {
	client := seg.Flow
	// A SYN-ACK seen first was sent by the server.
	if seg.Flags.Has(core.FlagSYN | core.FlagACK) {
		client = seg.Flow.Reverse()
	}
	c := &Conversation{
		Stream:      uint64(len(t.all)),
		Client:      client,
		ReusedPorts: reused,
	}
	for i := range c.Dirs {
		c.Dirs[i] = &Direction{
			Flow:     analysis.NewFlowState(),
			Stream:   desegment.NewStream(t.stream),
			Messages: desegment.NewRegistry(),
		}
	}
	t.all = append(t.all, c)

	kind := "new"
	if reused {
		kind = "reused_ports"
	}
	metrics.ConversationsTotal.WithLabelValues(kind).Inc()
	return c
}

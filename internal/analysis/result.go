package analysis

import (
	"time"

	"firestige.xyz/segscope/internal/core"
)

// Result is the classification of one segment.
type Result struct {
	Tags TagSet

	DupAckNum uint32
	DupAckRef core.PacketID // first non-duplicate ACK of the run

	BytesInFlight    uint32
	HasBytesInFlight bool

	RetransmissionDelay time.Duration
	RetransmissionRef   core.PacketID

	RTT         time.Duration
	AckedPacket core.PacketID
	HasRTT      bool

	WindowSize uint32 // calculated (scaled) window
	RelSeq     uint32
	RelAck     uint32
	RelNextSeq uint32
}

func (r *Result) Has(t Tag) bool { return r.Tags.Has(t) }

func (r *Result) add(t Tag) { r.Tags = r.Tags.With(t) }

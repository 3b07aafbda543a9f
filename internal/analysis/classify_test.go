package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/segscope/internal/core"
)

const (
	fromA = true
	fromB = false
)

// connHarness drives two flow states through Classify and Apply.
type connHarness struct {
	c     *Classifier
	a, b  *FlowState
	id    core.PacketID
	start time.Time
	irtt  time.Duration
}

func newConnHarness(opts Options) *connHarness {
	return &connHarness{
		c:     NewClassifier(opts),
		a:     NewFlowState(),
		b:     NewFlowState(),
		start: time.Unix(1700000000, 0),
	}
}

type segOpt func(*core.Segment)

func withWindowScale(ws int8) segOpt {
	return func(s *core.Segment) { s.WindowScale = ws }
}

func withSACK(blocks ...core.SACKBlock) segOpt {
	return func(s *core.Segment) { s.SACK = blocks }
}

func (h *connHarness) send(dirA bool, at time.Duration, seq, ack uint32, flags core.Flags, win uint16, n int, opts ...segOpt) Result {
	h.id++
	seg := &core.Segment{
		ID:          h.id,
		Timestamp:   h.start.Add(at),
		Seq:         seq,
		Ack:         ack,
		Flags:       flags,
		Window:      win,
		HeaderLen:   20,
		WindowScale: core.NoWindowScale,
		Payload:     make([]byte, n),
	}
	for _, o := range opts {
		o(seg)
	}
	fwd, rev := h.a, h.b
	if !dirA {
		fwd, rev = h.b, h.a
	}
	res := h.c.Classify(seg, fwd, rev, ConnInfo{IRTT: h.irtt})
	h.c.Apply(seg, &res, fwd, rev)
	return res
}

// handshake: A isn 100, B isn 500, both windows 1000.
func (h *connHarness) handshake() {
	h.send(fromA, 0, 100, 0, core.FlagSYN, 1000, 0)
	h.send(fromB, time.Millisecond, 500, 101, core.FlagSYN|core.FlagACK, 1000, 0)
	h.send(fromA, 2*time.Millisecond, 101, 501, core.FlagACK, 1000, 0)
}

func TestClassifyHandshakeIsClean(t *testing.T) {
	h := newConnHarness(DefaultOptions())
	r1 := h.send(fromA, 0, 100, 0, core.FlagSYN, 1000, 0)
	r2 := h.send(fromB, time.Millisecond, 500, 101, core.FlagSYN|core.FlagACK, 1000, 0)
	r3 := h.send(fromA, 2*time.Millisecond, 101, 501, core.FlagACK, 1000, 0)

	assert.True(t, r1.Tags.Empty())
	assert.True(t, r2.Tags.Empty())
	assert.True(t, r3.Tags.Empty(), "got %s", r3.Tags)
	assert.Equal(t, uint32(1), r3.RelSeq)
	assert.Equal(t, uint32(1), r3.RelAck)
}

func TestClassifyDuplicateAckCounting(t *testing.T) {
	h := newConnHarness(DefaultOptions())
	h.handshake() // packet 3 is the first ACK

	for i := 1; i <= 3; i++ {
		r := h.send(fromA, time.Duration(2+i)*time.Millisecond, 101, 501, core.FlagACK, 1000, 0)
		require.True(t, r.Has(TagDuplicateAck), "ack %d: %s", i, r.Tags)
		assert.Equal(t, uint32(i), r.DupAckNum)
		assert.Equal(t, core.PacketID(3), r.DupAckRef)
	}

	// New ack resets the run.
	h.send(fromB, 10*time.Millisecond, 501, 101, core.FlagACK, 1000, 10)
	r := h.send(fromA, 11*time.Millisecond, 101, 511, core.FlagACK, 1000, 0)
	assert.False(t, r.Has(TagDuplicateAck))
	assert.Zero(t, r.DupAckNum)
}

func TestClassifyRetransmissionVersusSpurious(t *testing.T) {
	t.Run("generic retransmission", func(t *testing.T) {
		h := newConnHarness(DefaultOptions())
		h.handshake()
		h.send(fromA, 10*time.Millisecond, 101, 501, core.FlagACK|core.FlagPSH, 1000, 10) // id 4
		r := h.send(fromA, 210*time.Millisecond, 101, 501, core.FlagACK|core.FlagPSH, 1000, 10)

		assert.True(t, r.Has(TagRetransmission), "got %s", r.Tags)
		assert.Equal(t, 200*time.Millisecond, r.RetransmissionDelay)
		assert.Equal(t, core.PacketID(4), r.RetransmissionRef)
	})

	t.Run("spurious after ack", func(t *testing.T) {
		h := newConnHarness(DefaultOptions())
		h.handshake()
		h.send(fromA, 10*time.Millisecond, 101, 501, core.FlagACK|core.FlagPSH, 1000, 10)
		h.send(fromB, 20*time.Millisecond, 501, 111, core.FlagACK, 1000, 0)
		r := h.send(fromA, 210*time.Millisecond, 101, 501, core.FlagACK|core.FlagPSH, 1000, 10)

		assert.True(t, r.Has(TagSpuriousRetransmission), "got %s", r.Tags)
		assert.False(t, r.Has(TagRetransmission))
	})
}

func TestClassifyOutOfOrderAndLost(t *testing.T) {
	h := newConnHarness(DefaultOptions())
	h.handshake()
	h.send(fromA, 10*time.Millisecond, 101, 501, core.FlagACK, 1000, 10)
	lost := h.send(fromA, 10*time.Millisecond+100*time.Microsecond, 121, 501, core.FlagACK, 1000, 10)
	late := h.send(fromA, 10*time.Millisecond+200*time.Microsecond, 111, 501, core.FlagACK, 1000, 10)

	assert.True(t, lost.Has(TagLostSegment))
	assert.False(t, lost.HasBytesInFlight)
	assert.True(t, late.Has(TagOutOfOrder), "got %s", late.Tags)
	assert.False(t, late.Has(TagRetransmission))
}

func TestClassifyFastRetransmissionTieBreak(t *testing.T) {
	run := func(opts Options, sack bool) Result {
		h := newConnHarness(opts)
		h.handshake()
		h.send(fromA, 10*time.Millisecond, 101, 501, core.FlagACK, 1000, 10)
		h.send(fromA, 10*time.Millisecond, 111, 501, core.FlagACK, 1000, 10)
		h.send(fromA, 10*time.Millisecond, 121, 501, core.FlagACK, 1000, 10)
		var so []segOpt
		if sack {
			so = append(so, withSACK(core.SACKBlock{Left: 121, Right: 131}))
		}
		h.send(fromB, 11*time.Millisecond, 501, 111, core.FlagACK, 1000, 0)
		h.send(fromB, 11*time.Millisecond, 501, 111, core.FlagACK, 1000, 0, so...)
		h.send(fromB, 11*time.Millisecond, 501, 111, core.FlagACK, 1000, 0, so...)
		return h.send(fromA, 12*time.Millisecond, 111, 501, core.FlagACK, 1000, 10)
	}

	r := run(DefaultOptions(), false)
	assert.True(t, r.Has(TagFastRetransmission), "got %s", r.Tags)

	r = run(DefaultOptions(), true)
	assert.True(t, r.Has(TagFastRetransmission), "got %s", r.Tags)

	// The missing segment shows up right after the dup-ACKs: it qualifies as
	// both a fast retransmission and an out-of-order segment.
	both := func(opts Options) Result {
		h := newConnHarness(opts)
		h.handshake()
		h.send(fromA, 10*time.Millisecond, 101, 501, core.FlagACK, 1000, 10)
		h.send(fromA, 10*time.Millisecond+100*time.Microsecond, 121, 501, core.FlagACK, 1000, 10)
		for i := 0; i < 3; i++ {
			h.send(fromB, 10*time.Millisecond+500*time.Microsecond, 501, 111, core.FlagACK, 1000, 0)
		}
		return h.send(fromA, 11*time.Millisecond+100*time.Microsecond, 111, 501, core.FlagACK, 1000, 10)
	}

	r = both(DefaultOptions())
	assert.True(t, r.Has(TagFastRetransmission), "got %s", r.Tags)
	assert.False(t, r.Has(TagOutOfOrder))

	opts := DefaultOptions()
	opts.PreferOutOfOrder = true
	r = both(opts)
	assert.True(t, r.Has(TagOutOfOrder), "got %s", r.Tags)
	assert.False(t, r.Has(TagFastRetransmission))
}

func TestClassifyKeepAlive(t *testing.T) {
	h := newConnHarness(DefaultOptions())
	h.handshake()
	h.send(fromA, 10*time.Millisecond, 101, 501, core.FlagACK, 1000, 10)
	h.send(fromB, 11*time.Millisecond, 501, 111, core.FlagACK, 1000, 0)

	ka := h.send(fromA, time.Second, 110, 501, core.FlagACK, 1000, 0)
	require.True(t, ka.Has(TagKeepAlive), "got %s", ka.Tags)
	assert.False(t, ka.Has(TagRetransmission))

	kaAck := h.send(fromB, time.Second+time.Millisecond, 501, 111, core.FlagACK, 1000, 0)
	assert.True(t, kaAck.Has(TagKeepAliveAck), "got %s", kaAck.Tags)
	assert.False(t, kaAck.Has(TagDuplicateAck))
}

func TestClassifyZeroWindowProbeCycle(t *testing.T) {
	h := newConnHarness(DefaultOptions())
	h.handshake()
	h.send(fromA, 10*time.Millisecond, 101, 501, core.FlagACK, 1000, 10)

	zw := h.send(fromB, 11*time.Millisecond, 501, 111, core.FlagACK, 0, 0)
	assert.True(t, zw.Has(TagZeroWindow))

	probe := h.send(fromA, 500*time.Millisecond, 111, 501, core.FlagACK, 1000, 1)
	require.True(t, probe.Has(TagZeroWindowProbe), "got %s", probe.Tags)
	assert.False(t, probe.Has(TagRetransmission))

	probeAck := h.send(fromB, 501*time.Millisecond, 501, 111, core.FlagACK, 0, 0)
	assert.True(t, probeAck.Has(TagZeroWindowProbeAck), "got %s", probeAck.Tags)

	open := h.send(fromB, 900*time.Millisecond, 501, 112, core.FlagACK, 1000, 0)
	assert.True(t, open.Has(TagWindowUpdate), "got %s", open.Tags)
	assert.False(t, open.Has(TagAckedUnseen))
}

func TestClassifyWindowUpdateAndFull(t *testing.T) {
	h := newConnHarness(DefaultOptions())
	h.handshake()

	upd := h.send(fromA, 5*time.Millisecond, 101, 501, core.FlagACK, 2000, 0)
	assert.True(t, upd.Has(TagWindowUpdate), "got %s", upd.Tags)
	assert.False(t, upd.Has(TagDuplicateAck))

	full := h.send(fromB, 6*time.Millisecond, 501, 101, core.FlagACK, 1000, 2000)
	assert.True(t, full.Has(TagWindowFull), "got %s", full.Tags)
}

func TestClassifyAckedUnseen(t *testing.T) {
	h := newConnHarness(DefaultOptions())
	h.handshake()
	r := h.send(fromB, 5*time.Millisecond, 501, 301, core.FlagACK, 1000, 0)
	assert.True(t, r.Has(TagAckedUnseen), "got %s", r.Tags)

	again := h.send(fromB, 6*time.Millisecond, 501, 301, core.FlagACK, 1000, 0)
	assert.False(t, again.Has(TagAckedUnseen))
}

func TestClassifyWindowScaling(t *testing.T) {
	h := newConnHarness(DefaultOptions())
	h.send(fromA, 0, 100, 0, core.FlagSYN, 1000, 0, withWindowScale(7))
	h.send(fromB, time.Millisecond, 500, 101, core.FlagSYN|core.FlagACK, 1000, 0, withWindowScale(2))
	r := h.send(fromA, 2*time.Millisecond, 101, 501, core.FlagACK, 100, 0)
	assert.Equal(t, uint32(100<<7), r.WindowSize)

	h = newConnHarness(DefaultOptions())
	h.send(fromA, 0, 100, 0, core.FlagSYN, 1000, 0, withWindowScale(7))
	h.send(fromB, time.Millisecond, 500, 101, core.FlagSYN|core.FlagACK, 1000, 0)
	r = h.send(fromA, 2*time.Millisecond, 101, 501, core.FlagACK, 100, 0)
	assert.Equal(t, uint32(100), r.WindowSize, "scaling needs both sides")
}

func TestClassifyRoundTripAndBytesInFlight(t *testing.T) {
	h := newConnHarness(DefaultOptions())
	h.handshake()
	data := h.send(fromA, 10*time.Millisecond, 101, 501, core.FlagACK, 1000, 10)
	assert.True(t, data.HasBytesInFlight)
	assert.Equal(t, uint32(10), data.BytesInFlight)

	ack := h.send(fromB, 35*time.Millisecond, 501, 111, core.FlagACK, 1000, 0)
	require.True(t, ack.HasRTT)
	assert.Equal(t, 25*time.Millisecond, ack.RTT)
	assert.Equal(t, core.PacketID(4), ack.AckedPacket)
	assert.Empty(t, h.a.Unacked)
}

func TestClassifyWraparound(t *testing.T) {
	h := newConnHarness(DefaultOptions())
	h.send(fromA, 0, 0xFFFFFFF0, 0, core.FlagSYN, 1000, 0)
	h.send(fromB, time.Millisecond, 500, 0xFFFFFFF1, core.FlagSYN|core.FlagACK, 1000, 0)
	h.send(fromA, 2*time.Millisecond, 0xFFFFFFF1, 501, core.FlagACK, 1000, 0)

	r := h.send(fromA, 10*time.Millisecond, 0xFFFFFFF1, 501, core.FlagACK, 1000, 32)
	assert.True(t, r.Tags.Empty(), "got %s", r.Tags)
	assert.Equal(t, uint32(0x11), h.a.NextSeq)

	lost := h.send(fromA, 11*time.Millisecond, 0x21, 501, core.FlagACK, 1000, 10)
	assert.True(t, lost.Has(TagLostSegment))
}

func TestClassifyUnackedCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxUnackedSegments = 2
	c := NewClassifier(opts)
	a, b := NewFlowState(), NewFlowState()

	capped := 0
	for i := 0; i < 4; i++ {
		seg := &core.Segment{ID: core.PacketID(i + 1), Seq: uint32(100 + 10*i), Flags: core.FlagACK,
			Window: 100, HeaderLen: 20, WindowScale: core.NoWindowScale, Payload: make([]byte, 10)}
		res := c.Classify(seg, a, b, ConnInfo{})
		if c.Apply(seg, &res, a, b).UnackedCapped {
			capped++
		}
	}
	assert.Len(t, a.Unacked, 2)
	assert.Equal(t, 1, capped)
	assert.True(t, a.UnackedDegraded)
}

func TestClassifyDoesNotMutate(t *testing.T) {
	h := newConnHarness(DefaultOptions())
	h.handshake()
	before := *h.a
	seg := &core.Segment{ID: 99, Seq: 101, Ack: 501, Flags: core.FlagACK, Window: 1000,
		HeaderLen: 20, WindowScale: core.NoWindowScale, Payload: make([]byte, 5)}
	h.c.Classify(seg, h.a, h.b, ConnInfo{})
	assert.Equal(t, before, *h.a)
}

func TestTagSet(t *testing.T) {
	s := TagSet(0).With(TagRetransmission).With(TagDuplicateAck).With(TagOutOfOrder)
	assert.Equal(t, []string{"duplicate_ack", "out_of_order", "retransmission"}, s.Strings())

	s = s.keepPrimary()
	p, ok := s.Primary()
	require.True(t, ok)
	assert.Equal(t, TagOutOfOrder, p)
	assert.False(t, s.Has(TagRetransmission))

	tag, ok := ParseTag("zero_window")
	require.True(t, ok)
	assert.Equal(t, TagZeroWindow, tag)
	assert.Equal(t, core.SeverityWarning, tag.Severity())
}

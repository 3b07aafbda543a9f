// Package core defines core data structures with zero external dependencies.
package core

import "time"

// Segment is one captured TCP segment. It is immutable once observed; ID is the
// key used for idempotent replay.
type Segment struct {
	ID        PacketID
	Flow      FlowKey
	Timestamp time.Time

	Seq    uint32
	Ack    uint32
	Flags  Flags
	Window uint16 // raw, unscaled header value

	HeaderLen   int         // declared header length in bytes (data offset * 4)
	WindowScale int8        // shift from the window scale option, NoWindowScale if absent
	MSS         uint16      // 0 if absent
	SACK        []SACKBlock // blocks from the SACK option, nil if absent

	Payload []byte

	// Truncated is set when the captured length is shorter than the wire length.
	Truncated bool
}

// Len returns the payload length.
func (s *Segment) Len() uint32 { return uint32(len(s.Payload)) }

// DataSeq returns the sequence number of the first payload byte. A SYN
// occupies the segment's own sequence number, so its data starts one later.
func (s *Segment) DataSeq() uint32 {
	if s.Flags.Has(FlagSYN) {
		return s.Seq + 1
	}
	return s.Seq
}

// End returns the sequence number following the payload; SYN and FIN each
// occupy one sequence number.
func (s *Segment) End() uint32 {
	end := s.Seq + s.Len()
	if s.Flags.Has(FlagSYN) {
		end++
	}
	if s.Flags.Has(FlagFIN) {
		end++
	}
	return end
}

// Malformed reports whether the declared header is shorter than the protocol minimum.
func (s *Segment) Malformed() bool {
	return s.HeaderLen < TCPHeaderMinLen
}

// Control reports whether any of SYN, FIN or RST is set.
func (s *Segment) Control() bool {
	return s.Flags.Any(FlagSYN | FlagFIN | FlagRST)
}

package core

// Sequence comparisons use serial number arithmetic (RFC 1982): a is before b
// when the signed 32-bit distance from a to b is positive. Ordering is only
// meaningful for values less than 2^31 apart.

// SeqLT reports a < b.
func SeqLT(a, b uint32) bool { return int32(a-b) < 0 }

// SeqLE reports a <= b.
func SeqLE(a, b uint32) bool { return int32(a-b) <= 0 }

// SeqGT reports a > b.
func SeqGT(a, b uint32) bool { return int32(a-b) > 0 }

// SeqGE reports a >= b.
func SeqGE(a, b uint32) bool { return int32(a-b) >= 0 }

// SeqDiff returns b - a as a signed distance.
func SeqDiff(a, b uint32) int64 { return int64(int32(b - a)) }

// SeqMax returns the later of a and b.
func SeqMax(a, b uint32) uint32 {
	if SeqGT(a, b) {
		return a
	}
	return b
}

// SeqMin returns the earlier of a and b.
func SeqMin(a, b uint32) uint32 {
	if SeqLT(a, b) {
		return a
	}
	return b
}

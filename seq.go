package streaming

// Sequence numbers live in a 32 bit space and wrap around. All comparisons
// use RFC 1982 serial number arithmetic: a < b iff (a - b) interpreted as a
// signed 32 bit integer is negative. For example seqLessThan(0xFFFFFFFE, 1)
// is true because 0xFFFFFFFE precedes 1 once the space wraps.

func seqLessThan(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqLessThanOrEqual(a, b uint32) bool {
	return a == b || seqLessThan(a, b)
}

func seqGreaterThan(a, b uint32) bool {
	return int32(a-b) > 0
}

func seqGreaterThanOrEqual(a, b uint32) bool {
	return a == b || seqGreaterThan(a, b)
}

// seqDiff returns how many sequence numbers b is ahead of a.
func seqDiff(a, b uint32) uint32 {
	return b - a
}

// seqInWindow reports whether seq lies in [start, start+size).
func seqInWindow(seq, start uint32, size uint32) bool {
	return seqDiff(start, seq) < size
}

// seqMax returns the later of two sequence numbers.
func seqMax(a, b uint32) uint32 {
	if seqGreaterThan(a, b) {
		return a
	}
	return b
}

package ring

import (
	"fmt"
	"math"
)

// KeyRange is a half-open token range (Start, End]. A range whose Start is
// greater than its End wraps around the end of the token space; Start == End
// denotes the full ring.
type KeyRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// FullRange is the whole token space.
var FullRange = KeyRange{}

// Contains reports whether token falls inside the range.
func (kr KeyRange) Contains(token uint64) bool {
	switch {
	case kr.Start == kr.End:
		return true
	case kr.Start < kr.End:
		return token > kr.Start && token <= kr.End
	default:
		return token > kr.Start || token <= kr.End
	}
}

// Wraps reports whether the range crosses the end of the token space.
func (kr KeyRange) Wraps() bool {
	return kr.Start > kr.End
}

// Width returns the number of tokens in the range, saturating at MaxUint64
// for the full ring.
func (kr KeyRange) Width() uint64 {
	if kr.Start == kr.End {
		return math.MaxUint64
	}
	// unsigned subtraction wraps, which is exactly the width of a wrapping range
	return kr.End - kr.Start
}

// Split divides the range into n contiguous sub-ranges of near-equal width.
// The sub-ranges are returned in ring order and tile the original range.
func (kr KeyRange) Split(n int) []KeyRange {
	if n <= 1 {
		return []KeyRange{kr}
	}
	width := kr.Width()
	step := width / uint64(n)
	if step == 0 {
		return []KeyRange{kr}
	}

	out := make([]KeyRange, 0, n)
	start := kr.Start
	for i := 0; i < n; i++ {
		end := start + step
		if i == n-1 {
			end = kr.End
		}
		out = append(out, KeyRange{Start: start, End: end})
		start = end
	}
	return out
}

// Index returns which of n equal sub-ranges (as produced by Split) holds
// token. The caller must ensure the token is contained in the range.
func (kr KeyRange) Index(token uint64, n int) int {
	if n <= 1 {
		return 0
	}
	step := kr.Width() / uint64(n)
	if step == 0 {
		return 0
	}
	offset := token - kr.Start // wraps for wrapping ranges
	if offset == 0 {
		// only reachable on the full ring, where Start itself is a member
		return n - 1
	}
	idx := int((offset - 1) / step)
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// String renders the range as "(start,end]".
func (kr KeyRange) String() string {
	return fmt.Sprintf("(%d,%d]", kr.Start, kr.End)
}

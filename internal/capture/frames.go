package capture

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type frameRange struct{ lo, hi uint64 }

// FrameSet selects frames by their 1-based number.
type FrameSet struct {
	ranges []frameRange // sorted, merged
}

// ParseFrameSet parses a list such as "4,7-9,12". An empty expression
// selects nothing.
func ParseFrameSet(expr string) (FrameSet, error) {
	var fs FrameSet
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fs, nil
	}
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := parseFrameNumber(lo)
		if err != nil {
			return FrameSet{}, fmt.Errorf("frame list %q: %w", expr, err)
		}
		b := a
		if isRange {
			if b, err = parseFrameNumber(hi); err != nil {
				return FrameSet{}, fmt.Errorf("frame list %q: %w", expr, err)
			}
			if b < a {
				return FrameSet{}, fmt.Errorf("frame list %q: range %s is reversed", expr, part)
			}
		}
		fs.ranges = append(fs.ranges, frameRange{a, b})
	}

	sort.Slice(fs.ranges, func(i, j int) bool { return fs.ranges[i].lo < fs.ranges[j].lo })
	merged := fs.ranges[:1]
	for _, r := range fs.ranges[1:] {
		last := &merged[len(merged)-1]
		if r.lo <= last.hi+1 {
			if r.hi > last.hi {
				last.hi = r.hi
			}
			continue
		}
		merged = append(merged, r)
	}
	fs.ranges = merged
	return fs, nil
}

func parseFrameNumber(s string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid frame number %q", s)
	}
	return n, nil
}

// Empty reports whether no frame is selected.
func (fs FrameSet) Empty() bool { return len(fs.ranges) == 0 }

// Contains reports whether frame n is selected.
func (fs FrameSet) Contains(n uint64) bool {
	i := sort.Search(len(fs.ranges), func(i int) bool { return fs.ranges[i].hi >= n })
	return i < len(fs.ranges) && fs.ranges[i].lo <= n
}

// Last returns the highest selected frame number, 0 when empty.
func (fs FrameSet) Last() uint64 {
	if fs.Empty() {
		return 0
	}
	return fs.ranges[len(fs.ranges)-1].hi
}

func (fs FrameSet) String() string {
	parts := make([]string, 0, len(fs.ranges))
	for _, r := range fs.ranges {
		if r.lo == r.hi {
			parts = append(parts, strconv.FormatUint(r.lo, 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.lo, r.hi))
		}
	}
	return strings.Join(parts, ",")
}

package checkpoint

import "sort"

// seqRange is the half-open interval [lo, hi).
type seqRange struct {
	lo, hi uint64
}

// SequenceSet is a set of sequence numbers stored as sorted, disjoint,
// non-adjacent ranges. The zero value is an empty set.
type SequenceSet struct {
	ranges []seqRange
}

// search returns the index of the first range whose hi is > seq.
func (s *SequenceSet) search(seq uint64) int {
	return sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].hi > seq })
}

func (s *SequenceSet) Contains(seq uint64) bool {
	i := s.search(seq)
	return i < len(s.ranges) && s.ranges[i].lo <= seq
}

func (s *SequenceSet) Add(seq uint64) {
	s.AddRange(seq, seq+1)
}

// AddRange adds every sequence in [lo, hi).
func (s *SequenceSet) AddRange(lo, hi uint64) {
	if lo >= hi {
		return
	}
	// first range that touches or follows lo
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].hi >= lo })
	j := i
	for j < len(s.ranges) && s.ranges[j].lo <= hi {
		lo = min(lo, s.ranges[j].lo)
		hi = max(hi, s.ranges[j].hi)
		j++
	}
	merged := seqRange{lo, hi}
	switch {
	case i == j:
		s.ranges = append(s.ranges, seqRange{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = merged
	default:
		s.ranges[i] = merged
		s.ranges = append(s.ranges[:i+1], s.ranges[j:]...)
	}
}

func (s *SequenceSet) Remove(seq uint64) {
	i := s.search(seq)
	if i >= len(s.ranges) || s.ranges[i].lo > seq {
		return
	}
	r := s.ranges[i]
	switch {
	case r.lo == seq && r.hi == seq+1:
		s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
	case r.lo == seq:
		s.ranges[i].lo++
	case r.hi == seq+1:
		s.ranges[i].hi--
	default:
		s.ranges = append(s.ranges, seqRange{})
		copy(s.ranges[i+2:], s.ranges[i+1:])
		s.ranges[i] = seqRange{r.lo, seq}
		s.ranges[i+1] = seqRange{seq + 1, r.hi}
	}
}

func (s *SequenceSet) Empty() bool {
	return len(s.ranges) == 0
}

// First returns the lowest sequence in the set; 0 if it is empty.
func (s *SequenceSet) First() uint64 {
	if len(s.ranges) == 0 {
		return 0
	}
	return s.ranges[0].lo
}

// Last returns the highest sequence in the set; 0 if it is empty.
func (s *SequenceSet) Last() uint64 {
	if len(s.ranges) == 0 {
		return 0
	}
	return s.ranges[len(s.ranges)-1].hi - 1
}

// Len returns the number of sequences in the set.
func (s *SequenceSet) Len() int {
	n := 0
	for _, r := range s.ranges {
		n += int(r.hi - r.lo)
	}
	return n
}

// Ranges calls fn with each [lo, hi) range in ascending order.
func (s *SequenceSet) Ranges(fn func(lo, hi uint64)) {
	for _, r := range s.ranges {
		fn(r.lo, r.hi)
	}
}

func (s *SequenceSet) Clear() {
	s.ranges = s.ranges[:0]
}

func (s *SequenceSet) clone() SequenceSet {
	return SequenceSet{ranges: append([]seqRange(nil), s.ranges...)}
}

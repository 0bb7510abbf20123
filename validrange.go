package partialxfer

import "github.com/prusa3d/partialxfer/fatvol"

// SectorSize is the fixed block size shared with blockdev/fatvol; asserted
// equal to both at package init the way the original firmware statically
// asserted SECTOR_SIZE == FF_MAX_SS == FF_MIN_SS.
const SectorSize = 512

func init() {
	if SectorSize != fatvol.SectorSize {
		panic("partialxfer: SectorSize does not match the fatvol collaborator's block size")
	}
}

// ValidPart is a half-open byte range [Start, End) known to hold valid data.
type ValidPart struct {
	Start int64
	End   int64
}

// merge extends p to also cover other, if they touch or overlap. A
// non-touching other is a no-op, matching the original's two independent
// "extend right" / "extend left" checks.
func (p *ValidPart) merge(other ValidPart) {
	// this:  oooox
	// other:     oooox
	if other.Start <= p.End && other.End > p.End {
		p.End = other.End
	}
	// this:        oooox
	// other:   oooox
	if other.Start < p.Start && other.End >= p.Start {
		p.Start = other.Start
	}
}

// State is a PartialFile's integrity view: up to two disjoint valid
// regions plus the file's final size.
type State struct {
	ValidHead *ValidPart
	ValidTail *ValidPart
	TotalSize int64
}

// clone returns a State that shares no ValidPart storage with s, so callers
// can hand it out without risking aliased mutation.
func (s State) clone() State {
	if s.ValidHead != nil {
		v := *s.ValidHead
		s.ValidHead = &v
	}
	if s.ValidTail != nil {
		v := *s.ValidTail
		s.ValidTail = &v
	}
	return s
}

// GetValidSize returns the byte count covered by the union of head and tail.
func (s State) GetValidSize() int64 {
	var head, tail int64
	if s.ValidHead != nil {
		head = s.ValidHead.End - s.ValidHead.Start
	}
	if s.ValidTail != nil {
		tail = s.ValidTail.End - s.ValidTail.Start
	}
	var overlap int64
	if s.ValidHead != nil && s.ValidTail != nil && s.ValidHead.End > s.ValidTail.Start {
		overlap = s.ValidHead.End - s.ValidTail.Start
	}
	return head + tail - overlap
}

// GetPercentValid returns the integer percentage of the file that is valid.
func (s State) GetPercentValid() int64 {
	if s.TotalSize == 0 {
		return 0
	}
	return s.GetValidSize() * 100 / s.TotalSize
}

// extendValidPart folds newPart into state under the caller-held lock,
// preserving invariants H1-H4 from spec.md §3: head always starts at 0,
// tail always ends at TotalSize, and the two collapse into one merged
// region once they touch or once head reaches the end of the file.
func extendValidPart(state *State, newPart ValidPart) {
	if state.ValidHead != nil {
		state.ValidHead.merge(newPart)
	} else if newPart.Start == 0 {
		v := newPart
		state.ValidHead = &v
	}

	var headEnd int64
	if state.ValidHead != nil {
		headEnd = state.ValidHead.End
	}

	if state.ValidTail != nil {
		state.ValidTail.merge(newPart)
	} else if newPart.Start > headEnd {
		v := newPart
		state.ValidTail = &v
	}

	// does head spread all the way to the end?
	if state.ValidHead != nil && state.ValidHead.End == state.TotalSize {
		v := *state.ValidHead
		state.ValidTail = &v
	}

	// head met with tail?
	if state.ValidHead != nil && state.ValidTail != nil {
		state.ValidHead.merge(*state.ValidTail)
		state.ValidTail.merge(*state.ValidHead)
	}
}

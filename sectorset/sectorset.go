// Package sectorset provides a bit-per-sector coverage model, built on the
// same roaring bitmap the teacher library used for its own (per-block, not
// per-region) download status tracking, against which PartialFile's compact
// head/tail ValidPart pair can be cross-checked. No other package or test in
// this module imports it; production code never tracks more than two
// regions (spec.md, Non-goals).
package sectorset

import "github.com/RoaringBitmap/roaring"

// Tracker records which sectors of a file of a known size have been
// written, independent of the head/tail representation under test.
type Tracker struct {
	bm           *roaring.Bitmap
	sectorSize   int64
	totalSectors uint32
}

// New creates a tracker for a file of totalSize bytes split into sectors of
// sectorSize bytes.
func New(totalSize, sectorSize int64) *Tracker {
	total := totalSize / sectorSize
	if totalSize%sectorSize != 0 {
		total++
	}
	return &Tracker{
		bm:           roaring.New(),
		sectorSize:   sectorSize,
		totalSectors: uint32(total),
	}
}

// MarkWritten records that the half-open byte range [start, end) landed.
func (t *Tracker) MarkWritten(start, end int64) {
	if end <= start {
		return
	}
	first := uint32(start / t.sectorSize)
	last := uint32((end - 1) / t.sectorSize)
	t.bm.AddRange(uint64(first), uint64(last)+1)
}

// ValidSize returns the byte count implied by the sectors marked so far.
func (t *Tracker) ValidSize() int64 {
	return int64(t.bm.GetCardinality()) * t.sectorSize
}

// IsComplete reports whether every sector of the file has been marked.
func (t *Tracker) IsComplete() bool {
	return uint32(t.bm.GetCardinality()) == t.totalSectors
}

// Reset clears all recorded coverage.
func (t *Tracker) Reset() {
	t.bm.Clear()
}

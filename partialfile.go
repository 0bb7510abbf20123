// Package partialxfer implements a resumable partial-file transfer engine:
// a contiguously preallocated file on a block device that can be written at
// arbitrary sector-aligned offsets while being read concurrently, plus a
// crash-safe transfer state machine built on top of it.
//
// Grounded on github.com/KarpelesLab/smartremote (HTTP-backed partial file
// caching) and the firmware reference implementation under
// original_source/src/transfers (partial_file.{hpp,cpp}, transfer.cpp).
package partialxfer

import (
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prusa3d/partialxfer/blockdev"
	"github.com/prusa3d/partialxfer/fatvol"
)

// DefaultSectorPoolCapacity is the number of in-flight sectors a PartialFile
// allows, matching the original firmware's small fixed pool.
const DefaultSectorPoolCapacity = 4

type sector struct {
	nbr uint32
	buf []byte
}

// PartialFile combines contiguous preallocation, a bounded sector-pool
// write path, the two-region valid-range tracker, and a file-identity lock
// that prevents the underlying sectors from being reallocated out from
// under us while a transfer is in flight (spec.md §4.3).
type PartialFile struct {
	vol    fatvol.Volume
	device blockdev.Device
	lun    int
	first  uint32

	pool *SectorPool

	currentSector *sector
	currentSlot   int // -1 when no sector is buffered
	currentOffset int64

	stateMu sync.Mutex
	state   State

	futureExtend []ValidPart // indexed by pool slot

	writeError atomic.Bool

	fileLock *os.File
	pokeLock func() error // overridable for device-removal fault injection

	lastProgressPercent int64

	logger *log.Logger
}

// Create preallocates a new contiguous file of size bytes at path and
// returns a PartialFile ready to receive writes from offset 0.
func Create(vol fatvol.Volume, path string, size int64) (*PartialFile, error) {
	info, err := vol.AllocateContiguous(path, size)
	if err != nil {
		os.Remove(path)
		return nil, &StorageError{Msg: "USB drive full"}
	}

	return finishOpen(vol, path, info, State{TotalSize: info.Size})
}

// Open reopens an existing preallocated file during recovery, reusing the
// restored valid-range state. state.TotalSize is overwritten with the
// actual on-disk size.
func Open(vol fatvol.Volume, path string, state State) (*PartialFile, error) {
	info, err := vol.Locate(path)
	if err != nil {
		return nil, &StorageError{Msg: "Failed to open file"}
	}
	state.TotalSize = info.Size

	return finishOpen(vol, path, info, state)
}

func finishOpen(vol fatvol.Volume, path string, info fatvol.FileInfo, state State) (*PartialFile, error) {
	device, err := vol.OpenDevice(path)
	if err != nil {
		return nil, &StorageError{Msg: "Failed to open file"}
	}

	lock, err := vol.OpenReadOnly(path)
	if err != nil {
		device.Close()
		return nil, &StorageError{Msg: "Can't lock file in place"}
	}

	pf := &PartialFile{
		vol:          vol,
		device:       device,
		lun:          info.LUN,
		first:        info.FirstSector,
		pool:         NewSectorPool(DefaultSectorPoolCapacity),
		currentSlot:  -1,
		state:        state,
		futureExtend: make([]ValidPart, DefaultSectorPoolCapacity),
		fileLock:     lock,
		logger:       log.Default(),
	}
	pf.pokeLock = func() error {
		_, err := pf.fileLock.Seek(0, io.SeekStart)
		return err
	}
	return pf, nil
}

// SetLogger overrides the default logger; pass nil to silence logging.
func (pf *PartialFile) SetLogger(l *log.Logger) { pf.logger = l }

func (pf *PartialFile) logf(format string, args ...any) {
	if pf.logger != nil {
		pf.logger.Printf(format, args...)
	}
}

// SetIdentityPoke overrides the "is the drive still there" check normally
// performed via lseek on the identity lock fd before every sector submit.
// It exists purely as a fault-injection seam: real hardware can't be made
// to simulate device removal from a unit test.
func (pf *PartialFile) SetIdentityPoke(fn func() error) { pf.pokeLock = fn }

func (pf *PartialFile) sectorNbr(offset int64) uint32 {
	sector := pf.first + uint32(offset/SectorSize)
	if offset >= pf.state.TotalSize {
		// Offset sits exactly at (or past) EOF: bump the sector number so
		// it can never collide with the sector holding the file's last
		// valid bytes, forcing seek() to treat it as a fresh buffer.
		sector++
	}
	return sector
}

func (pf *PartialFile) offsetOfSector(sectorNbr uint32) int64 {
	return int64(sectorNbr-pf.first) * SectorSize
}

// FinalSize returns the file's total size. Immutable after creation.
func (pf *PartialFile) FinalSize() int64 { return pf.state.TotalSize }

// GetState returns a snapshot of the valid-range tracker, safe to retain.
func (pf *PartialFile) GetState() State {
	pf.stateMu.Lock()
	defer pf.stateMu.Unlock()
	return pf.state.clone()
}

// HasValidHead reports whether [0, bytes) is entirely valid.
func (pf *PartialFile) HasValidHead(bytes int64) bool {
	st := pf.GetState()
	return st.ValidHead != nil && st.ValidHead.Start == 0 && st.ValidHead.End >= bytes
}

// HasValidTail reports whether [TotalSize-bytes, TotalSize) is entirely valid.
func (pf *PartialFile) HasValidTail(bytes int64) bool {
	st := pf.GetState()
	return st.ValidTail != nil && st.ValidTail.Start <= st.TotalSize-bytes && st.ValidTail.End == st.TotalSize
}

func (pf *PartialFile) discardCurrentSector() {
	if pf.currentSector != nil {
		pf.pool.release(pf.currentSlot)
		pf.currentSector = nil
		pf.currentSlot = -1
	}
}

// Close drains outstanding I/O and releases the identity lock. Any buffered
// partial sector is discarded, never published, to avoid reporting a valid
// range for data that was never sent to the device.
func (pf *PartialFile) Close() error {
	pf.discardCurrentSector()
	pf.pool.sync(0, true)

	err := pf.device.Close()
	if lockErr := pf.fileLock.Close(); err == nil {
		err = lockErr
	}
	return err
}

// Package fatvol models the narrow slice of a FAT filesystem the transfer
// engine actually depends on: contiguous preallocation, sector-number-of
// -first-cluster lookup, and a way to open an async block device for the
// raw sector writes, plus a read-only open for the identity lock. Ordinary
// read/stat/unlink/rename/mkdir/rmdir are consumed directly through the
// standard library by the rest of the module (see spec.md §6) and are not
// part of this interface.
package fatvol

import (
	"os"

	"github.com/prusa3d/partialxfer/blockdev"
)

// SectorSize mirrors blockdev.SectorSize; the partialxfer package asserts
// at init that its own SectorSize equals this one, the way the original firmware statically asserts
// SECTOR_SIZE == FF_MAX_SS == FF_MIN_SS.
const SectorSize = blockdev.SectorSize

// FileInfo is what the filesystem collaborator can tell us about a
// preallocated file: which LUN it lives on and where its first sector is.
type FileInfo struct {
	LUN         int
	FirstSector uint32
	Size        int64
}

// Volume is the filesystem collaborator contract.
type Volume interface {
	// AllocateContiguous creates path preallocated to size bytes, contiguous
	// on the underlying medium. Fails if path already exists.
	AllocateContiguous(path string, size int64) (FileInfo, error)
	// Locate resolves placement info for an existing preallocated file,
	// used when reopening a partial file during recovery.
	Locate(path string) (FileInfo, error)
	// OpenDevice opens the async block device backing path, for raw sector
	// writes that bypass any buffered file I/O.
	OpenDevice(path string) (blockdev.Device, error)
	// OpenReadOnly opens path read-only; PartialFile holds the result open
	// for its whole lifetime as an identity lock (spec.md §4.3, §9).
	OpenReadOnly(path string) (*os.File, error)
}

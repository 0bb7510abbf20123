package fatvol

import (
	"os"

	"github.com/prusa3d/partialxfer/blockdev"
)

// LocalVolume implements Volume on top of an ordinary host filesystem. Each
// file is its own simulated block device (LUN 0, first sector 0); there is
// no shared physical medium to model sector collisions against, so this is
// a host-testability stand-in rather than a real FAT driver.
type LocalVolume struct {
	// QueueDepth configures the async submit queue depth of devices opened
	// through this volume. Zero uses blockdev's default.
	QueueDepth int
}

// NewLocalVolume returns a Volume backed by the regular host filesystem.
func NewLocalVolume() *LocalVolume {
	return &LocalVolume{}
}

func (v *LocalVolume) AllocateContiguous(path string, size int64) (FileInfo, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return FileInfo{}, err
	}

	return FileInfo{LUN: 0, FirstSector: 0, Size: size}, nil
}

func (v *LocalVolume) Locate(path string) (FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}

	return FileInfo{LUN: 0, FirstSector: 0, Size: st.Size()}, nil
}

func (v *LocalVolume) OpenDevice(path string) (blockdev.Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	return blockdev.NewSimulator(f, 0, v.QueueDepth), nil
}

func (v *LocalVolume) OpenReadOnly(path string) (*os.File, error) {
	return os.Open(path)
}

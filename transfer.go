package partialxfer

import (
	"time"

	"github.com/google/uuid"
	"github.com/prusa3d/partialxfer/httpdl"
)

// TransferState is a Transfer's coarse lifecycle stage, the four states
// spec.md §3 names for the Transfer entity.
type TransferState int

const (
	TransferDownloading TransferState = iota
	TransferRetrying
	TransferFailed
	TransferDone
)

func (s TransferState) String() string {
	switch s {
	case TransferDownloading:
		return "downloading"
	case TransferRetrying:
		return "retrying"
	case TransferFailed:
		return "failed"
	case TransferDone:
		return "done"
	default:
		return "unknown"
	}
}

// Transfer is one in-progress (or just-finished) download into a
// PartialFile, combined with the DownloadOrder steering where the next
// bytes come from. Grounded on the transfer_t struct in
// original_source/src/transfers/transfer.cpp; fields that referenced
// hardware-specific state (the USB thread handle, a raw FATFS handle) are
// represented here by the blockdev/fatvol collaborator interfaces instead.
type Transfer struct {
	// ID is a stable identifier handed to the Monitor slot and persisted in
	// the backup sidecar, so a Recover call re-attaches progress reporting
	// to the same id a UI may already be tracking instead of minting a new
	// one on every resume (spec.md §4.6, "allocate a monitor slot with the
	// backup's id").
	ID         string
	DestPath   string
	BackupPath string
	URL        string
	OrderKind  string

	Order DownloadOrder
	PF    *PartialFile
	DL    *httpdl.Download

	State     TransferState
	LastError error

	// RetriesLeft is the remaining recoverable-failure budget; decremented
	// by recoverableFailure only while the file isn't being printed
	// (spec.md §4.6 recoverable_failure, §7 "Network errors are recoverable
	// up to retries_left").
	RetriesLeft int

	// lastConnectionErrorAt timestamps the most recent network failure;
	// Step honors a cooldown against it before calling restart_download()
	// again (spec.md §5 "Downloading/Retrying without download: honor a
	// 1-second cooldown after last_connection_error_ms").
	lastConnectionErrorAt time.Time

	slot *Slot
}

// pfSink adapts a PartialFile to httpdl.Sink so a Download can write
// directly into it without either package depending on the other's
// concrete type.
type pfSink struct{ pf *PartialFile }

func (s pfSink) Write(p []byte) error   { _, err := s.pf.Write(p); return err }
func (s pfSink) Seek(offset int64) error { return s.pf.Seek(offset) }

// newTransferID mints a fresh stable id for a brand-new transfer.
func newTransferID() string { return uuid.NewString() }

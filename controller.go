package partialxfer

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prusa3d/partialxfer/fatvol"
	"github.com/prusa3d/partialxfer/httpdl"
)

// defaultRetriesPerTransfer is how many recoverable network failures a
// Transfer tolerates before it is given up as Failed (spec.md §4.6
// recoverable_failure, "retries_left starts at a fixed budget").
const defaultRetriesPerTransfer = 5

// restartCooldown is the minimum time Step waits after a network failure
// before calling restart_download() again (spec.md §5, "honor a 1-second
// cooldown after last_connection_error_ms").
const restartCooldown = time.Second

// Controller is the single-threaded cooperative state machine that owns
// every in-progress transfer: it decides when to begin, recover, advance,
// restart, pause, finish, or discard one. Grounded on the begin/recover/
// step/restart_download/recoverable_failure/done/cleanup_transfers
// functions in original_source/src/transfers/transfer.cpp. Callers drive it
// from their own main loop by calling Step for each active Transfer; the
// Controller never spawns goroutines of its own beyond what blockdev and
// httpdl already run.
type Controller struct {
	Vol       fatvol.Volume
	Client    *http.Client
	Monitor   *Monitor
	IndexPath string
	BackupDir string

	// RetriesPerTransfer seeds Transfer.RetriesLeft for every transfer this
	// Controller begins or recovers.
	RetriesPerTransfer int
}

// NewController wires a Controller against a volume, an HTTP client, a
// transfer index path, and a directory to hold backup sidecars.
func NewController(vol fatvol.Volume, client *http.Client, indexPath, backupDir string, concurrentSlots int) *Controller {
	if client == nil {
		client = http.DefaultClient
	}
	return &Controller{
		Vol:                vol,
		Client:             client,
		Monitor:            NewMonitor(concurrentSlots),
		IndexPath:          indexPath,
		BackupDir:          backupDir,
		RetriesPerTransfer: defaultRetriesPerTransfer,
	}
}

func (c *Controller) backupPath(destPath string) string {
	return filepath.Join(c.BackupDir, filepath.Base(destPath)+".bak")
}

func (c *Controller) buildOrder(kind string, totalSize int64) DownloadOrder {
	if kind == "gcode" {
		return NewPlainGcodeDownloadOrder(totalSize, DefaultGcodePreviewSize, DefaultGcodePreviewSize)
	}
	return GenericFileDownloadOrder{}
}

// beginDownloadAt opens t's HTTP stream at position, computing a tail-aware
// end range: if a valid tail already reaches total_size and position falls
// before it, the request stops just short of the tail instead of
// re-downloading bytes that are already on disk (spec.md §4.6 step 4, §8
// scenario 6).
func (c *Controller) beginDownloadAt(t *Transfer, position int64) error {
	state := t.PF.GetState()
	endRange := int64(-1)
	if state.ValidTail != nil && state.ValidTail.End >= state.TotalSize && position < state.ValidTail.Start {
		endRange = state.ValidTail.Start - 1
	}
	dl, err := httpdl.Begin(c.Client, httpdl.Request{URL: t.URL}, pfSink{t.PF}, position, endRange)
	if err != nil {
		return err
	}
	t.DL = dl
	return nil
}

// Begin starts a brand-new transfer: preallocates destPath, claims a
// Monitor slot, records the transfer index entry and initial backup, and
// opens the HTTP stream at offset 0.
func (c *Controller) Begin(url, destPath, orderKind string, totalSize int64) (*Transfer, error) {
	if _, err := os.Stat(destPath); err == nil {
		return nil, ErrAlreadyExists
	}

	pf, err := Create(c.Vol, destPath, totalSize)
	if err != nil {
		return nil, err
	}

	t := &Transfer{
		ID:          newTransferID(),
		DestPath:    destPath,
		BackupPath:  c.backupPath(destPath),
		URL:         url,
		OrderKind:   orderKind,
		Order:       c.buildOrder(orderKind, totalSize),
		PF:          pf,
		State:       TransferDownloading,
		RetriesLeft: c.RetriesPerTransfer,
	}

	slot, err := c.Monitor.Acquire(t)
	if err != nil {
		pf.Close()
		os.Remove(destPath)
		return nil, err
	}
	t.slot = slot

	if err := AppendToTransferIndex(c.IndexPath, destPath); err != nil {
		c.Monitor.Release(slot)
		pf.Close()
		os.Remove(destPath)
		return nil, err
	}
	if err := c.updateBackup(t); err != nil {
		c.Monitor.Release(slot)
		pf.Close()
		os.Remove(destPath)
		RemoveFromTransferIndex(c.IndexPath, destPath)
		return nil, err
	}

	if err := c.beginDownloadAt(t, 0); err != nil {
		return t, c.recoverableFailure(t, false, err)
	}
	return t, nil
}

// Recover reopens a previously begun transfer from its backup sidecar. A
// torn or "failed" backup is treated as unrecoverable and is discarded along
// with the partial file and index entry. A destination whose backup is
// missing entirely, though, means a prior run finished the download and
// crashed before it could drop the index entry (done() only ever removes
// the backup after success) — that file is left alone and ErrTransferFinalized
// is returned so the caller knows to treat it as already complete rather
// than as garbage.
func (c *Controller) Recover(destPath string) (*Transfer, error) {
	backupPath := c.backupPath(destPath)

	rec, err := LoadBackup(backupPath)
	if err != nil {
		if os.IsNotExist(err) {
			RemoveFromTransferIndex(c.IndexPath, destPath)
			return nil, ErrTransferFinalized
		}
		c.cleanupRemove(destPath, backupPath)
		return nil, err
	}

	pf, err := Open(c.Vol, rec.DestPath, rec.State)
	if err != nil {
		c.cleanupRemove(destPath, backupPath)
		return nil, err
	}

	order := c.buildOrder(rec.OrderKind, pf.FinalSize())
	state := pf.GetState()
	if g, ok := order.(*PlainGcodeDownloadOrder); ok {
		g.ResumePhase(state)
	}

	id := rec.TransferID
	if id == "" {
		id = newTransferID()
	}
	t := &Transfer{
		ID:          id,
		DestPath:    rec.DestPath,
		BackupPath:  backupPath,
		URL:         rec.URL,
		OrderKind:   rec.OrderKind,
		Order:       order,
		PF:          pf,
		State:       TransferDownloading,
		RetriesLeft: c.RetriesPerTransfer,
	}

	slot, err := c.Monitor.Acquire(t)
	if err != nil {
		pf.Close()
		return nil, err
	}
	t.slot = slot

	position := c.resumePosition(order, state)
	if err := c.beginDownloadAt(t, position); err != nil {
		return t, c.recoverableFailure(t, false, err)
	}
	return t, nil
}

// resumePosition picks the byte offset a recovered transfer's HTTP stream
// should resume at, consulting the order's phase for gcode transfers since
// a mid-tail or mid-body resume must not restart at the head.
func (c *Controller) resumePosition(order DownloadOrder, state State) int64 {
	g, ok := order.(*PlainGcodeDownloadOrder)
	if !ok {
		if state.ValidHead != nil {
			return state.ValidHead.End
		}
		return 0
	}

	switch g.Phase() {
	case "tail":
		if state.ValidTail != nil {
			return state.ValidTail.End
		}
		return state.TotalSize - g.TailSize
	case "body":
		if state.ValidHead != nil && state.ValidHead.End > g.HeadSize {
			return state.ValidHead.End
		}
		return g.HeadSize
	default: // head, done
		if state.ValidHead != nil {
			return state.ValidHead.End
		}
		return 0
	}
}

// Step advances t by one unit of work: pull whatever bytes are currently
// available from the network, let them land in the PartialFile, then ask
// the DownloadOrder what happens next. isPrinting reports whether the
// destination file is actively being printed from; while true,
// recoverableFailure does not burn the retry budget, mirroring
// restart_download()'s "don't give up on a file that's in use" rule
// (spec.md §4.6). It returns nil while the transfer is still progressing
// normally, including while it is cooling down between retries.
func (c *Controller) Step(t *Transfer, isPrinting bool) error {
	switch t.State {
	case TransferDownloading:
		// handled below
	case TransferRetrying:
		return c.tryRestart(t, isPrinting)
	default:
		return nil
	}

	result := t.DL.Step()
	switch result {
	case httpdl.StepFailedNetwork:
		return c.recoverableFailure(t, isPrinting, t.DL.LastError())
	case httpdl.StepFailedOther:
		// Not a network hiccup — the server or request itself is at fault,
		// so retrying won't help.
		t.LastError = t.DL.LastError()
		return c.done(t, TransferFailed)
	case httpdl.StepAborted:
		return nil
	case httpdl.StepFinished:
		// The HTTP body is fully read, but its bytes may still be
		// in flight to the device. Block until every submitted sector is
		// confirmed so the order policy sees an up-to-date valid range
		// instead of racing the completion callbacks.
		if err := t.PF.Sync(); err != nil {
			return c.recoverableFailure(t, isPrinting, err)
		}
	}

	step := t.Order.NextStep(t.PF.GetState())
	switch step.Action {
	case ActionDone:
		return c.done(t, TransferDone)
	case ActionRangeJump:
		return c.restartDownload(t, isPrinting, step.Offset)
	default:
		if result == httpdl.StepFinished {
			// Stream ended but the order still wants more: the server
			// closed the connection early. Treat it the same as a
			// network hiccup and let the caller decide whether to retry.
			return c.recoverableFailure(t, isPrinting, ErrRefusedRequest)
		}
		return nil
	}
}

// restartDownload abandons the current HTTP stream and opens a new one at
// offset rounded down to a sector boundary, used by
// PlainGcodeDownloadOrder's head->tail->body jumps.
func (c *Controller) restartDownload(t *Transfer, isPrinting bool, offset int64) error {
	if t.DL != nil {
		t.DL.Close()
		t.DL = nil
	}
	offset -= offset % SectorSize
	if err := c.beginDownloadAt(t, offset); err != nil {
		return c.recoverableFailure(t, isPrinting, err)
	}
	return c.updateBackup(t)
}

// tryRestart implements restart_download() for a Transfer sitting in
// TransferRetrying: honor the cooldown since the last network error, verify
// the backup is still valid, reset the write-error latch, resume the order
// at a sector-aligned offset, and reopen the HTTP stream. A backup that no
// longer loads fails the transfer. A failure to reopen the HTTP stream does
// not touch the retry budget or leave TransferRetrying — it just records the
// new cooldown timestamp and tries again on a later Step, per
// spec.md §4.6 "on any non-Download variant, set last_connection_error_ms
// and return false".
func (c *Controller) tryRestart(t *Transfer, isPrinting bool) error {
	if time.Since(t.lastConnectionErrorAt) < restartCooldown {
		return nil
	}

	if _, err := LoadBackup(t.BackupPath); err != nil {
		t.LastError = err
		return c.done(t, TransferFailed)
	}

	t.PF.ResetError()

	state := t.PF.GetState()
	if g, ok := t.Order.(*PlainGcodeDownloadOrder); ok {
		g.ResumePhase(state)
	}
	position := c.resumePosition(t.Order, state)
	position -= position % SectorSize

	if err := c.beginDownloadAt(t, position); err != nil {
		t.lastConnectionErrorAt = time.Now()
		t.LastError = err
		return nil
	}

	t.State = TransferDownloading
	return nil
}

// recoverableFailure flushes whatever has been written so far (so a later
// Recover call sees an accurate valid-range state), charges the retry
// budget unless the file is currently being printed from, and either parks
// t in TransferRetrying to try again after a cooldown or gives up and fails
// it once the budget is exhausted (spec.md §4.6 recoverable_failure).
func (c *Controller) recoverableFailure(t *Transfer, isPrinting bool, cause error) error {
	t.PF.Sync()
	c.updateBackup(t)
	t.LastError = cause

	if t.DL != nil {
		t.DL.Close()
		t.DL = nil
	}

	if !isPrinting {
		t.RetriesLeft--
	}
	if t.RetriesLeft <= 0 {
		return c.done(t, TransferFailed)
	}

	t.State = TransferRetrying
	t.lastConnectionErrorAt = time.Now()
	return nil
}

// done finalizes a transfer that has reached a terminal outcome. On
// TransferDone it flushes and removes the now-unneeded backup sidecar; on
// TransferFailed it leaves the partial file in place but marks the backup
// failed so a future CleanupTransfers discards rather than resumes it. In
// both cases the transfer index entry is dropped and the Monitor slot
// freed.
func (c *Controller) done(t *Transfer, final TransferState) error {
	if final == TransferDone {
		if err := t.PF.Sync(); err != nil {
			return c.recoverableFailure(t, false, err)
		}
	}

	if t.DL != nil {
		t.DL.Close()
		t.DL = nil
	}
	t.PF.Close()

	switch final {
	case TransferDone:
		os.Remove(t.BackupPath)
	case TransferFailed:
		MarkBackupFailed(t.BackupPath)
	}
	RemoveFromTransferIndex(c.IndexPath, t.DestPath)
	if t.slot != nil {
		c.Monitor.Release(t.slot)
		t.slot = nil
	}
	t.State = final
	return nil
}

// cleanupRemove discards a transfer that cannot be resumed: its partial
// file, its backup sidecar, and its transfer index entry. Reached when the
// backup exists but cannot be used (empty, corrupt or unreadable) or when
// the partial file cannot be reopened — a destination with no backup at all
// is finalized instead, see Recover.
func (c *Controller) cleanupRemove(destPath, backupPath string) {
	os.Remove(destPath)
	os.Remove(backupPath)
	RemoveFromTransferIndex(c.IndexPath, destPath)
}

// Abandon stops t without finishing it: the backup is marked failed so a
// future CleanupTransfers will discard rather than resume it.
func (c *Controller) Abandon(t *Transfer) error {
	return c.done(t, TransferFailed)
}

func (c *Controller) updateBackup(t *Transfer) error {
	rec := BackupRecord{
		TransferID: t.ID,
		DestPath:   t.DestPath,
		URL:        t.URL,
		OrderKind:  t.OrderKind,
		State:      t.PF.GetState(),
	}
	return SaveBackup(t.BackupPath, rec)
}

// CleanupTransfers walks the transfer index at startup and attempts to
// recover every listed destination. A destination whose transfer already
// finished (ErrTransferFinalized) simply has its now-stale index entry
// dropped; every other recover failure discards the underlying files as a
// side effect of Recover/cleanupRemove itself. Only the transfers that came
// back healthy are returned to the caller to resume stepping.
func (c *Controller) CleanupTransfers() ([]*Transfer, error) {
	entries, err := ReadTransferIndex(c.IndexPath)
	if err != nil {
		return nil, err
	}

	var recovered []*Transfer
	for _, destPath := range entries {
		// A recover failure has already cleaned up after itself, whether by
		// dropping a stale index entry for an ErrTransferFinalized
		// destination or by discarding files via cleanupRemove for a
		// genuinely unrecoverable one.
		t, err := c.Recover(destPath)
		if err != nil {
			continue
		}
		recovered = append(recovered, t)
	}
	return recovered, nil
}

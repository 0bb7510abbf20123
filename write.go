package partialxfer

import "github.com/prusa3d/partialxfer/blockdev"

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Seek positions the write cursor at offset. If a sector buffer is already
// held for a different sector it is dispatched (flushed) first; the target
// sector is then acquired from the pool so Write can begin copying into it
// immediately. Acquiring blocks if the pool is saturated with in-flight
// sectors, which is how backpressure from a slow device propagates up to
// the HTTP download loop (spec.md §4.4).
func (pf *PartialFile) Seek(offset int64) error {
	if pf.writeError.Load() {
		return errWriteLatched
	}
	if offset < 0 || offset > pf.state.TotalSize {
		return errWritePastEOF
	}

	nbr := pf.sectorNbr(offset)
	if pf.currentSector != nil && pf.currentSector.nbr != nbr {
		if err := pf.dispatchCurrentSector(); err != nil {
			return err
		}
	}
	if pf.currentSector == nil {
		slot, buf, ok := pf.pool.acquire(pf.pool.acquireTimeout)
		if !ok {
			return ErrNoTransferSlot
		}
		pf.currentSector = &sector{nbr: nbr, buf: buf}
		pf.currentSlot = slot
	}
	pf.currentOffset = offset
	return nil
}

// Write copies data into the buffered sector(s) starting at the current
// cursor, dispatching each sector to the device as it fills and acquiring
// the next one transparently. It returns the number of bytes accepted
// before the first error.
func (pf *PartialFile) Write(data []byte) (int, error) {
	var total int
	for len(data) > 0 {
		if pf.writeError.Load() {
			return total, errWriteLatched
		}
		if pf.currentSector == nil {
			if err := pf.Seek(pf.currentOffset); err != nil {
				return total, err
			}
		}

		sectorStart := pf.offsetOfSector(pf.currentSector.nbr)
		within := pf.currentOffset - sectorStart
		if within < 0 || within >= SectorSize {
			if err := pf.Seek(pf.currentOffset); err != nil {
				return total, err
			}
			sectorStart = pf.offsetOfSector(pf.currentSector.nbr)
			within = pf.currentOffset - sectorStart
		}

		n := min64(SectorSize-within, int64(len(data)))
		copy(pf.currentSector.buf[within:within+n], data[:n])
		pf.currentOffset += n
		data = data[n:]
		total += int(n)

		if within+n == SectorSize || pf.currentOffset >= pf.state.TotalSize {
			if err := pf.dispatchCurrentSector(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// submitSector submits sec/slot for an async write and records the byte
// range it will make valid once the device confirms it. The identity lock
// is poked first: a failed poke means the drive was very likely swapped out
// from under us, and we must not submit further writes against sector
// numbers that may now belong to a different filesystem. The caller is
// responsible for detaching sec/slot from pf.currentSector/currentSlot
// beforehand; submitSector never touches those fields.
func (pf *PartialFile) submitSector(sec *sector, slot int) error {
	if err := pf.pokeLock(); err != nil {
		pf.writeError.Store(true)
		pf.pool.release(slot)
		return errDeviceSwapped
	}

	sectorStart := pf.offsetOfSector(sec.nbr)
	pf.futureExtend[slot] = ValidPart{
		Start: sectorStart,
		End:   min64(sectorStart+SectorSize, pf.state.TotalSize),
	}

	req := blockdev.WriteRequest{
		LUN:       pf.lun,
		SectorNbr: sec.nbr,
		Data:      sec.buf,
	}
	if err := pf.device.Submit(req, slot, pf.onSectorComplete); err != nil {
		pf.writeError.Store(true)
		pf.pool.release(slot)
		return &StorageError{Msg: "USB write failed"}
	}
	return nil
}

// dispatchCurrentSector submits the buffered sector for an async write and
// clears it. Write calls it once the sector is full or the file has ended;
// Seek calls it when moving to a different sector, whether or not the
// sector is full.
func (pf *PartialFile) dispatchCurrentSector() error {
	if pf.currentSector == nil {
		return nil
	}
	sec, slot := pf.currentSector, pf.currentSlot
	pf.currentSector = nil
	pf.currentSlot = -1
	return pf.submitSector(sec, slot)
}

// duplicateAndDispatchCurrentSector is Sync's flush path for a
// partially-filled current sector: unlike dispatchCurrentSector it must not
// lose the bytes already buffered, because a caller may keep writing into
// the same sector right after Sync returns (spec.md §4.3 sync()). It
// acquires a fresh slot, copies the current buffer into it, dispatches the
// original buffer to the device, and retains the copy as the new current
// sector so later writes keep filling the same buffered bytes instead of a
// freshly zeroed one.
func (pf *PartialFile) duplicateAndDispatchCurrentSector() error {
	if pf.currentSector == nil {
		return nil
	}

	newSlot, newBuf, ok := pf.pool.acquire(pf.pool.acquireTimeout)
	if !ok {
		return ErrNoTransferSlot
	}
	copy(newBuf, pf.currentSector.buf)

	oldSector, oldSlot := pf.currentSector, pf.currentSlot
	pf.currentSector = &sector{nbr: oldSector.nbr, buf: newBuf}
	pf.currentSlot = newSlot

	return pf.submitSector(oldSector, oldSlot)
}

// onSectorComplete is the USB thread's completion callback. It folds the
// sector's byte range into the valid-range tracker on success, or latches a
// write error that will be surfaced to the caller on the next Write/Sync.
func (pf *PartialFile) onSectorComplete(ok bool, slot int) {
	if !ok {
		pf.writeError.Store(true)
		pf.pool.release(slot)
		return
	}

	pf.stateMu.Lock()
	extendValidPart(&pf.state, pf.futureExtend[slot])
	percent := pf.state.GetPercentValid()
	pf.stateMu.Unlock()

	if percent != pf.lastProgressPercent {
		pf.lastProgressPercent = percent
		pf.logf("partialxfer: %d%% valid", percent)
	}

	pf.pool.release(slot)
}

// Sync flushes any partially-filled buffered sector (retaining a duplicate
// of it as the new current sector so writes can continue right after) and
// waits for in-flight sectors to be confirmed by the device. That wait is
// bounded by the pool's acquire timeout, and a wait that timed out is not
// reported. It returns errWriteLatched if a write error is latched,
// clearing nothing: callers must
// call ResetError to resume writing after deciding how to handle a failure.
func (pf *PartialFile) Sync() error {
	if err := pf.duplicateAndDispatchCurrentSector(); err != nil {
		return err
	}
	var avoid uint
	if pf.currentSector != nil {
		avoid = 1
	}
	pf.pool.sync(avoid, false)
	if pf.writeError.Load() {
		return errWriteLatched
	}
	return nil
}

// ResetError clears a latched write error, allowing writes to resume after
// the caller has decided to retry (e.g. after reopening the device).
func (pf *PartialFile) ResetError() {
	pf.writeError.Store(false)
}

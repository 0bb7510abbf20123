package partialxfer

import (
	"time"

	"github.com/bits-and-blooms/bitset"
)

// defaultAcquireTimeout bounds how long SectorPool.acquire waits for a free
// slot under normal operation, mirroring USBH_MSC_RW_MAX_DELAY. sync/reset
// with force=true wait indefinitely instead.
const defaultAcquireTimeout = 2 * time.Second

// SectorPool is a small, fixed-capacity ring of sector buffers. A counting
// semaphore governs
// admission (at most capacity sectors in flight); a bitmap identifies which
// slots are currently acquired, matching spec.md §4.1's explicit separation
// of those two concerns.
type SectorPool struct {
	capacity uint
	sem      chan struct{}
	mask     *bitset.BitSet
	buffers  [][]byte
	mu       chan struct{} // binary mutex, kept as a channel to stay alloc-free

	acquireTimeout time.Duration
}

// NewSectorPool preallocates capacity sector-sized buffers.
func NewSectorPool(capacity uint) *SectorPool {
	sp := &SectorPool{
		capacity:       capacity,
		sem:            make(chan struct{}, capacity),
		mask:           bitset.New(capacity),
		buffers:        make([][]byte, capacity),
		mu:             make(chan struct{}, 1),
		acquireTimeout: defaultAcquireTimeout,
	}
	for i := range sp.buffers {
		sp.buffers[i] = make([]byte, SectorSize)
	}
	for i := uint(0); i < capacity; i++ {
		sp.sem <- struct{}{}
	}
	sp.mu <- struct{}{}
	return sp
}

func (sp *SectorPool) lock()   { <-sp.mu }
func (sp *SectorPool) unlock() { sp.mu <- struct{}{} }

// acquire blocks until a slot is free (bounded by timeout, or indefinitely
// when timeout <= 0), then returns the lowest clear slot's index and its
// zeroed buffer. It fails only on timeout.
func (sp *SectorPool) acquire(timeout time.Duration) (slot int, buf []byte, ok bool) {
	if timeout <= 0 {
		<-sp.sem
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-sp.sem:
		case <-timer.C:
			return 0, nil, false
		}
	}

	sp.lock()
	idx, found := sp.mask.NextClear(0)
	if !found {
		// Can't happen: the semaphore guarantees a clear bit exists.
		sp.unlock()
		sp.sem <- struct{}{}
		return 0, nil, false
	}
	sp.mask.Set(idx)
	sp.unlock()

	buf = sp.buffers[idx]
	for i := range buf {
		buf[i] = 0
	}
	return int(idx), buf, true
}

// release returns slot to the pool.
func (sp *SectorPool) release(slot int) {
	sp.lock()
	sp.mask.Clear(uint(slot))
	sp.unlock()
	sp.sem <- struct{}{}
}

// sync is the flush primitive: it acquires capacity-avoid permits then
// releases them, guaranteeing no in-flight sector is left unaccounted for
// before returning. With force it waits indefinitely for each permit;
// otherwise it is bounded by acquireTimeout and may return false if some
// permits couldn't be obtained in time.
func (sp *SectorPool) sync(avoid uint, force bool) bool {
	need := sp.capacity - avoid
	timeout := sp.acquireTimeout
	if force {
		timeout = 0
	}

	acquired := make([]int, 0, need)
	for uint(len(acquired)) < need {
		slot, _, ok := sp.acquire(timeout)
		if !ok {
			break
		}
		acquired = append(acquired, slot)
	}
	for _, slot := range acquired {
		sp.release(slot)
	}
	return uint(len(acquired)) == need
}
